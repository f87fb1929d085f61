package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"pipeline_forecast_backend/internal/pipeline/forecast"
	"pipeline_forecast_backend/internal/pipeline/ports"
	"pipeline_forecast_backend/platform/logger"
)

const (
	// DefaultArchiveBucket holds forecast records evicted from the in-memory history.
	DefaultArchiveBucket = "forecast-archive"

	archiveContentType = "application/json"
)

// ForecastArchiver writes superseded forecast records to object storage as
// one JSON document per record.
type ForecastArchiver struct {
	store  ObjectStore
	bucket string
	log    *logger.Logger
}

// NewForecastArchiver returns an archiver writing to bucket.
func NewForecastArchiver(store ObjectStore, bucket string, log *logger.Logger) *ForecastArchiver {
	if bucket == "" {
		bucket = DefaultArchiveBucket
	}
	return &ForecastArchiver{store: store, bucket: bucket, log: log}
}

// Bucket returns the archive bucket name.
func (a *ForecastArchiver) Bucket() string { return a.bucket }

// Archive uploads records. Every record is attempted; failures are joined.
func (a *ForecastArchiver) Archive(ctx context.Context, records []forecast.Record) error {
	var errs []error
	for _, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode forecast record %s: %w", rec.ID, err))
			continue
		}
		key := ObjectKey(rec)
		if err := a.store.PutObject(ctx, a.bucket, key, archiveContentType, bytes.NewReader(raw), int64(len(raw))); err != nil {
			errs = append(errs, err)
			continue
		}
		a.log.Debug("forecast record archived", "bucket", a.bucket, "key", key)
	}
	return errors.Join(errs...)
}

// Load reads an archived record back.
func (a *ForecastArchiver) Load(ctx context.Context, key string) (forecast.Record, error) {
	obj, err := a.store.GetObject(ctx, a.bucket, key)
	if err != nil {
		return forecast.Record{}, err
	}
	defer obj.Close()

	var rec forecast.Record
	if err := json.NewDecoder(obj).Decode(&rec); err != nil {
		return forecast.Record{}, fmt.Errorf("decode archived record %s: %w", key, err)
	}
	return rec, nil
}

// ObjectKey places a record under territory, period and type so a prefix
// listing returns one forecast series in generation order.
func ObjectKey(rec forecast.Record) string {
	return path.Join(
		"forecasts",
		rec.TerritoryID.String(),
		string(rec.Period),
		string(rec.Type),
		rec.GeneratedAt.UTC().Format(time.RFC3339Nano)+"_"+rec.ID.String()+".json",
	)
}

var _ ports.Archiver = (*ForecastArchiver)(nil)
