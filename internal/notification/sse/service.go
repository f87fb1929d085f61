// Package sse provides Server-Sent Events support for live forecast updates.
package sse

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"pipeline_forecast_backend/platform/logger"
)

// EventType represents different types of SSE events
type EventType string

const (
	EventForecastUpdated EventType = "forecast_updated"
)

const clientBuffer = 32

// Event represents an SSE event payload
type Event struct {
	Type        EventType   `json:"type"`
	TerritoryID uuid.UUID   `json:"territoryId"`
	Data        interface{} `json:"data,omitempty"`
}

// client represents a connected SSE client
type client struct {
	territoryID uuid.UUID
	events      chan Event
}

// Service manages SSE connections and fans events out per territory.
type Service struct {
	mu      sync.RWMutex
	clients map[uuid.UUID][]*client // territoryID -> clients
	closed  bool
	log     *logger.Logger
}

// New creates a new SSE service
func New(log *logger.Logger) *Service {
	return &Service{
		clients: make(map[uuid.UUID][]*client),
		log:     log,
	}
}

// addClient registers a new client connection
func (s *Service) addClient(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c.territoryID] = append(s.clients[c.territoryID], c)
	return true
}

// removeClient unregisters a client connection
func (s *Service) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients := s.clients[c.territoryID]
	for i, cl := range clients {
		if cl == c {
			s.clients[c.territoryID] = append(clients[:i], clients[i+1:]...)
			close(c.events)
			break
		}
	}
	if len(s.clients[c.territoryID]) == 0 {
		delete(s.clients, c.territoryID)
	}
}

// Clients returns the number of streams open for a territory.
func (s *Service) Clients(territoryID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients[territoryID])
}

// Publish sends an event to every stream watching its territory. Slow
// clients miss events rather than block the publisher.
func (s *Service) Publish(event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := s.clients[event.TerritoryID]
	for _, c := range clients {
		select {
		case c.events <- event:
		default:
			s.log.Warn("sse buffer full, dropping event", "territoryId", event.TerritoryID, "type", event.Type)
		}
	}

	s.log.Debug("sse event published", "type", event.Type, "territoryId", event.TerritoryID, "clients", len(clients))
}

// Handler returns a Gin handler streaming events for the territory in the
// territoryId path parameter.
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		territoryID, err := uuid.Parse(c.Param("territoryId"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid territory id"})
			return
		}

		cl := &client{
			territoryID: territoryID,
			events:      make(chan Event, clientBuffer),
		}
		if !s.addClient(cl) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
			return
		}
		defer s.removeClient(cl)

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")

		c.SSEvent("connected", gin.H{"territoryId": territoryID})
		c.Writer.Flush()

		clientGone := c.Request.Context().Done()
		for {
			select {
			case <-clientGone:
				return
			case event, ok := <-cl.events:
				if !ok {
					return
				}
				data, _ := json.Marshal(event)
				c.SSEvent(string(event.Type), string(data))
				c.Writer.Flush()
			}
		}
	}
}

// Close ends every open stream.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, clients := range s.clients {
		for _, c := range clients {
			close(c.events)
		}
	}
	s.clients = make(map[uuid.UUID][]*client)
	s.closed = true
}
