package domain

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// RulesConfig is the on-disk representation of a stage rule table.
type RulesConfig struct {
	Initial string        `yaml:"initial"`
	Stages  []StageConfig `yaml:"stages"`
}

// StageConfig configures one stage of the rule table.
type StageConfig struct {
	Name        string   `yaml:"name"`
	Probability int      `yaml:"probability"`
	Next        []string `yaml:"next"`
}

// Rules is the immutable stage transition table. It is built once at startup
// and shared read-only.
type Rules struct {
	initial  Stage
	stages   []Stage
	next     map[Stage]map[Stage]struct{}
	defaults map[Stage]int
}

// DefaultRulesConfig is the table used when no rules file is configured.
func DefaultRulesConfig() RulesConfig {
	return RulesConfig{
		Initial: string(StageDiscovery),
		Stages: []StageConfig{
			{Name: string(StageDiscovery), Probability: 20, Next: []string{"qualification", "proposal", "closed_lost"}},
			{Name: string(StageQualification), Probability: 35, Next: []string{"discovery", "proposal", "closed_lost"}},
			{Name: string(StageProposal), Probability: 50, Next: []string{"qualification", "negotiation", "closed_won", "closed_lost"}},
			{Name: string(StageNegotiation), Probability: 75, Next: []string{"proposal", "closed_won", "closed_lost"}},
			{Name: string(StageClosedWon), Probability: 100},
			{Name: string(StageClosedLost), Probability: 0},
		},
	}
}

// DefaultRules returns the built-in rule table.
func DefaultRules() *Rules {
	r, err := NewRules(DefaultRulesConfig())
	if err != nil {
		panic("default stage rules are invalid: " + err.Error())
	}
	return r
}

// LoadRules reads a YAML rule table from path. An empty path yields the
// built-in defaults.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule table.
func ParseRules(data []byte) (*Rules, error) {
	var cfg RulesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode stage rules: %w", err)
	}
	return NewRules(cfg)
}

// NewRules validates cfg and builds the rule table. Unknown stage names,
// outgoing transitions from closed stages and decreasing default
// probabilities are rejected here rather than at transition time.
func NewRules(cfg RulesConfig) (*Rules, error) {
	r := &Rules{
		next:     make(map[Stage]map[Stage]struct{}, len(cfg.Stages)),
		defaults: make(map[Stage]int, len(cfg.Stages)),
	}

	for _, sc := range cfg.Stages {
		s, err := ParseStage(sc.Name)
		if err != nil {
			return nil, invalidRules("stage rules reference unknown stage %q", sc.Name)
		}
		if _, dup := r.defaults[s]; dup {
			return nil, invalidRules("stage %q is configured twice", s)
		}
		if sc.Probability < 0 || sc.Probability > 100 {
			return nil, invalidRules("default probability %d for %q is outside [0,100]", sc.Probability, s)
		}
		r.defaults[s] = sc.Probability
		r.stages = append(r.stages, s)
	}

	for _, closed := range []Stage{StageClosedWon, StageClosedLost} {
		if _, ok := r.defaults[closed]; !ok {
			return nil, invalidRules("stage rules must include %q", closed)
		}
	}

	for _, sc := range cfg.Stages {
		from, _ := ParseStage(sc.Name)
		if from.IsTerminal() {
			if len(sc.Next) > 0 {
				return nil, invalidRules("terminal stage %q cannot have outgoing transitions", from)
			}
			continue
		}
		if len(sc.Next) == 0 {
			return nil, invalidRules("open stage %q has no outgoing transitions", from)
		}
		targets := make(map[Stage]struct{}, len(sc.Next))
		for _, name := range sc.Next {
			to, err := ParseStage(name)
			if err != nil {
				return nil, invalidRules("stage %q permits unknown stage %q", from, name)
			}
			if _, ok := r.defaults[to]; !ok {
				return nil, invalidRules("stage %q permits unconfigured stage %q", from, to)
			}
			if to == from {
				return nil, invalidRules("stage %q cannot transition to itself", from)
			}
			targets[to] = struct{}{}
		}
		r.next[from] = targets
	}

	sort.Slice(r.stages, func(i, j int) bool { return r.stages[i].Rank() < r.stages[j].Rank() })

	// Defaults must not decrease along the canonical ordering of open stages,
	// and closed_won must be at least as likely as any open stage.
	last := -1
	for _, s := range r.stages {
		if s == StageClosedLost {
			continue
		}
		if r.defaults[s] < last {
			return nil, invalidRules("default probability of %q (%d) is lower than a preceding stage (%d)", s, r.defaults[s], last)
		}
		last = r.defaults[s]
	}

	if cfg.Initial == "" {
		r.initial = r.stages[0]
	} else {
		initial, err := ParseStage(cfg.Initial)
		if err != nil {
			return nil, invalidRules("initial stage %q is unknown", cfg.Initial)
		}
		r.initial = initial
	}
	if _, ok := r.defaults[r.initial]; !ok || r.initial.IsTerminal() {
		return nil, invalidRules("initial stage %q must be a configured open stage", r.initial)
	}

	return r, nil
}

// Initial returns the stage new opportunities start in.
func (r *Rules) Initial() Stage { return r.initial }

// Stages returns the configured stages in canonical order.
func (r *Rules) Stages() []Stage {
	out := make([]Stage, len(r.stages))
	copy(out, r.stages)
	return out
}

// Has reports whether s is enabled by this table.
func (r *Rules) Has(s Stage) bool {
	_, ok := r.defaults[s]
	return ok
}

// DefaultProbability returns the configured default probability for s.
func (r *Rules) DefaultProbability(s Stage) (int, bool) {
	p, ok := r.defaults[s]
	return p, ok
}

// Permits reports whether from → to is a permitted transition.
func (r *Rules) Permits(from, to Stage) bool {
	if from.IsTerminal() {
		return false
	}
	_, ok := r.next[from][to]
	return ok
}

// NextStages returns the stages reachable from s in canonical order.
func (r *Rules) NextStages(s Stage) []Stage {
	out := make([]Stage, 0, len(r.next[s]))
	for to := range r.next[s] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() < out[j].Rank() })
	return out
}
