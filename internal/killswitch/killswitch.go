// Package killswitch pauses and resumes agent execution per agent type or
// globally. The workflow runtime consults IsActive before every agent node;
// scheduled resumes take effect lazily on that check.
package killswitch

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// All is the agent type that toggles the global flag.
const All = "all"

// Pause records who paused an agent type and until when.
type Pause struct {
	AgentType   string     `json:"agent_type"`
	By          string     `json:"by"`
	Reason      string     `json:"reason"`
	PausedAt    time.Time  `json:"paused_at"`
	ResumeAfter *time.Time `json:"resume_after,omitempty"`
}

// Switch tracks paused agent types. The zero-value-adjacent construction via
// New is required; the mutex guards the map and nothing else.
type Switch struct {
	mu     sync.Mutex
	paused map[string]Pause
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a Switch with everything active.
func New(log zerolog.Logger) *Switch {
	return &Switch{paused: make(map[string]Pause), log: log, now: time.Now}
}

// Pause deactivates an agent type. resumeAfter may be nil for an indefinite
// pause. Pausing All stops every agent.
func (s *Switch) Pause(agentType, by, reason string, resumeAfter *time.Time) Pause {
	p := Pause{
		AgentType:   agentType,
		By:          by,
		Reason:      reason,
		PausedAt:    s.now().UTC(),
		ResumeAfter: resumeAfter,
	}

	s.mu.Lock()
	s.paused[agentType] = p
	s.mu.Unlock()

	s.log.Warn().
		Str("agent_type", agentType).
		Str("by", by).
		Str("reason", reason).
		Msg("killswitch: paused")
	return p
}

// Resume reactivates an agent type. Resuming All clears only the global flag,
// not per-type pauses.
func (s *Switch) Resume(agentType, by string) bool {
	s.mu.Lock()
	_, existed := s.paused[agentType]
	delete(s.paused, agentType)
	s.mu.Unlock()

	if existed {
		s.log.Info().Str("agent_type", agentType).Str("by", by).Msg("killswitch: resumed")
	}
	return existed
}

// IsActive reports whether the agent type may run. An elapsed ResumeAfter
// deadline clears the pause on this call.
func (s *Switch) IsActive(agentType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, key := range []string{All, agentType} {
		p, ok := s.paused[key]
		if !ok {
			continue
		}
		if p.ResumeAfter != nil && now.After(*p.ResumeAfter) {
			delete(s.paused, key)
			continue
		}
		return false
	}
	return true
}

// Paused returns a snapshot of the current pauses.
func (s *Switch) Paused() []Pause {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Pause, 0, len(s.paused))
	for _, p := range s.paused {
		out = append(out, p)
	}
	return out
}
