package flags

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Flag names the gateway consults at runtime.
const (
	StreamingEnabled   = "streaming_enabled"
	ContextCompression = "context_compression"
	SemanticCache      = "semantic_cache"
	ToolInjection      = "tool_injection"
)

// Store holds runtime feature flags. Flags are seeded from configuration
// and can be toggled through the admin endpoint without a restart; the
// set of known flags is fixed at startup.
type Store struct {
	mu     sync.RWMutex
	flags  map[string]bool
	logger *zap.Logger
}

func NewStore(seed map[string]bool, logger *zap.Logger) *Store {
	flags := make(map[string]bool, len(seed))
	for name, enabled := range seed {
		flags[name] = enabled
	}
	return &Store{flags: flags, logger: logger}
}

// IsEnabled reports a flag's state. Unknown flags are off.
func (s *Store) IsEnabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[name]
}

// Toggle flips a known flag and returns its new state.
func (s *Store) Toggle(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.flags[name]
	if !ok {
		return false, fmt.Errorf("unknown feature flag: %s", name)
	}
	s.flags[name] = !current

	s.logger.Info("Feature flag toggled",
		zap.String("flag", name),
		zap.Bool("enabled", !current))
	return !current, nil
}

// Set forces a known flag to a state.
func (s *Store) Set(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flags[name]; !ok {
		return fmt.Errorf("unknown feature flag: %s", name)
	}
	s.flags[name] = enabled
	return nil
}

// All returns a snapshot of every flag, sorted by name.
func (s *Store) All() []FlagState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]FlagState, 0, len(s.flags))
	for name, enabled := range s.flags {
		states = append(states, FlagState{Name: name, Enabled: enabled})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

type FlagState struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}
