package flags

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStore() *Store {
	return NewStore(map[string]bool{
		StreamingEnabled:   true,
		ContextCompression: true,
		SemanticCache:      false,
		ToolInjection:      false,
	}, zap.NewNop())
}

func TestIsEnabled(t *testing.T) {
	s := newStore()

	assert.True(t, s.IsEnabled(StreamingEnabled))
	assert.False(t, s.IsEnabled(SemanticCache))
	assert.False(t, s.IsEnabled("never_heard_of_it"))
}

func TestToggle(t *testing.T) {
	s := newStore()

	enabled, err := s.Toggle(SemanticCache)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.True(t, s.IsEnabled(SemanticCache))

	enabled, err = s.Toggle(SemanticCache)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestToggle_UnknownFlag(t *testing.T) {
	s := newStore()

	_, err := s.Toggle("made_up")
	assert.Error(t, err)
}

func TestSet(t *testing.T) {
	s := newStore()

	require.NoError(t, s.Set(ToolInjection, true))
	assert.True(t, s.IsEnabled(ToolInjection))

	assert.Error(t, s.Set("made_up", true))
}

func TestAll_SortedSnapshot(t *testing.T) {
	s := newStore()

	states := s.All()
	require.Len(t, states, 4)
	for i := 1; i < len(states); i++ {
		assert.Less(t, states[i-1].Name, states[i].Name)
	}

	// Snapshot, not a live view.
	_, err := s.Toggle(SemanticCache)
	require.NoError(t, err)
	for _, st := range states {
		if st.Name == SemanticCache {
			assert.False(t, st.Enabled)
		}
	}
}
