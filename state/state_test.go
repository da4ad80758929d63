package state

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/domain"
)

// setupTestState creates a temporary directory and overrides statePathFunc for testing
func setupTestState(t *testing.T) (string, func()) {
	tempDir := t.TempDir()
	statePath := filepath.Join(tempDir, "state.json")

	origStatePathFunc := statePathFunc
	statePathFunc = func() (string, error) {
		return statePath, nil
	}

	cleanup := func() {
		statePathFunc = origStatePathFunc
	}

	return statePath, cleanup
}

func TestNewRunID(t *testing.T) {
	id1 := NewRunID()
	id2 := NewRunID()

	assert.NotEmpty(t, id1)
	assert.NotEmpty(t, id2)
	assert.NotEqual(t, id1, id2, "Each run ID should be unique")
}

func TestLoadEmptyState(t *testing.T) {
	_, cleanup := setupTestState(t)
	defer cleanup()

	st, err := Load()

	require.NoError(t, err)
	assert.NotNil(t, st)
	assert.NotNil(t, st.Chats)
	assert.Empty(t, st.Chats)
}

func TestSaveAndLoad(t *testing.T) {
	_, cleanup := setupTestState(t)
	defer cleanup()

	runID := NewRunID()
	st := &BotState{
		RunID: runID,
		Chats: map[string]ChatInfo{
			"12345": {
				ChatID:       "12345",
				State:        string(domain.StateBusy),
				Cwd:          "/home/dev/project",
				MessageCount: 4,
				LastUpdated:  time.Now(),
			},
		},
	}

	require.NoError(t, st.Save())

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, runID, loaded.RunID)
	assert.Len(t, loaded.Chats, 1)
	assert.Equal(t, string(domain.StateBusy), loaded.Chats["12345"].State)
	assert.Equal(t, 4, loaded.Chats["12345"].MessageCount)
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestLoadCorruptFile(t *testing.T) {
	statePath, cleanup := setupTestState(t)
	defer cleanup()

	require.NoError(t, os.WriteFile(statePath, []byte("{not json"), 0644))

	st, err := Load()
	assert.Error(t, err)
	assert.NotNil(t, st)
	assert.Empty(t, st.Chats)
}

func TestUpdateChat(t *testing.T) {
	_, cleanup := setupTestState(t)
	defer cleanup()

	st := &BotState{RunID: NewRunID(), Chats: make(map[string]ChatInfo)}
	require.NoError(t, st.UpdateChat(ChatInfo{
		ChatID: "42",
		State:  string(domain.StateIdle),
		Cwd:    "/w",
	}))

	loaded, err := Load()
	require.NoError(t, err)
	require.Contains(t, loaded.Chats, "42")
	assert.False(t, loaded.Chats["42"].LastUpdated.IsZero())
}

func TestReplaceChats(t *testing.T) {
	_, cleanup := setupTestState(t)
	defer cleanup()

	st := &BotState{RunID: NewRunID(), Chats: map[string]ChatInfo{
		"old": {ChatID: "old", State: string(domain.StateIdle)},
	}}

	require.NoError(t, st.ReplaceChats([]ChatInfo{
		{ChatID: "a", State: string(domain.StateBusy)},
		{ChatID: "b", State: string(domain.StateIdle)},
	}))

	loaded, err := Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Chats, 2)
	assert.NotContains(t, loaded.Chats, "old")
}

func TestRemoveChat(t *testing.T) {
	_, cleanup := setupTestState(t)
	defer cleanup()

	st := &BotState{Chats: map[string]ChatInfo{
		"a": {ChatID: "a"},
		"b": {ChatID: "b"},
	}}

	require.NoError(t, st.RemoveChat("a"))

	loaded, err := Load()
	require.NoError(t, err)
	assert.NotContains(t, loaded.Chats, "a")
	assert.Contains(t, loaded.Chats, "b")
}

func TestCounts(t *testing.T) {
	st := &BotState{Chats: map[string]ChatInfo{
		"a": {State: string(domain.StateIdle)},
		"b": {State: string(domain.StateIdle)},
		"c": {State: string(domain.StateBusy)},
		"d": {State: string(domain.StateAwaitingApproval)},
	}}

	idle, busy, awaiting := st.Counts()
	assert.Equal(t, 2, idle)
	assert.Equal(t, 1, busy)
	assert.Equal(t, 1, awaiting)
}

func TestConcurrentSaves(t *testing.T) {
	_, cleanup := setupTestState(t)
	defer cleanup()

	runID := NewRunID()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := &BotState{RunID: runID, Chats: make(map[string]ChatInfo)}
			assert.NoError(t, st.Save())
		}()
	}
	wg.Wait()

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, runID, loaded.RunID)
}
