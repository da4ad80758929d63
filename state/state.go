// Package state maintains an on-disk snapshot of the bot's chat sessions
// for out-of-process inspection (the status subcommand reads it). The
// snapshot is advisory; the authoritative session state lives in the
// registry and the store.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"parley/domain"
)

// BotState is the persisted snapshot of one bot process
type BotState struct {
	RunID     string              `json:"run_id"` // UUID for the current bot run
	Chats     map[string]ChatInfo `json:"chats"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// ChatInfo is the snapshot of a single chat session
type ChatInfo struct {
	ChatID       string    `json:"chat_id"`
	State        string    `json:"state"`
	Cwd          string    `json:"cwd"`
	MessageCount int       `json:"message_count"`
	LastUpdated  time.Time `json:"last_updated"`
}

// NewRunID generates a new UUID for the current bot run
func NewRunID() string {
	return uuid.New().String()
}

// statePathFunc returns the path to the state file. Overridable in tests.
var statePathFunc = getDefaultStatePath

// getDefaultStatePath returns the default state file path
func getDefaultStatePath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".config", "parley")
	return filepath.Join(configDir, "state.json"), nil
}

// GetStatePath returns the path to the state file
func GetStatePath() (string, error) {
	return statePathFunc()
}

// SetPath overrides the state file location for this process
func SetPath(path string) {
	statePathFunc = func() (string, error) { return path, nil }
}

// Load reads the snapshot from disk. Returns an empty snapshot if the
// file doesn't exist or can't be parsed.
func Load() (*BotState, error) {
	empty := &BotState{Chats: make(map[string]ChatInfo)}

	path, err := GetStatePath()
	if err != nil {
		return empty, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return empty, fmt.Errorf("failed to read state file: %w", err)
	}

	var snapshot BotState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return empty, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	if snapshot.Chats == nil {
		snapshot.Chats = make(map[string]ChatInfo)
	}

	return &snapshot, nil
}

// Save writes the snapshot to disk with file locking
func (s *BotState) Save() error {
	path, err := GetStatePath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open state file: %w", err)
	}
	defer file.Close()

	if err := lockFile(file); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer unlockFile(file)

	s.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate file: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek to beginning: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	return nil
}

// UpdateChat adds or refreshes one chat's snapshot entry
func (s *BotState) UpdateChat(info ChatInfo) error {
	if s.Chats == nil {
		s.Chats = make(map[string]ChatInfo)
	}
	info.LastUpdated = time.Now()
	s.Chats[info.ChatID] = info
	return s.Save()
}

// ReplaceChats swaps in a complete set of chat entries for this run
func (s *BotState) ReplaceChats(infos []ChatInfo) error {
	chats := make(map[string]ChatInfo, len(infos))
	now := time.Now()
	for _, info := range infos {
		info.LastUpdated = now
		chats[info.ChatID] = info
	}
	s.Chats = chats
	return s.Save()
}

// RemoveChat deletes a chat from the snapshot
func (s *BotState) RemoveChat(chatID string) error {
	if s.Chats == nil {
		return nil
	}
	delete(s.Chats, chatID)
	return s.Save()
}

// Counts tallies chats per state
func (s *BotState) Counts() (idle int, busy int, awaiting int) {
	for _, chat := range s.Chats {
		switch domain.SessionState(chat.State) {
		case domain.StateIdle:
			idle++
		case domain.StateBusy:
			busy++
		case domain.StateAwaitingApproval:
			awaiting++
		}
	}
	return idle, busy, awaiting
}
