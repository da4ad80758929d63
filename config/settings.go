package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Settings represents the structure of ~/.parley/settings.json
type Settings struct {
	AllowedChats           StringArray       `json:"allowed_chats,omitempty"`
	ApprovalTimeoutSeconds *int              `json:"approval_timeout_seconds,omitempty"`
	ClaudeBin              string            `json:"claude_bin,omitempty"`
	DBPath                 string            `json:"db_path,omitempty"`
	Debug                  *bool             `json:"debug,omitempty"`
	DefaultCwd             string            `json:"default_cwd,omitempty"`
	MaxLogFiles            *int              `json:"max_log_files,omitempty"`
	Projects               map[string]string `json:"projects,omitempty"`
	StatePath              string            `json:"state_path,omitempty"`
	TelegramToken          string            `json:"telegram_token,omitempty"`
	WhisperURL             string            `json:"whisper_url,omitempty"`
}

// StringArray supports both JSON arrays and comma-separated strings
type StringArray []string

// UnmarshalJSON implements custom unmarshaling for StringArray
func (sa *StringArray) UnmarshalJSON(data []byte) error {
	// Try array format first
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*sa = arr
		return nil
	}

	// Fall back to comma-separated string
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*sa = parseCommaSeparated(str)
	return nil
}

// parseCommaSeparated splits comma-separated string and trims whitespace
func parseCommaSeparated(s string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// ApprovalTimeout returns the approval timeout, defaulting to 5 minutes
func (s *Settings) ApprovalTimeout() time.Duration {
	if s.ApprovalTimeoutSeconds != nil && *s.ApprovalTimeoutSeconds > 0 {
		return time.Duration(*s.ApprovalTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// AllowedChatSet returns the chat allow-list as a set.
// An empty set means all chats are allowed.
func (s *Settings) AllowedChatSet() map[string]bool {
	allowed := make(map[string]bool, len(s.AllowedChats))
	for _, id := range s.AllowedChats {
		allowed[id] = true
	}
	return allowed
}

// LoadSettings loads settings from ~/.parley/settings.json
// Returns empty Settings if file doesn't exist (not an error)
func LoadSettings() (*Settings, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	path := filepath.Join(homeDir, ".parley", "settings.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Settings{}, nil // Not an error, use defaults
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("invalid settings.json: %w", err)
	}

	// Expand paths that start with ~
	if settings.DBPath != "" {
		settings.DBPath = expandPath(settings.DBPath)
	}
	if settings.StatePath != "" {
		settings.StatePath = expandPath(settings.StatePath)
	}
	if settings.DefaultCwd != "" {
		settings.DefaultCwd = expandPath(settings.DefaultCwd)
	}
	for name, dir := range settings.Projects {
		settings.Projects[name] = expandPath(dir)
	}

	return &settings, nil
}

// expandPath expands ~ to home directory in paths
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path // Return as-is if we can't get home dir
		}
		if len(path) == 1 {
			return homeDir
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
