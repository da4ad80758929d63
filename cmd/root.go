package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"parley/config"
	"parley/controller"
	"parley/logging"
	"parley/ports"
	"parley/runner"
	"parley/session"
	"parley/state"
	"parley/storage"
	"parley/transcribe"
	"parley/transport/telegram"

	"github.com/alecthomas/kong"
)

// CLI represents the command-line interface structure
type CLI struct {
	Version     kong.VersionFlag `help:"Show version information"`
	Debug       bool             `help:"Enable debug logging to file" short:"d"`
	DebugFile   string           `help:"Custom path for debug log file (disables automatic cleanup)"`
	MaxLogFiles int              `help:"Maximum number of log files to keep (0 = unlimited)" default:"1000"`
	DBPath      string           `help:"Path to SQLite session database" default:"~/.parley/sessions.db" env:"PARLEY_DB_PATH"`
	StatePath   string           `help:"Path to the bot state snapshot file" env:"PARLEY_STATE_PATH"`

	Run    RunCmd    `cmd:"" help:"Start the Telegram bot (default)" default:"1"`
	Status StatusCmd `cmd:"status" help:"Show chat state counts from the last snapshot" hidden:""`

	// Internal field for settings (not a flag)
	settings *config.Settings `kong:"-"`
}

// SetSettings sets the settings on the CLI struct
func (c *CLI) SetSettings(settings *config.Settings) {
	c.settings = settings
}

// AfterApply initializes logging after CLI parsing and applies settings
func (c *CLI) AfterApply() error {
	// Apply settings with proper precedence: CLI flags > env vars > settings.json > defaults
	// Only apply if flag is at default value and env var is not set

	if c.settings != nil {
		if c.DBPath == "~/.parley/sessions.db" {
			if _, hasEnv := os.LookupEnv("PARLEY_DB_PATH"); !hasEnv {
				if c.settings.DBPath != "" {
					c.DBPath = c.settings.DBPath
				}
			}
		}

		if c.StatePath == "" {
			if _, hasEnv := os.LookupEnv("PARLEY_STATE_PATH"); !hasEnv {
				if c.settings.StatePath != "" {
					c.StatePath = c.settings.StatePath
				}
			}
		}

		if c.MaxLogFiles == 1000 {
			if _, hasEnv := os.LookupEnv("PARLEY_MAX_LOG_FILES"); !hasEnv {
				if c.settings.MaxLogFiles != nil {
					c.MaxLogFiles = *c.settings.MaxLogFiles
				}
			}
		}

		if !c.Debug {
			if _, hasEnv := os.LookupEnv("PARLEY_DEBUG"); !hasEnv {
				if c.settings.Debug != nil && *c.settings.Debug {
					c.Debug = true
				}
			}
		}
	}

	logFilePath, err := logging.Initialize(c.Debug, c.DebugFile, c.MaxLogFiles)
	if err != nil {
		return err
	}

	// Set environment variables AFTER initialization so child processes
	// inherit debug settings and append to the same log file
	if c.Debug || c.DebugFile != "" {
		os.Setenv("PARLEY_DEBUG", "1")
		if logFilePath != "" {
			os.Setenv("PARLEY_DEBUG_FILE", logFilePath)
		}
	}

	if c.StatePath != "" {
		state.SetPath(expandPath(c.StatePath))
	}

	return nil
}

// RunCmd starts the Telegram bot
type RunCmd struct {
	Token           string `help:"Telegram bot token" env:"PARLEY_TELEGRAM_TOKEN"`
	WhisperURL      string `help:"URL of the whisper-server /transcribe endpoint" default:"http://127.0.0.1:8090/transcribe" env:"PARLEY_WHISPER_URL"`
	ClaudeBin       string `help:"Coding agent binary to invoke" default:"claude" env:"PARLEY_CLAUDE_BIN"`
	Cwd             string `help:"Default working directory for new sessions" default:"~" env:"PARLEY_CWD"`
	ApprovalTimeout int    `help:"Seconds before a pending approval is denied" default:"300" env:"PARLEY_APPROVAL_TIMEOUT"`
	AllowedChats    string `help:"Comma-separated chat IDs allowed to use the bot (empty = all)" env:"PARLEY_ALLOWED_CHATS"`
}

// Run executes the bot until interrupted
func (r *RunCmd) Run(cli *CLI) error {
	// Apply RunCmd-specific settings with proper precedence
	if cli.settings != nil {
		if r.Token == "" {
			if _, hasEnv := os.LookupEnv("PARLEY_TELEGRAM_TOKEN"); !hasEnv {
				r.Token = cli.settings.TelegramToken
			}
		}
		if r.WhisperURL == "http://127.0.0.1:8090/transcribe" {
			if _, hasEnv := os.LookupEnv("PARLEY_WHISPER_URL"); !hasEnv {
				if cli.settings.WhisperURL != "" {
					r.WhisperURL = cli.settings.WhisperURL
				}
			}
		}
		if r.ClaudeBin == "claude" {
			if _, hasEnv := os.LookupEnv("PARLEY_CLAUDE_BIN"); !hasEnv {
				if cli.settings.ClaudeBin != "" {
					r.ClaudeBin = cli.settings.ClaudeBin
				}
			}
		}
		if r.Cwd == "~" {
			if _, hasEnv := os.LookupEnv("PARLEY_CWD"); !hasEnv {
				if cli.settings.DefaultCwd != "" {
					r.Cwd = cli.settings.DefaultCwd
				}
			}
		}
		if r.ApprovalTimeout == 300 {
			if _, hasEnv := os.LookupEnv("PARLEY_APPROVAL_TIMEOUT"); !hasEnv {
				if cli.settings.ApprovalTimeoutSeconds != nil && *cli.settings.ApprovalTimeoutSeconds > 0 {
					r.ApprovalTimeout = *cli.settings.ApprovalTimeoutSeconds
				}
			}
		}
	}

	if r.Token == "" {
		return fmt.Errorf("telegram token required (--token, PARLEY_TELEGRAM_TOKEN or settings.json)")
	}

	allowed := r.allowedChatSet(cli.settings)
	var projects map[string]string
	if cli.settings != nil {
		projects = cli.settings.Projects
	}

	logging.Logger.Info("Starting parley bot")

	runID := state.NewRunID()
	logging.Logger.Info("Generated new run ID", "run_id", runID)

	// A broken database degrades to in-memory sessions rather than
	// refusing to start; resume tokens just won't survive a restart.
	var repo ports.SessionRepository
	if store, err := storage.NewStore(expandPath(cli.DBPath)); err != nil {
		logging.Logger.Warn("Failed to open database, continuing in-memory", "error", err)
	} else {
		repo = store
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := session.NewRegistry(repo, expandPath(r.Cwd), time.Duration(r.ApprovalTimeout)*time.Second)
	restored := registry.Restore(ctx)
	logging.Logger.Info("Sessions restored", "count", restored)

	agent := runner.New(r.ClaudeBin, logging.Logger)
	transcriber := transcribe.NewClient(r.WhisperURL, transcribe.DefaultTimeout)

	bot, err := telegram.New(r.Token, transcriber, allowed, logging.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to telegram: %w", err)
	}

	snapshot := snapshotFunc(runID, registry)
	serializer := session.NewSerializer(agent, registry.Persist, snapshot)
	ctrl := controller.New(registry, serializer, bot, projects)
	bot.SetHandler(ctrl)

	snapshot()

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("bot stopped: %w", err)
	}
	logging.Logger.Info("Bot exited normally")
	return nil
}

func (r *RunCmd) allowedChatSet(settings *config.Settings) map[string]bool {
	if r.AllowedChats != "" {
		allowed := make(map[string]bool)
		for _, id := range strings.Split(r.AllowedChats, ",") {
			if trimmed := strings.TrimSpace(id); trimmed != "" {
				allowed[trimmed] = true
			}
		}
		return allowed
	}
	if settings != nil {
		return settings.AllowedChatSet()
	}
	return nil
}

// snapshotFunc returns a closure that rewrites the state snapshot from
// the registry's current sessions. Called on every session state change.
func snapshotFunc(runID string, registry *session.Registry) func() {
	return func() {
		st := &state.BotState{RunID: runID}
		sessions := registry.All()
		infos := make([]state.ChatInfo, 0, len(sessions))
		for _, s := range sessions {
			infos = append(infos, state.ChatInfo{
				ChatID:       s.ChatID(),
				State:        string(s.State()),
				Cwd:          s.Cwd(),
				MessageCount: s.MessageCount(),
			})
		}
		if err := st.ReplaceChats(infos); err != nil {
			logging.Logger.Warn("Failed to write state snapshot", "error", err)
		}
	}
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			if len(path) == 1 {
				return homeDir
			}
			return filepath.Join(homeDir, path[1:])
		}
	}
	return path
}
