// Package config loads and validates the telebridge.toml file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Session modes. In message mode every conversation is addressed via
// resume lines; in chat mode each chat transparently continues its last
// session and the resume footer is suppressed.
const (
	SessionModeMessage = "message"
	SessionModeChat    = "chat"
)

// Config is the parsed telebridge.toml.
type Config struct {
	// BotToken authenticates against the Bot API. The
	// TELEBRIDGE_BOT_TOKEN env var overrides the file value.
	BotToken string `toml:"bot_token"`
	// ChatID is the home chat: startup notices go there and, when
	// AllowedChats is empty, it is the only chat served.
	ChatID int64 `toml:"chat_id"`
	// AllowedChats widens the serviced set beyond the home chat.
	AllowedChats []int64 `toml:"allowed_chats"`

	DefaultEngine  string `toml:"default_engine"`
	DefaultProject string `toml:"default_project"`
	SessionMode    string `toml:"session_mode"`
	FinalNotify    bool   `toml:"final_notify"`

	// DataDir holds the state files and the run-history database.
	DataDir string `toml:"data_dir"`
	// DebugAddr enables the local status HTTP server when non-empty,
	// e.g. "127.0.0.1:7080".
	DebugAddr string `toml:"debug_addr"`
	Debug     bool   `toml:"debug"`

	// Projects maps aliases to absolute checkout paths.
	Projects map[string]string `toml:"projects"`

	Engines EnginesConfig `toml:"engines"`
}

type EnginesConfig struct {
	Codex    CodexConfig    `toml:"codex"`
	Claude   ClaudeConfig   `toml:"claude"`
	Opencode OpencodeConfig `toml:"opencode"`
	Pi       PiConfig       `toml:"pi"`
	// Mock enables the scripted engine for smoke runs.
	Mock MockConfig `toml:"mock"`
}

type CodexConfig struct {
	Command   string   `toml:"command"`
	Profile   string   `toml:"profile"`
	ExtraArgs []string `toml:"extra_args"`
}

type ClaudeConfig struct {
	Command         string   `toml:"command"`
	Model           string   `toml:"model"`
	AllowedTools    []string `toml:"allowed_tools"`
	SkipPermissions bool     `toml:"skip_permissions"`
}

type OpencodeConfig struct {
	Command string `toml:"command"`
	Model   string `toml:"model"`
}

type PiConfig struct {
	Command   string   `toml:"command"`
	Model     string   `toml:"model"`
	Provider  string   `toml:"provider"`
	ExtraArgs []string `toml:"extra_args"`
}

type MockConfig struct {
	Enabled bool   `toml:"enabled"`
	Answer  string `toml:"answer"`
}

// DefaultPath returns the conventional config location.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "telebridge", "telebridge.toml")
	}
	return "telebridge.toml"
}

// Load reads path, applies env overrides and defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(configDir string) {
	if tok := os.Getenv("TELEBRIDGE_BOT_TOKEN"); tok != "" {
		c.BotToken = tok
	}
	if c.DefaultEngine == "" {
		c.DefaultEngine = "codex"
	}
	if c.SessionMode == "" {
		c.SessionMode = SessionModeMessage
	}
	if c.DataDir == "" {
		c.DataDir = configDir
	}
}

func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("bot_token is required (file or TELEBRIDGE_BOT_TOKEN)")
	}
	if c.ChatID == 0 {
		return fmt.Errorf("chat_id is required")
	}
	if c.SessionMode != SessionModeMessage && c.SessionMode != SessionModeChat {
		return fmt.Errorf("session_mode must be %q or %q, got %q",
			SessionModeMessage, SessionModeChat, c.SessionMode)
	}
	for alias, path := range c.Projects {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("project %q path must be absolute, got %q", alias, path)
		}
	}
	if c.DefaultProject != "" {
		if _, ok := c.Projects[c.DefaultProject]; !ok {
			return fmt.Errorf("default_project %q is not in [projects]", c.DefaultProject)
		}
	}
	return nil
}

// ChatAllowed reports whether the bridge serves the chat.
func (c *Config) ChatAllowed(chatID int64) bool {
	if chatID == c.ChatID {
		return true
	}
	for _, id := range c.AllowedChats {
		if id == chatID {
			return true
		}
	}
	return false
}

// ShowResumeLine reports whether final messages carry the resume
// footer. Chat mode hides it since resumption is implicit.
func (c *Config) ShowResumeLine() bool {
	return c.SessionMode != SessionModeChat
}

// State and database locations inside DataDir.

func (c *Config) TopicsStatePath() string {
	return filepath.Join(c.DataDir, "telegram_topics_state.json")
}

func (c *Config) ChatSessionsStatePath() string {
	return filepath.Join(c.DataDir, "telegram_chat_sessions_state.json")
}

func (c *Config) HistoryDBPath() string {
	return filepath.Join(c.DataDir, "telebridge.db")
}
