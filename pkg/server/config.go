package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection `toml:"server"`
	Limits   LimitsSection `toml:"limits"`
	Access   AccessSection `toml:"access"`
	Rooms    []SeedRoom    `toml:"rooms"`
	Commands []SeedCommand `toml:"commands"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	SSHPort      int    `toml:"ssh_port"`
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	SSHHostKey   string `toml:"ssh_host_key"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	MaxMessageLines     int `toml:"max_message_lines"`
	MaxLineLength       int `toml:"max_line_length"`
	SendQueueSize       int `toml:"send_queue_size"`
	ReplayChunkSize     int `toml:"replay_chunk_size"`
	DefaultHistoryLines int `toml:"default_history_lines"`
	MaxHistoryLines     int `toml:"max_history_lines"`
}

type AccessSection struct {
	TrustedLevel int      `toml:"trusted_level"`
	AdminLevel   int      `toml:"admin_level"`
	AdminUsers   []string `toml:"admin_users"`
}

// SeedRoom is a public room created at startup if missing
type SeedRoom struct {
	Name            string `toml:"name"`
	AccessLevel     int    `toml:"access_level"`
	VisibilityLevel int    `toml:"visibility_level"`
	Password        string `toml:"password"`
}

// SeedCommand is a command catalog entry inserted at startup if missing
type SeedCommand struct {
	Name            string `toml:"name"`
	AccessLevel     int    `toml:"access_level"`
	VisibilityLevel int    `toml:"visibility_level"`
	Category        string `toml:"category"`
}

// DefaultCommands is the built-in command catalog
func DefaultCommands() []SeedCommand {
	return []SeedCommand{
		{Name: "register", AccessLevel: 0, VisibilityLevel: 0, Category: "session"},
		{Name: "login", AccessLevel: 0, VisibilityLevel: 0, Category: "session"},
		{Name: "reconnectAttach", AccessLevel: 0, VisibilityLevel: 0, Category: "session"},
		{Name: "logout", AccessLevel: 1, VisibilityLevel: 1, Category: "session"},
		{Name: "sendChatMessage", AccessLevel: 1, VisibilityLevel: 1, Category: "chat"},
		{Name: "sendWhisper", AccessLevel: 1, VisibilityLevel: 1, Category: "chat"},
		{Name: "sendMorse", AccessLevel: 1, VisibilityLevel: 1, Category: "chat"},
		{Name: "sendBroadcast", AccessLevel: 2, VisibilityLevel: 2, Category: "chat"},
		{Name: "sendImportant", AccessLevel: 4, VisibilityLevel: 4, Category: "chat"},
		{Name: "joinRoom", AccessLevel: 1, VisibilityLevel: 1, Category: "rooms"},
		{Name: "leaveRoom", AccessLevel: 1, VisibilityLevel: 1, Category: "rooms"},
		{Name: "createRoom", AccessLevel: 1, VisibilityLevel: 1, Category: "rooms"},
		{Name: "removeRoom", AccessLevel: 1, VisibilityLevel: 1, Category: "rooms"},
		{Name: "updateRoom", AccessLevel: 1, VisibilityLevel: 1, Category: "rooms"},
		{Name: "banFromRoom", AccessLevel: 1, VisibilityLevel: 1, Category: "rooms"},
		{Name: "listRooms", AccessLevel: 0, VisibilityLevel: 0, Category: "rooms"},
		{Name: "requestHistory", AccessLevel: 1, VisibilityLevel: 1, Category: "history"},
		{Name: "banIdentity", AccessLevel: 4, VisibilityLevel: 4, Category: "moderation"},
		{Name: "unbanIdentity", AccessLevel: 4, VisibilityLevel: 4, Category: "moderation"},
	}
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      6465,
			SSHPort:      6466,
			HTTPPort:     8080,
			MetricsPort:  9090,
			SSHHostKey:   "~/.roomchat/ssh_host_key",
			DatabasePath: "~/.roomchat/roomchat.db",
		},
		Limits: LimitsSection{
			MaxMessageLines:     20,
			MaxLineLength:       1024,
			SendQueueSize:       256,
			ReplayChunkSize:     50,
			DefaultHistoryLines: 100,
			MaxHistoryLines:     1000,
		},
		Access: AccessSection{
			TrustedLevel: 2,
			AdminLevel:   4,
		},
		Rooms: []SeedRoom{
			{Name: "public"},
			{Name: "help"},
		},
		Commands: DefaultCommands(),
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// If we can't write, just run with defaults
		if err := writeDefaultConfig(path); err != nil {
			debugLog.Printf("Could not write default config to %s: %v", path, err)
		}
		return applyEnvOverrides(config), nil
	}

	// Sections missing from the file keep their defaults
	config := DefaultTOMLConfig()
	config.Rooms = nil
	config.Commands = nil
	md, err := toml.DecodeFile(path, &config)
	if err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if !md.IsDefined("rooms") {
		config.Rooms = DefaultTOMLConfig().Rooms
	}
	if !md.IsDefined("commands") {
		config.Commands = DefaultCommands()
	}

	return applyEnvOverrides(config), nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: ROOMCHAT_SECTION_KEY
// Example: ROOMCHAT_SERVER_TCP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}
	envString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}

	// Server section
	envInt("ROOMCHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("ROOMCHAT_SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("ROOMCHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("ROOMCHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("ROOMCHAT_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)
	envString("ROOMCHAT_SERVER_DATABASE_PATH", &config.Server.DatabasePath)

	// Limits section
	envInt("ROOMCHAT_LIMITS_MAX_MESSAGE_LINES", &config.Limits.MaxMessageLines)
	envInt("ROOMCHAT_LIMITS_MAX_LINE_LENGTH", &config.Limits.MaxLineLength)
	envInt("ROOMCHAT_LIMITS_SEND_QUEUE_SIZE", &config.Limits.SendQueueSize)
	envInt("ROOMCHAT_LIMITS_REPLAY_CHUNK_SIZE", &config.Limits.ReplayChunkSize)
	envInt("ROOMCHAT_LIMITS_DEFAULT_HISTORY_LINES", &config.Limits.DefaultHistoryLines)
	envInt("ROOMCHAT_LIMITS_MAX_HISTORY_LINES", &config.Limits.MaxHistoryLines)

	// Access section
	envInt("ROOMCHAT_ACCESS_TRUSTED_LEVEL", &config.Access.TrustedLevel)
	envInt("ROOMCHAT_ACCESS_ADMIN_LEVEL", &config.Access.AdminLevel)
	if val := os.Getenv("ROOMCHAT_ACCESS_ADMIN_USERS"); val != "" {
		// Comma-separated identity names
		users := strings.Split(val, ",")
		for i, user := range users {
			users[i] = strings.ToLower(strings.TrimSpace(user))
		}
		config.Access.AdminUsers = users
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	b.WriteString(`# RoomChat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override scalar settings:
# ROOMCHAT_SECTION_KEY (e.g., ROOMCHAT_SERVER_TCP_PORT=8080)

[server]
# Port for binary protocol TCP connections
tcp_port = 6465

# Port for SSH connections (set to -1 to disable)
ssh_port = 6466

# Port for the public HTTP server (/ws endpoint, set to -1 to disable)
http_port = 8080

# Port for the internal metrics server (/metrics, /health, set to -1 to disable)
metrics_port = 9090

# Path to SSH host key file (generated if missing)
ssh_host_key = "~/.roomchat/ssh_host_key"

# Path to SQLite database file
database_path = "~/.roomchat/roomchat.db"

[limits]
# Maximum lines per chat message
max_message_lines = 20

# Maximum bytes per line
max_line_length = 1024

# Outbound events buffered per connection before it counts as a slow consumer
send_queue_size = 256

# Messages per history batch during replay
replay_chunk_size = 50

# Lines returned by requestHistory without an explicit limit, and its upper bound
default_history_lines = 100
max_history_lines = 1000

[access]
# Identities below this level may own only one room
trusted_level = 2

# Identities at or above this level may moderate any room
admin_level = 4

# Identities registered with these names start at admin_level
# admin_users = ["alice"]

# Public rooms created at startup if missing
`)
	for _, room := range DefaultTOMLConfig().Rooms {
		fmt.Fprintf(&b, "[[rooms]]\nname = %q\naccess_level = %d\nvisibility_level = %d\n\n",
			room.Name, room.AccessLevel, room.VisibilityLevel)
	}
	b.WriteString("# Command catalog, inserted at startup for commands not yet in the database\n")
	for _, cmd := range DefaultCommands() {
		fmt.Fprintf(&b, "[[commands]]\nname = %q\naccess_level = %d\nvisibility_level = %d\ncategory = %q\n\n",
			cmd.Name, cmd.AccessLevel, cmd.VisibilityLevel, cmd.Category)
	}

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	// Negative ports disable a listener
	if c.Server.SSHPort != 0 {
		cfg.SSHPort = c.Server.SSHPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}
	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	if strings.TrimSpace(c.Server.DatabasePath) != "" {
		path, err := expandHome(c.Server.DatabasePath)
		if err != nil {
			return cfg, err
		}
		cfg.DatabasePath = path
	}

	if c.Limits.MaxMessageLines != 0 {
		cfg.MaxMessageLines = c.Limits.MaxMessageLines
	}
	if c.Limits.MaxLineLength != 0 {
		cfg.MaxLineLength = c.Limits.MaxLineLength
	}
	if c.Limits.SendQueueSize != 0 {
		cfg.SendQueueSize = c.Limits.SendQueueSize
	}
	if c.Limits.ReplayChunkSize != 0 {
		cfg.ReplayChunkSize = c.Limits.ReplayChunkSize
	}
	if c.Limits.DefaultHistoryLines != 0 {
		cfg.DefaultHistoryLines = c.Limits.DefaultHistoryLines
	}
	if c.Limits.MaxHistoryLines != 0 {
		cfg.MaxHistoryLines = c.Limits.MaxHistoryLines
	}

	if c.Access.TrustedLevel != 0 {
		cfg.Access.TrustedLevel = c.Access.TrustedLevel
	}
	if c.Access.AdminLevel != 0 {
		cfg.Access.AdminLevel = c.Access.AdminLevel
	}
	if len(c.Access.AdminUsers) > 0 {
		cfg.AdminUsers = lo.Map(c.Access.AdminUsers, func(name string, _ int) string {
			return strings.ToLower(strings.TrimSpace(name))
		})
	}

	if c.Rooms != nil {
		cfg.SeedRooms = c.Rooms
	}
	if c.Commands != nil {
		cfg.SeedCommands = c.Commands
	}

	if cfg.DefaultHistoryLines > cfg.MaxHistoryLines {
		return cfg, fmt.Errorf("default_history_lines (%d) exceeds max_history_lines (%d)",
			cfg.DefaultHistoryLines, cfg.MaxHistoryLines)
	}
	for _, room := range cfg.SeedRooms {
		ref, err := ParseRoomName(room.Name)
		if err != nil || ref.Kind != RoomPublic {
			return cfg, fmt.Errorf("seed room %q is not a valid public room name", room.Name)
		}
	}
	return cfg, nil
}
