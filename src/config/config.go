package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for the daemon's tunable knobs. Every value can be overridden on
// the Config struct before it is handed to the component constructors; there
// is no global mutable configuration.
const (
	DefaultPort                  = 8787
	DefaultPCIdleThreshold       = 30 * time.Second
	DefaultMobileGracePeriod     = 5 * time.Second
	DefaultExclusiveTimeout      = 5 * time.Minute
	DefaultConflictWindow        = 100 * time.Millisecond
	DefaultInputRateLimitCps     = 100
	DefaultMemoryLines           = 1000
	DefaultMaxTotalLines         = 10000
	DefaultSpillBatchSize        = 100
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultHeartbeatTimeout      = 90 * time.Second
	DefaultCleanupAfter          = 24 * time.Hour
	DefaultMaxConcurrentSessions = 5
	DefaultCols                  = 80
	DefaultRows                  = 24
)

// Config carries every tunable the daemon recognizes. Constructed once in the
// composition root and passed down explicitly.
type Config struct {
	// DataDir is the root of all persisted state (MCONNECT_HOME).
	DataDir string
	// Port is the HTTP/WebSocket listen port.
	Port int
	// IPCPath overrides the default local control socket location.
	IPCPath string
	// Shell is the program spawned into new PTYs.
	Shell string

	PCIdleThreshold   time.Duration
	MobileGracePeriod time.Duration
	ExclusiveTimeout  time.Duration
	ConflictWindow    time.Duration
	InputRateLimitCps int

	MemoryLines    int
	MaxTotalLines  int
	SpillBatchSize int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	CleanupAfter          time.Duration
	MaxConcurrentSessions int

	// RespawnOnRestore re-spawns PTY children for sessions restored from the
	// store at startup. Off by default: the session row is authoritative, the
	// PTY is transient.
	RespawnOnRestore bool
}

// Default returns a Config with every knob at its documented default and the
// data directory resolved from the environment.
func Default() *Config {
	return &Config{
		DataDir:               dataDir(),
		Port:                  DefaultPort,
		Shell:                 shell(),
		PCIdleThreshold:       DefaultPCIdleThreshold,
		MobileGracePeriod:     DefaultMobileGracePeriod,
		ExclusiveTimeout:      DefaultExclusiveTimeout,
		ConflictWindow:        DefaultConflictWindow,
		InputRateLimitCps:     DefaultInputRateLimitCps,
		MemoryLines:           DefaultMemoryLines,
		MaxTotalLines:         DefaultMaxTotalLines,
		SpillBatchSize:        DefaultSpillBatchSize,
		HeartbeatInterval:     DefaultHeartbeatInterval,
		HeartbeatTimeout:      DefaultHeartbeatTimeout,
		CleanupAfter:          DefaultCleanupAfter,
		MaxConcurrentSessions: DefaultMaxConcurrentSessions,
	}
}

// Load resolves the configuration for a daemon run: the data directory's .env
// file is loaded first (missing file is fine), then defaults are applied.
func Load() *Config {
	_ = godotenv.Load(filepath.Join(dataDir(), ".env"))
	return Default()
}

func dataDir() string {
	if dir := os.Getenv("MCONNECT_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".mconnect")
}

func shell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	if runtime.GOOS == "windows" {
		return "cmd.exe"
	}
	return "/bin/sh"
}

// EnsureDataDir creates the data directory tree with owner-only permissions.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return err
	}
	return os.MkdirAll(c.LogDir(), 0o700)
}

func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, "sessions.db") }
func (c *Config) PidFilePath() string  { return filepath.Join(c.DataDir, "daemon.pid") }
func (c *Config) LogDir() string       { return filepath.Join(c.DataDir, "logs") }
func (c *Config) LogFilePath() string  { return filepath.Join(c.LogDir(), "daemon.log") }

// SocketPath is the local IPC endpoint: a unix socket under the data
// directory, or a named pipe on Windows.
func (c *Config) SocketPath() string {
	if c.IPCPath != "" {
		return c.IPCPath
	}
	if runtime.GOOS == "windows" {
		return `\\.\pipe\mconnect-daemon`
	}
	return filepath.Join(c.DataDir, "daemon.sock")
}
