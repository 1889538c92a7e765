package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultDataDir           = "episodes"
	defaultListenAddr        = "127.0.0.1:8080"
	defaultRefreshDebounceMS = 500
	defaultDeleteCommand     = "rm"
	defaultHeartbeatFile     = "polled"
)

// Delete modes.
const (
	DeleteDirect  = "direct"
	DeleteCommand = "command"
)

// Config holds the resolved server settings.
type Config struct {
	DataDir         string
	ListenAddr      string
	AllowRemote     bool
	Secret          string
	SecretFile      string
	DeleteMode      string
	DeleteCommand   string
	HeartbeatFile   string
	Compress        bool
	RefreshDebounce time.Duration
}

type fileConfig struct {
	DataDir           string `yaml:"data_dir"`
	ListenAddr        string `yaml:"listen_addr"`
	AllowRemote       *bool  `yaml:"allow_remote"`
	Secret            string `yaml:"secret"`
	SecretFile        string `yaml:"secret_file"`
	DeleteMode        string `yaml:"delete_mode"`
	DeleteCommand     string `yaml:"delete_command"`
	HeartbeatFile     string `yaml:"heartbeat_file"`
	Compress          *bool  `yaml:"compress"`
	RefreshDebounceMS *int   `yaml:"refresh_debounce_ms"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:         defaultDataDir,
		ListenAddr:      defaultListenAddr,
		DeleteMode:      DeleteDirect,
		DeleteCommand:   defaultDeleteCommand,
		HeartbeatFile:   defaultHeartbeatFile,
		Compress:        true,
		RefreshDebounce: time.Duration(defaultRefreshDebounceMS) * time.Millisecond,
	}
}

// Load resolves the configuration from defaults, the optional YAML file, the
// optional legacy podcasts.cfg file and finally PODSYNC_* environment
// variables. Empty paths fall back to PODSYNC_CONFIG and
// PODSYNC_LEGACY_CONFIG.
func Load(configPath, legacyPath string) (Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = strings.TrimSpace(os.Getenv("PODSYNC_CONFIG"))
	}
	if configPath != "" {
		if err := applyYAML(&cfg, configPath); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", configPath, err)
		}
	}

	if legacyPath == "" {
		legacyPath = strings.TrimSpace(os.Getenv("PODSYNC_LEGACY_CONFIG"))
	}
	if legacyPath != "" {
		if err := applyLegacy(&cfg, legacyPath); err != nil {
			return Config{}, fmt.Errorf("legacy config %s: %w", legacyPath, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyYAML(cfg *Config, path string) error {
	resolved, err := ExpandPath(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}

	if value := strings.TrimSpace(fc.DataDir); value != "" {
		cfg.DataDir = value
	}
	if value := strings.TrimSpace(fc.ListenAddr); value != "" {
		cfg.ListenAddr = value
	}
	if fc.AllowRemote != nil {
		cfg.AllowRemote = *fc.AllowRemote
	}
	if value := strings.TrimSpace(fc.Secret); value != "" {
		cfg.Secret = value
	}
	if value := strings.TrimSpace(fc.SecretFile); value != "" {
		cfg.SecretFile = value
	}
	if value := strings.TrimSpace(fc.DeleteMode); value != "" {
		cfg.DeleteMode = strings.ToLower(value)
	}
	if value := strings.TrimSpace(fc.DeleteCommand); value != "" {
		cfg.DeleteCommand = value
	}
	if value := strings.TrimSpace(fc.HeartbeatFile); value != "" {
		cfg.HeartbeatFile = value
	}
	if fc.Compress != nil {
		cfg.Compress = *fc.Compress
	}
	if fc.RefreshDebounceMS != nil && *fc.RefreshDebounceMS >= 0 {
		cfg.RefreshDebounce = time.Duration(*fc.RefreshDebounceMS) * time.Millisecond
	}
	return nil
}

// applyLegacy reads the two-line podcasts.cfg format: the data directory on
// the first line and the shared secret on the second. A relative directory is
// taken relative to the file.
func applyLegacy(cfg *Config, path string) error {
	resolved, err := ExpandPath(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return err
	}

	lines := strings.Split(string(data), "\n")
	if len(lines) < 2 {
		return errors.New("expected data directory and secret lines")
	}
	dir := strings.TrimSpace(lines[0])
	secret := strings.TrimSpace(lines[1])
	if dir == "" || secret == "" {
		return errors.New("expected data directory and secret lines")
	}

	if !filepath.IsAbs(dir) && !strings.HasPrefix(dir, "~") {
		dir = filepath.Join(filepath.Dir(resolved), dir)
	}
	cfg.DataDir = dir
	cfg.Secret = secret
	return nil
}

func applyEnv(cfg *Config) {
	if value := strings.TrimSpace(os.Getenv("PODSYNC_DATA_DIR")); value != "" {
		cfg.DataDir = value
	}
	if value := strings.TrimSpace(os.Getenv("PODSYNC_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}
	if value, ok := envBool("PODSYNC_ALLOW_REMOTE"); ok {
		cfg.AllowRemote = value
	}
	if value := strings.TrimSpace(os.Getenv("PODSYNC_SECRET")); value != "" {
		cfg.Secret = value
	}
	if value := strings.TrimSpace(os.Getenv("PODSYNC_SECRET_FILE")); value != "" {
		cfg.SecretFile = value
	}
	if value := strings.TrimSpace(os.Getenv("PODSYNC_DELETE_MODE")); value != "" {
		cfg.DeleteMode = strings.ToLower(value)
	}
	if value := strings.TrimSpace(os.Getenv("PODSYNC_DELETE_COMMAND")); value != "" {
		cfg.DeleteCommand = value
	}
	if value := strings.TrimSpace(os.Getenv("PODSYNC_HEARTBEAT_FILE")); value != "" {
		cfg.HeartbeatFile = value
	}
	if value, ok := envBool("PODSYNC_COMPRESS"); ok {
		cfg.Compress = value
	}
	if value := strings.TrimSpace(os.Getenv("PODSYNC_REFRESH_DEBOUNCE_MS")); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			cfg.RefreshDebounce = time.Duration(ms) * time.Millisecond
		}
	}
}

func envBool(key string) (bool, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return false, false
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, false
	}
	return b, true
}

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	if c.Secret == "" && c.SecretFile == "" {
		return errors.New("a shared secret or secret file must be configured")
	}
	switch c.DeleteMode {
	case DeleteDirect, DeleteCommand:
	default:
		return fmt.Errorf("unknown delete mode %q", c.DeleteMode)
	}
	if c.HeartbeatFile == "" || c.HeartbeatFile != filepath.Base(c.HeartbeatFile) || strings.HasPrefix(c.HeartbeatFile, ".") {
		return fmt.Errorf("heartbeat file %q must be a plain file name", c.HeartbeatFile)
	}
	if strings.HasSuffix(c.HeartbeatFile, ".tag") || strings.HasSuffix(c.HeartbeatFile, ".mp3") {
		return fmt.Errorf("heartbeat file %q collides with episode files", c.HeartbeatFile)
	}
	if !c.AllowRemote {
		if err := ValidateListenAddr(c.ListenAddr); err != nil {
			return err
		}
	}
	return nil
}

// ResolveDataDir returns the absolute data directory, creating it when it
// does not yet exist.
func ResolveDataDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(cwd, defaultDataDir)
	}

	abs, err := ExpandPath(dir)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}

	return abs, nil
}

// ValidateListenAddr ensures the configured listen address is restricted to localhost.
func ValidateListenAddr(addr string) error {
	addr = strings.TrimSpace(strings.ToLower(addr))
	if strings.HasPrefix(addr, "127.0.0.1:") || strings.HasPrefix(addr, "localhost:") || strings.HasPrefix(addr, "[::1]:") {
		return nil
	}
	return errors.New("listen address must bind to localhost unless remote access is allowed")
}

// ExpandPath expands a leading "~" to the home directory and returns the
// absolute path.
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	return filepath.Abs(path)
}
