// Package config loads verity settings from a TOML file, a .env file and
// the environment, in that order of increasing precedence.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as "3s" or "500ms" in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d Duration) Std() time.Duration { return time.Duration(d) }

type StoreConfig struct {
	// Backend is "badger", "postgres" or "memory".
	Backend   string `toml:"backend"`
	Dir       string `toml:"dir"`
	Namespace string `toml:"namespace"`
	// Key is the hex-encoded AES key for the badger backend.
	Key   string `toml:"key"`
	DBURL string `toml:"db_url"`
}

type EngineConfig struct {
	Command     []string `toml:"command"`
	Workers     int      `toml:"workers"`
	FaceDim     int      `toml:"face_dim"`
	VoiceDim    int      `toml:"voice_dim"`
	ReadTimeout Duration `toml:"read_timeout"`
}

type VerifyConfig struct {
	LivenessThreshold float64 `toml:"liveness_threshold"`
	MatchThreshold    float64 `toml:"match_threshold"`
	CompareThreshold  float64 `toml:"compare_threshold"`
	AgeThreshold      int     `toml:"age_threshold"`
}

type VideoConfig struct {
	Spacing        Duration `toml:"spacing"`
	SnippetLength  Duration `toml:"snippet_length"`
	SampleRate     int      `toml:"sample_rate"`
	MaxDuration    Duration `toml:"max_duration"`
	FrameRate      float64  `toml:"frame_rate"`
	CloneThreshold float64  `toml:"clone_threshold"`
}

type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

type Config struct {
	Store  StoreConfig  `toml:"store"`
	Engine EngineConfig `toml:"engine"`
	Verify VerifyConfig `toml:"verify"`
	Video  VideoConfig  `toml:"video"`
	Log    LogConfig    `toml:"log"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:   "badger",
			Dir:       defaultStoreDir(),
			Namespace: "verity.biometric",
		},
		Engine: EngineConfig{
			Command:  []string{"python3", "-u", "engine/main.py"},
			FaceDim:  512,
			VoiceDim: 192,
		},
		Verify: VerifyConfig{
			LivenessThreshold: 0.75,
			MatchThreshold:    0.80,
			CompareThreshold:  0.70,
			AgeThreshold:      21,
		},
		Video: VideoConfig{
			Spacing:        Duration(3 * time.Second),
			SnippetLength:  Duration(5 * time.Second),
			SampleRate:     16000,
			MaxDuration:    Duration(time.Minute),
			FrameRate:      2,
			CloneThreshold: 0.50,
		},
		Log: LogConfig{Level: "info"},
	}
}

func defaultStoreDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "verity", "store")
	}
	return filepath.Join(".verity", "store")
}

// Load reads the TOML file at path over the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set win.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg from the environment as seen through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("VERITY_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := getenv("VERITY_STORE_DIR"); v != "" {
		c.Store.Dir = v
	}
	if v := getenv("VERITY_STORE_KEY"); v != "" {
		c.Store.Key = v
	}
	if v := getenv("VERITY_ENGINE"); v != "" {
		c.Engine.Command = strings.Fields(v)
	}
	if v := getenv("VERITY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("VERITY_DB_URL"); v != "" {
		c.Store.DBURL = v
	} else if c.Store.DBURL == "" {
		// Build the connection string from the usual Postgres variables.
		if host := getenv("POSTGRES_HOST"); host != "" {
			port := getenv("POSTGRES_PORT")
			if port == "" {
				port = "5432"
			}
			c.Store.DBURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
				getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
		}
	}
}

// StoreKey decodes the badger encryption key. Nil means unencrypted.
func (c *Config) StoreKey() ([]byte, error) {
	if c.Store.Key == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.Store.Key)
	if err != nil {
		return nil, fmt.Errorf("store key is not hex: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	}
	return nil, fmt.Errorf("store key must be 16, 24 or 32 bytes, got %d", len(key))
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.Store.Backend {
	case "badger":
		check(c.Store.Dir != "", "store.dir is required for the badger backend")
	case "postgres":
		check(c.Store.DBURL != "", "store.db_url is required for the postgres backend")
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	check(c.Store.Namespace != "", "store.namespace must not be empty")
	if _, err := c.StoreKey(); err != nil {
		errs = append(errs, err)
	}

	check(len(c.Engine.Command) > 0, "engine.command must not be empty")
	check(c.Engine.Workers >= 0, "engine.workers must not be negative, got %d", c.Engine.Workers)
	check(c.Engine.FaceDim > 0, "engine.face_dim must be positive, got %d", c.Engine.FaceDim)
	check(c.Engine.VoiceDim > 0, "engine.voice_dim must be positive, got %d", c.Engine.VoiceDim)
	check(c.Engine.ReadTimeout >= 0, "engine.read_timeout must not be negative")

	unit := func(name string, v float64) {
		check(v >= 0 && v <= 1, "%s must be between 0.0 and 1.0, got %f", name, v)
	}
	unit("verify.liveness_threshold", c.Verify.LivenessThreshold)
	unit("verify.match_threshold", c.Verify.MatchThreshold)
	unit("verify.compare_threshold", c.Verify.CompareThreshold)
	unit("video.clone_threshold", c.Video.CloneThreshold)
	check(c.Verify.AgeThreshold > 0, "verify.age_threshold must be positive, got %d", c.Verify.AgeThreshold)

	check(c.Video.Spacing > 0, "video.spacing must be positive")
	check(c.Video.SnippetLength > 0, "video.snippet_length must be positive")
	check(c.Video.MaxDuration >= 0, "video.max_duration must not be negative")
	check(c.Video.SampleRate > 0, "video.sample_rate must be positive, got %d", c.Video.SampleRate)
	check(c.Video.FrameRate > 0, "video.frame_rate must be positive, got %f", c.Video.FrameRate)

	return errors.Join(errs...)
}
