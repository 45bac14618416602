package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/verity/internal/config"
	"github.com/andresmejia3/verity/internal/engine"
	"github.com/andresmejia3/verity/internal/logger"
	"github.com/andresmejia3/verity/internal/media"
	"github.com/andresmejia3/verity/internal/store"
	"github.com/andresmejia3/verity/internal/utils"
	"github.com/andresmejia3/verity/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// defaultConfigFile is read when present and --config is not given.
const defaultConfigFile = "verity.toml"

var (
	// Cfg is the resolved configuration shared by subcommands.
	Cfg *config.Config
	// Log is the structured logger shared by subcommands.
	Log = zap.NewNop()

	configPath string
	dbURL      string
	storeDir   string
	logLevel   string
	numEngines int

	// closers run in reverse order after every command.
	closers []func() error
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "verity",
	Short:   "Identity verification and clone detection engine",
	Version: Version, // This enables the --version flag
	// Errors are reported once, by Execute.
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l, err := logger.New(logger.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
		if err != nil {
			return err
		}
		Cfg, Log = cfg, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeAll()
	},
}

// closeAll releases everything opened by the command. Cobra skips the
// post-run hooks when a command fails, so Execute calls it too.
func closeAll() {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			Log.Warn("close failed", zap.Error(err))
		}
	}
	closers = nil
	_ = Log.Sync()
}

// loadConfig layers defaults, the TOML file, .env, the environment and
// finally the persistent flags.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)

	if dbURL != "" {
		cfg.Store.Backend = "postgres"
		cfg.Store.DBURL = dbURL
	}
	if storeDir != "" {
		cfg.Store.Dir = storeDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if numEngines > 0 {
		cfg.Engine.Workers = numEngines
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openBackend opens the configured storage backend.
func openBackend(ctx context.Context) (store.Backend, error) {
	switch Cfg.Store.Backend {
	case "postgres":
		return store.NewPostgres(ctx, Cfg.Store.DBURL, Cfg.Store.Namespace)
	case "memory":
		return store.NewMemory(), nil
	default:
		key, err := Cfg.StoreKey()
		if err != nil {
			return nil, err
		}
		if key == nil {
			Log.Warn("biometric store is not encrypted; set VERITY_STORE_KEY")
		}
		return store.NewBadger(store.BadgerOptions{
			Dir:           Cfg.Store.Dir,
			Namespace:     Cfg.Store.Namespace,
			EncryptionKey: key,
			Logger:        Log,
		})
	}
}

// openStore opens the biometric store and schedules its close.
func openStore(ctx context.Context) (*store.Store, error) {
	b, err := openBackend(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open biometric store: %w", err)
	}
	s := store.New(b)
	closers = append(closers, s.Close)
	return s, nil
}

// openEngine starts the engine pool and schedules its shutdown.
func openEngine(ctx context.Context) (*engine.Pool, error) {
	fmt.Fprintln(os.Stderr, "🚀 Starting inference engines...")
	p, err := engine.NewPool(ctx, engine.PoolOptions{
		Size:     Cfg.Engine.Workers,
		FaceDim:  Cfg.Engine.FaceDim,
		VoiceDim: Cfg.Engine.VoiceDim,
		Dial: engine.WorkerDialer(worker.Config{
			Command:     Cfg.Engine.Command,
			ReadTimeout: Cfg.Engine.ReadTimeout.Std(),
		}),
		Logger: Log,
	})
	if err != nil {
		return nil, err
	}
	closers = append(closers, p.Close)
	return p, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		closeAll()
		stop()
		// Surface ffmpeg/ffprobe output when a media tool was the cause.
		var te *media.ToolError
		var logs *utils.SafeCommand
		if errors.As(err, &te) {
			logs = te.Cmd
		}
		utils.Die("Command failed", err, logs)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a TOML config file (default: ./verity.toml if present)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string; selects the postgres store backend")
	rootCmd.PersistentFlags().StringVar(&storeDir, "store-dir", "", "Directory of the on-device encrypted store")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().IntVarP(&numEngines, "engines", "e", 0, "Number of parallel engine workers (default: number of CPUs)")
}

// fmtTime renders an offset as HH:MM:SS.
func fmtTime(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
