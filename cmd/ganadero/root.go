package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/andresdvelez/ganadero-sub001/internal/identity"
	"github.com/andresdvelez/ganadero-sub001/internal/store"
	enginesync "github.com/andresdvelez/ganadero-sub001/internal/sync"
	"github.com/andresdvelez/ganadero-sub001/internal/transport"
)

var (
	cfgFile  string
	dataPath string
)

var rootCmd = &cobra.Command{
	Use:   "ganadero",
	Short: "Offline-first sync for ranch records",
	Long: `ganadero keeps livestock records usable without connectivity.

Writes go into a durable local queue and a snapshot cache immediately; a
sync run drains the queue against the remote authority and pulls remote
changes back down. Conflicts are detected by version and held for explicit
resolution.

Configuration is read from --config, $GANADERO_CONFIG, or
<data-dir>/config.yaml. Keys can also be set via GANADERO_* environment
variables (e.g. GANADERO_REMOTE_URL).`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file path")
	rootCmd.PersistentFlags().StringVar(&dataPath, "data-dir", "", "Data directory (default ~/.ganadero)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Record commands:"},
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced commands:"},
	)
}

func initConfig() {
	viper.SetDefault("sync.interval", "30s")
	viper.SetDefault("sync.retention", "168h")
	viper.SetDefault("sync.backoff_min", "1s")
	viper.SetDefault("sync.backoff_max", "60s")
	viper.SetDefault("dashboard.port", 8080)
	viper.SetDefault("suggest.model", "claude-sonnet-4-5")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if env := os.Getenv("GANADERO_CONFIG"); env != "" {
		viper.SetConfigFile(env)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(dataDir())
	}

	viper.SetEnvPrefix("GANADERO")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}
}

// dataDir resolves the data directory from the flag, config, or the default
// under the home directory.
func dataDir() string {
	if dataPath != "" {
		return dataPath
	}
	if dir := viper.GetString("data_dir"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ganadero"
	}
	return filepath.Join(home, ".ganadero")
}

func dbPath() string      { return filepath.Join(dataDir(), "ganadero.db") }
func spoolDir() string    { return viper.GetString("spool.dir") }
func profilePath() string { return filepath.Join(dataDir(), "profile.json") }
func sessionPath() string { return filepath.Join(dataDir(), "session.key") }

// openStore opens the local database, initializes the schema, and attaches
// the at-rest cipher when an identity profile is unlocked.
func openStore() (*store.Store, error) {
	st, err := store.Open(dbPath())
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, err
	}

	if _, err := os.Stat(profilePath()); err == nil {
		key, err := os.ReadFile(sessionPath())
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("data is locked: run 'ganadero unlock' first")
		}
		cipher, err := identity.NewCipher(key)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("session key is invalid: run 'ganadero unlock' again: %w", err)
		}
		st.SetCipher(cipher)
	}

	return st, nil
}

// openTransport connects to the configured remote authority.
func openTransport(logger *log.Logger) (*transport.Remote, error) {
	url := viper.GetString("remote.url")
	if url == "" {
		return nil, fmt.Errorf("remote.url is not configured (set it in config.yaml or GANADERO_REMOTE_URL)")
	}
	if token := viper.GetString("remote.auth_token"); token != "" {
		url += "?authToken=" + token
	}
	return transport.OpenRemote(transport.RemoteConfig{
		URL:    url,
		Logger: logger,
	})
}

// newEngine builds a sync engine from config.
func newEngine(st *store.Store, tr transport.Transport, notifier enginesync.Notifier) *enginesync.Engine {
	return enginesync.New(st, tr, enginesync.Config{
		BackoffMin: viper.GetDuration("sync.backoff_min"),
		BackoffMax: viper.GetDuration("sync.backoff_max"),
		Retention:  viper.GetDuration("sync.retention"),
		Logger:     newLogger("sync"),
		Notifier:   notifier,
	})
}

// newLogger returns a tagged logger. When log.file is configured, output is
// rotated there; otherwise it goes to stderr.
func newLogger(tag string) *log.Logger {
	var w io.Writer = os.Stderr
	if file := viper.GetString("log.file"); file != "" {
		w = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}
	return log.New(w, "["+tag+"] ", log.LstdFlags)
}

// syncIntervalOrDefault guards against a zero interval from bad config.
func syncIntervalOrDefault() time.Duration {
	if d := viper.GetDuration("sync.interval"); d > 0 {
		return d
	}
	return 30 * time.Second
}
