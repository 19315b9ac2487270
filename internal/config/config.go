// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string

	HTTP struct {
		Port int
		// AllowedOrigins are passed to the websocket origin check.
		AllowedOrigins []string
	}

	Postgres struct {
		URL              string
		MaxConns         int32
		StatementTimeout time.Duration
	}

	Redis struct {
		Addr  string
		DB    int
		Queue string
	}

	Presence struct {
		SweepInterval time.Duration
		MaxAge        time.Duration
	}

	Auth struct {
		TokenTTL time.Duration
		// Ed25519 key files. Empty means a fresh key pair per process.
		PrivateKeyPath string
		PublicKeyPath  string
	}

	Historian struct {
		BatchSize  int
		FlushDelay time.Duration
		// BacklogInterval is how often the queue depth gauge is sampled.
		BacklogInterval time.Duration
		MetricsPort     int
	}

	Game GameLimits
}

// GameLimits holds the defaults and bounds applied to new sessions.
type GameLimits struct {
	DefaultHandSize   int
	DefaultScoreToWin int
	DefaultMaxPlayers int

	MinHandSize, MaxHandSize     int
	MinScoreToWin, MaxScoreToWin int
	MinPlayers, MaxPlayers       int
	MaxRoundTimerSec             int
	MaxNicknameLen               int
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	var c Config
	c.LogLevel = "info"
	c.HTTP.Port = 8080
	c.HTTP.AllowedOrigins = []string{"*"}
	c.Postgres.URL = ""
	c.Postgres.MaxConns = 10
	c.Postgres.StatementTimeout = 5 * time.Second
	c.Redis.Addr = ""
	c.Redis.Queue = "verdict_events"
	c.Presence.SweepInterval = 10 * time.Second
	c.Presence.MaxAge = 45 * time.Second
	c.Auth.TokenTTL = 24 * time.Hour
	c.Historian.BatchSize = 20
	c.Historian.FlushDelay = 500 * time.Millisecond
	c.Historian.BacklogInterval = 15 * time.Second
	c.Historian.MetricsPort = 9091
	c.Game = DefaultGameLimits()
	return c
}

func DefaultGameLimits() GameLimits {
	return GameLimits{
		DefaultHandSize:   10,
		DefaultScoreToWin: 5,
		DefaultMaxPlayers: 10,
		MinHandSize:       3,
		MaxHandSize:       20,
		MinScoreToWin:     1,
		MaxScoreToWin:     50,
		MinPlayers:        3,
		MaxPlayers:        20,
		MaxRoundTimerSec:  600,
		MaxNicknameLen:    24,
	}
}

// Load reads config from file into config, which must be a pointer to a
// struct already holding its defaults. Every key can be overridden from the
// environment with dots replaced by underscores (HTTP_PORT, POSTGRES_URL).
// An empty file name skips the file and reads only the environment.
func Load(file string, config any) error {
	v := viper.New()
	m := make(map[string]any)

	if err := mapstructure.Decode(config, &m); err != nil {
		return fmt.Errorf("mapstructure: %v", err)
	}

	if err := v.MergeConfigMap(m); err != nil {
		return fmt.Errorf("merge config map: %v", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config from file %s: %v", file, err)
		}
	}

	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(config, viper.DecodeHook(hook)); err != nil {
		return fmt.Errorf("unmarshal config: %v", err)
	}

	return nil
}

// FromEnv loads the defaults overlaid with CONFIG_PATH (if set) and the environment.
func FromEnv() (Config, error) {
	c := Default()
	if err := Load(os.Getenv("CONFIG_PATH"), &c); err != nil {
		return Config{}, err
	}
	return c, nil
}
