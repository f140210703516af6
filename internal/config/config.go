// Package config loads collabd settings from flags, the environment, an
// optional config file and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"collabtext/collabd/internal/codetools"
	"collabtext/collabd/internal/debug"
	"collabtext/collabd/internal/discovery"
	"collabtext/collabd/internal/logging"
	"collabtext/collabd/internal/room"
	"collabtext/collabd/internal/sandbox"
	"collabtext/collabd/internal/server"
	"collabtext/collabd/internal/storage"
)

const EnvPrefix = "COLLABD"

type Config struct {
	ListenAddr string        `mapstructure:"listen_addr"`
	Server     server.Config `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`

	Session struct {
		IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"session"`

	Room room.Config `mapstructure:"room"`

	Debug struct {
		StopGrace     time.Duration `mapstructure:"stop_grace"`
		LaunchTimeout time.Duration `mapstructure:"launch_timeout"`
	} `mapstructure:"debug"`

	Sandbox   sandbox.Config   `mapstructure:"sandbox"`
	Tools     codetools.Config `mapstructure:"tools"`
	Storage   storage.Config   `mapstructure:"storage"`
	Discovery discovery.Config `mapstructure:"discovery"`

	Redis struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"redis"`
}

// SetDefaults registers every key so that the environment can override it.
func SetDefaults(v *viper.Viper) {
	srv := server.DefaultConfig()
	v.SetDefault("listen_addr", srv.Addr)
	v.SetDefault("server.send_buffer", srv.SendBuffer)
	v.SetDefault("server.ping_interval", srv.PingInterval)
	v.SetDefault("server.pong_wait", srv.PongWait)
	v.SetDefault("server.write_timeout", srv.WriteTimeout)
	v.SetDefault("server.max_message_size", srv.MaxMessageSize)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("session.idle_timeout", 60*time.Second)

	rc := room.DefaultConfig()
	v.SetDefault("room.grace_period", rc.GracePeriod)
	v.SetDefault("room.flush_interval", rc.FlushInterval)
	v.SetDefault("room.chat_history", rc.ChatHistory)
	v.SetDefault("room.mailbox_size", rc.MailboxSize)
	v.SetDefault("room.default_language", rc.DefaultLanguage)

	v.SetDefault("debug.stop_grace", 5*time.Second)
	v.SetDefault("debug.launch_timeout", 30*time.Second)

	sc := sandbox.DefaultConfig()
	v.SetDefault("sandbox.docker", sc.Docker)
	v.SetDefault("sandbox.timeout", sc.Timeout)
	v.SetDefault("sandbox.cpus", sc.CPUs)
	v.SetDefault("sandbox.temp_dir", "")
	for name, lang := range sc.Languages {
		key := "sandbox.languages." + name
		v.SetDefault(key+".image", lang.Image)
		v.SetDefault(key+".command", lang.Command)
		v.SetDefault(key+".file", lang.File)
		v.SetDefault(key+".memory", lang.Memory)
		v.SetDefault(key+".debugger", lang.Debugger)
		v.SetDefault(key+".debug_command", lang.DebugCommand)
	}

	tc := codetools.DefaultConfig()
	v.SetDefault("tools.timeout", tc.Timeout)
	for lang, command := range tc.Format {
		v.SetDefault("tools.format."+lang, command)
	}
	for lang, command := range tc.Lint {
		v.SetDefault("tools.lint."+lang, command)
	}

	v.SetDefault("storage.driver", "fs")
	v.SetDefault("storage.dir", "data/rooms")
	v.SetDefault("storage.postgres_url", "")
	v.SetDefault("storage.sqlite_path", "data/collabd.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.service", discovery.DefaultService)
	v.SetDefault("discovery.domain", discovery.DefaultDomain)
	v.SetDefault("discovery.instance", "")
}

// BindEnv maps COLLABD_<SECTION>_<KEY> onto every key, plus the
// conventional DATABASE_URL and REDIS_ADDR.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("storage.postgres_url", EnvPrefix+"_STORAGE_POSTGRES_URL", "DATABASE_URL")
	_ = v.BindEnv("redis.addr", EnvPrefix+"_REDIS_ADDR", "REDIS_ADDR")
}

// Load decodes v into a Config.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.Storage.Driver == "postgres" && cfg.Storage.PostgresURL == "" {
		return Config{}, fmt.Errorf("config: storage.postgres_url is required for the postgres driver")
	}
	return cfg, nil
}

// ServerConfig is Server with the top-level listen address applied.
func (c Config) ServerConfig() server.Config {
	s := c.Server
	s.Addr = c.ListenAddr
	return s
}

func (c Config) LoggingConfig() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(c.Log.Level)
	lc.Pretty = c.Log.Pretty
	return lc
}

// RoomConfig is Room with the debug timings folded in.
func (c Config) RoomConfig() room.Config {
	rc := c.Room
	rc.Debug = debug.Config{
		StopGrace:     c.Debug.StopGrace,
		LaunchTimeout: c.Debug.LaunchTimeout,
	}
	return rc
}
