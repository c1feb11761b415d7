package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/Proctor/internal/core"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Signal    Signal    `mapstructure:"signal"`
	Storage   Storage   `mapstructure:"storage"`
	WebRTC    WebRTC    `mapstructure:"webrtc"`
	Monitor   Monitor   `mapstructure:"monitor"`
	Proctor   Proctor   `mapstructure:"proctor"`
	Candidate Candidate `mapstructure:"candidate"`
	TURN      TURN      `mapstructure:"turn"`
	Retry     Retry     `mapstructure:"retry"`

	v *viper.Viper
}

type Signal struct {
	// Backend is "docstore" or "push".
	Backend      string        `mapstructure:"backend"`
	ServerURL    string        `mapstructure:"server_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LongPollWait time.Duration `mapstructure:"long_poll_wait"`
	JoinLimit    int           `mapstructure:"join_limit"`
	JoinInterval time.Duration `mapstructure:"join_interval"`
}

type Storage struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type WebRTC struct {
	ICEServers             []ICEServer   `mapstructure:"ice_servers"`
	RecoveryGrace          time.Duration `mapstructure:"recovery_grace"`
	ICEDisconnectedTimeout time.Duration `mapstructure:"ice_disconnected_timeout"`
	ICEFailedTimeout       time.Duration `mapstructure:"ice_failed_timeout"`
	ICEKeepalive           time.Duration `mapstructure:"ice_keepalive"`
}

type Monitor struct {
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	RefreshDelay      time.Duration `mapstructure:"refresh_delay"`
	RefreshAllDelay   time.Duration `mapstructure:"refresh_all_delay"`
	StreamIdleTimeout time.Duration `mapstructure:"stream_idle_timeout"`
	AutoRefresh       bool          `mapstructure:"auto_refresh"`
}

type Proctor struct {
	ViolationThreshold int                     `mapstructure:"violation_threshold"`
	Capture            core.CaptureConstraints `mapstructure:"capture"`
}

// Candidate is the identity a candidate agent streams as.
type Candidate struct {
	ID          string `mapstructure:"id"`
	DisplayName string `mapstructure:"display_name"`
	Email       string `mapstructure:"email"`
}

type TURN struct {
	Enabled  bool   `mapstructure:"enabled"`
	Port     int    `mapstructure:"port"`
	Realm    string `mapstructure:"realm"`
	PublicIP string `mapstructure:"public_ip"`
	// Users is a list of user=password pairs.
	Users string `mapstructure:"users"`
}

type Retry struct {
	MaxRetries      uint64        `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")

	v.SetDefault("signal.backend", "docstore")
	v.SetDefault("signal.server_url", "http://localhost:8080")
	v.SetDefault("signal.poll_interval", "1s")
	v.SetDefault("signal.long_poll_wait", "25s")
	v.SetDefault("signal.join_limit", 20)
	v.SetDefault("signal.join_interval", "10s")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "file:proctor.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")

	v.SetDefault("webrtc.ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
	v.SetDefault("webrtc.recovery_grace", "2s")
	v.SetDefault("webrtc.ice_disconnected_timeout", "5s")
	v.SetDefault("webrtc.ice_failed_timeout", "25s")
	v.SetDefault("webrtc.ice_keepalive", "2s")

	v.SetDefault("monitor.sweep_interval", "5s")
	v.SetDefault("monitor.refresh_delay", "1s")
	v.SetDefault("monitor.refresh_all_delay", "2s")
	v.SetDefault("monitor.stream_idle_timeout", "3s")
	v.SetDefault("monitor.auto_refresh", true)

	c := core.DefaultCaptureConstraints()
	v.SetDefault("proctor.violation_threshold", 5)
	v.SetDefault("proctor.capture.video.width", c.Video.Width)
	v.SetDefault("proctor.capture.video.height", c.Video.Height)
	v.SetDefault("proctor.capture.video.frame_rate", c.Video.FrameRate)
	v.SetDefault("proctor.capture.audio.echo_cancellation", c.Audio.EchoCancellation)
	v.SetDefault("proctor.capture.audio.noise_suppression", c.Audio.NoiseSuppression)
	v.SetDefault("proctor.capture.audio.auto_gain_control", c.Audio.AutoGainControl)
	v.SetDefault("proctor.capture.audio.sample_rate", c.Audio.SampleRate)
	v.SetDefault("proctor.capture.audio.channel_count", c.Audio.ChannelCount)

	v.SetDefault("turn.enabled", false)
	v.SetDefault("turn.port", 3478)
	v.SetDefault("turn.realm", "proctor")
	v.SetDefault("turn.public_ip", "127.0.0.1")

	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.initial_interval", "500ms")
	v.SetDefault("retry.max_interval", "10s")
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("PROCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("signal", cfg.Signal.Backend).
		Str("storage", cfg.Storage.Driver).
		Msg("config ready")
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.v = v
	return &cfg, nil
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Watch re-reads the config file on change and hands the fresh values to fn.
func (c *Config) Watch(fn func(*Config)) {
	if c.v == nil {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(c.v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload failed")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config reloaded")
		fn(next)
	})
	c.v.WatchConfig()
}
