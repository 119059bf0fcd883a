package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Media     MediaConfig     `mapstructure:"media"`
	Observer  ObserverConfig  `mapstructure:"observer"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Events    EventsConfig    `mapstructure:"events"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
}

type SignalingConfig struct {
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	KickSlowPeers  bool          `mapstructure:"kick_slow_peers"`
	ConnectLimit   int           `mapstructure:"connect_limit"`
	ConnectWindow  time.Duration `mapstructure:"connect_window"`
}

type MediaConfig struct {
	NumWorkers                      int           `mapstructure:"num_workers"`
	RtcMinPort                      uint16        `mapstructure:"rtc_min_port"`
	RtcMaxPort                      uint16        `mapstructure:"rtc_max_port"`
	ListenIP                        string        `mapstructure:"listen_ip"`
	AnnouncedIP                     string        `mapstructure:"announced_ip"`
	InitialAvailableOutgoingBitrate uint32        `mapstructure:"initial_available_outgoing_bitrate"`
	MaxIncomingBitrate              uint32        `mapstructure:"max_incoming_bitrate"`
	MaxSctpMessageSize              uint32        `mapstructure:"max_sctp_message_size"`
	UsageLogInterval                time.Duration `mapstructure:"usage_log_interval"`
	Codecs                          []CodecConfig `mapstructure:"codecs"`
}

type CodecConfig struct {
	Kind       domain.MediaKind `mapstructure:"kind"`
	MimeType   string           `mapstructure:"mime_type"`
	ClockRate  uint32           `mapstructure:"clock_rate"`
	Channels   uint16           `mapstructure:"channels"`
	Parameters map[string]any   `mapstructure:"parameters"`
}

type ObserverConfig struct {
	MaxEntries int           `mapstructure:"max_entries"`
	Threshold  int8          `mapstructure:"threshold"`
	Interval   time.Duration `mapstructure:"interval"`
}

type ThrottleConfig struct {
	Secret string `mapstructure:"secret"`
}

type EventsConfig struct {
	AMQPURL string `mapstructure:"amqp_url"`
	Queue   string `mapstructure:"queue"`
	Buffer  int    `mapstructure:"buffer"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"mode":         "http.mode",
	"port":         "http.port",
	"static":       "http.static_path",
	"workers":      "media.num_workers",
	"listen-ip":    "media.listen_ip",
	"announced-ip": "media.announced_ip",
	"amqp-url":     "events.amqp_url",
	"log-level":    "log.level",
}

// Load reads config/config.<CONFIG_ENV>.yaml (or the file named by the
// --config flag), then HUDDLE_* environment variables, then flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	fileName := ""
	if flags != nil {
		if f := flags.Lookup("config"); f != nil {
			fileName = f.Value.String()
		}
	}
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.HTTP.Mode).
		Int("port", cfg.HTTP.Port).
		Int("workers", cfg.Media.NumWorkers).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.mode", "release")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.static_path", "./web")
	v.SetDefault("http.secret", "huddle-session-secret")

	v.SetDefault("signaling.read_limit", 1<<20)
	v.SetDefault("signaling.ping_period", "30s")
	v.SetDefault("signaling.write_timeout", "5s")
	v.SetDefault("signaling.request_timeout", "20s")
	v.SetDefault("signaling.send_buffer", 256)
	v.SetDefault("signaling.rate_limit", 50)
	v.SetDefault("signaling.rate_burst", 100)
	v.SetDefault("signaling.kick_slow_peers", false)
	v.SetDefault("signaling.connect_limit", 10)
	v.SetDefault("signaling.connect_window", "10s")

	v.SetDefault("media.num_workers", 1)
	v.SetDefault("media.rtc_min_port", 40000)
	v.SetDefault("media.rtc_max_port", 40400)
	v.SetDefault("media.listen_ip", "0.0.0.0")
	v.SetDefault("media.announced_ip", "")
	v.SetDefault("media.initial_available_outgoing_bitrate", 1000000)
	v.SetDefault("media.max_incoming_bitrate", 1500000)
	v.SetDefault("media.max_sctp_message_size", 262144)
	v.SetDefault("media.usage_log_interval", "120s")
	v.SetDefault("media.codecs", defaultCodecs)

	v.SetDefault("observer.max_entries", 1)
	v.SetDefault("observer.threshold", -80)
	v.SetDefault("observer.interval", "800ms")

	v.SetDefault("throttle.secret", "")

	v.SetDefault("events.amqp_url", "")
	v.SetDefault("events.queue", "huddle.room-events")
	v.SetDefault("events.buffer", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
}

var defaultCodecs = []map[string]any{
	{"kind": "audio", "mime_type": "audio/opus", "clock_rate": 48000, "channels": 2},
	{"kind": "video", "mime_type": "video/VP8", "clock_rate": 90000, "parameters": map[string]any{"x-google-start-bitrate": 1000}},
	{"kind": "video", "mime_type": "video/VP9", "clock_rate": 90000, "parameters": map[string]any{"profile-id": 2, "x-google-start-bitrate": 1000}},
	{"kind": "video", "mime_type": "video/H264", "clock_rate": 90000, "parameters": map[string]any{
		"packetization-mode": 1, "profile-level-id": "4d0032", "level-asymmetry-allowed": 1, "x-google-start-bitrate": 1000,
	}},
	{"kind": "video", "mime_type": "video/H264", "clock_rate": 90000, "parameters": map[string]any{
		"packetization-mode": 1, "profile-level-id": "42e01f", "level-asymmetry-allowed": 1, "x-google-start-bitrate": 1000,
	}},
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.Media.NumWorkers < 1 {
		errs = append(errs, errors.New("media.num_workers must be at least 1"))
	}
	if c.Media.RtcMinPort == 0 || c.Media.RtcMinPort > c.Media.RtcMaxPort {
		errs = append(errs, fmt.Errorf("invalid rtc port range %d-%d", c.Media.RtcMinPort, c.Media.RtcMaxPort))
	}
	if len(c.Media.Codecs) == 0 {
		errs = append(errs, errors.New("media.codecs is empty"))
	}
	for i, codec := range c.Media.Codecs {
		if !codec.Kind.Valid() || codec.MimeType == "" || codec.ClockRate == 0 {
			errs = append(errs, fmt.Errorf("media.codecs[%d] is incomplete", i))
		}
	}
	if c.Media.UsageLogInterval <= 0 {
		errs = append(errs, errors.New("media.usage_log_interval must be positive"))
	}
	if c.Observer.Interval <= 0 {
		errs = append(errs, errors.New("observer.interval must be positive"))
	}
	if c.Signaling.RequestTimeout <= 0 {
		errs = append(errs, errors.New("signaling.request_timeout must be positive"))
	}
	if c.Signaling.ConnectLimit <= 0 || c.Signaling.ConnectWindow <= 0 {
		errs = append(errs, errors.New("signaling.connect_limit and signaling.connect_window must be positive"))
	}
	return errors.Join(errs...)
}

// RtpCodecs returns the router media codecs.
func (c MediaConfig) RtpCodecs() []core.RtpCodecCapability {
	out := make([]core.RtpCodecCapability, 0, len(c.Codecs))
	for _, codec := range c.Codecs {
		out = append(out, core.RtpCodecCapability{
			Kind:       codec.Kind,
			MimeType:   codec.MimeType,
			ClockRate:  codec.ClockRate,
			Channels:   codec.Channels,
			Parameters: codec.Parameters,
		})
	}
	return out
}

func (c MediaConfig) TransportOptions() core.WebRtcTransportOptions {
	return core.WebRtcTransportOptions{
		ListenIP:                        c.ListenIP,
		AnnouncedIP:                     c.AnnouncedIP,
		EnableUDP:                       true,
		EnableTCP:                       true,
		PreferUDP:                       true,
		MaxSctpMessageSize:              c.MaxSctpMessageSize,
		InitialAvailableOutgoingBitrate: c.InitialAvailableOutgoingBitrate,
	}
}

func (c ObserverConfig) Options() core.AudioLevelObserverOptions {
	return core.AudioLevelObserverOptions{MaxEntries: c.MaxEntries, Threshold: c.Threshold, Interval: c.Interval}
}
