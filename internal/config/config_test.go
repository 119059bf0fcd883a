package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/spf13/pflag"
)

func testFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("config", "", "")
	fs.Int("port", 0, "")
	fs.String("log-level", "", "")
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(testFlags(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 8080 || cfg.HTTP.Mode != "release" {
		t.Fatalf("unexpected http defaults %+v", cfg.HTTP)
	}
	if cfg.Media.RtcMinPort != 40000 || cfg.Media.RtcMaxPort != 40400 || cfg.Media.MaxIncomingBitrate != 1500000 {
		t.Fatalf("unexpected media defaults %+v", cfg.Media)
	}
	if cfg.Observer.Threshold != -80 || cfg.Observer.Interval != 800*time.Millisecond || cfg.Observer.MaxEntries != 1 {
		t.Fatalf("unexpected observer defaults %+v", cfg.Observer)
	}
	if cfg.Signaling.RequestTimeout != 20*time.Second {
		t.Fatalf("unexpected request timeout %v", cfg.Signaling.RequestTimeout)
	}
	if cfg.Signaling.ConnectLimit != 10 || cfg.Signaling.ConnectWindow != 10*time.Second {
		t.Fatalf("unexpected connect limit %d per %v", cfg.Signaling.ConnectLimit, cfg.Signaling.ConnectWindow)
	}

	codecs := cfg.Media.RtpCodecs()
	if len(codecs) != 5 || codecs[0].Kind != domain.MediaKindAudio || codecs[0].Channels != 2 {
		t.Fatalf("unexpected default codecs %+v", codecs)
	}
	if codecs[3].Parameters["profile-level-id"] != "4d0032" {
		t.Fatalf("unexpected h264 parameters %v", codecs[3].Parameters)
	}
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huddle.yaml")
	yaml := []byte("http:\n  port: 9000\n  mode: debug\nmedia:\n  num_workers: 3\nsignaling:\n  connect_limit: 3\n  connect_window: 1m\nlog:\n  level: warn\n")
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HUDDLE_MEDIA_NUM_WORKERS", "4")
	t.Setenv("HUDDLE_THROTTLE_SECRET", "from-env")

	cfg, err := Load(testFlags(t, "--config", path, "--port", "9100"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 9100 {
		t.Fatalf("flag should win, got port %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.Mode != "debug" || cfg.Log.Level != "warn" {
		t.Fatalf("file values not applied: %+v %+v", cfg.HTTP, cfg.Log)
	}
	if cfg.Signaling.ConnectLimit != 3 || cfg.Signaling.ConnectWindow != time.Minute {
		t.Fatalf("signaling file values not applied: %+v", cfg.Signaling)
	}
	if cfg.Media.NumWorkers != 4 || cfg.Throttle.Secret != "from-env" {
		t.Fatalf("env should override the file: workers=%d secret=%q", cfg.Media.NumWorkers, cfg.Throttle.Secret)
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load(testFlags(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.HTTP.Port = 0 }},
		{"workers", func(c *Config) { c.Media.NumWorkers = 0 }},
		{"port range", func(c *Config) { c.Media.RtcMinPort, c.Media.RtcMaxPort = 5000, 4000 }},
		{"codecs", func(c *Config) { c.Media.Codecs = nil }},
		{"codec kind", func(c *Config) { c.Media.Codecs = []CodecConfig{{Kind: "text", MimeType: "x/y", ClockRate: 1}} }},
		{"observer", func(c *Config) { c.Observer.Interval = 0 }},
		{"connect limit", func(c *Config) { c.Signaling.ConnectLimit = 0 }},
		{"connect window", func(c *Config) { c.Signaling.ConnectWindow = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *cfg
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
