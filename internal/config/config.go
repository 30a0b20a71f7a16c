// Package config loads relaycast-host's configuration from a YAML
// file and RELAYCAST_-prefixed environment variables, following the
// teacher's agent config loader (spf13/viper bound against a
// mapstructure-tagged struct). No setting is bound to a CLI flag; the
// only flag, --config, names the file.
package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/viper"

	"relaycast/internal/encode"
	"relaycast/internal/transport"
)

// Config is relaycast-host's full runtime configuration (spec §6's
// ConnectionConfig plus the capture/encode/metrics knobs SPEC_FULL.md
// adds around it).
type Config struct {
	Addr        string `mapstructure:"addr"`
	Mode        string `mapstructure:"mode"` // "datagram-secure" | "browser-secure" | "tcp-tunnel"
	CertPath    string `mapstructure:"cert_path"`
	TimeoutSecs int    `mapstructure:"timeout_secs"`

	VideoBitrate uint32 `mapstructure:"video_bitrate"`
	MinBitrate   uint32 `mapstructure:"min_bitrate"`
	MaxBitrate   uint32 `mapstructure:"max_bitrate"`
	FPS          int    `mapstructure:"fps"`
	Width        int    `mapstructure:"width"`
	Height       int    `mapstructure:"height"`
	Codec        string `mapstructure:"codec"` // "h264" | "hevc" | "av1"

	Display    string `mapstructure:"display"`
	GPU        int    `mapstructure:"gpu"`
	RenderNode string `mapstructure:"render_node"`
	StartX     bool   `mapstructure:"start_x"`
	Resolution string `mapstructure:"resolution"`

	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	MetricsAddr    string `mapstructure:"metrics_addr"`

	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // "console" | "json"
}

// Default returns relaycast-host's defaults, matching spec §6's
// ConnectionConfig defaults exactly (transport.DefaultConfig) plus
// sane values for the fields spec §6 doesn't cover.
func Default() *Config {
	dc := transport.DefaultConfig()
	return &Config{
		Addr:        dc.Addr,
		Mode:        string(dc.Mode),
		TimeoutSecs: dc.TimeoutSecs,

		VideoBitrate: dc.VideoBitrate,
		MinBitrate:   1_000_000,
		MaxBitrate:   50_000_000,
		FPS:          int(dc.FPS),
		Width:        int(dc.Width),
		Height:       int(dc.Height),
		Codec:        "h264",

		Resolution: "1920x1080",

		MetricsEnabled: true,
		MetricsAddr:    "127.0.0.1:9090",

		RateLimitPerMinute: 60,

		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Load reads cfgFile (or, when empty, searches the default config
// locations for "relaycast.yaml") into a viper instance, applies the
// RELAYCAST_-prefixed environment overrides, and unmarshals onto
// Default()'s baseline. Values are not range-checked here.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("relaycast")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("RELAYCAST")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// TransportConfig projects Config onto transport.Config for the
// selected backend's Connect call.
func (c *Config) TransportConfig() transport.Config {
	return transport.Config{
		Addr:         c.Addr,
		Mode:         transport.Mode(c.Mode),
		CertPath:     c.CertPath,
		TimeoutSecs:  c.TimeoutSecs,
		VideoBitrate: c.VideoBitrate,
		FPS:          uint8(c.FPS),
		Width:        uint32(c.Width),
		Height:       uint32(c.Height),
	}
}

// EncodeCodec maps the configured codec name to encode.Codec,
// defaulting to H264 for an empty or unrecognized value.
func (c *Config) EncodeCodec() encode.Codec {
	switch c.Codec {
	case "hevc":
		return encode.CodecHEVC
	case "av1":
		return encode.CodecAV1
	default:
		return encode.CodecH264
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "darwin":
		return "/Library/Application Support/relaycast"
	default:
		return "/etc/relaycast"
	}
}
