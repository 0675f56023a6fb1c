package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "VOICEPEER"

type Config struct {
	Mode         string          `mapstructure:"mode"`
	LogLevel     string          `mapstructure:"log_level"`
	PionLogLevel string          `mapstructure:"pion_log_level"`
	Room         string          `mapstructure:"room"`
	PeerID       string          `mapstructure:"peer_id"`
	StatusAddr   string          `mapstructure:"status_addr"`
	OnFailure    string          `mapstructure:"on_failure"`
	Signaling    SignalingConfig `mapstructure:"signaling"`
	ICE          ICEConfig       `mapstructure:"ice"`
	Channel      ChannelConfig   `mapstructure:"channel"`
	Media        MediaConfig     `mapstructure:"media"`
}

type SignalingConfig struct {
	URL         string        `mapstructure:"url"`
	Secret      string        `mapstructure:"secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	OfferLimit  int           `mapstructure:"offer_limit"`
	OfferWindow time.Duration `mapstructure:"offer_window"`
}

type ICEConfig struct {
	STUN       []string `mapstructure:"stun"`
	TURN       []string `mapstructure:"turn"`
	TURNUser   string   `mapstructure:"turn_user"`
	TURNPass   string   `mapstructure:"turn_pass"`
	ForceRelay bool     `mapstructure:"force_relay"`
	Loopback   bool     `mapstructure:"loopback"`
}

type ChannelConfig struct {
	Label     string `mapstructure:"label"`
	HighWater uint64 `mapstructure:"high_water"`
}

type MediaConfig struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	PlaybackAddr string `mapstructure:"playback_addr"`
	PayloadType  uint8  `mapstructure:"payload_type"`
	MTU          int    `mapstructure:"mtu"`
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"mode":        "mode",
	"log-level":   "log_level",
	"room":        "room",
	"peer-id":     "peer_id",
	"status-addr": "status_addr",
	"on-failure":  "on_failure",
	"signal-url":  "signaling.url",
	"secret":      "signaling.secret",
	"stun":        "ice.stun",
	"turn":        "ice.turn",
	"force-relay": "ice.force_relay",
	"listen":      "media.listen_addr",
	"playback":    "media.playback_addr",
}

// Flags registers the command-line overrides on fs.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default config/config.<CONFIG_ENV>.yaml)")
	fs.String("mode", "", "gin mode: debug, release or test")
	fs.String("log-level", "", "log level")
	fs.String("room", "", "voice room to join")
	fs.String("peer-id", "", "local participant id (default random)")
	fs.String("status-addr", "", "status API listen address, empty to disable")
	fs.String("on-failure", "", "what to do with a failed peer: reconnect or remove")
	fs.String("signal-url", "", "signaling websocket URL")
	fs.String("secret", "", "HS256 secret for the signaling bearer token")
	fs.StringSlice("stun", nil, "STUN server URLs")
	fs.StringSlice("turn", nil, "TURN server URLs")
	fs.Bool("force-relay", false, "relay-only ICE when TURN is configured")
	fs.String("listen", "", "UDP address receiving local RTP audio")
	fs.String("playback", "", "UDP address receiving remote RTP audio")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("pion_log_level", "warn")
	v.SetDefault("room", "main")
	v.SetDefault("peer_id", "")
	v.SetDefault("status_addr", "127.0.0.1:8089")
	v.SetDefault("on_failure", "reconnect")

	v.SetDefault("signaling.url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("signaling.secret", "")
	v.SetDefault("signaling.token_ttl", "1h")
	v.SetDefault("signaling.read_limit", 32768)
	v.SetDefault("signaling.ping_period", "54s")
	v.SetDefault("signaling.offer_limit", 5)
	v.SetDefault("signaling.offer_window", "10s")

	v.SetDefault("ice.stun", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice.turn", []string{})
	v.SetDefault("ice.turn_user", "")
	v.SetDefault("ice.turn_pass", "")
	v.SetDefault("ice.force_relay", false)
	v.SetDefault("ice.loopback", false)

	v.SetDefault("channel.label", "voice-audio/1")
	v.SetDefault("channel.high_water", 64*1024)

	v.SetDefault("media.listen_addr", "127.0.0.1:5006")
	v.SetDefault("media.playback_addr", "127.0.0.1:5008")
	v.SetDefault("media.payload_type", 111)
	v.SetDefault("media.mtu", 1500)
}

// Load reads defaults, then the YAML file, then VOICEPEER_* environment
// variables, then flags set on fs. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	fileName := ""
	if fs != nil {
		fileName, _ = fs.GetString("config")
	}
	explicit := fileName != ""
	if !explicit {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		if explicit {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Info().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PeerID == "" {
		cfg.PeerID = string(domain.NewPeerID())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Str("room", cfg.Room).Str("peer", cfg.PeerID).Msg("config ready")
	return &cfg, nil
}

var ErrInvalid = errors.New("invalid config")

func (c *Config) Validate() error {
	switch c.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("%w: mode %q", ErrInvalid, c.Mode)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
	}
	if _, err := zerolog.ParseLevel(c.PionLogLevel); err != nil {
		return fmt.Errorf("%w: pion_log_level: %v", ErrInvalid, err)
	}
	if _, err := domain.ParseChannelID(c.Room); err != nil {
		return fmt.Errorf("%w: room: %v", ErrInvalid, err)
	}
	if _, err := domain.ParsePeerID(c.PeerID); err != nil {
		return fmt.Errorf("%w: peer_id: %v", ErrInvalid, err)
	}
	if _, err := app.PolicyByName(c.OnFailure); err != nil {
		return fmt.Errorf("%w: on_failure: %v", ErrInvalid, err)
	}
	if c.Signaling.URL == "" {
		return fmt.Errorf("%w: signaling.url is required", ErrInvalid)
	}
	if c.Channel.Label == "" {
		return fmt.Errorf("%w: channel.label is required", ErrInvalid)
	}
	return nil
}

func (c *Config) Level() zerolog.Level {
	lvl, _ := zerolog.ParseLevel(c.LogLevel)
	return lvl
}

// Policy is the failure policy named by on_failure.
func (c *Config) Policy() app.Policy {
	p, err := app.PolicyByName(c.OnFailure)
	if err != nil {
		return app.SimplePolicy{}
	}
	return p
}

func (c *Config) PionLevel() zerolog.Level {
	lvl, _ := zerolog.ParseLevel(c.PionLogLevel)
	return lvl
}
