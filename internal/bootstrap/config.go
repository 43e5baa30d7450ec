package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/eleven-am/scene-backend/internal/realtime"
	"github.com/eleven-am/scene-backend/internal/vision"
)

// EnvFileVar overrides the path of the optional dotenv file.
const EnvFileVar = "ENV_FILE"

// Config is flat: every key is the lower-cased name of its environment
// variable, so TARGET_FPS sets target_fps.
type Config struct {
	ServerAddr string `koanf:"server_addr" validate:"required"`
	LogLevel   string `koanf:"log_level" validate:"oneof=debug info warn error"`
	BodyLimit  string `koanf:"body_limit" validate:"required"`

	RedisAddr     string `koanf:"redis_addr" validate:"required,hostname_port"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db" validate:"gte=0"`

	OllamaURL        string        `koanf:"ollama_url" validate:"required,url"`
	VisionModel      string        `koanf:"vision_model" validate:"required"`
	InferenceTimeout time.Duration `koanf:"inference_timeout" validate:"gt=0"`
	BreakerFailures  uint32        `koanf:"breaker_failures" validate:"gt=0"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout" validate:"gt=0"`

	TargetFPS       float64       `koanf:"target_fps" validate:"gt=0"`
	ContextWindow   int           `koanf:"context_window" validate:"gt=0"`
	QueueSize       int           `koanf:"queue_size" validate:"gt=0"`
	RequestDelay    time.Duration `koanf:"request_delay" validate:"gte=0"`
	ObjectTTL       time.Duration `koanf:"object_ttl" validate:"gt=0"`
	ActionRetention int           `koanf:"action_retention" validate:"gt=0"`

	MaxSessions        int           `koanf:"max_sessions" validate:"gt=0"`
	SessionIdleTimeout time.Duration `koanf:"session_idle_timeout" validate:"gt=0"`

	EventHistoryTTL time.Duration `koanf:"event_history_ttl" validate:"gt=0"`
	EventHistoryMax int           `koanf:"event_history_max" validate:"gt=0"`

	APIRequestsPerSecond float64 `koanf:"api_requests_per_second" validate:"gt=0"`
	APIBurst             int     `koanf:"api_burst" validate:"gt=0"`

	// RTCICEServers is a comma separated list of STUN/TURN urls. The TURN
	// credentials apply to every turn: url in it.
	RTCICEServers       string        `koanf:"rtc_ice_servers"`
	RTCTURNUsername     string        `koanf:"rtc_turn_username"`
	RTCTURNCredential   string        `koanf:"rtc_turn_credential"`
	RTCPortMin          int           `koanf:"rtc_port_min" validate:"gte=0,lte=65535"`
	RTCPortMax          int           `koanf:"rtc_port_max" validate:"gte=0,lte=65535"`
	RTCKeyframeInterval time.Duration `koanf:"rtc_keyframe_interval"`
}

func defaultConfig() Config {
	return Config{
		ServerAddr: ":8080",
		LogLevel:   "info",
		BodyLimit:  "8M",

		RedisAddr: "localhost:6379",

		OllamaURL:        "http://localhost:11434",
		VisionModel:      "llava",
		InferenceTimeout: 30 * time.Second,
		BreakerFailures:  5,
		BreakerTimeout:   30 * time.Second,

		TargetFPS:       vision.DefaultTargetFPS,
		ContextWindow:   vision.DefaultWindowSize,
		QueueSize:       vision.DefaultQueueSize,
		RequestDelay:    vision.DefaultRequestDelay,
		ObjectTTL:       vision.DefaultObjectTTL,
		ActionRetention: vision.DefaultActionRetention,

		MaxSessions:        64,
		SessionIdleTimeout: 30 * time.Minute,

		EventHistoryTTL: 5 * time.Minute,
		EventHistoryMax: 100,

		APIRequestsPerSecond: 50,
		APIBurst:             100,

		RTCICEServers:       "stun:stun.l.google.com:19302",
		RTCKeyframeInterval: 2 * time.Second,
	}
}

// LoadConfig layers struct defaults, an optional dotenv file and the
// process environment, in that order of precedence.
func LoadConfig() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	envFile := os.Getenv(EnvFileVar)
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := k.Load(file.Provider(envFile), dotenv.ParserEnv("", ".", strings.ToLower)); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", envFile, err)
	}

	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

func (c *Config) Vision() vision.Config {
	return vision.Config{
		OllamaURL:       c.OllamaURL,
		Model:           c.VisionModel,
		Timeout:         c.InferenceTimeout,
		BreakerFailures: c.BreakerFailures,
		BreakerTimeout:  c.BreakerTimeout,
		TargetFPS:       c.TargetFPS,
		WindowSize:      c.ContextWindow,
		QueueSize:       c.QueueSize,
		RequestDelay:    c.RequestDelay,
		ObjectTTL:       c.ObjectTTL,
		ActionRetention: c.ActionRetention,
	}
}

func (c *Config) RTC() realtime.Config {
	return realtime.Config{
		ICEServers: parseICEServers(c.RTCICEServers, c.RTCTURNUsername, c.RTCTURNCredential),
		PortRange: realtime.PortRange{
			Min: c.RTCPortMin,
			Max: c.RTCPortMax,
		},
		KeyframeInterval: c.RTCKeyframeInterval,
	}
}

func parseICEServers(value, username, credential string) []realtime.ICEServerConfig {
	var servers []realtime.ICEServerConfig
	for _, url := range strings.Split(value, ",") {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		server := realtime.ICEServerConfig{URLs: []string{url}}
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			server.Username = username
			server.Credential = credential
		}
		servers = append(servers, server)
	}
	return servers
}
