package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Surface      SurfaceConfig      `yaml:"surface"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Settings     SettingsConfig     `yaml:"settings"`
	Synthesis    SynthesisConfig    `yaml:"synthesis"`
	Player       PlayerConfig       `yaml:"player"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Controller   ControllerConfig   `yaml:"controller"`
}

type BusConfig struct {
	Embedded        bool     `yaml:"embedded"`
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	StoreDir        string   `yaml:"store_dir"`
	MaxPayload      int      `yaml:"max_payload_bytes"`
	Servers         []string `yaml:"servers"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	Token           string   `yaml:"token"`
	TLSInsecure     bool     `yaml:"tls_insecure"`
	ConnectTimeout  int      `yaml:"connect_timeout_ms"`
	DeliveryTimeout int      `yaml:"delivery_timeout_ms"`
}

// SurfaceConfig identifies the playback surface hosted by this process.
type SurfaceConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSurfaces   int    `yaml:"max_surfaces"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SettingsConfig selects the key-value store holding user configuration
// (apiKey, voiceId, modelId, volume, speed).
type SettingsConfig struct {
	Backend       string `yaml:"backend"` // sqlite, jetstream, redis, memory
	Path          string `yaml:"path"`
	Bucket        string `yaml:"bucket"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

type SynthesisConfig struct {
	Mode            string  `yaml:"mode"` // elevenlabs, mock
	BaseURL         string  `yaml:"base_url"`
	TimeoutMS       int     `yaml:"timeout_ms"`
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
	DefaultVoice    string  `yaml:"default_voice"`
	DefaultModel    string  `yaml:"default_model"`
}

type PlayerConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Output            string `yaml:"output"` // simulated, exec
	Command           string `yaml:"command"`
	DiscardStaleAudio bool   `yaml:"discard_stale_audio"`
}

type OrchestratorConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ControllerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Surface string `yaml:"surface"`
}

func Default() Config {
	return Config{
		RuntimeName: "rhinos",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8787,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:        true,
			Host:            "127.0.0.1",
			Port:            4222,
			StoreDir:        "./data/nats",
			MaxPayload:      8 * 1024 * 1024,
			Servers:         []string{"nats://127.0.0.1:4222"},
			ConnectTimeout:  2000,
			DeliveryTimeout: 1000,
		},
		Surface: SurfaceConfig{
			ID:                "default",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/rhinos-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSurfaces:   1000,
		},
		Settings: SettingsConfig{
			Backend:   "sqlite",
			Path:      "./data/rhinos-settings.db",
			Bucket:    "rhinos_settings",
			RedisAddr: "localhost:6379",
			KeyPrefix: "rhinos:",
		},
		Synthesis: SynthesisConfig{
			Mode:            "elevenlabs",
			BaseURL:         "https://api.elevenlabs.io",
			TimeoutMS:       60000,
			Stability:       0.5,
			SimilarityBoost: 0.75,
			DefaultVoice:    "JBFqnCBsd6RMkjVDRZzb",
			DefaultModel:    "eleven_multilingual_v2",
		},
		Player: PlayerConfig{
			Enabled:           true,
			Output:            "simulated",
			Command:           "ffplay -nodisp -autoexit -loglevel quiet -volume {volume_pct} -af atempo={rate} -",
			DiscardStaleAudio: true,
		},
		Orchestrator: OrchestratorConfig{Enabled: true},
		Controller:   ControllerConfig{Enabled: true},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "RHINOS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "RHINOS_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "RHINOS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "RHINOS_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "RHINOS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "RHINOS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "RHINOS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "RHINOS_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "RHINOS_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "RHINOS_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "RHINOS_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "RHINOS_BUS_STORE_DIR")
	overrideInt(&cfg.Bus.MaxPayload, "RHINOS_BUS_MAX_PAYLOAD_BYTES")
	overrideStringSlice(&cfg.Bus.Servers, "RHINOS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "RHINOS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "RHINOS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "RHINOS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "RHINOS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "RHINOS_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.DeliveryTimeout, "RHINOS_BUS_DELIVERY_TIMEOUT_MS")
	overrideString(&cfg.Surface.ID, "RHINOS_SURFACE_ID")
	overrideInt(&cfg.Surface.HeartbeatInterval, "RHINOS_SURFACE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Surface.HeartbeatTimeout, "RHINOS_SURFACE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "RHINOS_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "RHINOS_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "RHINOS_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSurfaces, "RHINOS_EVENT_STORE_MAX_SURFACES")
	overrideBool(&cfg.EventStore.VacuumOnStart, "RHINOS_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Settings.Backend, "RHINOS_SETTINGS_BACKEND")
	overrideString(&cfg.Settings.Path, "RHINOS_SETTINGS_PATH")
	overrideString(&cfg.Settings.Bucket, "RHINOS_SETTINGS_BUCKET")
	overrideString(&cfg.Settings.RedisAddr, "RHINOS_SETTINGS_REDIS_ADDR")
	overrideString(&cfg.Settings.RedisPassword, "RHINOS_SETTINGS_REDIS_PASSWORD")
	overrideInt(&cfg.Settings.RedisDB, "RHINOS_SETTINGS_REDIS_DB")
	overrideString(&cfg.Settings.KeyPrefix, "RHINOS_SETTINGS_KEY_PREFIX")
	overrideString(&cfg.Synthesis.Mode, "RHINOS_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.BaseURL, "RHINOS_SYNTHESIS_BASE_URL")
	overrideInt(&cfg.Synthesis.TimeoutMS, "RHINOS_SYNTHESIS_TIMEOUT_MS")
	overrideFloat(&cfg.Synthesis.Stability, "RHINOS_SYNTHESIS_STABILITY")
	overrideFloat(&cfg.Synthesis.SimilarityBoost, "RHINOS_SYNTHESIS_SIMILARITY_BOOST")
	overrideString(&cfg.Synthesis.DefaultVoice, "RHINOS_SYNTHESIS_DEFAULT_VOICE")
	overrideString(&cfg.Synthesis.DefaultModel, "RHINOS_SYNTHESIS_DEFAULT_MODEL")
	overrideBool(&cfg.Player.Enabled, "RHINOS_PLAYER_ENABLED")
	overrideString(&cfg.Player.Output, "RHINOS_PLAYER_OUTPUT")
	overrideString(&cfg.Player.Command, "RHINOS_PLAYER_COMMAND")
	overrideBool(&cfg.Player.DiscardStaleAudio, "RHINOS_PLAYER_DISCARD_STALE_AUDIO")
	overrideBool(&cfg.Orchestrator.Enabled, "RHINOS_ORCHESTRATOR_ENABLED")
	overrideBool(&cfg.Controller.Enabled, "RHINOS_CONTROLLER_ENABLED")
	overrideString(&cfg.Controller.Surface, "RHINOS_CONTROLLER_SURFACE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.MaxPayload < 0 {
			return errors.New("bus.max_payload_bytes must be >= 0")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.DeliveryTimeout <= 0 {
		return errors.New("bus.delivery_timeout_ms must be positive")
	}
	if cfg.Surface.ID == "" {
		return errors.New("surface.id must not be empty")
	}
	if strings.ContainsAny(cfg.Surface.ID, ".*> ") {
		return errors.New("surface.id must not contain '.', '*', '>' or spaces")
	}
	if cfg.Surface.HeartbeatInterval <= 0 {
		return errors.New("surface.heartbeat_interval_ms must be positive")
	}
	if cfg.Surface.HeartbeatTimeout <= cfg.Surface.HeartbeatInterval {
		return errors.New("surface.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Settings.Backend {
	case "sqlite":
		if cfg.Settings.Path == "" {
			return errors.New("settings.path must be set when backend=sqlite")
		}
	case "jetstream":
		if cfg.Settings.Bucket == "" {
			return errors.New("settings.bucket must be set when backend=jetstream")
		}
	case "redis":
		if cfg.Settings.RedisAddr == "" {
			return errors.New("settings.redis_addr must be set when backend=redis")
		}
	case "memory":
	default:
		return errors.New("settings.backend must be one of sqlite|jetstream|redis|memory")
	}
	switch cfg.Synthesis.Mode {
	case "elevenlabs":
		if cfg.Synthesis.BaseURL == "" {
			return errors.New("synthesis.base_url must be set when mode=elevenlabs")
		}
	case "mock":
	default:
		return errors.New("synthesis.mode must be one of elevenlabs|mock")
	}
	if cfg.Synthesis.TimeoutMS <= 0 {
		return errors.New("synthesis.timeout_ms must be positive")
	}
	if cfg.Synthesis.Stability < 0 || cfg.Synthesis.Stability > 1 {
		return errors.New("synthesis.stability must be between 0 and 1")
	}
	if cfg.Synthesis.SimilarityBoost < 0 || cfg.Synthesis.SimilarityBoost > 1 {
		return errors.New("synthesis.similarity_boost must be between 0 and 1")
	}
	if cfg.Player.Enabled {
		switch cfg.Player.Output {
		case "simulated":
		case "exec":
			if cfg.Player.Command == "" {
				return errors.New("player.command must be set when output=exec")
			}
		default:
			return errors.New("player.output must be one of simulated|exec")
		}
	}
	return nil
}
