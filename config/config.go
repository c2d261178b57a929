package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	minActuatorTimeout = 2 * time.Second
	maxActuatorTimeout = 5 * time.Second
)

type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Actuator      ActuatorConfig      `yaml:"actuator"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Database      DatabaseConfig      `yaml:"database"`
	Pushover      PushoverConfig      `yaml:"pushover"`
	Log           LogConfig           `yaml:"log"`
}

type HTTPConfig struct {
	Addr               string `yaml:"addr"`
	UploadDir          string `yaml:"upload_dir"`
	MaxUploadMB        int    `yaml:"max_upload_mb"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

type AudioConfig struct {
	Source     string `yaml:"source"`
	WatchDir   string `yaml:"watch_dir"`
	WavDir     string `yaml:"wav_dir"`
	Normalizer string `yaml:"normalizer"`
	FFmpegPath string `yaml:"ffmpeg_path"`
	SampleRate int    `yaml:"sample_rate"`
}

type TranscriptionConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

type ActuatorConfig struct {
	Transport  string   `yaml:"transport"`
	URL        string   `yaml:"url"`
	Timeout    Duration `yaml:"timeout"`
	MQTTBroker string   `yaml:"mqtt_broker"`
	MQTTTopic  string   `yaml:"mqtt_topic"`
}

type TelemetryConfig struct {
	URL            string   `yaml:"url"`
	ReconnectDelay Duration `yaml:"reconnect_delay"`
	MaxAttempts    int      `yaml:"max_attempts"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Seed   bool   `yaml:"seed"`
}

type PushoverConfig struct {
	Token   string `yaml:"token"`
	UserKey string `yaml:"user_key"`
	Enabled bool   `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration accepts Go duration strings such as "30s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

func (c *Config) setDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":3000"
	}
	if c.HTTP.UploadDir == "" {
		c.HTTP.UploadDir = "./uploads/audio"
	}
	if c.HTTP.MaxUploadMB == 0 {
		c.HTTP.MaxUploadMB = 10
	}
	if c.HTTP.RateLimitPerMinute == 0 {
		c.HTTP.RateLimitPerMinute = 30
	}

	if c.Audio.Source == "" {
		c.Audio.Source = "http"
	}
	if c.Audio.WatchDir == "" {
		c.Audio.WatchDir = "./audio"
	}
	if c.Audio.WavDir == "" {
		c.Audio.WavDir = "./uploads/audio/wav"
	}
	if c.Audio.Normalizer == "" {
		c.Audio.Normalizer = "auto"
	}
	if c.Audio.FFmpegPath == "" {
		c.Audio.FFmpegPath = "ffmpeg"
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 16000
	}

	if c.Transcription.URL == "" {
		c.Transcription.URL = "ws://localhost:5000/ws"
	}
	if c.Transcription.Timeout == 0 {
		c.Transcription.Timeout = Duration(30 * time.Second)
	}

	if c.Actuator.Transport == "" {
		c.Actuator.Transport = "none"
	}
	if c.Actuator.Timeout == 0 {
		c.Actuator.Timeout = Duration(3 * time.Second)
	}
	c.Actuator.Timeout = Duration(clamp(c.Actuator.Timeout.Std(), minActuatorTimeout, maxActuatorTimeout))
	if c.Actuator.MQTTTopic == "" {
		c.Actuator.MQTTTopic = "home/actuators/control"
	}

	if c.Telemetry.ReconnectDelay == 0 {
		c.Telemetry.ReconnectDelay = Duration(5 * time.Second)
	}
	if c.Telemetry.MaxAttempts == 0 {
		c.Telemetry.MaxAttempts = 5
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "voicehome.db"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Audio.Source {
	case "http", "file", "microphone":
	default:
		return fmt.Errorf("audio.source: unknown source %q", c.Audio.Source)
	}
	switch c.Audio.Normalizer {
	case "auto", "ffmpeg", "native":
	default:
		return fmt.Errorf("audio.normalizer: unknown normalizer %q", c.Audio.Normalizer)
	}
	switch c.Actuator.Transport {
	case "none":
	case "http":
		if c.Actuator.URL == "" {
			return fmt.Errorf("actuator.url is required for the http transport")
		}
	case "mqtt":
		if c.Actuator.MQTTBroker == "" {
			return fmt.Errorf("actuator.mqtt_broker is required for the mqtt transport")
		}
	default:
		return fmt.Errorf("actuator.transport: unknown transport %q", c.Actuator.Transport)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for %s", c.Database.Driver)
	}
	if c.Pushover.Enabled && (c.Pushover.Token == "" || c.Pushover.UserKey == "") {
		return fmt.Errorf("pushover: token and user_key are required when enabled")
	}
	return nil
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
