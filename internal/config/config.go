package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mcuadros/go-defaults"
)

// Model backends understood by the service.
const (
	BackendGRPC = "grpc"
	BackendONNX = "onnx"
	BackendDlib = "dlib"
)

// Config aggregates runtime settings. Values come from struct defaults, an
// optional TOML file and finally environment variables.
type Config struct {
	HTTP   HTTPConfig   `toml:"http"`
	Log    LogConfig    `toml:"log"`
	Model  ModelConfig  `toml:"model"`
	Match  MatchConfig  `toml:"match"`
	Auth   AuthConfig   `toml:"auth"`
	Redis  RedisConfig  `toml:"redis"`
	MQTT   MQTTConfig   `toml:"mqtt"`
	Locale LocaleConfig `toml:"locale"`
}

type HTTPConfig struct {
	Addr            string        `toml:"addr" default:":8000"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" default:"15s"`
	MaxUploadBytes  int64         `toml:"max_upload_bytes" default:"10485760"`
	AllowOrigins    []string      `toml:"allow_origins"`
	// TrustedProxies lists the proxy addresses or CIDRs whose
	// X-Forwarded-For header is honoured. Empty trusts none.
	TrustedProxies []string `toml:"trusted_proxies"`
}

type LogConfig struct {
	Level        string        `toml:"level" default:"info"`
	File         string        `toml:"file"`
	MaxAge       time.Duration `toml:"max_age" default:"168h"`
	RotationTime time.Duration `toml:"rotation_time" default:"24h"`
}

type ModelConfig struct {
	Backend       string        `toml:"backend" default:"grpc"`
	Name          string        `toml:"name" default:"buffalo_l"`
	UseGPU        bool          `toml:"use_gpu"`
	EmbeddingDim  int           `toml:"embedding_dim" default:"512"`
	MaxConcurrent int           `toml:"max_concurrent" default:"4"`
	CallTimeout   time.Duration `toml:"call_timeout" default:"10s"`

	// grpc backend
	Addr        string        `toml:"addr" default:"face-model:50051"`
	DialTimeout time.Duration `toml:"dial_timeout" default:"5s"`

	// onnx backend
	ONNX ONNXConfig `toml:"onnx"`

	// dlib backend
	DlibModelDir string `toml:"dlib_model_dir" default:"models"`
}

type ONNXConfig struct {
	LibraryPath    string  `toml:"library_path" default:"onnxruntime.so"`
	DetectorPath   string  `toml:"detector_path" default:"models/buffalo_l/det_10g.onnx"`
	RecognizerPath string  `toml:"recognizer_path" default:"models/buffalo_l/w600k_r50.onnx"`
	DetectorSize   int     `toml:"detector_size" default:"640"`
	ScoreThreshold float64 `toml:"score_threshold" default:"0.5"`
	NMSThreshold   float64 `toml:"nms_threshold" default:"0.4"`
}

type MatchConfig struct {
	Threshold float64 `toml:"threshold" default:"0.4"`
}

type AuthConfig struct {
	JWTSecret   string `toml:"jwt_secret"`
	JWTAudience string `toml:"jwt_audience"`
}

type RedisConfig struct {
	Addr      string        `toml:"addr"`
	Password  string        `toml:"password"`
	DB        int           `toml:"db"`
	RateLimit int64         `toml:"rate_limit" default:"30"`
	Window    time.Duration `toml:"window" default:"1m"`
}

type MQTTConfig struct {
	Broker         string        `toml:"broker"`
	ClientID       string        `toml:"client_id"`
	Username       string        `toml:"username"`
	Password       string        `toml:"password"`
	RequestTopic   string        `toml:"request_topic" default:"faceverify/rpc/verify/request"`
	ResponsePrefix string        `toml:"response_prefix" default:"faceverify/rpc/verify/response"`
	QoS            int           `toml:"qos"`
	RequestTimeout time.Duration `toml:"request_timeout" default:"30s"`
}

type LocaleConfig struct {
	Default string `toml:"default" default:"ja"`
}

// Default returns a Config populated only from struct defaults.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	if len(cfg.HTTP.AllowOrigins) == 0 {
		cfg.HTTP.AllowOrigins = []string{"*"}
	}
	return cfg
}

// Load builds the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Model.Backend {
	case BackendGRPC, BackendONNX, BackendDlib:
	default:
		return fmt.Errorf("unknown model backend %q", c.Model.Backend)
	}
	if c.Match.Threshold < -1 || c.Match.Threshold > 1 {
		return fmt.Errorf("match threshold %v outside [-1, 1]", c.Match.Threshold)
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		return errors.New("max upload bytes must be positive")
	}
	if c.Model.MaxConcurrent <= 0 {
		return errors.New("model max concurrent must be positive")
	}
	if c.Model.EmbeddingDim < 0 {
		return errors.New("embedding dim must not be negative")
	}
	if c.Model.CallTimeout <= 0 {
		return errors.New("model call timeout must be positive")
	}
	if c.Redis.Addr != "" && c.Redis.RateLimit > 0 && c.Redis.Window <= 0 {
		return errors.New("rate limit window must be positive")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos %d outside [0, 2]", c.MQTT.QoS)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	get := func(key string) (string, bool) {
		value, ok := lookup(key)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}

	setString := func(key string, dst *string) {
		if value, ok := get(key); ok {
			*dst = value
		}
	}

	var errs []error
	setInt64 := func(key string, dst *int64) {
		if value, ok := get(key); ok {
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setInt := func(key string, dst *int) {
		n := int64(*dst)
		setInt64(key, &n)
		*dst = int(n)
	}
	setFloat := func(key string, dst *float64) {
		if value, ok := get(key); ok {
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	setBool := func(key string, dst *bool) {
		if value, ok := get(key); ok {
			b, err := strconv.ParseBool(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	setString("HTTP_ADDR", &cfg.HTTP.Addr)
	setInt64("MAX_UPLOAD_BYTES", &cfg.HTTP.MaxUploadBytes)
	if value, ok := get("CORS_ALLOW_ORIGINS"); ok {
		cfg.HTTP.AllowOrigins = splitList(value)
	}
	if value, ok := get("TRUSTED_PROXIES"); ok {
		cfg.HTTP.TrustedProxies = splitList(value)
	}

	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("LOG_FILE", &cfg.Log.File)

	setString("MODEL_BACKEND", &cfg.Model.Backend)
	setString("MODEL_NAME", &cfg.Model.Name)
	setString("MODEL_ADDR", &cfg.Model.Addr)
	setBool("USE_GPU", &cfg.Model.UseGPU)
	setInt("EMBEDDING_DIM", &cfg.Model.EmbeddingDim)
	setInt("MODEL_MAX_CONCURRENT", &cfg.Model.MaxConcurrent)
	setString("ONNXRUNTIME_LIB", &cfg.Model.ONNX.LibraryPath)
	setString("ONNX_DETECTOR_PATH", &cfg.Model.ONNX.DetectorPath)
	setString("ONNX_RECOGNIZER_PATH", &cfg.Model.ONNX.RecognizerPath)
	setString("DLIB_MODEL_DIR", &cfg.Model.DlibModelDir)

	setFloat("MATCH_THRESHOLD", &cfg.Match.Threshold)

	setString("JWT_SECRET", &cfg.Auth.JWTSecret)
	setString("JWT_AUDIENCE", &cfg.Auth.JWTAudience)

	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)
	setInt64("RATE_LIMIT", &cfg.Redis.RateLimit)

	setString("MQTT_BROKER", &cfg.MQTT.Broker)
	setString("MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	setString("MQTT_USERNAME", &cfg.MQTT.Username)
	setString("MQTT_PASSWORD", &cfg.MQTT.Password)

	setString("DEFAULT_LANGUAGE", &cfg.Locale.Default)

	return errors.Join(errs...)
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
