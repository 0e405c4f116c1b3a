package config

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/inferloop/rsimle/internal/generators/rsimle"
	"github.com/inferloop/rsimle/internal/observability/metrics"
	"github.com/inferloop/rsimle/internal/providers"
	"github.com/inferloop/rsimle/internal/storage"
	"github.com/inferloop/rsimle/internal/storage/influxdb"
	"github.com/inferloop/rsimle/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g. RSIMLE_TRAINING_BATCH_SIZE.
const EnvPrefix = "RSIMLE"

// Config is the full configuration surface of the trainer binaries
type Config struct {
	Model    rsimle.Architecture `mapstructure:"model"`
	Training TrainingConfig      `mapstructure:"training"`
	Storage  storage.Config      `mapstructure:"storage"`
	Metrics  metrics.Config      `mapstructure:"metrics"`
	InfluxDB InfluxDBConfig      `mapstructure:"influxdb"`
	Server   ServerConfig        `mapstructure:"server"`
	Log      LogConfig           `mapstructure:"log"`
}

// TrainingConfig holds the optimisation hyperparameters
type TrainingConfig struct {
	BatchSize        int     `mapstructure:"batch_size"`
	SampleFactor     int     `mapstructure:"sample_factor"`
	NoiseCoefficient float64 `mapstructure:"noise_coefficient"`
	DistanceType     string  `mapstructure:"distance_type"`
	Epsilon          float64 `mapstructure:"epsilon"`
	OptimizerType    string  `mapstructure:"optimizer_type"`
	LearningRate     float64 `mapstructure:"learning_rate"`
	KGSteps          int     `mapstructure:"k_g_steps"`
	MaxIterations    int     `mapstructure:"max_iterations"`
	Seed             uint64  `mapstructure:"seed"`
	ShapeName        string  `mapstructure:"shape_name"`

	// DataFile is an optional x,y CSV of real points that replaces the
	// synthetic shape sampler
	DataFile string `mapstructure:"data_file"`
}

// InfluxDBConfig enables the loss history sink
type InfluxDBConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	influxdb.Config `mapstructure:",squash"`
}

// ServerConfig contains HTTP control surface settings
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StepInterval    time.Duration `mapstructure:"step_interval"`
	PreviewSize     int           `mapstructure:"preview_size"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig selects the logrus level and formatter
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when no file or env overrides exist
func Default() *Config {
	tc := rsimle.DefaultConfig()
	return &Config{
		Model: tc.Architecture,
		Training: TrainingConfig{
			BatchSize:        tc.BatchSize,
			SampleFactor:     tc.SampleFactor,
			NoiseCoefficient: tc.NoiseCoefficient,
			DistanceType:     tc.DistanceType,
			Epsilon:          tc.Epsilon,
			OptimizerType:    tc.OptimizerType,
			LearningRate:     tc.LearningRate,
			KGSteps:          tc.KGSteps,
			MaxIterations:    tc.MaxIterations,
			Seed:             tc.Seed,
			ShapeName:        tc.ShapeName,
		},
		Storage: storage.Config{
			Type: storage.StorageTypeFile,
			Path: "./weights",
			Redis: storage.RedisConfig{
				Addr:         "localhost:6379",
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				PoolSize:     10,
				MaxRetries:   3,
				KeyPrefix:    "rsimle",
			},
			S3: storage.S3Config{
				Region:     "us-east-1",
				Prefix:     "rsimle",
				MaxRetries: 3,
			},
		},
		Metrics: *metrics.DefaultConfig(),
		InfluxDB: InfluxDBConfig{
			Config: influxdb.Config{
				URL:       "http://localhost:8086",
				Bucket:    "rsimle",
				Timeout:   10 * time.Second,
				BatchSize: 100,
			},
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			StepInterval:    0,
			PreviewSize:     512,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads cfgFile (optional), applies RSIMLE_ environment overrides on
// top of the defaults and validates the result.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WrapError(fmt.Errorf("%w: %w", errors.ErrConfigurationLoad, err),
				errors.ErrorTypeConfiguration, errors.CodeInvalidConfig, "Error reading config file").
				WithContext("file", cfgFile)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapError(fmt.Errorf("%w: %w", errors.ErrConfigurationLoad, err),
			errors.ErrorTypeConfiguration, errors.CodeInvalidConfig, "Error unmarshaling config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("model.noise_size", d.Model.NoiseSize)
	v.SetDefault("model.num_generator_layers", d.Model.NumGeneratorLayers)
	v.SetDefault("model.num_generator_neurons", d.Model.NumGeneratorNeurons)
	v.SetDefault("model.activation", string(d.Model.Activation))
	v.SetDefault("model.output", string(d.Model.Output))
	v.SetDefault("model.init", string(d.Model.Init))

	v.SetDefault("training.batch_size", d.Training.BatchSize)
	v.SetDefault("training.sample_factor", d.Training.SampleFactor)
	v.SetDefault("training.noise_coefficient", d.Training.NoiseCoefficient)
	v.SetDefault("training.distance_type", d.Training.DistanceType)
	v.SetDefault("training.epsilon", d.Training.Epsilon)
	v.SetDefault("training.optimizer_type", d.Training.OptimizerType)
	v.SetDefault("training.learning_rate", d.Training.LearningRate)
	v.SetDefault("training.k_g_steps", d.Training.KGSteps)
	v.SetDefault("training.max_iterations", d.Training.MaxIterations)
	v.SetDefault("training.seed", d.Training.Seed)
	v.SetDefault("training.shape_name", d.Training.ShapeName)
	v.SetDefault("training.data_file", d.Training.DataFile)

	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.redis.addr", d.Storage.Redis.Addr)
	v.SetDefault("storage.redis.password", d.Storage.Redis.Password)
	v.SetDefault("storage.redis.db", d.Storage.Redis.DB)
	v.SetDefault("storage.redis.dial_timeout", d.Storage.Redis.DialTimeout)
	v.SetDefault("storage.redis.read_timeout", d.Storage.Redis.ReadTimeout)
	v.SetDefault("storage.redis.write_timeout", d.Storage.Redis.WriteTimeout)
	v.SetDefault("storage.redis.pool_size", d.Storage.Redis.PoolSize)
	v.SetDefault("storage.redis.max_retries", d.Storage.Redis.MaxRetries)
	v.SetDefault("storage.redis.ttl", d.Storage.Redis.TTL)
	v.SetDefault("storage.redis.key_prefix", d.Storage.Redis.KeyPrefix)
	v.SetDefault("storage.redis.use_clustering", d.Storage.Redis.UseClustering)
	v.SetDefault("storage.s3.region", d.Storage.S3.Region)
	v.SetDefault("storage.s3.bucket", d.Storage.S3.Bucket)
	v.SetDefault("storage.s3.access_key_id", d.Storage.S3.AccessKeyID)
	v.SetDefault("storage.s3.secret_access_key", d.Storage.S3.SecretAccessKey)
	v.SetDefault("storage.s3.endpoint", d.Storage.S3.Endpoint)
	v.SetDefault("storage.s3.force_path_style", d.Storage.S3.ForcePathStyle)
	v.SetDefault("storage.s3.prefix", d.Storage.S3.Prefix)
	v.SetDefault("storage.s3.max_retries", d.Storage.S3.MaxRetries)
	v.SetDefault("storage.s3.use_compression", d.Storage.S3.UseCompression)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
	v.SetDefault("metrics.subsystem", d.Metrics.Subsystem)

	v.SetDefault("influxdb.enabled", d.InfluxDB.Enabled)
	v.SetDefault("influxdb.url", d.InfluxDB.URL)
	v.SetDefault("influxdb.token", d.InfluxDB.Token)
	v.SetDefault("influxdb.organization", d.InfluxDB.Organization)
	v.SetDefault("influxdb.bucket", d.InfluxDB.Bucket)
	v.SetDefault("influxdb.timeout", d.InfluxDB.Timeout)
	v.SetDefault("influxdb.batch_size", d.InfluxDB.BatchSize)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.step_interval", d.Server.StepInterval)
	v.SetDefault("server.preview_size", d.Server.PreviewSize)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Trainer assembles the trainer configuration from the model and training sections
func (c *Config) Trainer() *rsimle.Config {
	t := c.Training
	return &rsimle.Config{
		Architecture:     c.Model,
		BatchSize:        t.BatchSize,
		SampleFactor:     t.SampleFactor,
		NoiseCoefficient: t.NoiseCoefficient,
		DistanceType:     t.DistanceType,
		Epsilon:          t.Epsilon,
		OptimizerType:    t.OptimizerType,
		LearningRate:     t.LearningRate,
		KGSteps:          t.KGSteps,
		MaxIterations:    t.MaxIterations,
		Seed:             t.Seed,
		ShapeName:        t.ShapeName,
	}
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	ve := errors.NewValidationErrors()

	if err := c.Trainer().Validate(); err != nil {
		var inner *errors.ValidationErrors
		if stderrors.As(err, &inner) {
			ve.Errors = append(ve.Errors, inner.Errors...)
		} else {
			return err
		}
	}

	if c.Training.DataFile == "" && !providers.HasShape(c.Training.ShapeName) {
		ve.Add("shape_name", errors.CodeInvalidInput, "unknown target shape", c.Training.ShapeName)
	}

	switch c.Storage.Type {
	case storage.StorageTypeFile, storage.StorageTypeRedis, storage.StorageTypeS3:
	default:
		ve.Add("storage.type", errors.CodeInvalidInput, "must be file, redis or s3", c.Storage.Type)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		ve.Add("server.port", errors.CodeOutOfRange, "must be between 1 and 65535", c.Server.Port)
	}
	if c.Server.PreviewSize < 1 {
		ve.Add("server.preview_size", errors.CodeOutOfRange, "must be at least 1", c.Server.PreviewSize)
	}
	if c.Server.StepInterval < 0 {
		ve.Add("server.step_interval", errors.CodeOutOfRange, "must not be negative", c.Server.StepInterval)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		ve.Add("metrics.port", errors.CodeOutOfRange, "must be between 1 and 65535", c.Metrics.Port)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		ve.Add("log.level", errors.CodeInvalidInput, "unknown log level", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		ve.Add("log.format", errors.CodeInvalidInput, "must be text or json", c.Log.Format)
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}
