// Package config loads service configuration in three layers: built-in
// defaults, an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar overrides the config file location.
const PathEnvVar = "CONFIG_PATH"

// DefaultPaths are searched in order when PathEnvVar is unset.
var DefaultPaths = []string{"config.yaml", "config.yml", "/etc/placerec/config.yaml"}

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Store      StoreConfig      `koanf:"store"`
	Embedding  ProviderConfig   `koanf:"embedding"`
	Generation ProviderConfig   `koanf:"generation"`
	Provider   ResilienceConfig `koanf:"provider"`
	Index      IndexConfig      `koanf:"index"`
	Recommend  RecommendConfig  `koanf:"recommend"`
	NATS       NATSConfig       `koanf:"nats"`
	Logging    LoggingConfig    `koanf:"logging"`
}

type ServerConfig struct {
	Port         int           `koanf:"port" validate:"min=1,max=65535"`
	CORSOrigin   string        `koanf:"cors_origin"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gt=0"`
}

// StoreConfig selects where the vector records are read from.
type StoreConfig struct {
	Backend  string         `koanf:"backend" validate:"oneof=file s3 qdrant postgres"`
	FilePath string         `koanf:"file_path" validate:"required_if=Backend file"`
	S3       S3Config       `koanf:"s3"`
	Qdrant   QdrantConfig   `koanf:"qdrant"`
	Postgres PostgresConfig `koanf:"postgres"`
}

type S3Config struct {
	Endpoint  string `koanf:"endpoint"`
	Region    string `koanf:"region"`
	Bucket    string `koanf:"bucket"`
	Prefix    string `koanf:"prefix"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	PathStyle bool   `koanf:"path_style"`
}

type QdrantConfig struct {
	Addr       string `koanf:"addr"`
	Collection string `koanf:"collection"`
}

type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

// ProviderConfig configures one model endpoint. An empty Provider disables it.
type ProviderConfig struct {
	Provider string `koanf:"provider" validate:"omitempty,oneof=openai ollama"`
	BaseURL  string `koanf:"base_url" validate:"omitempty,url"`
	Model    string `koanf:"model"`
	APIKey   string `koanf:"api_key"`
}

type ResilienceConfig struct {
	RatePerSecond    float64       `koanf:"rate_per_second" validate:"gt=0"`
	Burst            int           `koanf:"burst" validate:"min=1"`
	RetryAttempts    int           `koanf:"retry_attempts" validate:"min=1,max=10"`
	RetryInitialWait time.Duration `koanf:"retry_initial_wait" validate:"gt=0"`
	RetryMaxWait     time.Duration `koanf:"retry_max_wait" validate:"gtefield=RetryInitialWait"`
	BreakerThreshold int           `koanf:"breaker_threshold" validate:"min=1"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

type IndexConfig struct {
	Dimension          int           `koanf:"dimension" validate:"min=0"`
	RefreshInterval    time.Duration `koanf:"refresh_interval" validate:"min=0"`
	StalenessThreshold time.Duration `koanf:"staleness_threshold" validate:"min=0"`
	LoadTimeout        time.Duration `koanf:"load_timeout" validate:"gt=0"`
}

type RecommendConfig struct {
	DefaultTopK        int           `koanf:"default_top_k" validate:"min=1"`
	MaxTopK            int           `koanf:"max_top_k" validate:"gtefield=DefaultTopK"`
	Deadline           time.Duration `koanf:"deadline" validate:"gt=0"`
	Explain            bool          `koanf:"explain"`
	ExplainConcurrency int           `koanf:"explain_concurrency" validate:"min=1,max=64"`
	Fallback           string        `koanf:"fallback" validate:"oneof=recency id"`
	NearRadiusKm       float64       `koanf:"near_radius_km" validate:"gt=0"`
	// Scoring is "similarity" (one cosine per place) or "category" (query
	// facets matched against categorized reviews).
	Scoring string `koanf:"scoring" validate:"oneof=similarity category"`
	// CategoryWeights overrides the per-category weights of category
	// scoring. Empty means the built-in weights.
	CategoryWeights map[string]float64 `koanf:"category_weights" validate:"omitempty,dive,keys,oneof=companion menu mood purpose,endkeys,gte=0"`
}

// NATSConfig is optional. An empty URL disables refresh notifications and
// crawl job publishing.
type NATSConfig struct {
	URL                string `koanf:"url"`
	RefreshSubject     string `koanf:"refresh_subject" validate:"required_with=URL"`
	CrawlSubject       string `koanf:"crawl_subject" validate:"required_with=URL"`
	ReviewCrawlSubject string `koanf:"review_crawl_subject" validate:"required_with=URL"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8000,
			CORSOrigin:   "*",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Store: StoreConfig{
			Backend:  "file",
			FilePath: "data/places.jsonl",
			S3:       S3Config{Region: "ap-northeast-2"},
			Qdrant:   QdrantConfig{Addr: "localhost:6334", Collection: "places"},
		},
		Embedding:  ProviderConfig{Provider: "openai", Model: "text-embedding-3-small"},
		Generation: ProviderConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Provider: ResilienceConfig{
			RatePerSecond:    20,
			Burst:            10,
			RetryAttempts:    3,
			RetryInitialWait: 200 * time.Millisecond,
			RetryMaxWait:     2 * time.Second,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Index: IndexConfig{
			Dimension:          1536,
			RefreshInterval:    10 * time.Minute,
			StalenessThreshold: 30 * time.Minute,
			LoadTimeout:        2 * time.Minute,
		},
		Recommend: RecommendConfig{
			DefaultTopK:        5,
			MaxTopK:            20,
			Deadline:           10 * time.Second,
			Explain:            true,
			ExplainConcurrency: 4,
			Fallback:           "recency",
			NearRadiusKm:       10,
			Scoring:            "similarity",
		},
		NATS: NATSConfig{
			RefreshSubject:     "placerec.index.updated",
			CrawlSubject:       "placerec.crawl.places",
			ReviewCrawlSubject: "placerec.crawl.reviews",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, the config file, and the
// process environment.
func Load() (*Config, error) {
	return load(findFile())
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: file %s: %w", path, err)
		}
	}
	if err := k.Load(env.ProviderWithValue("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKeys maps environment variables to config paths. Unlisted variables
// are ignored.
var envKeys = map[string]string{
	"PORT":                "server.port",
	"CORS_ORIGIN":         "server.cors_origin",
	"HTTP_READ_TIMEOUT":   "server.read_timeout",
	"HTTP_WRITE_TIMEOUT":  "server.write_timeout",
	"STORE_BACKEND":       "store.backend",
	"STORE_FILE_PATH":     "store.file_path",
	"S3_ENDPOINT":         "store.s3.endpoint",
	"S3_REGION":           "store.s3.region",
	"S3_BUCKET":           "store.s3.bucket",
	"S3_PREFIX":           "store.s3.prefix",
	"S3_ACCESS_KEY":       "store.s3.access_key",
	"S3_SECRET_KEY":       "store.s3.secret_key",
	"S3_PATH_STYLE":       "store.s3.path_style",
	"QDRANT_ADDR":         "store.qdrant.addr",
	"QDRANT_COLLECTION":   "store.qdrant.collection",
	"DATABASE_URL":        "store.postgres.dsn",
	"EMBEDDING_PROVIDER":  "embedding.provider",
	"EMBEDDING_BASE_URL":  "embedding.base_url",
	"EMBEDDING_MODEL":     "embedding.model",
	"OPENAI_API_KEY":      "embedding.api_key",
	"GENERATION_PROVIDER": "generation.provider",
	"GENERATION_BASE_URL": "generation.base_url",
	"LLM_MODEL":           "generation.model",
	"GENERATION_API_KEY":  "generation.api_key",

	"PROVIDER_RATE_PER_SECOND":    "provider.rate_per_second",
	"PROVIDER_BURST":              "provider.burst",
	"PROVIDER_RETRY_ATTEMPTS":     "provider.retry_attempts",
	"PROVIDER_RETRY_INITIAL_WAIT": "provider.retry_initial_wait",
	"PROVIDER_RETRY_MAX_WAIT":     "provider.retry_max_wait",
	"PROVIDER_BREAKER_THRESHOLD":  "provider.breaker_threshold",
	"PROVIDER_BREAKER_TIMEOUT":    "provider.breaker_timeout",

	"EMBEDDING_DIMENSION":       "index.dimension",
	"INDEX_REFRESH_INTERVAL":    "index.refresh_interval",
	"INDEX_STALENESS_THRESHOLD": "index.staleness_threshold",
	"INDEX_LOAD_TIMEOUT":        "index.load_timeout",

	"RECOMMENDATION_TOP_K":      "recommend.default_top_k",
	"RECOMMENDATION_MAX_TOP_K":  "recommend.max_top_k",
	"RECOMMENDATION_DEADLINE":   "recommend.deadline",
	"RECOMMENDATION_EXPLAIN":    "recommend.explain",
	"EXPLAIN_CONCURRENCY":       "recommend.explain_concurrency",
	"RECOMMENDATION_FALLBACK":   "recommend.fallback",
	"RECOMMENDATION_SCORING":    "recommend.scoring",
	"LOCATION_FILTER_RADIUS_KM": "recommend.near_radius_km",

	"NATS_URL":                  "nats.url",
	"NATS_REFRESH_SUBJECT":      "nats.refresh_subject",
	"NATS_CRAWL_SUBJECT":        "nats.crawl_subject",
	"NATS_REVIEW_CRAWL_SUBJECT": "nats.review_crawl_subject",

	"LOG_LEVEL":  "logging.level",
	"LOG_FORMAT": "logging.format",
}

func envKey(key, value string) (string, any) {
	path, ok := envKeys[strings.ToUpper(key)]
	if !ok {
		return "", nil
	}
	return path, value
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: invalid: %w", err)
	}
	switch c.Store.Backend {
	case "s3":
		if c.Store.S3.Bucket == "" {
			return errors.New("config: invalid: store.s3.bucket is required for the s3 backend")
		}
	case "qdrant":
		if c.Store.Qdrant.Addr == "" || c.Store.Qdrant.Collection == "" {
			return errors.New("config: invalid: store.qdrant.addr and collection are required for the qdrant backend")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return errors.New("config: invalid: store.postgres.dsn is required for the postgres backend")
		}
	}
	if c.Recommend.Scoring == "category" && c.Generation.Provider == "" {
		return errors.New("config: invalid: recommend.scoring category needs a generation provider")
	}
	return nil
}
