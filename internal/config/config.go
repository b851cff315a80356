// Package config reads the service configuration from the environment and
// the scoring policy from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/OFFIS-RIT/lantern/backend/internal/storage"
	"github.com/OFFIS-RIT/lantern/backend/internal/util"
	"github.com/OFFIS-RIT/lantern/backend/pkg/analyst"
	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/graphdb"

	"gopkg.in/yaml.v3"
)

const (
	LockLocal    = "local"
	LockPostgres = "postgres"
	LockRedis    = "redis"

	ArchiveMemory = "memory"
	ArchiveS3     = "s3"
)

type Config struct {
	Debug   bool
	LogJSON bool
	Port    string
	APIKey  string

	// ReadAPIKey grants read-only access to the HTTP API.
	ReadAPIKey string

	DatabaseURL string
	RedisURL    string
	Neo4j       graphdb.Neo4jParams
	S3          storage.S3Config

	LockBackend    string
	ArchiveBackend string

	RabbitMQURL string
	QueueName   string

	MaxAttempts int
	RetryDelay  time.Duration

	PolicyFile string
	Policy     Policy
}

// Policy tunes correlation and scoring. Zero values fall back to the
// package defaults of the engines.
type Policy struct {
	Thresholds analyst.Thresholds `yaml:"thresholds"`
	// CriticalRelationships nil keeps the default gate; an empty list
	// disables it.
	CriticalRelationships []common.Relationship `yaml:"critical_relationships"`
	CustomRules           []analyst.CustomRule  `yaml:"custom_rules"`
	Correlation           CorrelationPolicy     `yaml:"correlation"`
	Scoring               ScoringPolicy         `yaml:"scoring"`
	Advisory              AdvisoryPolicy        `yaml:"advisory"`
}

type CorrelationPolicy struct {
	DefaultConfidence   float64 `yaml:"default_confidence"`
	ParallelResolutions int     `yaml:"parallel_resolutions"`
	PersistAttempts     int     `yaml:"persist_attempts"`
	PersistBackoffMs    int     `yaml:"persist_backoff_ms"`
	MinLoopLength       int     `yaml:"min_loop_length"`
	MaxLoopLength       int     `yaml:"max_loop_length"`
	MaxLoops            int     `yaml:"max_loops"`
	OrphanMaxLinks      int     `yaml:"orphan_max_links"`
	DisableOrphanLinks  bool    `yaml:"disable_orphan_links"`
}

type ScoringPolicy struct {
	// Statistical selects the statistical scorer: "zscore" or "none".
	Statistical    string `yaml:"statistical"`
	HalfPopulation int    `yaml:"half_population"`
}

type AdvisoryPolicy struct {
	CriticalScore float64 `yaml:"critical_score"`
}

// Load reads the configuration from the environment (after loading .env)
// and the policy file named by POLICY_FILE, if any.
func Load() (*Config, error) {
	util.LoadEnv()

	cfg := &Config{
		Debug:       util.GetEnvBool("DEBUG", false),
		LogJSON:     util.GetEnvBool("LOG_JSON", false),
		Port:        util.GetEnvString("PORT", "8080"),
		APIKey:      util.GetEnv("API_KEY"),
		ReadAPIKey:  util.GetEnv("READ_API_KEY"),
		DatabaseURL: util.GetEnv("DATABASE_URL"),
		RedisURL:    util.GetEnv("REDIS_URL"),
		Neo4j: graphdb.Neo4jParams{
			URI:      util.GetEnv("NEO4J_URI"),
			Username: util.GetEnvString("NEO4J_USER", "neo4j"),
			Password: util.GetEnv("NEO4J_PASSWORD"),
			Database: util.GetEnv("NEO4J_DATABASE"),
		},
		S3: storage.S3Config{
			Region:    util.GetEnvString("AWS_REGION", "us-east-1"),
			Endpoint:  util.GetEnv("AWS_ENDPOINT_URL"),
			AccessKey: util.GetEnv("AWS_ACCESS_KEY"),
			SecretKey: util.GetEnv("AWS_SECRET_KEY"),
			Bucket:    util.GetEnvString("AWS_BUCKET", "lantern"),
			Prefix:    util.GetEnv("AWS_PREFIX"),
		},
		LockBackend:    strings.ToLower(util.GetEnvString("LOCK_BACKEND", LockLocal)),
		ArchiveBackend: strings.ToLower(util.GetEnvString("ARCHIVE_BACKEND", ArchiveMemory)),
		RabbitMQURL:    rabbitURL(),
		QueueName:      util.GetEnvString("RABBITMQ_QUEUE", "scenario_queue"),
		MaxAttempts:    util.GetEnvInt("PIPELINE_MAX_ATTEMPTS", 3),
		RetryDelay:     util.GetEnvDurationMs("PIPELINE_RETRY_DELAY_MS", 2*time.Second),
		PolicyFile:     util.GetEnv("POLICY_FILE"),
	}

	if cfg.PolicyFile != "" {
		p, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Policy = p
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func rabbitURL() string {
	if url := util.GetEnv("RABBITMQ_URL"); url != "" {
		return url
	}
	host := util.GetEnv("RABBITMQ_HOST")
	if host == "" {
		return ""
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		util.GetEnvString("RABBITMQ_USER", "guest"),
		util.GetEnvString("RABBITMQ_PASSWORD", "guest"),
		host,
		util.GetEnvString("RABBITMQ_PORT", "5672"),
	)
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.LockBackend {
	case LockLocal:
	case LockPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("LOCK_BACKEND=postgres requires DATABASE_URL"))
		}
	case LockRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("LOCK_BACKEND=redis requires REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend))
	}

	switch c.ArchiveBackend {
	case ArchiveMemory:
	case ArchiveS3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("ARCHIVE_BACKEND=s3 requires AWS_BUCKET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ARCHIVE_BACKEND %q", c.ArchiveBackend))
	}

	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("PIPELINE_MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	var errs []error
	for _, rel := range p.CriticalRelationships {
		if !rel.Valid() {
			errs = append(errs, fmt.Errorf("unknown critical relationship %q", rel))
		}
	}
	dims := []string{
		common.DimConflictOfInterest, common.DimFinancialAnomaly, common.DimRegulatoryViolation,
		common.DimTransparencyGap, common.DimInfluenceConcentration,
	}
	for _, r := range p.CustomRules {
		if !slices.Contains(dims, r.Dimension) {
			errs = append(errs, fmt.Errorf("custom rule %q: unknown dimension %q", r.Name, r.Dimension))
		}
	}
	switch p.Scoring.Statistical {
	case "", "zscore", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown statistical scorer %q", p.Scoring.Statistical))
	}
	if c := p.Correlation; c.MinLoopLength > 0 && c.MaxLoopLength > 0 && c.MinLoopLength > c.MaxLoopLength {
		errs = append(errs, fmt.Errorf("min_loop_length %d exceeds max_loop_length %d", c.MinLoopLength, c.MaxLoopLength))
	}
	if err := p.Thresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("thresholds: %w", err))
	}
	return errors.Join(errs...)
}

// Critical returns the gate for the correlation engine. A
// policy that does not mention the key keeps the engine default.
func (p Policy) Critical() []common.Relationship {
	if p.CriticalRelationships == nil {
		return nil
	}
	return slices.Clone(p.CriticalRelationships)
}
