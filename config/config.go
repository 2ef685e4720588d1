package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ImagePlaceholder marks a catalog region whose AMI has not been filled in
// yet. The planner skips such regions.
const ImagePlaceholder = "ami-CHANGEME"

// Config holds the application configuration
type Config struct {
	// Job store: "postgres" or "dynamodb"
	StoreBackend string
	DatabaseURL  string
	DynamoTable  string

	// Server
	ServerPort string

	// S3
	Bucket string

	// Provisioning
	CatalogPath  string
	InstanceType string
	MaxSpotPrice string
	KeyName      string

	// Spot fulfillment wait protocol
	SpotPollInterval time.Duration
	SpotWaitMax      time.Duration

	// Reconciliation
	PollInterval time.Duration
	// FailAfter enables failure inference from elapsed time alone once the
	// instance is gone (0 disables it and failure requires an error marker).
	FailAfter time.Duration
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		StoreBackend:     getEnv("STORE_BACKEND", "postgres"),
		DatabaseURL:      getEnv("DATABASE_URL", "postgres://localhost/transcribe_orchestrator?sslmode=disable"),
		DynamoTable:      getEnv("DYNAMO_TABLE", "transcription-jobs"),
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		Bucket:           getEnv("S3_BUCKET", ""),
		CatalogPath:      getEnv("REGION_CATALOG", "regions.yaml"),
		InstanceType:     getEnv("INSTANCE_TYPE", "g4dn.xlarge"),
		MaxSpotPrice:     getEnv("MAX_SPOT_PRICE", "0.50"),
		KeyName:          getEnv("KEY_NAME", ""),
		SpotPollInterval: getDuration("SPOT_POLL_INTERVAL", 10*time.Second),
		SpotWaitMax:      getDuration("SPOT_WAIT_MAX", 3*time.Minute),
		PollInterval:     getDuration("STATUS_POLL_INTERVAL", 60*time.Second),
		FailAfter:        getDuration("FAIL_AFTER", 45*time.Minute),
	}
}

// Region is one immutable entry of the region catalog. Security groups and
// subnets are resolved lazily at planning time, never stored here.
type Region struct {
	Name              string `yaml:"name"`
	ImageID           string `yaml:"image_id"`
	InstanceType      string `yaml:"instance_type"`
	MaxSpotPrice      string `yaml:"max_spot_price"`
	SecurityGroupName string `yaml:"security_group"`
}

// Catalog is the ordered list of candidate regions. Order determines
// provisioning priority.
type Catalog struct {
	Regions []Region `yaml:"regions"`
}

// LoadCatalog parses the region catalog YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read region catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses region catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("invalid region catalog: %w", err)
	}
	if len(catalog.Regions) == 0 {
		return nil, fmt.Errorf("region catalog is empty")
	}
	for i, r := range catalog.Regions {
		if r.Name == "" {
			return nil, fmt.Errorf("region catalog entry %d has no name", i)
		}
	}
	return &catalog, nil
}

// ApplyDefaults fills per-region fields left empty in the catalog from the
// global configuration.
func (c *Catalog) ApplyDefaults(cfg *Config) {
	for i := range c.Regions {
		if c.Regions[i].InstanceType == "" {
			c.Regions[i].InstanceType = cfg.InstanceType
		}
		if c.Regions[i].MaxSpotPrice == "" {
			c.Regions[i].MaxSpotPrice = cfg.MaxSpotPrice
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
