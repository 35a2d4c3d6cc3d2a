package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "30s"-style strings in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Relay   RelayConfig   `yaml:"relay"`
	Storage StorageConfig `yaml:"storage"`
	NATS    NATSConfig    `yaml:"nats"`
	Collab  CollabConfig  `yaml:"collab"`
}

type RelayConfig struct {
	Port             int      `yaml:"port"`
	PersistPolicy    string   `yaml:"persist_policy"`
	PersistEvery     Duration `yaml:"persist_every"`
	AwarenessTimeout Duration `yaml:"awareness_timeout"`
	GCOnRelease      bool     `yaml:"gc_on_release"`
	Retain           bool     `yaml:"retain"`
}

type StorageConfig struct {
	MongoURI     string `yaml:"mongo_uri"`
	DatabaseName string `yaml:"database_name"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type CollabConfig struct {
	Port           int      `yaml:"port"`
	UploadsDir     string   `yaml:"uploads_dir"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	TicketKeyPath  string   `yaml:"ticket_key_path"`
	TicketTTL      Duration `yaml:"ticket_ttl"`
}

// LoadConfig builds the effective configuration: defaults, overridden by
// config/config.yml, then config/config.local.yml, then environment
// variables.
func LoadConfig() *Config {
	cfg := &Config{
		Relay: RelayConfig{
			Port:             1234,
			PersistPolicy:    "disconnect",
			PersistEvery:     Duration(30 * time.Second),
			AwarenessTimeout: Duration(30 * time.Second),
			GCOnRelease:      true,
			Retain:           false,
		},
		Storage: StorageConfig{
			MongoURI:     "mongodb://localhost:27017",
			DatabaseName: "blogdidacta",
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Collab: CollabConfig{
			Port:           8080,
			UploadsDir:     "uploads",
			MaxUploadBytes: 5 << 20,
			TicketKeyPath:  "ticket_key.pem",
			TicketTTL:      Duration(12 * time.Hour),
		},
	}

	loadFile(cfg, "config/config.yml")
	loadFile(cfg, "config/config.local.yml")
	applyEnv(cfg)

	return cfg
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[Config] Could not read %s: %v", path, err)
		}
		return
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[Config] Could not parse %s: %v", path, err)
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.Storage.MongoURI = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Storage.DatabaseName = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Relay.Port = port
		}
	}
	if v := os.Getenv("COLLAB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Collab.Port = port
		}
	}
	if v := os.Getenv("UPLOADS_DIR"); v != "" {
		cfg.Collab.UploadsDir = v
	}
	if v := os.Getenv("TICKET_KEY_PATH"); v != "" {
		cfg.Collab.TicketKeyPath = v
	}
}
