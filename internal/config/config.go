package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration. Sources, lowest priority first:
// defaults, the YAML file, RELAYSTATE_* environment variables.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
	Hub     HubConfig     `yaml:"hub"`
	Node    NodeConfig    `yaml:"node"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"required,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"required,oneof=text json"`
}

type StorageConfig struct {
	Profile     string `yaml:"profile" validate:"omitempty,oneof=custom memory durable-local production"`
	DataDir     string `yaml:"data_dir"`
	DSN         string `yaml:"dsn"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type HubConfig struct {
	Addr        string  `yaml:"addr" validate:"required"`
	JWTSecret   string  `yaml:"jwt_secret"`
	RateLimit   float64 `yaml:"rate_limit" validate:"gte=0"`
	RateBurst   int     `yaml:"rate_burst" validate:"gte=0"`
	ReadLimit   int64   `yaml:"read_limit" validate:"gte=0"`
	SendBuffer  int     `yaml:"send_buffer" validate:"gte=0"`
	Compression bool    `yaml:"compression"`
	Metrics     bool    `yaml:"metrics"`
}

type NodeConfig struct {
	Clients []string `yaml:"clients" validate:"dive,required"`
	HubURL  string   `yaml:"hub_url" validate:"omitempty,url"`
	// Token is used as is. When empty and JWTSecret is set, a token is
	// issued per client at start.
	Token     string `yaml:"token"`
	JWTSecret string `yaml:"jwt_secret"`
	PeerID    string `yaml:"peer_id"`

	// OutboxDSN may contain {client}, replaced by each client id.
	OutboxDSN      string `yaml:"outbox_dsn"`
	OutboxCapacity int    `yaml:"outbox_capacity" validate:"gte=0"`
	OverflowPolicy string `yaml:"overflow_policy" validate:"omitempty,oneof=reject drop_oldest drop_newest"`

	MaxStates        int `yaml:"max_states" validate:"gte=0"`
	MaxQueuedUpdates int `yaml:"max_queued_updates" validate:"gte=0"`

	Strategy          string        `yaml:"strategy" validate:"omitempty,oneof=last_write_wins first_write_wins merge manual"`
	LockTimeout       time.Duration `yaml:"lock_timeout" validate:"gte=0"`
	LockTTL           time.Duration `yaml:"lock_ttl" validate:"gte=0"`
	AuditInterval     time.Duration `yaml:"audit_interval" validate:"gte=0"`
	ValidateIntegrity bool          `yaml:"validate_integrity"`

	ReconnectInterval    time.Duration `yaml:"reconnect_interval" validate:"gte=0"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" validate:"gte=0"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" validate:"gte=0"`
	RequestTimeout       time.Duration `yaml:"request_timeout" validate:"gte=0"`
	Compression          bool          `yaml:"compression"`

	MetricsAddr string `yaml:"metrics_addr"`
}

func Defaults() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{DataDir: ".relaystate"},
		Hub: HubConfig{
			Addr:    ":8080",
			Metrics: true,
		},
		Node: NodeConfig{
			Strategy:       "last_write_wins",
			OverflowPolicy: "reject",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.resolveStorage(); err != nil {
		return Config{}, err
	}
	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Validate(cfg *Config) error {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func (c *Config) resolveStorage() error {
	if strings.TrimSpace(c.Storage.DSN) != "" {
		return nil
	}
	dataDir := strings.TrimSpace(c.Storage.DataDir)
	if dataDir == "" {
		dataDir = ".relaystate"
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Profile)) {
	case "", "custom":
	case "memory":
		c.Storage.DSN = "memory://"
	case "durable-local":
		c.Storage.DSN = "bolt:" + filepath.Join(dataDir, "states.db")
		if c.Node.OutboxDSN == "" {
			c.Node.OutboxDSN = "file:" + filepath.Join(dataDir, "outbox-{client}.json")
		}
	case "production":
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			return fmt.Errorf("RELAYSTATE_POSTGRES_DSN is required when the storage profile is %s", c.Storage.Profile)
		}
		c.Storage.DSN = c.Storage.PostgresDSN
	default:
		return fmt.Errorf("unsupported storage profile: %s", c.Storage.Profile)
	}
	return nil
}

func (n NodeConfig) OutboxDSNFor(clientID string) string {
	return strings.ReplaceAll(n.OutboxDSN, "{client}", clientID)
}

func (n NodeConfig) SyncURL(clientID string) string {
	return strings.TrimRight(n.HubURL, "/") + "/v1/clients/" + clientID + "/sync"
}
