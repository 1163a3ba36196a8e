package bootstrap

import (
    "fmt"
    "os"
    "time"

    "github.com/go-playground/validator/v10"
    "gopkg.in/yaml.v3"
)

// Config defines the high-level inputs to assemble a simulation daemon.
// Zero values mean defaults; Normalize fills them in.
type Config struct {
    // Host is the externally visible host written into member endpoints.
    Host string `yaml:"host"`
    // PortBase seeds deterministic member port allocation.
    PortBase int `yaml:"port_base" validate:"gte=0,lte=65535"`

    // DataDir is where durable member state lives. Ignored when InMemory.
    DataDir string `yaml:"data_dir"`
    // InMemory keeps member state in memory; crashed members restart empty.
    InMemory bool `yaml:"in_memory"`

    // HTTPAddr is the bind address of the HTTP API (e.g., ":8080").
    HTTPAddr string `yaml:"http_addr" validate:"required"`
    // FeedAddr is the bind address of the gRPC feed. Empty disables it.
    FeedAddr string `yaml:"feed_addr"`

    // PollInterval is the broadcaster's status poll period.
    PollInterval time.Duration `yaml:"poll_interval"`
    // InitTimeout bounds group initiation.
    InitTimeout time.Duration `yaml:"init_timeout"`
    // StepdownWait bounds leader handover confirmation.
    StepdownWait time.Duration `yaml:"stepdown_wait"`

    // Consensus engine tuning.
    HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
    ElectionTimeout  time.Duration `yaml:"election_timeout"`

    // TLS secures the HTTP API and the feed when enabled.
    TLS TLSConfig `yaml:"tls"`

    // Trace enables stdout span export.
    Trace bool `yaml:"trace"`
}

// TLSConfig is the yaml shape of the TLS options.
type TLSConfig struct {
    Enable   bool   `yaml:"enable"`
    CAFile   string `yaml:"ca_file"`
    CertFile string `yaml:"cert_file"`
    KeyFile  string `yaml:"key_file"`
}

var validate = validator.New()

// Normalize applies defaults in place and validates the result.
func (c *Config) Normalize() error {
    if c.Host == "" {
        c.Host = "127.0.0.1"
    }
    if c.PortBase == 0 {
        c.PortBase = 27017
    }
    if c.HTTPAddr == "" {
        c.HTTPAddr = ":8080"
    }
    if c.PollInterval <= 0 {
        c.PollInterval = 2 * time.Second
    }
    if c.InitTimeout <= 0 {
        c.InitTimeout = 30 * time.Second
    }
    if c.StepdownWait <= 0 {
        c.StepdownWait = 15 * time.Second
    }
    if !c.InMemory && c.DataDir == "" {
        c.DataDir = "data"
    }
    if err := validate.Struct(c); err != nil {
        return fmt.Errorf("bootstrap: invalid config: %w", err)
    }
    return nil
}

// LoadFile reads a yaml config from path and normalizes it.
func LoadFile(path string) (Config, error) {
    var cfg Config
    b, err := os.ReadFile(path)
    if err != nil {
        return cfg, fmt.Errorf("bootstrap: read config: %w", err)
    }
    if err := yaml.Unmarshal(b, &cfg); err != nil {
        return cfg, fmt.Errorf("bootstrap: parse config: %w", err)
    }
    if err := cfg.Normalize(); err != nil {
        return cfg, err
    }
    return cfg, nil
}
