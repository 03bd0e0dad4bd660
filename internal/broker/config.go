package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/pipeline/internal/protocol/session"
	"github.com/danmuck/pipeline/internal/tools"
)

// ExecPolicy selects how commands against one target are scheduled.
type ExecPolicy string

const (
	// PolicySerial runs one command at a time per target, in dispatch order.
	PolicySerial ExecPolicy = "serial"
	// PolicyConcurrent starts every command immediately.
	PolicyConcurrent ExecPolicy = "concurrent"
)

const DefaultListenAddr = "127.0.0.1:9999"

// Config is the broker runtime configuration.
type Config struct {
	ListenAddr     string
	MetricsAddr    string // empty disables the metrics endpoint
	ExecPolicy     ExecPolicy
	Shell          string
	ExecTimeout    time.Duration // 0 means no limit
	MaxOutputBytes int
	Session        session.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:     DefaultListenAddr,
		ExecPolicy:     PolicySerial,
		Shell:          tools.DefaultShell,
		MaxOutputBytes: tools.DefaultMaxOutputBytes,
		Session:        session.DefaultConfig(),
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.ExecPolicy == "" {
		c.ExecPolicy = def.ExecPolicy
	}
	if strings.TrimSpace(c.Shell) == "" {
		c.Shell = def.Shell
	}
	if c.ExecTimeout < 0 {
		c.ExecTimeout = 0
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = def.MaxOutputBytes
	}
	c.Session = c.Session.WithDefaults()
	return c
}

func (c Config) Validate() error {
	switch c.ExecPolicy {
	case PolicySerial, PolicyConcurrent:
	default:
		return fmt.Errorf("broker: unknown exec policy %q", c.ExecPolicy)
	}
	return nil
}

// ParseExecPolicy maps a config or flag value to an ExecPolicy.
func ParseExecPolicy(raw string) (ExecPolicy, error) {
	switch p := ExecPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PolicySerial, nil
	case PolicySerial, PolicyConcurrent:
		return p, nil
	default:
		return "", fmt.Errorf("broker: unknown exec policy %q", raw)
	}
}
