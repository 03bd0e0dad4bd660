package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/pipeline/internal/broker"
	"github.com/danmuck/pipeline/internal/events"
)

const defaultConfigRel = ".pipeline/config.toml"

// pipeline config.toml key mapping to runtime settings.
type fileConfig struct {
	Addr              string `toml:"addr"`
	ExecPolicy        string `toml:"exec_policy"`
	Shell             string `toml:"shell"`
	ExecTimeout       string `toml:"exec_timeout"`
	MaxOutputBytes    int    `toml:"max_output_bytes"`
	OutboxSize        int    `toml:"outbox_size"`
	MaxProtocolErrors int    `toml:"max_protocol_errors"`
	IdleTimeout       string `toml:"idle_timeout"`
	WriteTimeout      string `toml:"write_timeout"`
	MetricsAddr       string `toml:"metrics_addr"`
	NATSURL           string `toml:"nats_url"`
	NATSSubjectPrefix string `toml:"nats_subject_prefix"`
}

type appConfig struct {
	Broker            broker.Config
	NATSURL           string
	NATSSubjectPrefix string
}

func defaultAppConfig() appConfig {
	return appConfig{
		Broker:            broker.DefaultConfig(),
		NATSSubjectPrefix: events.DefaultSubjectPrefix,
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultConfigRel)
}

// loadConfig overlays the TOML file at path on the defaults. A missing file
// is only an error when the path was given explicitly.
func loadConfig(path string, explicit bool) (appConfig, error) {
	cfg := defaultAppConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return appConfig{}, fmt.Errorf("load pipeline config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Broker.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("exec_policy") {
		policy, err := broker.ParseExecPolicy(raw.ExecPolicy)
		if err != nil {
			return appConfig{}, fmt.Errorf("load pipeline config: %w", err)
		}
		cfg.Broker.ExecPolicy = policy
	}
	if meta.IsDefined("shell") {
		cfg.Broker.Shell = strings.TrimSpace(raw.Shell)
	}
	if meta.IsDefined("exec_timeout") {
		d, err := parseDuration("exec_timeout", raw.ExecTimeout)
		if err != nil {
			return appConfig{}, err
		}
		cfg.Broker.ExecTimeout = d
	}
	if meta.IsDefined("max_output_bytes") {
		cfg.Broker.MaxOutputBytes = raw.MaxOutputBytes
	}
	if meta.IsDefined("outbox_size") {
		cfg.Broker.Session.OutboxSize = raw.OutboxSize
	}
	if meta.IsDefined("max_protocol_errors") {
		cfg.Broker.Session.MaxProtocolErrors = raw.MaxProtocolErrors
	}
	if meta.IsDefined("idle_timeout") {
		d, err := parseDuration("idle_timeout", raw.IdleTimeout)
		if err != nil {
			return appConfig{}, err
		}
		cfg.Broker.Session.IdleTimeout = d
	}
	if meta.IsDefined("write_timeout") {
		d, err := parseDuration("write_timeout", raw.WriteTimeout)
		if err != nil {
			return appConfig{}, err
		}
		cfg.Broker.Session.WriteTimeout = d
	}
	if meta.IsDefined("metrics_addr") {
		cfg.Broker.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("nats_url") {
		cfg.NATSURL = strings.TrimSpace(raw.NATSURL)
	}
	if meta.IsDefined("nats_subject_prefix") {
		cfg.NATSSubjectPrefix = strings.TrimSpace(raw.NATSSubjectPrefix)
	}

	cfg.Broker = cfg.Broker.WithDefaults()
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("load pipeline config: %s: %w", key, err)
	}
	return d, nil
}
