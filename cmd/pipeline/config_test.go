package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/pipeline/internal/broker"
	"github.com/danmuck/pipeline/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
addr = "127.0.0.1:7777"
exec_policy = "concurrent"
shell = "/bin/bash"
exec_timeout = "30s"
max_output_bytes = 4096
outbox_size = 16
max_protocol_errors = 5
idle_timeout = "2m"
metrics_addr = "127.0.0.1:9100"
nats_url = "nats://127.0.0.1:4222"
nats_subject_prefix = "dev.pipeline."
`)
	cfg, err := loadConfig(path, true)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	b := cfg.Broker
	if b.ListenAddr != "127.0.0.1:7777" {
		t.Fatalf("unexpected listen addr: %q", b.ListenAddr)
	}
	if b.ExecPolicy != broker.PolicyConcurrent {
		t.Fatalf("unexpected exec policy: %q", b.ExecPolicy)
	}
	if b.Shell != "/bin/bash" || b.ExecTimeout != 30*time.Second || b.MaxOutputBytes != 4096 {
		t.Fatalf("unexpected exec settings: %+v", b)
	}
	if b.Session.OutboxSize != 16 || b.Session.MaxProtocolErrors != 5 || b.Session.IdleTimeout != 2*time.Minute {
		t.Fatalf("unexpected session settings: %+v", b.Session)
	}
	if b.Session.WriteTimeout != 10*time.Second {
		t.Fatalf("write timeout default lost: %v", b.Session.WriteTimeout)
	}
	if b.MetricsAddr != "127.0.0.1:9100" || cfg.NATSURL != "nats://127.0.0.1:4222" || cfg.NATSSubjectPrefix != "dev.pipeline." {
		t.Fatalf("unexpected integrations: %+v", cfg)
	}
}

func TestLoadConfigMissingDefaultFileUsesDefaults(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "absent.toml")
	cfg, err := loadConfig(path, false)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Broker.ListenAddr != broker.DefaultListenAddr || cfg.Broker.ExecPolicy != broker.PolicySerial {
		t.Fatalf("unexpected defaults: %+v", cfg.Broker)
	}
	if _, err := loadConfig(path, true); err == nil {
		t.Fatalf("expected error for explicit missing config")
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := []string{
		`exec_policy = "parallel"`,
		`exec_timeout = "soon"`,
		`addr = [1, 2]`,
	}
	for _, content := range cases {
		if _, err := loadConfig(writeConfig(t, content), true); err == nil {
			t.Fatalf("expected error for %s", content)
		}
	}
}
