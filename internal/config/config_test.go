package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsMatchOptionTable(t *testing.T) {
	c := Default()
	if c.Namespace != "" {
		t.Errorf("Namespace = %q, want empty", c.Namespace)
	}
	if c.NodeID == "" {
		t.Error("NodeID not generated")
	}
	if c.Transporter != "nats://localhost:4222" {
		t.Errorf("Transporter = %q", c.Transporter)
	}
	if c.RequestTimeout != 300*time.Second {
		t.Errorf("RequestTimeout = %v, want 300s", c.RequestTimeout)
	}
	if c.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 5s", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout != 15*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 15s", c.HeartbeatTimeout)
	}
	if c.Serializer != "JSON" {
		t.Errorf("Serializer = %q, want JSON", c.Serializer)
	}
}

func TestBuildAppliesOptions(t *testing.T) {
	c := Build(
		WithNamespace("prod"),
		WithNodeID("node-7"),
		WithRequestTimeout(2*time.Second),
		WithDebug(true),
	)
	if c.Namespace != "prod" || c.NodeID != "node-7" {
		t.Errorf("identity fields = %q/%q", c.Namespace, c.NodeID)
	}
	if c.RequestTimeout != 2*time.Second {
		t.Errorf("RequestTimeout = %v", c.RequestTimeout)
	}
	if !c.Debug {
		t.Error("Debug not applied")
	}
}

func TestLoadFillsDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	yaml := "namespace: staging\ntransporter: nats://broker:4222\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Namespace != "staging" {
		t.Errorf("Namespace = %q", c.Namespace)
	}
	if c.Transporter != "nats://broker:4222" {
		t.Errorf("Transporter = %q", c.Transporter)
	}
	if c.HeartbeatInterval != 5*time.Second {
		t.Errorf("omitted HeartbeatInterval = %v, want default 5s", c.HeartbeatInterval)
	}
	if c.NodeID == "" {
		t.Error("NodeID not generated when config omits it")
	}
}

func TestLoadRejectsUnsupportedSerializer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	if err := os.WriteFile(path, []byte("serializer: ProtoBuf\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a non-JSON serializer")
	}
}

func TestValidateRejectsBadTimings(t *testing.T) {
	c := Default()
	c.HeartbeatInterval = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for a zero heartbeat interval")
	}
}
