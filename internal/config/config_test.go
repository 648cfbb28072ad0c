package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(nil, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != 6745 {
		t.Fatalf("expected default port 6745, got %d", c.Port)
	}
	if c.ReplicationPort != 6746 {
		t.Fatalf("expected default replication_port 6746, got %d", c.ReplicationPort)
	}
	if c.CursorBatchSize != 1000 {
		t.Fatalf("expected default cursor_batch_size 1000, got %d", c.CursorBatchSize)
	}
	if !c.FsyncOnCommit {
		t.Fatal("expected fsync_on_commit to default true")
	}
	if c.NodeID == "" {
		t.Fatal("expected a generated node_id when none is configured")
	}
}

func TestLoadFromEnvOverridesDefault(t *testing.T) {
	t.Setenv("SOLIDB_PORT", "7000")
	c, err := Load(nil, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != 7000 {
		t.Fatalf("expected env override to set port 7000, got %d", c.Port)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "solidb.yaml")
	contents := "port: 9000\ndata_dir: /var/lib/solidb\nnode_id: fixed-node\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != 9000 {
		t.Fatalf("expected port 9000 from file, got %d", c.Port)
	}
	if c.DataDir != "/var/lib/solidb" {
		t.Fatalf("expected data_dir from file, got %q", c.DataDir)
	}
	if c.NodeID != "fixed-node" {
		t.Fatalf("expected node_id from file, got %q", c.NodeID)
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	v := New()
	v.Set("port", 70000)
	if _, err := Load(v, ""); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestLoadRejectsEmptyDataDir(t *testing.T) {
	v := New()
	v.Set("data_dir", "")
	if _, err := Load(v, ""); err == nil {
		t.Fatal("expected validation error for empty data_dir")
	}
}
