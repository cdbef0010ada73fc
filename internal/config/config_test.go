package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("default server port = %d", cfg.Server.Port)
	}
	if cfg.Index.Provider != "chromem" {
		t.Errorf("default index provider = %q", cfg.Index.Provider)
	}
	if cfg.Sync.Workers != 4 || cfg.Sync.ChunkSize != 1000 || cfg.Sync.ChunkOverlap != 150 {
		t.Errorf("sync defaults = %+v", cfg.Sync)
	}
	if cfg.Sync.Timeout != 5*time.Minute {
		t.Errorf("sync timeout default = %s", cfg.Sync.Timeout)
	}
	if cfg.Embeddings.Timeout != 30*time.Second {
		t.Errorf("embeddings timeout default = %s", cfg.Embeddings.Timeout)
	}
	if cfg.Resolve.TierTimeout != 5*time.Second || cfg.Resolve.DefaultTopK != 5 {
		t.Errorf("resolve defaults = %+v", cfg.Resolve)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 8080
  shutdown_timeout: 3s
store:
  path: /var/lib/retrieverd/records.db
index:
  provider: qdrant
  vector_size: 768
embeddings:
  api_key: super-secret
sync:
  workers: 8
`, 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != 3*time.Second {
		t.Errorf("shutdown timeout = %s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Index.Provider != "qdrant" || cfg.Index.VectorSize != 768 {
		t.Errorf("index config = %+v", cfg.Index)
	}
	if cfg.Sync.Workers != 8 {
		t.Errorf("sync workers = %d", cfg.Sync.Workers)
	}
	if cfg.Embeddings.APIKey.Value() != "super-secret" {
		t.Errorf("api key not loaded")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 8080\n", 0600)
	t.Setenv("RETRIEVERD_SERVER_PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("env override lost: port = %d", cfg.Server.Port)
	}
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 8080\n", 0644)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "permissions") {
		t.Errorf("expected permissions error, got %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []string{
		"server:\n  port: 99999\n",
		"index:\n  provider: pinecone\n",
		"sync:\n  chunk_size: 100\n  chunk_overlap: 100\n",
	}
	for _, content := range cases {
		path := writeConfigFile(t, content, 0600)
		if _, err := Load(path); err == nil {
			t.Errorf("expected validation error for %q", content)
		}
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("hunter2")
	if got := s.String(); got != "[REDACTED]" {
		t.Errorf("String() = %q", got)
	}
	if got := fmt.Sprintf("%v", s); got != "[REDACTED]" {
		t.Errorf("%%v = %q", got)
	}
	if got := fmt.Sprintf("%#v", s); got != "Secret([REDACTED])" {
		t.Errorf("%%#v = %q", got)
	}
	out, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: s})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(out), "hunter2") {
		t.Errorf("secret leaked in JSON: %s", out)
	}
	if s.Value() != "hunter2" {
		t.Errorf("Value() lost the secret")
	}

	var empty Secret
	if empty.String() != "" || empty.IsSet() {
		t.Errorf("empty secret should stay empty")
	}
}
