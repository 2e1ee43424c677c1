package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photomirror.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validYAML = `
source:
  kind: local
  path: /photos
target:
  base_url: https://photos.example.com
  access_token: at-1
  collection: vacation
sync:
  database_path: /var/lib/photomirror/mappings.db
  poll_interval: 5m
`

func TestLoad_FromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Source.Kind != "local" || cfg.Source.Path != "/photos" {
		t.Errorf("source = %+v", cfg.Source)
	}
	if cfg.Target.Collection != "vacation" {
		t.Errorf("collection = %q", cfg.Target.Collection)
	}
	if cfg.Sync.PollInterval != 5*time.Minute {
		t.Errorf("poll_interval = %v, want 5m", cfg.Sync.PollInterval)
	}
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Sync.DeletionPolicy != "hard-delete" {
		t.Errorf("deletion_policy = %q, want hard-delete default", cfg.Sync.DeletionPolicy)
	}
	if !cfg.Source.Watch {
		t.Error("source.watch default should be true")
	}
	if cfg.Dashboard.Enabled {
		t.Error("dashboard should default to disabled")
	}
	if cfg.Dashboard.Addr != "127.0.0.1:8787" {
		t.Errorf("dashboard.addr = %q", cfg.Dashboard.Addr)
	}
	if cfg.Log.MaxSizeMB != 20 {
		t.Errorf("log.max_size_mb = %d, want 20", cfg.Log.MaxSizeMB)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("PHOTOMIRROR_SYNC_DELETION_POLICY", "append-only")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Sync.DeletionPolicy != "append-only" {
		t.Errorf("deletion_policy = %q, want env override", cfg.Sync.DeletionPolicy)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("Load() succeeded with a missing explicit config path")
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown source kind",
			yaml: strings.Replace(validYAML, "kind: local", "kind: ftp", 1),
			want: "source.kind",
		},
		{
			name: "local source without path",
			yaml: strings.Replace(validYAML, "path: /photos", "path: \"\"", 1),
			want: "source.path",
		},
		{
			name: "http source without base url",
			yaml: strings.Replace(validYAML, "kind: local", "kind: http", 1),
			want: "source.base_url",
		},
		{
			name: "missing target base url",
			yaml: strings.Replace(validYAML, "base_url: https://photos.example.com", "base_url: \"\"", 1),
			want: "target.base_url",
		},
		{
			name: "bad deletion policy",
			yaml: validYAML + "  deletion_policy: purge-everything\n",
			want: "deletion_policy",
		},
		{
			name: "zero poll interval",
			yaml: strings.Replace(validYAML, "poll_interval: 5m", "poll_interval: 0s", 1),
			want: "poll_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("Load() succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestValidate_EmptyCollection(t *testing.T) {
	cfg := Config{
		Source: SourceConfig{Kind: "local", Path: "/photos"},
		Target: TargetConfig{BaseURL: "https://x"},
		Sync: SyncConfig{
			DatabasePath:   "db",
			DeletionPolicy: "hard-delete",
			PollInterval:   time.Minute,
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() passed with empty collection")
	}
}
