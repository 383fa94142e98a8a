package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.APIPort != "8080" {
		t.Errorf("APIPort = %q, want 8080", cfg.APIPort)
	}
	if cfg.TopicPrefix != "stages" || cfg.QueueGroup != "workers" {
		t.Errorf("queue defaults = %q/%q", cfg.TopicPrefix, cfg.QueueGroup)
	}
	if cfg.VisibilityTimeout != 2*time.Minute {
		t.Errorf("VisibilityTimeout = %v", cfg.VisibilityTimeout)
	}
	if cfg.MaxDeliver != 5 {
		t.Errorf("MaxDeliver = %d", cfg.MaxDeliver)
	}
	if cfg.RasterDPI != 150 || cfg.RasterMemoryMB != 1024 {
		t.Errorf("raster defaults = %v/%d", cfg.RasterDPI, cfg.RasterMemoryMB)
	}
	if cfg.AlignMinMatches != 4 || cfg.AlignScoreThreshold != 0.5 {
		t.Errorf("align defaults = %d/%v", cfg.AlignMinMatches, cfg.AlignScoreThreshold)
	}
	if got := cfg.WorkerKinds; !reflect.DeepEqual(got, []string{"ocr", "diff", "summary"}) {
		t.Errorf("WorkerKinds = %v", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("API_PORT", "9999")
	t.Setenv("MAX_DELIVER", "3")
	t.Setenv("VISIBILITY_TIMEOUT", "30s")
	t.Setenv("RASTER_DPI", "72.5")
	t.Setenv("WORKER_KINDS", "ocr, diff ,,")

	cfg := Load()

	if cfg.APIPort != "9999" {
		t.Errorf("APIPort = %q", cfg.APIPort)
	}
	if cfg.MaxDeliver != 3 {
		t.Errorf("MaxDeliver = %d", cfg.MaxDeliver)
	}
	if cfg.VisibilityTimeout != 30*time.Second {
		t.Errorf("VisibilityTimeout = %v", cfg.VisibilityTimeout)
	}
	if cfg.RasterDPI != 72.5 {
		t.Errorf("RasterDPI = %v", cfg.RasterDPI)
	}
	if got := cfg.WorkerKinds; !reflect.DeepEqual(got, []string{"ocr", "diff"}) {
		t.Errorf("WorkerKinds = %v", got)
	}
}

func TestLoadMalformedEnvFallsBack(t *testing.T) {
	t.Setenv("MAX_DELIVER", "not-a-number")
	t.Setenv("VISIBILITY_TIMEOUT", "soon")

	cfg := Load()

	if cfg.MaxDeliver != 5 {
		t.Errorf("MaxDeliver = %d, want default 5", cfg.MaxDeliver)
	}
	if cfg.VisibilityTimeout != 2*time.Minute {
		t.Errorf("VisibilityTimeout = %v, want default", cfg.VisibilityTimeout)
	}
}

func TestLoadConfigFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "api_port: \"7070\"\ntopic_prefix: pipeline\nraster_memory_mb: 512\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("API_PORT", "9999")

	cfg := Load()

	// File wins over env; fields absent from the file keep env/defaults.
	if cfg.APIPort != "7070" {
		t.Errorf("APIPort = %q, want file override", cfg.APIPort)
	}
	if cfg.TopicPrefix != "pipeline" {
		t.Errorf("TopicPrefix = %q", cfg.TopicPrefix)
	}
	if cfg.RasterMemoryMB != 512 {
		t.Errorf("RasterMemoryMB = %d", cfg.RasterMemoryMB)
	}
	if cfg.QueueGroup != "workers" {
		t.Errorf("QueueGroup = %q, want default", cfg.QueueGroup)
	}
}

func TestLoadMissingConfigFileIgnored(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg := Load()
	if cfg.APIPort != "8080" {
		t.Errorf("APIPort = %q, want default when config file is missing", cfg.APIPort)
	}
}

func TestTopic(t *testing.T) {
	cfg := Config{TopicPrefix: "stages"}
	if got := cfg.Topic("diff"); got != "stages.diff" {
		t.Errorf("Topic(diff) = %q", got)
	}
}
