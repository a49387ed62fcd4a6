package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestResolveDefaults(t *testing.T) {
	cfg, err := Resolve(ResolveOptions{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.SessionPath.Source != SourceDefault {
		t.Fatalf("session path source = %s, want default", cfg.SessionPath.Source)
	}
	if cfg.EngineSource != SourceDefault {
		t.Fatalf("engine source = %s, want default", cfg.EngineSource)
	}
	if cfg.Engine.Quality.RefractoryPeriod != 0.002 {
		t.Fatalf("refractory period = %g, want 0.002", cfg.Engine.Quality.RefractoryPeriod)
	}
}

func TestResolveFromFile(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		"session_path: /data/refine.db",
		"engine:",
		"  quality:",
		"    min_spikes: 25",
		"  similarity:",
		"    bandwidth: 3.5",
	}, "\n"))

	cfg, err := Resolve(ResolveOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.SessionPath.Value != "/data/refine.db" || cfg.SessionPath.Source != SourceConfig {
		t.Fatalf("session path = %+v", cfg.SessionPath)
	}
	if cfg.Engine.Quality.MinSpikes != 25 {
		t.Fatalf("min spikes = %d, want 25", cfg.Engine.Quality.MinSpikes)
	}
	if cfg.Engine.Similarity.Bandwidth != 3.5 {
		t.Fatalf("bandwidth = %g, want 3.5", cfg.Engine.Similarity.Bandwidth)
	}
	// Unset file keys keep their defaults.
	if cfg.Engine.Quality.RefractoryPeriod != 0.002 {
		t.Fatalf("refractory period = %g, want default 0.002", cfg.Engine.Quality.RefractoryPeriod)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "engine:\n  quality:\n    min_spikes: 25\n")
	t.Setenv("SPIKEKIT_MIN_SPIKES", "40")
	t.Setenv("SPIKEKIT_SESSION_PATH", "/env/refine.db")

	cfg, err := Resolve(ResolveOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Engine.Quality.MinSpikes != 40 {
		t.Fatalf("min spikes = %d, want env override 40", cfg.Engine.Quality.MinSpikes)
	}
	if cfg.EngineSource != SourceEnv {
		t.Fatalf("engine source = %s, want env", cfg.EngineSource)
	}
	if cfg.SessionPath.Value != "/env/refine.db" || cfg.SessionPath.From != "SPIKEKIT_SESSION_PATH" {
		t.Fatalf("session path = %+v", cfg.SessionPath)
	}
}

func TestCLIWinsOverEnv(t *testing.T) {
	t.Setenv("SPIKEKIT_SESSION_PATH", "/env/refine.db")
	cfg, err := Resolve(ResolveOptions{
		ConfigPath:     filepath.Join(t.TempDir(), "missing.yaml"),
		CLISessionPath: "/cli/refine.db",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.SessionPath.Value != "/cli/refine.db" || cfg.SessionPath.Source != SourceCLI {
		t.Fatalf("session path = %+v, want CLI override", cfg.SessionPath)
	}
}

func TestResolveRejectsBadTuning(t *testing.T) {
	path := writeConfig(t, "engine:\n  quality:\n    min_spikes: 1\n")
	if _, err := Resolve(ResolveOptions{ConfigPath: path}); err == nil {
		t.Fatal("expected validation error for min_spikes below 2")
	}
}

func TestResolveRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "engine: [broken\n")
	if _, err := Resolve(ResolveOptions{ConfigPath: path}); err == nil {
		t.Fatal("expected parse error")
	}
}
