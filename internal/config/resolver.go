// Package config resolves runtime settings from, in rising precedence,
// built-in defaults, the YAML config file, SPIKEKIT_* environment
// variables, and CLI flags. Each resolved value remembers where it came
// from so `spikekit config` can explain the effective setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/spikekit/spikekit/internal/refine"
)

type ValueSource string

const (
	SourceDefault ValueSource = "default"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
)

// ResolvedValue is one setting plus its provenance.
type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// ResolveOptions carries CLI-level overrides into resolution.
type ResolveOptions struct {
	ConfigPath     string
	CLISessionPath string
}

// ResolvedConfig is the effective configuration with provenance, plus the
// engine tuning block ready to hand to the refinement controller.
type ResolvedConfig struct {
	ConfigPath  string        `json:"config_path"`
	SessionPath ResolvedValue `json:"session_path"`

	// Engine holds the merged tuning parameters. Provenance for the block
	// as a whole is summarized in EngineSource.
	Engine       refine.Config `json:"engine"`
	EngineSource ValueSource   `json:"engine_source"`
}

type fileConfig struct {
	SessionPath string         `yaml:"session_path"`
	Engine      *refine.Config `yaml:"engine"`
}

// envOverrides is filled by envconfig from SPIKEKIT_* variables. Pointer
// fields distinguish unset from zero.
type envOverrides struct {
	SessionPath      string   `envconfig:"SESSION_PATH"`
	RefractoryPeriod *float64 `envconfig:"REFRACTORY_PERIOD_S"`
	MinSpikes        *int     `envconfig:"MIN_SPIKES"`
	IsolationScale   *float64 `envconfig:"ISOLATION_SCALE"`
	Bandwidth        *float64 `envconfig:"SIMILARITY_BANDWIDTH"`
	PairInterleave   *int     `envconfig:"PAIR_INTERLEAVE"`
	MaxPairs         *int     `envconfig:"MAX_PAIRS"`
	MinPairScore     *float64 `envconfig:"MIN_PAIR_SCORE"`
	IsolationWeight  *float64 `envconfig:"ISOLATION_WEIGHT"`
	RefractoryWeight *float64 `envconfig:"REFRACTORY_WEIGHT"`
}

// DefaultConfigPath is where Resolve looks when no --config flag is given.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".spikekit", "config.yaml")
}

// DefaultSessionPath is the session database used when nothing overrides it.
func DefaultSessionPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".spikekit", "session.db")
}

// Resolve merges defaults, the config file, environment, and CLI overrides.
func Resolve(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath:   path,
		SessionPath:  ResolvedValue{Value: DefaultSessionPath(), Source: SourceDefault, From: "built-in default"},
		Engine:       refine.DefaultConfig(),
		EngineSource: SourceDefault,
	}

	cfg, err := loadFile(path)
	if err != nil {
		return out, err
	}
	if cfg != nil {
		if v := strings.TrimSpace(cfg.SessionPath); v != "" {
			out.SessionPath = ResolvedValue{Value: v, Source: SourceConfig, From: path}
		}
		if cfg.Engine != nil {
			mergeEngine(&out.Engine, cfg.Engine)
			out.EngineSource = SourceConfig
		}
	}

	var env envOverrides
	if err := envconfig.Process("spikekit", &env); err != nil {
		return out, fmt.Errorf("reading environment overrides: %w", err)
	}
	if v := strings.TrimSpace(env.SessionPath); v != "" {
		out.SessionPath = ResolvedValue{Value: v, Source: SourceEnv, From: "SPIKEKIT_SESSION_PATH"}
	}
	if applyEnvEngine(&out.Engine, env) {
		out.EngineSource = SourceEnv
	}

	if v := strings.TrimSpace(opts.CLISessionPath); v != "" {
		out.SessionPath = ResolvedValue{Value: v, Source: SourceCLI, From: "--session"}
	}

	out.SessionPath.Value = expandUserPath(out.SessionPath.Value)

	if err := validateEngine(out.Engine); err != nil {
		return out, err
	}
	return out, nil
}

// mergeEngine copies the file's non-zero tuning values over the defaults.
// Zero is never a meaningful setting for any of these knobs.
func mergeEngine(dst *refine.Config, src *refine.Config) {
	if src.Quality.RefractoryPeriod != 0 {
		dst.Quality.RefractoryPeriod = src.Quality.RefractoryPeriod
	}
	if src.Quality.MinSpikes != 0 {
		dst.Quality.MinSpikes = src.Quality.MinSpikes
	}
	if src.Quality.IsolationScale != 0 {
		dst.Quality.IsolationScale = src.Quality.IsolationScale
	}
	if src.Similarity.Bandwidth != 0 {
		dst.Similarity.Bandwidth = src.Similarity.Bandwidth
	}
	if src.Queue.PairInterleave != 0 {
		dst.Queue.PairInterleave = src.Queue.PairInterleave
	}
	if src.Queue.MaxPairs != 0 {
		dst.Queue.MaxPairs = src.Queue.MaxPairs
	}
	if src.Queue.MinPairScore != 0 {
		dst.Queue.MinPairScore = src.Queue.MinPairScore
	}
	if src.Queue.IsolationWeight != 0 {
		dst.Queue.IsolationWeight = src.Queue.IsolationWeight
	}
	if src.Queue.RefractoryWeight != 0 {
		dst.Queue.RefractoryWeight = src.Queue.RefractoryWeight
	}
}

func applyEnvEngine(dst *refine.Config, env envOverrides) bool {
	touched := false
	setF := func(dstField *float64, v *float64) {
		if v != nil {
			*dstField = *v
			touched = true
		}
	}
	setI := func(dstField *int, v *int) {
		if v != nil {
			*dstField = *v
			touched = true
		}
	}
	setF(&dst.Quality.RefractoryPeriod, env.RefractoryPeriod)
	setI(&dst.Quality.MinSpikes, env.MinSpikes)
	setF(&dst.Quality.IsolationScale, env.IsolationScale)
	setF(&dst.Similarity.Bandwidth, env.Bandwidth)
	setI(&dst.Queue.PairInterleave, env.PairInterleave)
	setI(&dst.Queue.MaxPairs, env.MaxPairs)
	setF(&dst.Queue.MinPairScore, env.MinPairScore)
	setF(&dst.Queue.IsolationWeight, env.IsolationWeight)
	setF(&dst.Queue.RefractoryWeight, env.RefractoryWeight)
	return touched
}

func validateEngine(cfg refine.Config) error {
	if cfg.Quality.RefractoryPeriod <= 0 {
		return fmt.Errorf("refractory period %g must be positive", cfg.Quality.RefractoryPeriod)
	}
	if cfg.Quality.MinSpikes < 2 {
		return fmt.Errorf("min spikes %d must be at least 2", cfg.Quality.MinSpikes)
	}
	if cfg.Quality.IsolationScale <= 0 {
		return fmt.Errorf("isolation scale %g must be positive", cfg.Quality.IsolationScale)
	}
	if cfg.Similarity.Bandwidth <= 0 {
		return fmt.Errorf("similarity bandwidth %g must be positive", cfg.Similarity.Bandwidth)
	}
	if cfg.Queue.MinPairScore < 0 || cfg.Queue.MinPairScore > 1 {
		return fmt.Errorf("min pair score %g must be in [0, 1]", cfg.Queue.MinPairScore)
	}
	if cfg.Queue.IsolationWeight < 0 || cfg.Queue.RefractoryWeight < 0 {
		return fmt.Errorf("ranking weights must not be negative")
	}
	if cfg.Queue.IsolationWeight+cfg.Queue.RefractoryWeight == 0 {
		return fmt.Errorf("at least one ranking weight must be positive")
	}
	return nil
}

func loadFile(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
