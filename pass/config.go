package pass

import (
	"bytes"
	"io"
	"os"

	"github.com/gomlx/fusepass/fusion"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config describes a Pipeline, typically loaded from a YAML file:
//
//	fuse_residual: true
//	fixed_point: true
//	max_iterations: 5
//	passes: [fc_fuse, dead_code]
type Config struct {
	// FuseResidual enables the residual variants of the fc fusion.
	FuseResidual bool `yaml:"fuse_residual" json:"fuse_residual"`

	FixedPoint    bool `yaml:"fixed_point" json:"fixed_point"`
	MaxIterations int  `yaml:"max_iterations" json:"max_iterations"`

	// Passes lists the pass names, in the order they are run.
	Passes []string `yaml:"passes" json:"passes"`
}

// DefaultConfig returns the configuration used when none is given: fc fusion without residual,
// followed by dead code removal, run once.
func DefaultConfig() Config {
	return Config{
		MaxIterations: DefaultMaxIterations,
		Passes:        []string{fusion.FCPassName, DeadCodePassName},
	}
}

// ParseConfig parses a YAML configuration. Fields not present keep their DefaultConfig
// values. Unknown fields are an error.
func ParseConfig(contents []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, errors.Wrap(err, "failed to parse pipeline configuration")
	}
	return cfg, nil
}

// LoadConfig reads and parses the YAML configuration file at path.
func LoadConfig(path string) (Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read pipeline configuration %q", path)
	}
	cfg, err := ParseConfig(contents)
	if err != nil {
		return cfg, errors.WithMessagef(err, "in %q", path)
	}
	return cfg, nil
}

// NewPipeline assembles the passes named in cfg, in order.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.MaxIterations < 0 {
		return nil, errors.Errorf("max_iterations must be >= 0, got %d", cfg.MaxIterations)
	}
	p := &Pipeline{FixedPoint: cfg.FixedPoint, MaxIterations: cfg.MaxIterations}
	for _, name := range cfg.Passes {
		switch name {
		case fusion.FCPassName:
			p.Passes = append(p.Passes, fusion.NewFCPass(cfg.FuseResidual))
		case DeadCodePassName:
			p.Passes = append(p.Passes, NewDeadCodePass())
		default:
			return nil, errors.Errorf("unknown pass %q, known passes are %q", name, KnownPasses())
		}
	}
	return p, nil
}

// KnownPasses returns the names accepted in Config.Passes.
func KnownPasses() []string {
	return []string{fusion.FCPassName, DeadCodePassName}
}
