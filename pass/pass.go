// Package pass orchestrates graph rewriting passes.
//
// A Pipeline holds an explicit, ordered list of Pass instances, built by the caller (see
// NewPipeline for the configuration driven version). There is no global registry.
package pass

import (
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusepass/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pass is a graph rewrite.
type Pass interface {
	// Name identifies the pass in configurations, reports and logs.
	Name() string

	// Apply rewrites g in place and returns the number of rewrites performed.
	// Zero means g was left unchanged.
	Apply(g *ir.Graph) (int, error)
}

// DefaultMaxIterations is used in fixed-point mode when Pipeline.MaxIterations is not set.
const DefaultMaxIterations = 10

// Pipeline runs passes in order over a graph.
//
// The pipeline must own the graph exclusively while Run executes.
type Pipeline struct {
	Passes []Pass

	// FixedPoint re-runs the whole sequence of passes until an iteration performs no rewrites,
	// or MaxIterations is reached.
	FixedPoint    bool
	MaxIterations int
}

// NewPipelineOf creates a single-shot pipeline with the given passes.
func NewPipelineOf(passes ...Pass) *Pipeline {
	return &Pipeline{Passes: passes}
}

// PassReport holds the results of one pass over all iterations.
type PassReport struct {
	Name     string        `json:"name"`
	Rewrites int           `json:"rewrites"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// Report summarizes a Pipeline.Run.
type Report struct {
	Iterations int          `json:"iterations"`
	Rewrites   int          `json:"rewrites"`
	Passes     []PassReport `json:"passes"`

	// Converged is false in fixed-point mode if the last iteration still rewrote the graph.
	Converged bool `json:"converged"`
}

// Run applies the passes to g and validates g after each one.
//
// Panics raised by a pass with exceptions.Panicf (contract violations) are returned as errors.
// On error the graph may be partially rewritten and should be discarded.
func (p *Pipeline) Run(g *ir.Graph) (Report, error) {
	report := Report{Passes: make([]PassReport, len(p.Passes))}
	for ii, ps := range p.Passes {
		report.Passes[ii].Name = ps.Name()
	}
	if err := g.Validate(); err != nil {
		return report, errors.WithMessage(err, "pipeline input graph is invalid")
	}
	maxIterations := 1
	if p.FixedPoint {
		maxIterations = p.MaxIterations
		if maxIterations <= 0 {
			maxIterations = DefaultMaxIterations
		}
	}

	for range maxIterations {
		report.Iterations++
		iterationRewrites := 0
		for ii, ps := range p.Passes {
			start := time.Now()
			count, err := runPass(ps, g)
			report.Passes[ii].Elapsed += time.Since(start)
			if err != nil {
				return report, err
			}
			if err = g.Validate(); err != nil {
				return report, errors.WithMessagef(err, "graph %q invalid after pass %q", g.Name, ps.Name())
			}
			report.Passes[ii].Rewrites += count
			report.Rewrites += count
			iterationRewrites += count
			klog.V(1).Infof("pipeline: iteration %d, pass %q: %d rewrites", report.Iterations, ps.Name(), count)
		}
		if iterationRewrites == 0 {
			report.Converged = true
			break
		}
	}
	if !p.FixedPoint {
		report.Converged = true
	} else if !report.Converged {
		klog.Warningf("pipeline: graph %q still changing after %d iterations", g.Name, report.Iterations)
	}
	return report, nil
}

// runPass applies the pass, converting contract violation panics into errors.
func runPass(ps Pass, g *ir.Graph) (count int, err error) {
	panicErr := exceptions.TryCatch[error](func() {
		count, err = ps.Apply(g)
	})
	if panicErr != nil {
		return 0, errors.WithMessagef(panicErr, "pass %q panicked", ps.Name())
	}
	if err != nil {
		return count, errors.WithMessagef(err, "pass %q failed", ps.Name())
	}
	return count, nil
}
