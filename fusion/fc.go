// Package fusion implements graph rewrites that replace chains of operators with a single fused
// operator.
//
// FCPass fuses matmul + bias add, optionally followed by a residual add and/or an activation,
// into one ir.OpFC operator whose weight is re-laid-out (see package layout) for the fused
// kernel.
package fusion

import (
	"fmt"
	"strings"

	"github.com/gomlx/fusepass/ir"
	"github.com/gomlx/fusepass/layout"
	"github.com/gomlx/fusepass/pattern"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FCPassName is the name FCPass is registered under in a pipeline configuration.
const FCPassName = "fc_fuse"

// FCPass fuses fully-connected subgraphs. See FCVariant for the fused shapes.
//
// FCPass holds only configuration: each call works on the graph given, and nothing carries
// over from one call to the next.
type FCPass struct {
	// FuseResidual enables fusing a residual add that follows the bias add. It is used by Apply.
	FuseResidual bool
}

// NewFCPass creates an FCPass with the given residual fusion setting.
func NewFCPass(fuseResidual bool) *FCPass {
	return &FCPass{FuseResidual: fuseResidual}
}

// Name implements pass.Pass.
func (p *FCPass) Name() string {
	return FCPassName
}

// Apply implements pass.Pass: it runs ApplyPass with the configured FuseResidual.
func (p *FCPass) Apply(g *ir.Graph) (int, error) {
	return p.ApplyPass(g, p.FuseResidual)
}

// ApplyPass is the pass entry point: it fuses every eligible subgraph of g, validates the
// resulting graph and returns the number of subgraphs fused.
//
// withResidual gates the residual variants: if false, a matched residual add is left in place,
// consuming the output of the fused fc op.
func (p *FCPass) ApplyPass(g *ir.Graph, withResidual bool) (int, error) {
	if g == nil {
		return 0, errors.New("FCPass.ApplyPass: nil graph")
	}
	stats, err := p.ApplyImplWithStats(g, withResidual)
	if err != nil {
		return stats.Total(), errors.WithMessagef(err, "pass %s on graph %q", FCPassName, g.Name)
	}
	if err = g.Validate(); err != nil {
		return stats.Total(), errors.WithMessagef(err, "pass %s left graph %q invalid", FCPassName, g.Name)
	}
	if klog.V(1).Enabled() {
		klog.Infof("%s on graph %q (%s): %s", FCPassName, g.Name, g.ID, stats)
	}
	return stats.Total(), nil
}

// ApplyImpl is the rule engine: it detects every variant, validates each match and rewrites the
// accepted ones in place. It returns the number of subgraphs fused.
//
// A match failing validation is skipped, leaving its subgraph untouched. An error means the
// graph could not be rewritten, and the graph should be discarded.
func (p *FCPass) ApplyImpl(g *ir.Graph, fuseResidual bool) (int, error) {
	stats, err := p.ApplyImplWithStats(g, fuseResidual)
	return stats.Total(), err
}

// ApplyImplWithStats is like ApplyImpl, but returns the per-variant statistics.
func (p *FCPass) ApplyImplWithStats(g *ir.Graph, fuseResidual bool) (Stats, error) {
	var stats Stats
	for _, variant := range fcVariantsOrder {
		matches, err := pattern.Detect(g, fcPattern(variant))
		if err != nil {
			return stats, err
		}
		for _, m := range matches {
			plan, rej := validateFC(variant, m, fuseResidual)
			if rej != nil {
				stats.Rejected[variant]++
				klog.V(2).Infof("%s: %s match at %q rejected: %s", FCPassName, variant, m.Op(nodeMatMul).Name, rej.reason)
				continue
			}
			fc, err := rewriteFC(g, plan)
			if err != nil {
				return stats, err
			}
			stats.Fused[variant]++
			klog.V(1).Infof("%s: fused %v into %v", FCPassName, fc.StringsAttr(ir.AttrFusedFrom), fc)
		}
	}
	return stats, nil
}

// rewriteFC replaces the matched ops by a single fc op. The output var is kept, so its
// consumers need no rewiring.
func rewriteFC(g *ir.Graph, r *fcRewrite) (*ir.Op, error) {
	for _, op := range r.ops {
		if !g.HasOp(op) {
			return nil, errors.Errorf("matched op %q was removed by an earlier rewrite", op.Name)
		}
	}
	if _, err := layout.Transform(r.w); err != nil {
		return nil, errors.WithMessagef(err, "while fusing %s at %q", r.variant, r.ops[0].Name)
	}

	fusedFrom := make([]string, len(r.ops))
	for ii, op := range r.ops {
		fusedFrom[ii] = op.Name
	}
	fc := ir.NewOp(ir.OpFC).
		In(ir.FCInput, r.x).
		In(ir.FCWeight, r.w).
		In(ir.FCBias, r.bias)
	if r.residual != nil {
		fc.In(ir.FCResidualData, r.residual)
	}
	fc.Out(ir.FCOut, r.out).
		SetAttr(ir.AttrInNumColDims, r.x.Rank()-1).
		SetAttr(ir.AttrActivationType, r.activation).
		SetAttr(ir.AttrFuseResidualConnection, r.residual != nil).
		SetAttr(ir.AttrWeightTransposed, r.w.Layout == ir.LayoutTransposed).
		SetAttr(ir.AttrFusedFrom, fusedFrom)
	fc.Name = r.ops[len(r.ops)-1].Name + "/" + r.variant.String()

	for _, op := range r.ops {
		if err := g.RemoveOp(op); err != nil {
			return nil, errors.WithMessagef(err, "while fusing %s at %q", r.variant, r.ops[0].Name)
		}
	}
	for _, v := range r.intermediates {
		if err := g.RemoveVar(v); err != nil {
			return nil, errors.WithMessagef(err, "while fusing %s at %q", r.variant, r.ops[0].Name)
		}
	}
	if err := g.AddOp(fc); err != nil {
		return nil, errors.WithMessagef(err, "while fusing %s at %q", r.variant, r.ops[0].Name)
	}
	return fc, nil
}

// Stats counts the outcome of the matches of one run, per variant.
type Stats struct {
	Fused    [numFCVariants]int
	Rejected [numFCVariants]int
}

// Total returns the number of subgraphs fused.
func (s Stats) Total() int {
	total := 0
	for _, n := range s.Fused {
		total += n
	}
	return total
}

// TotalRejected returns the number of matches left unfused.
func (s Stats) TotalRejected() int {
	total := 0
	for _, n := range s.Rejected {
		total += n
	}
	return total
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	var parts []string
	for _, variant := range fcVariantsOrder {
		if s.Fused[variant] == 0 && s.Rejected[variant] == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%d fused/%d rejected", variant, s.Fused[variant], s.Rejected[variant]))
	}
	if len(parts) == 0 {
		return "no matches"
	}
	return strings.Join(parts, ", ")
}
