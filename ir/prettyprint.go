package ir

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
)

// String implements fmt.Stringer, and pretty prints a summary of the graph.
func (g *Graph) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("Graph %q:\n", g.Name)
	w("\t# ops:\t%d\n", len(g.ops))
	opTypes := make(map[string]int)
	for _, op := range g.ops {
		opTypes[op.Type]++
	}
	w("\tOp types:\t[")
	for ii, opType := range slices.Sorted(maps.Keys(opTypes)) {
		if ii > 0 {
			w(", ")
		}
		w("%s=%d", opType, opTypes[opType])
	}
	w("]\n")

	var numWeights, weightBytes, numTransposed int
	for _, v := range g.varsOrder {
		if !v.Persistable {
			continue
		}
		numWeights++
		if v.Data != nil {
			weightBytes += int(v.Data.Shape().Memory())
		}
		if v.Layout == LayoutTransposed {
			numTransposed++
		}
	}
	w("\t# vars:\t%d (%d persistable, %d bytes, %d transposed)\n", len(g.varsOrder), numWeights, weightBytes, numTransposed)
	if len(g.inputs) > 0 {
		w("\tInputs:\t%v\n", g.inputs)
	}
	if len(g.outputs) > 0 {
		w("\tOutputs:\t%v\n", g.outputs)
	}
	return buf.String()
}

// Dump returns one line per op, in topological order (or insertion order if the graph
// can't be sorted).
func (g *Graph) Dump() string {
	ops, err := g.SortedOps()
	if err != nil {
		ops = g.ops
	}
	var buf bytes.Buffer
	for _, op := range ops {
		fmt.Fprintf(&buf, "%v", op)
		if len(op.Attrs) > 0 {
			buf.WriteString(" {")
			for ii, name := range slices.Sorted(maps.Keys(op.Attrs)) {
				if ii > 0 {
					buf.WriteString(", ")
				}
				fmt.Fprintf(&buf, "%s=%v", name, op.Attrs[name])
			}
			buf.WriteString("}")
		}
		buf.WriteString("\n")
	}
	return buf.String()
}
