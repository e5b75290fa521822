package ir

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// This file defines the JSON file format of a graph.
//
// Weights are stored base64 encoded in the "data" field, or in an external raw data file
// referenced by "external", in which case the graph file is loaded with Load.

type graphJSON struct {
	Name    string    `json:"name"`
	Vars    []varJSON `json:"vars"`
	Inputs  []string  `json:"inputs,omitempty"`
	Outputs []string  `json:"outputs,omitempty"`
	Ops     []opJSON  `json:"ops"`
}

type varJSON struct {
	Name        string        `json:"name"`
	DType       string        `json:"dtype"`
	Dims        []int         `json:"dims"`
	Persistable bool          `json:"persistable,omitempty"`
	Layout      string        `json:"layout,omitempty"`
	Data        []byte        `json:"data,omitempty"`
	External    *ExternalData `json:"external,omitempty"`
}

type slotJSON struct {
	Slot string `json:"slot"`
	Var  string `json:"var"`
}

type opJSON struct {
	Name    string         `json:"name"`
	Type    string         `json:"type"`
	Inputs  []slotJSON     `json:"inputs"`
	Outputs []slotJSON     `json:"outputs"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Encode serializes the graph to JSON, embedding all weights.
func Encode(g *Graph) ([]byte, error) {
	return encode(g, nil)
}

// Save writes the graph to filePath. If externalData is true, the weights are written to a raw
// data file next to it (named after filePath with a ".data" suffix) instead of being embedded.
func Save(g *Graph, filePath string, externalData bool) (err error) {
	var writer *ExternalDataWriter
	if externalData {
		writer, err = NewExternalDataWriter(filepath.Dir(filePath), filepath.Base(filePath)+".data")
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := writer.Close(); err == nil {
				err = closeErr
			}
		}()
	}
	contents, err := encode(g, writer)
	if err != nil {
		return err
	}
	if err = os.WriteFile(filePath, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write graph file %q", filePath)
	}
	return nil
}

func encode(g *Graph, writer *ExternalDataWriter) ([]byte, error) {
	gj := graphJSON{Name: g.Name}
	for _, v := range g.varsOrder {
		vj := varJSON{
			Name:        v.Name,
			DType:       DTypeName(v.DType),
			Dims:        v.Dims,
			Persistable: v.Persistable,
		}
		if v.Layout != LayoutRowMajor {
			vj.Layout = v.Layout.String()
		}
		if v.Data != nil {
			if err := v.CheckData(); err != nil {
				return nil, errors.WithMessagef(err, "while encoding graph %q", g.Name)
			}
			raw := v.DataBytes()
			if writer != nil {
				info, err := writer.Write(raw)
				if err != nil {
					return nil, err
				}
				vj.External = info
				v.External = info
			} else {
				vj.Data = raw
			}
		}
		gj.Vars = append(gj.Vars, vj)
	}
	for _, v := range g.inputs {
		gj.Inputs = append(gj.Inputs, v.Name)
	}
	for _, v := range g.outputs {
		gj.Outputs = append(gj.Outputs, v.Name)
	}
	toSlots := func(slots []Slot) []slotJSON {
		out := make([]slotJSON, len(slots))
		for ii, s := range slots {
			out[ii] = slotJSON{Slot: s.Name, Var: s.Var.Name}
		}
		return out
	}
	for _, op := range g.ops {
		gj.Ops = append(gj.Ops, opJSON{
			Name:    op.Name,
			Type:    op.Type,
			Inputs:  toSlots(op.Inputs),
			Outputs: toSlots(op.Outputs),
			Attrs:   op.Attrs,
		})
	}
	contents, err := json.MarshalIndent(&gj, "", "  ")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode graph %q", g.Name)
	}
	return contents, nil
}

// Decode parses a graph serialized by Encode. Graphs with external data must be read with Load.
func Decode(contents []byte) (*Graph, error) {
	return decode(contents, nil)
}

// Load reads a graph file, resolving external weights relative to the file's directory.
func Load(filePath string) (*Graph, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read graph file %q", filePath)
	}
	reader := NewExternalDataReader(filepath.Dir(filePath))
	defer func() { _ = reader.Close() }()
	g, err := decode(contents, reader)
	if err != nil {
		return nil, errors.WithMessagef(err, "while loading %q", filePath)
	}
	return g, nil
}

func decode(contents []byte, reader *ExternalDataReader) (*Graph, error) {
	var gj graphJSON
	if err := json.Unmarshal(contents, &gj); err != nil {
		return nil, errors.Wrap(err, "failed to parse graph JSON")
	}
	g := New(gj.Name)
	for _, vj := range gj.Vars {
		v, err := decodeVar(&vj, reader)
		if err != nil {
			return nil, err
		}
		if err = g.AddVar(v); err != nil {
			return nil, err
		}
	}
	lookup := func(name string) (*Var, error) {
		v := g.Var(name)
		if v == nil {
			return nil, errors.Errorf("graph %q references unknown var %q", gj.Name, name)
		}
		return v, nil
	}
	for _, name := range gj.Inputs {
		v, err := lookup(name)
		if err != nil {
			return nil, err
		}
		if err = g.AddInput(v); err != nil {
			return nil, err
		}
	}
	for _, oj := range gj.Ops {
		op := NewOp(oj.Type)
		op.Name = oj.Name
		for name, value := range oj.Attrs {
			op.Attrs[name] = value
		}
		for _, s := range oj.Inputs {
			v, err := lookup(s.Var)
			if err != nil {
				return nil, err
			}
			op.In(s.Slot, v)
		}
		for _, s := range oj.Outputs {
			v, err := lookup(s.Var)
			if err != nil {
				return nil, err
			}
			op.Out(s.Slot, v)
		}
		if err := g.AddOp(op); err != nil {
			return nil, err
		}
	}
	for _, name := range gj.Outputs {
		v, err := lookup(name)
		if err != nil {
			return nil, err
		}
		if err = g.MarkOutput(v); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "decoded graph %q is invalid", gj.Name)
	}
	return g, nil
}

func decodeVar(vj *varJSON, reader *ExternalDataReader) (*Var, error) {
	dtype, err := ParseDType(vj.DType)
	if err != nil {
		return nil, errors.WithMessagef(err, "while parsing var %q", vj.Name)
	}
	layout, err := ParseLayout(vj.Layout)
	if err != nil {
		return nil, errors.WithMessagef(err, "while parsing var %q", vj.Name)
	}
	v := NewVar(vj.Name, dtype, vj.Dims...)
	v.Persistable = vj.Persistable
	v.Layout = layout
	v.External = vj.External
	switch {
	case vj.Data != nil && vj.External != nil:
		return nil, errors.Errorf("var %q has both embedded and external data", vj.Name)
	case vj.Data != nil:
		if !v.HasKnownDims() {
			return nil, errors.Errorf("var %q has data but unknown dims %v", vj.Name, vj.Dims)
		}
		v.Data, err = tensorFromBytes(v.Name, v.Shape(), vj.Data)
		if err != nil {
			return nil, err
		}
	case vj.External != nil:
		if reader == nil {
			return nil, errors.Errorf("var %q uses external data: use ir.Load to read the graph from a file", vj.Name)
		}
		if !v.HasKnownDims() {
			return nil, errors.Errorf("var %q has data but unknown dims %v", vj.Name, vj.Dims)
		}
		v.Data, err = readExternalTensor(v.Name, v.Shape(), vj.External, reader)
		if err != nil {
			return nil, err
		}
	}
	if v.Persistable && v.Data == nil {
		return nil, errors.Errorf("persistable var %q has no data", vj.Name)
	}
	return v, nil
}
