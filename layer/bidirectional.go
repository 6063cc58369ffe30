// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layer

import (
	"encoding/gob"

	"github.com/nlpodyssey/recurrent"
	"github.com/nlpodyssey/recurrent/cell"
	"github.com/nlpodyssey/recurrent/initializer"
	"github.com/nlpodyssey/recurrent/scan"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
)

// MergeMode selects how the two directions are combined.
type MergeMode string

const (
	Concat  MergeMode = "concat"
	Sum     MergeMode = "sum"
	Mul     MergeMode = "mul"
	Average MergeMode = "ave"
)

// BidirectionalConfig collects the wrapper options.
type BidirectionalConfig struct {
	// Merge defaults to Concat.
	Merge           MergeMode `json:"merge"`
	ReturnSequences bool      `json:"return_sequences"`
	ReturnState     bool      `json:"return_state"`
}

var _ nn.Model = &Bidirectional{}

// Bidirectional runs a forward cell over the sequence and a backward
// cell over the reversed sequence, then merges the two output streams.
// The merged sequence aligns both directions per original timestep,
// while Last merges each direction's own final output, so the backward
// half of Last reflects the first timestep.
type Bidirectional struct {
	nn.Module
	FwdCell cell.Cell
	BwdCell cell.Cell
	Config  BidirectionalConfig
}

func init() {
	gob.Register(&Bidirectional{})
}

func NewBidirectional(fwd, bwd cell.Cell, c BidirectionalConfig) (*Bidirectional, error) {
	if fwd == nil || bwd == nil {
		return nil, recurrent.Configf("layer: bidirectional needs two cells")
	}
	if c.Merge == "" {
		c.Merge = Concat
	}
	switch c.Merge {
	case Concat, Sum, Mul, Average:
	default:
		return nil, recurrent.Configf("layer: unknown merge mode %q", c.Merge)
	}
	if fwd.InputSize() != bwd.InputSize() {
		return nil, recurrent.Configf("layer: bidirectional cells read inputs of size %d and %d", fwd.InputSize(), bwd.InputSize())
	}
	if c.Merge != Concat && fwd.OutputSize() != bwd.OutputSize() {
		return nil, recurrent.Configf("layer: merge mode %q needs equal output sizes, got %d and %d", c.Merge, fwd.OutputSize(), bwd.OutputSize())
	}
	return &Bidirectional{FwdCell: fwd, BwdCell: bwd, Config: c}, nil
}

// OutputSize returns the merged output size.
func (m *Bidirectional) OutputSize() int {
	if m.Config.Merge == Concat {
		return m.FwdCell.OutputSize() + m.BwdCell.OutputSize()
	}
	return m.FwdCell.OutputSize()
}

// StateSizes lists the forward cell's states followed by the backward
// cell's.
func (m *Bidirectional) StateSizes() []int {
	return append(append([]int{}, m.FwdCell.StateSizes()...), m.BwdCell.StateSizes()...)
}

func (m *Bidirectional) Forward(in Input) (Output, error) {
	fwdInit, bwdInit, err := m.splitInitial(in.InitialState)
	if err != nil {
		return Output{}, err
	}

	fwdCons := m.FwdCell.NewConstants(in.Training)
	bwdCons := m.BwdCell.NewConstants(in.Training)

	fwdRes, err := scan.Run(func(x mat.Tensor, states []mat.Tensor) (mat.Tensor, []mat.Tensor) {
		return m.FwdCell.Step(x, states, fwdCons)
	}, in.Sequence, fwdInit, scan.Options{Mask: in.Mask})
	if err != nil {
		return Output{}, err
	}
	bwdRes, err := scan.Run(func(x mat.Tensor, states []mat.Tensor) (mat.Tensor, []mat.Tensor) {
		return m.BwdCell.Step(x, states, bwdCons)
	}, in.Sequence, bwdInit, scan.Options{Mask: in.Mask, GoBackwards: true})
	if err != nil {
		return Output{}, err
	}

	out := Output{Last: m.merge(fwdRes.LastOutput, bwdRes.LastOutput)}
	if m.Config.ReturnSequences {
		merged := make([]mat.Tensor, len(fwdRes.Outputs))
		last := len(bwdRes.Outputs) - 1
		for t := range merged {
			merged[t] = m.merge(fwdRes.Outputs[t], bwdRes.Outputs[last-t])
		}
		out.Sequence = merged
	}
	if m.Config.ReturnState {
		out.States = append(append([]mat.Tensor{}, fwdRes.States...), bwdRes.States...)
	}
	return out, nil
}

// ApplyConstraints forwards the constraints to both cells; see
// cell.ConstraintApplier.
func (m *Bidirectional) ApplyConstraints(kernel, recurrent, bias initializer.Constraint) {
	for _, c := range []cell.Cell{m.FwdCell, m.BwdCell} {
		if a, ok := c.(cell.ConstraintApplier); ok {
			a.ApplyConstraints(kernel, recurrent, bias)
		}
	}
}

func (m *Bidirectional) splitInitial(initial []mat.Tensor) (fwd, bwd []mat.Tensor, err error) {
	if initial == nil {
		return m.FwdCell.ZeroStates(), m.BwdCell.ZeroStates(), nil
	}
	nFwd := len(m.FwdCell.StateSizes())
	nBwd := len(m.BwdCell.StateSizes())
	if len(initial) != nFwd+nBwd {
		return nil, nil, recurrent.Configf("layer: got %d initial states, bidirectional carries %d", len(initial), nFwd+nBwd)
	}
	fwd, bwd = initial[:nFwd], initial[nFwd:]
	if err := checkStates(fwd, m.FwdCell.StateSizes()); err != nil {
		return nil, nil, err
	}
	if err := checkStates(bwd, m.BwdCell.StateSizes()); err != nil {
		return nil, nil, err
	}
	return fwd, bwd, nil
}

func (m *Bidirectional) merge(f, b mat.Tensor) mat.Tensor {
	switch m.Config.Merge {
	case Sum:
		return ag.Add(f, b)
	case Mul:
		return ag.Prod(f, b)
	case Average:
		return ag.ProdScalar(ag.Add(f, b), mat.Scalar(0.5))
	default:
		return ag.Concat(f, b)
	}
}
