// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cell

import (
	"encoding/gob"

	"github.com/nlpodyssey/recurrent"
	"github.com/nlpodyssey/recurrent/initializer"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
)

var _ Cell = &Stacked{}
var _ ConstraintApplier = &Stacked{}
var _ nn.Model = &Stacked{}

// Stacked composes cells so that each one feeds the next, behaving as a
// single deeper cell. The flat state list puts the last cell's states
// first and the first cell's last, so element 0 keeps the output size
// of the whole stack.
type Stacked struct {
	nn.Module
	Cells []Cell
}

func init() {
	gob.Register(&Stacked{})
}

func NewStacked(cells ...Cell) (*Stacked, error) {
	if len(cells) == 0 {
		return nil, recurrent.Configf("cell: a stack needs at least one cell")
	}
	for i := 1; i < len(cells); i++ {
		in, out := cells[i].InputSize(), cells[i-1].OutputSize()
		if in != out {
			return nil, recurrent.Configf("cell: stack cell %d expects input size %d but cell %d outputs %d", i, in, i-1, out)
		}
	}
	return &Stacked{Cells: cells}, nil
}

func (m *Stacked) InputSize() int  { return m.Cells[0].InputSize() }
func (m *Stacked) OutputSize() int { return m.Cells[len(m.Cells)-1].OutputSize() }

func (m *Stacked) StateSizes() []int {
	var sizes []int
	for i := len(m.Cells) - 1; i >= 0; i-- {
		sizes = append(sizes, m.Cells[i].StateSizes()...)
	}
	return sizes
}

func (m *Stacked) ZeroStates() []mat.Tensor {
	var states []mat.Tensor
	for i := len(m.Cells) - 1; i >= 0; i-- {
		states = append(states, m.Cells[i].ZeroStates()...)
	}
	return states
}

func (m *Stacked) NewConstants(training bool) Constants {
	cs := make([]Constants, len(m.Cells))
	for i, cell := range m.Cells {
		cs[i] = cell.NewConstants(training)
	}
	return Constants{Cells: cs}
}

// ApplyConstraints forwards the constraints to every cell that accepts
// them.
func (m *Stacked) ApplyConstraints(kernel, recurrent, bias initializer.Constraint) {
	for _, c := range m.Cells {
		if a, ok := c.(ConstraintApplier); ok {
			a.ApplyConstraints(kernel, recurrent, bias)
		}
	}
}

// Step runs the cells in forward order, feeding each the previous one's
// output, and re-flattens the new states in the reversed layout.
func (m *Stacked) Step(x mat.Tensor, states []mat.Tensor, c Constants) (mat.Tensor, []mat.Tensor) {
	split := m.splitStates(states)
	newStates := make([][]mat.Tensor, len(m.Cells))
	y := x
	for i, cell := range m.Cells {
		var ci Constants
		if c.Cells != nil {
			ci = c.Cells[i]
		}
		y, newStates[i] = cell.Step(y, split[i], ci)
	}
	flat := make([]mat.Tensor, 0, len(states))
	for i := len(m.Cells) - 1; i >= 0; i-- {
		flat = append(flat, newStates[i]...)
	}
	return y, flat
}

// splitStates partitions the flat state list back into per-cell lists,
// inverting the reversed layout of StateSizes.
func (m *Stacked) splitStates(states []mat.Tensor) [][]mat.Tensor {
	split := make([][]mat.Tensor, len(m.Cells))
	pos := 0
	for i := len(m.Cells) - 1; i >= 0; i-- {
		n := len(m.Cells[i].StateSizes())
		split[i] = states[pos : pos+n]
		pos += n
	}
	return split
}
