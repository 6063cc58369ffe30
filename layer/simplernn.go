// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layer

import (
	"encoding/gob"

	"github.com/nlpodyssey/recurrent/cell"
	"github.com/nlpodyssey/recurrent/initializer"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
)

var _ nn.Model = &SimpleRNN{}

// SimpleRNN is the whole-sequence wrapper around a SimpleRNN cell.
type SimpleRNN struct {
	nn.Module
	Cell   *cell.SimpleRNN
	Config Config

	state []mat.Tensor
}

func init() {
	gob.Register(&SimpleRNN{})
}

func NewSimpleRNN[T float.DType](c Config) (*SimpleRNN, error) {
	cl, err := cell.NewSimpleRNN[T](c.Config)
	if err != nil {
		return nil, err
	}
	c.Config = cl.Config
	return &SimpleRNN{Cell: cl, Config: c}, nil
}

func (m *SimpleRNN) OutputSize() int   { return m.Cell.OutputSize() }
func (m *SimpleRNN) StateSizes() []int { return m.Cell.StateSizes() }

func (m *SimpleRNN) Forward(in Input) (Output, error) {
	return runForward(m.Config, m.Cell, &m.state, in)
}

// ResetState zeroes the carried state, or installs the given one.
func (m *SimpleRNN) ResetState(values ...mat.Tensor) error {
	return resetState(m.Config, m.Cell, &m.state, values)
}

// ApplyConstraints projects the cell weights through the given
// constraints; see cell.ConstraintApplier.
func (m *SimpleRNN) ApplyConstraints(kernel, recurrent, bias initializer.Constraint) {
	m.Cell.ApplyConstraints(kernel, recurrent, bias)
}
