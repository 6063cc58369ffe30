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

var _ nn.Model = &LSTM{}

// LSTM is the whole-sequence wrapper around an LSTM cell.
type LSTM struct {
	nn.Module
	Cell   *cell.LSTM
	Config Config

	state []mat.Tensor
}

func init() {
	gob.Register(&LSTM{})
}

func NewLSTM[T float.DType](c Config) (*LSTM, error) {
	cl, err := cell.NewLSTM[T](c.Config)
	if err != nil {
		return nil, err
	}
	c.Config = cl.Config
	return &LSTM{Cell: cl, Config: c}, nil
}

func (m *LSTM) OutputSize() int   { return m.Cell.OutputSize() }
func (m *LSTM) StateSizes() []int { return m.Cell.StateSizes() }

func (m *LSTM) Forward(in Input) (Output, error) {
	return runForward(m.Config, m.Cell, &m.state, in)
}

// ResetState zeroes the carried state, or installs the given one.
func (m *LSTM) ResetState(values ...mat.Tensor) error {
	return resetState(m.Config, m.Cell, &m.state, values)
}

// ApplyConstraints projects the cell weights through the given
// constraints; see cell.ConstraintApplier.
func (m *LSTM) ApplyConstraints(kernel, recurrent, bias initializer.Constraint) {
	m.Cell.ApplyConstraints(kernel, recurrent, bias)
}
