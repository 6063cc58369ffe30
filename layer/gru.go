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

var _ nn.Model = &GRU{}

// GRU is the whole-sequence wrapper around a GRU cell.
type GRU struct {
	nn.Module
	Cell   *cell.GRU
	Config Config

	state []mat.Tensor
}

func init() {
	gob.Register(&GRU{})
}

func NewGRU[T float.DType](c Config) (*GRU, error) {
	cl, err := cell.NewGRU[T](c.Config)
	if err != nil {
		return nil, err
	}
	c.Config = cl.Config
	return &GRU{Cell: cl, Config: c}, nil
}

func (m *GRU) OutputSize() int   { return m.Cell.OutputSize() }
func (m *GRU) StateSizes() []int { return m.Cell.StateSizes() }

func (m *GRU) Forward(in Input) (Output, error) {
	return runForward(m.Config, m.Cell, &m.state, in)
}

// ResetState zeroes the carried state, or installs the given one.
func (m *GRU) ResetState(values ...mat.Tensor) error {
	return resetState(m.Config, m.Cell, &m.state, values)
}

// ApplyConstraints projects the cell weights through the given
// constraints; see cell.ConstraintApplier.
func (m *GRU) ApplyConstraints(kernel, recurrent, bias initializer.Constraint) {
	m.Cell.ApplyConstraints(kernel, recurrent, bias)
}
