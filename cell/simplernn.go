// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cell

import (
	"encoding/gob"
	"math/rand"

	"github.com/nlpodyssey/recurrent/act"
	"github.com/nlpodyssey/recurrent/initializer"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
)

var _ Cell = &SimpleRNN{}
var _ ConstraintApplier = &SimpleRNN{}
var _ nn.Model = &SimpleRNN{}

// SimpleRNN is the elementary recurrent transition: the new state is the
// activation of a learned combination of the input and the previous
// state, and doubles as the output.
type SimpleRNN struct {
	nn.Module
	W         *nn.Param
	WRec      *nn.Param
	B         *nn.Param
	ZeroState *nn.Buffer
	ZeroInput *nn.Buffer
	Config    Config

	actFn act.Func
	rnd   *rand.Rand
}

func init() {
	gob.Register(&SimpleRNN{})
}

func NewSimpleRNN[T float.DType](c Config) (*SimpleRNN, error) {
	c, err := c.withDefaults()
	if err != nil {
		return nil, err
	}
	g := rand.New(rand.NewSource(c.Seed))
	w, err := newKernel[T](c.Units, c.InputSize, c.KernelInit, g)
	if err != nil {
		return nil, err
	}
	wRec, err := newKernel[T](c.Units, c.Units, c.RecurrentInit, g)
	if err != nil {
		return nil, err
	}
	m := &SimpleRNN{
		W:         w,
		WRec:      wRec,
		ZeroState: nn.Buf(mat.NewDense[T](mat.WithShape(c.Units))),
		ZeroInput: nn.Buf(mat.NewDense[T](mat.WithShape(c.InputSize))),
		Config:    c,
	}
	if c.UseBias {
		if m.B, err = newVec[T](c.Units, c.BiasInit, g); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *SimpleRNN) InputSize() int    { return m.Config.InputSize }
func (m *SimpleRNN) OutputSize() int   { return m.Config.Units }
func (m *SimpleRNN) StateSizes() []int { return []int{m.Config.Units} }

func (m *SimpleRNN) ZeroStates() []mat.Tensor {
	return []mat.Tensor{m.ZeroState}
}

func (m *SimpleRNN) NewConstants(training bool) Constants {
	if !training {
		return Constants{}
	}
	g := m.rng()
	return Constants{
		Input:     newMasks(m.ZeroInput, m.Config.Dropout, 1, g),
		Recurrent: newMasks(m.ZeroState, m.Config.RecurrentDropout, 1, g),
	}
}

// Step computes h' = act(W·x + WRec·h + b).
func (m *SimpleRNN) Step(x mat.Tensor, states []mat.Tensor, c Constants) (mat.Tensor, []mat.Tensor) {
	h := states[0]
	y := ag.Add(
		ag.Mul(m.W, applyMask(x, c.Input, 0)),
		ag.Mul(m.WRec, applyMask(h, c.Recurrent, 0)),
	)
	y = m.activation()(addBias(y, m.B))
	return y, []mat.Tensor{y}
}

func (m *SimpleRNN) ApplyConstraints(kernel, recurrent, bias initializer.Constraint) {
	applyConstraint(m.W, kernel)
	applyConstraint(m.WRec, recurrent)
	applyConstraint(m.B, bias)
}

func (m *SimpleRNN) activation() act.Func {
	if m.actFn == nil {
		m.actFn, _ = act.Resolve(m.Config.Activation)
	}
	return m.actFn
}

func (m *SimpleRNN) rng() *rand.Rand {
	if m.rnd == nil {
		m.rnd = rand.New(rand.NewSource(m.Config.Seed))
	}
	return m.rnd
}
