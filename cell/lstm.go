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

var _ Cell = &LSTM{}
var _ ConstraintApplier = &LSTM{}
var _ nn.Model = &LSTM{}

// LSTM is the long short-term memory transition with two state vectors,
// hidden and memory, in that order. The kernels W and WRec fuse the
// input, forget, candidate and output blocks, in that row order.
type LSTM struct {
	nn.Module
	W         *nn.Param
	WRec      *nn.Param
	B         *nn.Param
	ZeroState *nn.Buffer
	ZeroInput *nn.Buffer
	Config    Config

	actFn  act.Func
	gateFn act.Func
	rnd    *rand.Rand
}

func init() {
	gob.Register(&LSTM{})
}

func NewLSTM[T float.DType](c Config) (*LSTM, error) {
	c, err := c.withDefaults()
	if err != nil {
		return nil, err
	}
	g := rand.New(rand.NewSource(c.Seed))
	w, err := newKernel[T](4*c.Units, c.InputSize, c.KernelInit, g)
	if err != nil {
		return nil, err
	}
	wRec, err := newKernel[T](4*c.Units, c.Units, c.RecurrentInit, g)
	if err != nil {
		return nil, err
	}
	m := &LSTM{
		W:         w,
		WRec:      wRec,
		ZeroState: nn.Buf(mat.NewDense[T](mat.WithShape(c.Units))),
		ZeroInput: nn.Buf(mat.NewDense[T](mat.WithShape(c.InputSize))),
		Config:    c,
	}
	if c.UseBias {
		if m.B, err = newVec[T](4*c.Units, c.BiasInit, g); err != nil {
			return nil, err
		}
		if c.UnitForgetBias {
			u := c.Units
			m.B.ReplaceValue(m.B.Value().Apply(func(r, _ int, v float64) float64 {
				if r >= u && r < 2*u {
					return 1
				}
				return v
			}))
		}
	}
	return m, nil
}

func (m *LSTM) InputSize() int    { return m.Config.InputSize }
func (m *LSTM) OutputSize() int   { return m.Config.Units }
func (m *LSTM) StateSizes() []int { return []int{m.Config.Units, m.Config.Units} }

func (m *LSTM) ZeroStates() []mat.Tensor {
	return []mat.Tensor{m.ZeroState, m.ZeroState}
}

func (m *LSTM) NewConstants(training bool) Constants {
	if !training {
		return Constants{}
	}
	g := m.rng()
	return Constants{
		Input:     newMasks(m.ZeroInput, m.Config.Dropout, 4, g),
		Recurrent: newMasks(m.ZeroState, m.Config.RecurrentDropout, 4, g),
	}
}

// Step computes c' = f∘c + i∘g and h' = o∘act(c').
func (m *LSTM) Step(x mat.Tensor, states []mat.Tensor, c Constants) (mat.Tensor, []mat.Tensor) {
	hPrev, cPrev := states[0], states[1]
	var i, f, g, o mat.Tensor
	if m.Config.Implementation == 1 {
		i, f, g, o = m.gatesByBlock(x, hPrev, c)
	} else {
		i, f, g, o = m.gatesFused(x, hPrev, c)
	}
	cNew := ag.Add(ag.Prod(f, cPrev), ag.Prod(i, g))
	hNew := ag.Prod(o, m.activation()(cNew))
	return hNew, []mat.Tensor{hNew, cNew}
}

// gatesFused performs one matmul per kernel and slices the gate blocks
// out of the result. Only the first dropout mask of each path applies.
func (m *LSTM) gatesFused(x, h mat.Tensor, c Constants) (i, f, g, o mat.Tensor) {
	u := m.Config.Units
	gate, actv := m.gateActivation(), m.activation()
	gx := ag.Add(
		ag.Mul(m.W, applyMask(x, c.Input, 0)),
		ag.Mul(m.WRec, applyMask(h, c.Recurrent, 0)),
	)
	gx = addBias(gx, m.B)
	i = gate(rows(gx, 0, u, 1))
	f = gate(rows(gx, u, 2*u, 1))
	g = actv(rows(gx, 2*u, 3*u, 1))
	o = gate(rows(gx, 3*u, 4*u, 1))
	return i, f, g, o
}

// gatesByBlock slices the kernels per gate and performs one matmul per
// block, so each gate consumes its own dropout mask.
func (m *LSTM) gatesByBlock(x, h mat.Tensor, c Constants) (i, f, g, o mat.Tensor) {
	u, in := m.Config.Units, m.Config.InputSize
	gate, actv := m.gateActivation(), m.activation()

	pre := func(block int, fn act.Func) mat.Tensor {
		y := ag.Add(
			ag.Mul(rows(m.W, block*u, (block+1)*u, in), applyMask(x, c.Input, block)),
			ag.Mul(rows(m.WRec, block*u, (block+1)*u, u), applyMask(h, c.Recurrent, block)),
		)
		if m.B != nil {
			y = ag.Add(y, rows(m.B, block*u, (block+1)*u, 1))
		}
		return fn(y)
	}

	i = pre(0, gate)
	f = pre(1, gate)
	g = pre(2, actv)
	o = pre(3, gate)
	return i, f, g, o
}

func (m *LSTM) ApplyConstraints(kernel, recurrent, bias initializer.Constraint) {
	applyConstraint(m.W, kernel)
	applyConstraint(m.WRec, recurrent)
	applyConstraint(m.B, bias)
}

func (m *LSTM) activation() act.Func {
	if m.actFn == nil {
		m.actFn, _ = act.Resolve(m.Config.Activation)
	}
	return m.actFn
}

func (m *LSTM) gateActivation() act.Func {
	if m.gateFn == nil {
		m.gateFn, _ = act.Resolve(m.Config.RecurrentActivation)
	}
	return m.gateFn
}

func (m *LSTM) rng() *rand.Rand {
	if m.rnd == nil {
		m.rnd = rand.New(rand.NewSource(m.Config.Seed))
	}
	return m.rnd
}
