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

var _ Cell = &GRU{}
var _ ConstraintApplier = &GRU{}
var _ nn.Model = &GRU{}

// GRU is the gated recurrent unit transition. The kernels W and WRec
// fuse the update, reset and candidate blocks, in that row order.
//
// With ResetAfter false the reset gate multiplies the previous state
// before the candidate matmul; with ResetAfter true it multiplies the
// matmul result, and a separate recurrent bias BRec takes part, which
// is the layout CuDNN-trained weights use.
type GRU struct {
	nn.Module
	W         *nn.Param
	WRec      *nn.Param
	B         *nn.Param
	BRec      *nn.Param
	ZeroState *nn.Buffer
	ZeroInput *nn.Buffer
	Config    Config

	actFn  act.Func
	gateFn act.Func
	rnd    *rand.Rand
}

func init() {
	gob.Register(&GRU{})
}

func NewGRU[T float.DType](c Config) (*GRU, error) {
	c, err := c.withDefaults()
	if err != nil {
		return nil, err
	}
	g := rand.New(rand.NewSource(c.Seed))
	w, err := newKernel[T](3*c.Units, c.InputSize, c.KernelInit, g)
	if err != nil {
		return nil, err
	}
	wRec, err := newKernel[T](3*c.Units, c.Units, c.RecurrentInit, g)
	if err != nil {
		return nil, err
	}
	m := &GRU{
		W:         w,
		WRec:      wRec,
		ZeroState: nn.Buf(mat.NewDense[T](mat.WithShape(c.Units))),
		ZeroInput: nn.Buf(mat.NewDense[T](mat.WithShape(c.InputSize))),
		Config:    c,
	}
	if c.UseBias {
		if m.B, err = newVec[T](3*c.Units, c.BiasInit, g); err != nil {
			return nil, err
		}
		if c.ResetAfter {
			if m.BRec, err = newVec[T](3*c.Units, c.BiasInit, g); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *GRU) InputSize() int    { return m.Config.InputSize }
func (m *GRU) OutputSize() int   { return m.Config.Units }
func (m *GRU) StateSizes() []int { return []int{m.Config.Units} }

func (m *GRU) ZeroStates() []mat.Tensor {
	return []mat.Tensor{m.ZeroState}
}

func (m *GRU) NewConstants(training bool) Constants {
	if !training {
		return Constants{}
	}
	g := m.rng()
	return Constants{
		Input:     newMasks(m.ZeroInput, m.Config.Dropout, 3, g),
		Recurrent: newMasks(m.ZeroState, m.Config.RecurrentDropout, 3, g),
	}
}

// Step computes h' = z∘h + (1−z)∘candidate.
func (m *GRU) Step(x mat.Tensor, states []mat.Tensor, c Constants) (mat.Tensor, []mat.Tensor) {
	h := states[0]
	var z, hh mat.Tensor
	if m.Config.Implementation == 1 {
		z, hh = m.gatesByBlock(x, h, c)
	} else {
		z, hh = m.gatesFused(x, h, c)
	}
	hNew := ag.Add(ag.Prod(z, h), ag.Prod(ag.ReverseSubOne(z), hh))
	return hNew, []mat.Tensor{hNew}
}

// gatesFused performs one matmul per kernel and slices the gate blocks
// out of the result. Only the first dropout mask of each path applies.
func (m *GRU) gatesFused(x, h mat.Tensor, c Constants) (z, hh mat.Tensor) {
	u := m.Config.Units
	gate, actv := m.gateActivation(), m.activation()
	hm := applyMask(h, c.Recurrent, 0)
	gx := addBias(ag.Mul(m.W, applyMask(x, c.Input, 0)), m.B)
	xz := rows(gx, 0, u, 1)
	xr := rows(gx, u, 2*u, 1)
	xh := rows(gx, 2*u, 3*u, 1)

	if m.Config.ResetAfter {
		gr := addBias(ag.Mul(m.WRec, hm), m.BRec)
		z = gate(ag.Add(xz, rows(gr, 0, u, 1)))
		r := gate(ag.Add(xr, rows(gr, u, 2*u, 1)))
		hh = actv(ag.Add(xh, ag.Prod(r, rows(gr, 2*u, 3*u, 1))))
		return z, hh
	}

	z = gate(ag.Add(xz, ag.Mul(rows(m.WRec, 0, u, u), hm)))
	r := gate(ag.Add(xr, ag.Mul(rows(m.WRec, u, 2*u, u), hm)))
	hh = actv(ag.Add(xh, ag.Mul(rows(m.WRec, 2*u, 3*u, u), ag.Prod(r, hm))))
	return z, hh
}

// gatesByBlock slices the kernels per gate and performs one matmul per
// block, so each gate consumes its own dropout mask.
func (m *GRU) gatesByBlock(x, h mat.Tensor, c Constants) (z, hh mat.Tensor) {
	u, in := m.Config.Units, m.Config.InputSize
	gate, actv := m.gateActivation(), m.activation()

	xz := ag.Mul(rows(m.W, 0, u, in), applyMask(x, c.Input, 0))
	xr := ag.Mul(rows(m.W, u, 2*u, in), applyMask(x, c.Input, 1))
	xh := ag.Mul(rows(m.W, 2*u, 3*u, in), applyMask(x, c.Input, 2))
	if m.B != nil {
		xz = ag.Add(xz, rows(m.B, 0, u, 1))
		xr = ag.Add(xr, rows(m.B, u, 2*u, 1))
		xh = ag.Add(xh, rows(m.B, 2*u, 3*u, 1))
	}

	hz := applyMask(h, c.Recurrent, 0)
	hr := applyMask(h, c.Recurrent, 1)
	hc := applyMask(h, c.Recurrent, 2)

	rz := ag.Mul(rows(m.WRec, 0, u, u), hz)
	rr := ag.Mul(rows(m.WRec, u, 2*u, u), hr)
	if m.BRec != nil {
		rz = ag.Add(rz, rows(m.BRec, 0, u, 1))
		rr = ag.Add(rr, rows(m.BRec, u, 2*u, 1))
	}
	z = gate(ag.Add(xz, rz))
	r := gate(ag.Add(xr, rr))

	if m.Config.ResetAfter {
		rh := ag.Mul(rows(m.WRec, 2*u, 3*u, u), hc)
		if m.BRec != nil {
			rh = ag.Add(rh, rows(m.BRec, 2*u, 3*u, 1))
		}
		hh = actv(ag.Add(xh, ag.Prod(r, rh)))
		return z, hh
	}
	hh = actv(ag.Add(xh, ag.Mul(rows(m.WRec, 2*u, 3*u, u), ag.Prod(r, hc))))
	return z, hh
}

func (m *GRU) ApplyConstraints(kernel, recurrent, bias initializer.Constraint) {
	applyConstraint(m.W, kernel)
	applyConstraint(m.WRec, recurrent)
	applyConstraint(m.B, bias)
	applyConstraint(m.BRec, bias)
}

func (m *GRU) activation() act.Func {
	if m.actFn == nil {
		m.actFn, _ = act.Resolve(m.Config.Activation)
	}
	return m.actFn
}

func (m *GRU) gateActivation() act.Func {
	if m.gateFn == nil {
		m.gateFn, _ = act.Resolve(m.Config.RecurrentActivation)
	}
	return m.gateFn
}

func (m *GRU) rng() *rand.Rand {
	if m.rnd == nil {
		m.rnd = rand.New(rand.NewSource(m.Config.Seed))
	}
	return m.rnd
}
