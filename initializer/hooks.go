// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package initializer

import (
	"math"

	"github.com/nlpodyssey/spago/mat"
)

// Regularizer computes a scalar penalty from a weight matrix. Penalties
// are collected by the layers owning the weights and added to whatever
// objective the caller is optimizing.
type Regularizer interface {
	Penalty(m mat.Matrix) float64
}

// L1L2 is the standard elastic-net regularizer. Zero-valued factors
// contribute nothing, so it doubles as plain L1 or L2.
type L1L2 struct {
	L1 float64 `json:"l1"`
	L2 float64 `json:"l2"`
}

func (r L1L2) Penalty(m mat.Matrix) float64 {
	sum := 0.0
	for _, v := range m.Data().F64() {
		sum += r.L1*math.Abs(v) + r.L2*v*v
	}
	return sum
}

// Constraint projects a weight matrix back onto a feasible set. Layers
// apply configured constraints after each weight update.
type Constraint interface {
	Apply(m mat.Matrix) mat.Matrix
}

// MaxNorm rescales each row whose L2 norm exceeds Max. Kernels store
// one output unit per row block, so the norm is taken per unit.
type MaxNorm struct {
	Max float64 `json:"max"`
}

func (c MaxNorm) Apply(m mat.Matrix) mat.Matrix {
	cols := m.Shape()[1]
	norms := make([]float64, m.Shape()[0])
	data := m.Data().F64()
	for i, v := range data {
		norms[i/cols] += v * v
	}
	for i, n := range norms {
		norms[i] = math.Sqrt(n)
	}
	return m.Apply(func(r, _ int, v float64) float64 {
		if norms[r] > c.Max && norms[r] > 0 {
			return v * c.Max / norms[r]
		}
		return v
	})
}

// NonNeg clips negative weights to zero.
type NonNeg struct{}

func (NonNeg) Apply(m mat.Matrix) mat.Matrix {
	return m.Apply(func(_, _ int, v float64) float64 {
		return math.Max(v, 0)
	})
}
