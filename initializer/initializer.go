// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package initializer provides named weight initializers and the
// regularizer/constraint hooks recurrent layers are configured with.
package initializer

import (
	"math"
	"math/rand"

	"github.com/nlpodyssey/spago/mat"
)

// Name identifies an initializer by its configuration name.
type Name string

const (
	Zeros         Name = "zeros"
	Ones          Name = "ones"
	GlorotUniform Name = "glorot_uniform"
	GlorotNormal  Name = "glorot_normal"
	RandomUniform Name = "uniform"
	RandomNormal  Name = "normal"
	Orthogonal    Name = "orthogonal"
	Identity      Name = "identity"
)

// Init returns a copy of m filled according to the named initializer.
// The empty name resolves to Zeros. The returned matrix keeps m's shape
// and data type; m itself is not modified.
func Init(m mat.Matrix, name Name, g *rand.Rand) (mat.Matrix, bool) {
	rows, cols := m.Shape()[0], m.Shape()[1]
	switch name {
	case Zeros, "":
		return m.Apply(func(_, _ int, _ float64) float64 { return 0 }), true
	case Ones:
		return m.Apply(func(_, _ int, _ float64) float64 { return 1 }), true
	case GlorotUniform:
		limit := math.Sqrt(6.0 / float64(rows+cols))
		return m.Apply(func(_, _ int, _ float64) float64 {
			return g.Float64()*2*limit - limit
		}), true
	case GlorotNormal:
		std := math.Sqrt(2.0 / float64(rows+cols))
		return m.Apply(func(_, _ int, _ float64) float64 {
			return g.NormFloat64() * std
		}), true
	case RandomUniform:
		return m.Apply(func(_, _ int, _ float64) float64 {
			return g.Float64()*0.1 - 0.05
		}), true
	case RandomNormal:
		return m.Apply(func(_, _ int, _ float64) float64 {
			return g.NormFloat64() * 0.05
		}), true
	case Orthogonal:
		q := orthogonal(rows, cols, g)
		return m.Apply(func(r, c int, _ float64) float64 { return q[r][c] }), true
	case Identity:
		return m.Apply(func(r, c int, _ float64) float64 {
			if r == c {
				return 1
			}
			return 0
		}), true
	}
	return nil, false
}

// orthogonal draws a random normal matrix and orthonormalizes it with
// modified Gram-Schmidt along the shorter dimension, so that either the
// rows (rows <= cols) or the columns form an orthonormal set.
func orthogonal(rows, cols int, g *rand.Rand) [][]float64 {
	transposed := rows > cols
	n, d := rows, cols
	if transposed {
		n, d = cols, rows
	}

	vecs := make([][]float64, n)
	for i := range vecs {
		vecs[i] = make([]float64, d)
		for j := range vecs[i] {
			vecs[i][j] = g.NormFloat64()
		}
	}

	for i := 0; i < n; i++ {
		for k := 0; k < i; k++ {
			dot := 0.0
			for j := 0; j < d; j++ {
				dot += vecs[i][j] * vecs[k][j]
			}
			for j := 0; j < d; j++ {
				vecs[i][j] -= dot * vecs[k][j]
			}
		}
		norm := 0.0
		for j := 0; j < d; j++ {
			norm += vecs[i][j] * vecs[i][j]
		}
		norm = math.Sqrt(norm)
		if norm < 1e-12 {
			// Degenerate draw; retry this vector.
			for j := 0; j < d; j++ {
				vecs[i][j] = g.NormFloat64()
			}
			i--
			continue
		}
		for j := 0; j < d; j++ {
			vecs[i][j] /= norm
		}
	}

	out := make([][]float64, rows)
	for r := 0; r < rows; r++ {
		out[r] = make([]float64, cols)
		for c := 0; c < cols; c++ {
			if transposed {
				out[r][c] = vecs[c][r]
			} else {
				out[r][c] = vecs[r][c]
			}
		}
	}
	return out
}
