// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package initializer

import (
	"math"
	"math/rand"
	"testing"

	"github.com/nlpodyssey/spago/mat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	t.Run("zeros and empty name", func(t *testing.T) {
		m := mat.NewDense[float64](mat.WithShape(2, 3), mat.WithBacking([]float64{1, 2, 3, 4, 5, 6}))
		for _, name := range []Name{Zeros, ""} {
			out, ok := Init(m, name, rand.New(rand.NewSource(1)))
			require.True(t, ok)
			for _, v := range out.Data().F64() {
				assert.Equal(t, 0.0, v)
			}
		}
	})

	t.Run("ones", func(t *testing.T) {
		m := mat.NewDense[float64](mat.WithShape(2, 2))
		out, ok := Init(m, Ones, rand.New(rand.NewSource(1)))
		require.True(t, ok)
		for _, v := range out.Data().F64() {
			assert.Equal(t, 1.0, v)
		}
	})

	t.Run("glorot uniform stays within limit", func(t *testing.T) {
		m := mat.NewDense[float64](mat.WithShape(4, 8))
		out, ok := Init(m, GlorotUniform, rand.New(rand.NewSource(42)))
		require.True(t, ok)
		limit := math.Sqrt(6.0 / 12.0)
		distinct := false
		data := out.Data().F64()
		for _, v := range data {
			assert.LessOrEqual(t, math.Abs(v), limit)
			if v != data[0] {
				distinct = true
			}
		}
		assert.True(t, distinct)
	})

	t.Run("identity", func(t *testing.T) {
		m := mat.NewDense[float64](mat.WithShape(3, 3))
		out, ok := Init(m, Identity, rand.New(rand.NewSource(1)))
		require.True(t, ok)
		data := out.Data().F64()
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				want := 0.0
				if r == c {
					want = 1.0
				}
				assert.Equal(t, want, data[r*3+c])
			}
		}
	})

	t.Run("same seed gives same weights", func(t *testing.T) {
		m := mat.NewDense[float64](mat.WithShape(3, 5))
		a, ok := Init(m, GlorotNormal, rand.New(rand.NewSource(7)))
		require.True(t, ok)
		b, ok := Init(m, GlorotNormal, rand.New(rand.NewSource(7)))
		require.True(t, ok)
		assert.Equal(t, a.Data().F64(), b.Data().F64())
	})

	t.Run("unknown name", func(t *testing.T) {
		m := mat.NewDense[float64](mat.WithShape(2, 2))
		_, ok := Init(m, "bogus", rand.New(rand.NewSource(1)))
		assert.False(t, ok)
	})
}

func TestOrthogonal(t *testing.T) {
	t.Run("wide matrix has orthonormal rows", func(t *testing.T) {
		m := mat.NewDense[float64](mat.WithShape(3, 6))
		out, ok := Init(m, Orthogonal, rand.New(rand.NewSource(3)))
		require.True(t, ok)
		data := out.Data().F64()
		for i := 0; i < 3; i++ {
			for j := 0; j <= i; j++ {
				dot := 0.0
				for k := 0; k < 6; k++ {
					dot += data[i*6+k] * data[j*6+k]
				}
				want := 0.0
				if i == j {
					want = 1.0
				}
				assert.InDelta(t, want, dot, 0.001)
			}
		}
	})

	t.Run("tall matrix has orthonormal columns", func(t *testing.T) {
		m := mat.NewDense[float64](mat.WithShape(6, 3))
		out, ok := Init(m, Orthogonal, rand.New(rand.NewSource(3)))
		require.True(t, ok)
		data := out.Data().F64()
		for i := 0; i < 3; i++ {
			for j := 0; j <= i; j++ {
				dot := 0.0
				for k := 0; k < 6; k++ {
					dot += data[k*3+i] * data[k*3+j]
				}
				want := 0.0
				if i == j {
					want = 1.0
				}
				assert.InDelta(t, want, dot, 0.001)
			}
		}
	})
}

func TestL1L2(t *testing.T) {
	m := mat.NewDense[float64](mat.WithShape(1, 2), mat.WithBacking([]float64{1, -2}))
	reg := L1L2{L1: 0.5, L2: 0.1}
	assert.InDelta(t, 2.0, reg.Penalty(m), 0.001)
}

func TestMaxNorm(t *testing.T) {
	m := mat.NewDense[float64](mat.WithShape(2, 2), mat.WithBacking([]float64{3, 4, 0.3, 0.4}))
	out := MaxNorm{Max: 2.5}.Apply(m)
	data := out.Data().F64()
	assert.InDelta(t, 1.5, data[0], 0.001)
	assert.InDelta(t, 2.0, data[1], 0.001)
	assert.InDelta(t, 0.3, data[2], 0.001)
	assert.InDelta(t, 0.4, data[3], 0.001)
}

func TestNonNeg(t *testing.T) {
	m := mat.NewDense[float64](mat.WithShape(1, 3), mat.WithBacking([]float64{-1, 0, 2}))
	out := NonNeg{}.Apply(m)
	assert.Equal(t, []float64{0, 0, 2}, out.Data().F64())
}
