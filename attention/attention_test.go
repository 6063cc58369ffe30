// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package attention

import (
	"math"
	"testing"

	"github.com/nlpodyssey/recurrent"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vec(v ...float64) mat.Tensor {
	return mat.NewVecDense[float64](v)
}

func eye(n int) mat.Matrix {
	backing := make([]float64, n*n)
	for i := 0; i < n; i++ {
		backing[i*n+i] = 1
	}
	return mat.NewDense[float64](mat.WithShape(n, n), mat.WithBacking(backing))
}

// newIdentityMechanism builds an additive mechanism whose projections
// are identities, so scores reduce to sum(tanh(k_t + q)).
func newIdentityMechanism(t *testing.T) *Mechanism {
	t.Helper()
	m, err := New[float64](Config{QuerySize: 2, KeySize: 2})
	require.NoError(t, err)
	m.Wa.ReplaceValue(eye(2))
	m.Ua.ReplaceValue(eye(2))
	m.Va.ReplaceValue(mat.NewVecDense[float64]([]float64{1, 1}))
	m.Ba.ReplaceValue(mat.NewVecDense[float64]([]float64{0, 0}))
	m.Ca.ReplaceValue(mat.NewVecDense[float64]([]float64{0}))
	return m
}

func refSoftmax(scores []float64) []float64 {
	max := math.Inf(-1)
	for _, s := range scores {
		max = math.Max(max, s)
	}
	sum := 0.0
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = math.Exp(s - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func refAdditiveScore(q, k []float64) float64 {
	score := 0.0
	for i := range q {
		score += math.Tanh(q[i] + k[i])
	}
	return score
}

func TestAdditiveAttend(t *testing.T) {
	m := newIdentityMechanism(t)

	q := []float64{0.3, -0.5}
	keys := [][]float64{{1, 0}, {0, 1}, {-1, 0.5}}
	context := []mat.Tensor{vec(keys[0]...), vec(keys[1]...), vec(keys[2]...)}

	built, err := m.BuildKeys(context, nil)
	require.NoError(t, err)
	require.Len(t, built.Projected, 3)
	require.Nil(t, built.Mask)

	ctx, alphas := m.Attend(vec(q...), built, nil)

	scores := make([]float64, len(keys))
	for t2, k := range keys {
		scores[t2] = refAdditiveScore(q, k)
	}
	wantAlphas := refSoftmax(scores)

	gotAlphas := alphas.Value().Data().F64()
	require.Len(t, gotAlphas, 3)
	sum := 0.0
	for i := range wantAlphas {
		assert.InDelta(t, wantAlphas[i], gotAlphas[i], 1e-6)
		sum += gotAlphas[i]
	}
	assert.InDelta(t, 1.0, sum, 1e-6)

	wantCtx := make([]float64, 2)
	for t2, k := range keys {
		for i := range k {
			wantCtx[i] += wantAlphas[t2] * k[i]
		}
	}
	gotCtx := ctx.Value().Data().F64()
	require.Len(t, gotCtx, 2)
	for i := range wantCtx {
		assert.InDelta(t, wantCtx[i], gotCtx[i], 1e-6)
	}
}

func TestDotAttend(t *testing.T) {
	m, err := New[float64](Config{QuerySize: 2, KeySize: 2, Mode: Multiplicative})
	require.NoError(t, err)
	require.Equal(t, Dot, m.Config.Mode)
	m.Wa.ReplaceValue(eye(2))
	m.Ua.ReplaceValue(eye(2))
	assert.Nil(t, m.Va)

	q := []float64{0.5, 1}
	keys := [][]float64{{1, 0}, {0, 2}}
	built, err := m.BuildKeys([]mat.Tensor{vec(keys[0]...), vec(keys[1]...)}, nil)
	require.NoError(t, err)

	_, alphas := m.Attend(vec(q...), built, nil)

	scores := []float64{0.5, 2}
	wantAlphas := refSoftmax(scores)
	gotAlphas := alphas.Value().Data().F64()
	for i := range wantAlphas {
		assert.InDelta(t, wantAlphas[i], gotAlphas[i], 1e-6)
	}
}

func TestAttendMasked(t *testing.T) {
	m := newIdentityMechanism(t)

	q := []float64{0.3, -0.5}
	keys := [][]float64{{1, 0}, {0, 1}}
	built, err := m.BuildKeys([]mat.Tensor{vec(keys[0]...), vec(keys[1]...)}, []bool{true, false})
	require.NoError(t, err)

	_, alphas := m.Attend(vec(q...), built, nil)

	// The masked score is zeroed before the softmax, so the masked
	// position keeps a small nonzero weight.
	wantAlphas := refSoftmax([]float64{refAdditiveScore(q, keys[0]), 0})
	gotAlphas := alphas.Value().Data().F64()
	for i := range wantAlphas {
		assert.InDelta(t, wantAlphas[i], gotAlphas[i], 1e-6)
	}
	assert.Greater(t, gotAlphas[1], 0.0)
}

func TestBuildKeysDerivedMask(t *testing.T) {
	m, err := New[float64](Config{QuerySize: 2, KeySize: 2, DeriveMask: true})
	require.NoError(t, err)

	built, err := m.BuildKeys([]mat.Tensor{vec(1, 0), vec(0, 0), vec(0, 0.5)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, built.Mask)

	t.Run("explicit mask wins", func(t *testing.T) {
		built, err := m.BuildKeys([]mat.Tensor{vec(1, 0), vec(0, 0)}, []bool{true, true})
		require.NoError(t, err)
		assert.Equal(t, []bool{true, true}, built.Mask)
	})

	t.Run("custom mask value", func(t *testing.T) {
		m, err := New[float64](Config{QuerySize: 2, KeySize: 2, DeriveMask: true, MaskValue: -1})
		require.NoError(t, err)
		built, err := m.BuildKeys([]mat.Tensor{vec(-1, -1), vec(0, 0)}, nil)
		require.NoError(t, err)
		assert.Equal(t, []bool{false, true}, built.Mask)
	})
}

func TestCustomScorer(t *testing.T) {
	scorer := func(p, key mat.Tensor) mat.Tensor {
		return ag.Dot(p, key)
	}
	m, err := NewCustom[float64](Config{QuerySize: 2, KeySize: 2}, scorer)
	require.NoError(t, err)
	m.Wa.ReplaceValue(eye(2))
	m.Ua.ReplaceValue(eye(2))

	built, err := m.BuildKeys([]mat.Tensor{vec(1, 0), vec(0, 2)}, nil)
	require.NoError(t, err)
	_, alphas := m.Attend(vec(0.5, 1), built, nil)

	wantAlphas := refSoftmax([]float64{0.5, 2})
	gotAlphas := alphas.Value().Data().F64()
	for i := range wantAlphas {
		assert.InDelta(t, wantAlphas[i], gotAlphas[i], 1e-6)
	}
}

func TestNewQueryMask(t *testing.T) {
	m, err := New[float64](Config{QuerySize: 4, KeySize: 2, Dropout: 0.5, Seed: 9})
	require.NoError(t, err)

	assert.Nil(t, m.NewQueryMask(false))

	mask := m.NewQueryMask(true)
	require.NotNil(t, mask)
	data := mask.Value().Data().F64()
	require.Len(t, data, 4)
	for _, v := range data {
		assert.True(t, v == 0 || v == 2.0, "got %v", v)
	}
}

func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name string
		cfg  Config
	}{
		{"zero query size", Config{KeySize: 2}},
		{"zero key size", Config{QuerySize: 2}},
		{"negative att size", Config{QuerySize: 2, KeySize: 2, AttSize: -1}},
		{"bad mode", Config{QuerySize: 2, KeySize: 2, Mode: "bogus"}},
		{"custom without NewCustom", Config{QuerySize: 2, KeySize: 2, Mode: Custom}},
		{"dropout out of range", Config{QuerySize: 2, KeySize: 2, Dropout: 1}},
		{"unknown initializer", Config{QuerySize: 2, KeySize: 2, KernelInit: "bogus"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New[float64](tc.cfg)
			require.Error(t, err)
			assert.True(t, recurrent.IsConfig(err))
		})
	}

	t.Run("nil scorer", func(t *testing.T) {
		_, err := NewCustom[float64](Config{QuerySize: 2, KeySize: 2}, nil)
		require.Error(t, err)
		assert.True(t, recurrent.IsConfig(err))
	})

	t.Run("empty context", func(t *testing.T) {
		m, err := New[float64](Config{QuerySize: 2, KeySize: 2})
		require.NoError(t, err)
		_, err = m.BuildKeys(nil, nil)
		require.Error(t, err)
		assert.True(t, recurrent.IsConfig(err))
	})

	t.Run("mask length mismatch", func(t *testing.T) {
		m, err := New[float64](Config{QuerySize: 2, KeySize: 2})
		require.NoError(t, err)
		_, err = m.BuildKeys([]mat.Tensor{vec(1, 0)}, []bool{true, false})
		require.Error(t, err)
		assert.True(t, recurrent.IsConfig(err))
	})
}
