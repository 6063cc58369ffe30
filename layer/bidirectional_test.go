// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layer

import (
	"testing"

	"github.com/nlpodyssey/recurrent"
	"github.com/nlpodyssey/recurrent/cell"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBidirCells(t *testing.T, fwdUnits, bwdUnits int) (*cell.GRU, *cell.GRU) {
	t.Helper()
	fwd, err := cell.NewGRU[float64](cell.Config{
		Units: fwdUnits, InputSize: 2, UseBias: true, Implementation: 2, Seed: 1,
	})
	require.NoError(t, err)
	bwd, err := cell.NewGRU[float64](cell.Config{
		Units: bwdUnits, InputSize: 2, UseBias: true, Implementation: 2, Seed: 2,
	})
	require.NoError(t, err)
	return fwd, bwd
}

func TestBidirectionalConcat(t *testing.T) {
	fwd, bwd := newBidirCells(t, 3, 2)
	m, err := NewBidirectional(fwd, bwd, BidirectionalConfig{ReturnSequences: true, ReturnState: true})
	require.NoError(t, err)
	assert.Equal(t, 5, m.OutputSize())
	assert.Equal(t, []int{3, 2}, m.StateSizes())

	seq := testSequence()
	out, err := m.Forward(Input{Sequence: seq})
	require.NoError(t, err)
	require.Len(t, out.Sequence, 3)
	require.Len(t, out.States, 2)

	fwdOuts, fwdStates := stepSeq(fwd, seq, fwd.ZeroStates())
	reversed := []mat.Tensor{seq[2], seq[1], seq[0]}
	bwdOuts, bwdStates := stepSeq(bwd, reversed, bwd.ZeroStates())

	// Merged timestep t pairs the forward output at t with the backward
	// output computed from the suffix starting at t.
	for i := 0; i < 3; i++ {
		want := ag.Concat(fwdOuts[i], bwdOuts[2-i])
		assertTensorEqual(t, want, out.Sequence[i])
		assert.Equal(t, 5, out.Sequence[i].Value().Size())
	}

	// Last pairs each direction's own final output.
	assertTensorEqual(t, ag.Concat(fwdOuts[2], bwdOuts[2]), out.Last)

	assertTensorEqual(t, fwdStates[0], out.States[0])
	assertTensorEqual(t, bwdStates[0], out.States[1])
}

func TestBidirectionalMergeModes(t *testing.T) {
	fwd, bwd := newBidirCells(t, 3, 3)
	seq := testSequence()

	fwdOuts, _ := stepSeq(fwd, seq, fwd.ZeroStates())
	reversed := []mat.Tensor{seq[2], seq[1], seq[0]}
	bwdOuts, _ := stepSeq(bwd, reversed, bwd.ZeroStates())

	testCases := []struct {
		mode MergeMode
		want func(f, b mat.Tensor) mat.Tensor
	}{
		{Sum, func(f, b mat.Tensor) mat.Tensor { return ag.Add(f, b) }},
		{Mul, func(f, b mat.Tensor) mat.Tensor { return ag.Prod(f, b) }},
		{Average, func(f, b mat.Tensor) mat.Tensor { return ag.ProdScalar(ag.Add(f, b), mat.Scalar(0.5)) }},
	}
	for _, tc := range testCases {
		t.Run(string(tc.mode), func(t *testing.T) {
			m, err := NewBidirectional(fwd, bwd, BidirectionalConfig{Merge: tc.mode, ReturnSequences: true})
			require.NoError(t, err)
			assert.Equal(t, 3, m.OutputSize())

			out, err := m.Forward(Input{Sequence: seq})
			require.NoError(t, err)
			for i := 0; i < 3; i++ {
				assertTensorEqual(t, tc.want(fwdOuts[i], bwdOuts[2-i]), out.Sequence[i])
			}
		})
	}
}

func TestBidirectionalInitialState(t *testing.T) {
	fwd, bwd := newBidirCells(t, 3, 2)
	m, err := NewBidirectional(fwd, bwd, BidirectionalConfig{ReturnSequences: true})
	require.NoError(t, err)

	seq := testSequence()
	h0f := vec(0.1, 0.2, 0.3)
	h0b := vec(-0.5, 0.5)
	out, err := m.Forward(Input{Sequence: seq, InitialState: []mat.Tensor{h0f, h0b}})
	require.NoError(t, err)

	fwdOuts, _ := stepSeq(fwd, seq, []mat.Tensor{h0f})
	reversed := []mat.Tensor{seq[2], seq[1], seq[0]}
	bwdOuts, _ := stepSeq(bwd, reversed, []mat.Tensor{h0b})
	assertTensorEqual(t, ag.Concat(fwdOuts[0], bwdOuts[2]), out.Sequence[0])

	t.Run("wrong count", func(t *testing.T) {
		_, err := m.Forward(Input{Sequence: seq, InitialState: []mat.Tensor{h0f}})
		require.Error(t, err)
		assert.True(t, recurrent.IsConfig(err))
	})
}

func TestBidirectionalValidation(t *testing.T) {
	fwd, bwd := newBidirCells(t, 3, 2)

	t.Run("missing cell", func(t *testing.T) {
		_, err := NewBidirectional(fwd, nil, BidirectionalConfig{})
		require.Error(t, err)
		assert.True(t, recurrent.IsConfig(err))
	})

	t.Run("unknown merge mode", func(t *testing.T) {
		_, err := NewBidirectional(fwd, bwd, BidirectionalConfig{Merge: "bogus"})
		require.Error(t, err)
		assert.True(t, recurrent.IsConfig(err))
	})

	t.Run("sum needs equal sizes", func(t *testing.T) {
		_, err := NewBidirectional(fwd, bwd, BidirectionalConfig{Merge: Sum})
		require.Error(t, err)
		assert.True(t, recurrent.IsConfig(err))
	})

	t.Run("input sizes must match", func(t *testing.T) {
		other, err := cell.NewGRU[float64](cell.Config{Units: 3, InputSize: 4, Implementation: 2})
		require.NoError(t, err)
		_, err = NewBidirectional(fwd, other, BidirectionalConfig{})
		require.Error(t, err)
		assert.True(t, recurrent.IsConfig(err))
	})
}
