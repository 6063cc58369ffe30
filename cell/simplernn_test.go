// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cell

import (
	"testing"

	"github.com/nlpodyssey/spago/mat"
	"github.com/stretchr/testify/require"
)

func newTestSimpleRNN(t *testing.T, w, wRec [][]float64, b []float64) *SimpleRNN {
	t.Helper()
	m, err := NewSimpleRNN[float64](Config{
		Units:          len(w),
		InputSize:      len(w[0]),
		UseBias:        b != nil,
		Implementation: 2,
	})
	require.NoError(t, err)
	m.W.ReplaceValue(newTestMatrix(w))
	m.WRec.ReplaceValue(newTestMatrix(wRec))
	if b != nil {
		m.B.ReplaceValue(mat.NewVecDense[float64](b))
	}
	return m
}

func TestSimpleRNNStep(t *testing.T) {
	w := [][]float64{{1, 0}, {0, 1}}
	wRec := [][]float64{{0.5, 0.1}, {-0.1, 0.5}}
	b := []float64{0.1, -0.1}
	m := newTestSimpleRNN(t, w, wRec, b)

	x := []float64{1, -2}
	h := []float64{0.5, 0.25}

	y, states := m.Step(newTestVec(x), []mat.Tensor{newTestVec(h)}, Constants{})

	want := refTanh(refAdd(refAdd(refMatVec(w, x), refMatVec(wRec, h)), b))
	assertVecInDelta(t, want, y)
	require.Len(t, states, 1)
	assertVecInDelta(t, want, states[0])
}

func TestSimpleRNNStepWithMasks(t *testing.T) {
	eye := [][]float64{{1, 0}, {0, 1}}
	m := newTestSimpleRNN(t, eye, eye, nil)

	x := []float64{1, 1}
	h := []float64{1, 1}
	c := Constants{
		Input:     []mat.Tensor{newTestVec([]float64{0, 0})},
		Recurrent: []mat.Tensor{newTestVec([]float64{2, 2})},
	}

	y, _ := m.Step(newTestVec(x), []mat.Tensor{newTestVec(h)}, c)

	// The input path is fully dropped, the recurrent path doubled.
	want := refTanh([]float64{2, 2})
	assertVecInDelta(t, want, y)
}

func TestSimpleRNNSizes(t *testing.T) {
	m, err := NewSimpleRNN[float64](Config{Units: 3, InputSize: 5, Implementation: 2})
	require.NoError(t, err)
	require.Equal(t, 5, m.InputSize())
	require.Equal(t, 3, m.OutputSize())
	require.Equal(t, []int{3}, m.StateSizes())
}
