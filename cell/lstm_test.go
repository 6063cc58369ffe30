// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cell

import (
	"fmt"
	"testing"

	"github.com/nlpodyssey/spago/mat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// refLSTMStep mirrors the LSTM transition in plain float64 math.
func refLSTMStep(x, h, cPrev []float64, w, wRec [][]float64, b []float64) (hNew, cNew []float64) {
	n := len(h)
	g := refAdd(refAdd(refMatVec(w, x), refMatVec(wRec, h)), b)
	i := refSigmoid(g[:n])
	f := refSigmoid(g[n : 2*n])
	gg := refTanh(g[2*n : 3*n])
	o := refSigmoid(g[3*n:])
	cNew = refAdd(refProd(f, cPrev), refProd(i, gg))
	hNew = refProd(o, refTanh(cNew))
	return hNew, cNew
}

func TestLSTMStep(t *testing.T) {
	const units, inputSize = 3, 2
	w := testWeights(4*units, inputSize)
	wRec := testWeights(4*units, units)
	b := testBias(4 * units)

	x := []float64{0.4, -0.7}
	h := []float64{0.1, -0.3, 0.5}
	cPrev := []float64{-0.2, 0.6, 0.1}

	for _, impl := range []int{1, 2} {
		t.Run(fmt.Sprintf("implementation %d", impl), func(t *testing.T) {
			m, err := NewLSTM[float64](Config{
				Units:          units,
				InputSize:      inputSize,
				UseBias:        true,
				Implementation: impl,
			})
			require.NoError(t, err)
			m.W.ReplaceValue(newTestMatrix(w))
			m.WRec.ReplaceValue(newTestMatrix(wRec))
			m.B.ReplaceValue(mat.NewVecDense[float64](b))

			y, states := m.Step(newTestVec(x), []mat.Tensor{newTestVec(h), newTestVec(cPrev)}, Constants{})

			wantH, wantC := refLSTMStep(x, h, cPrev, w, wRec, b)
			assertVecInDelta(t, wantH, y)
			require.Len(t, states, 2)
			assertVecInDelta(t, wantH, states[0])
			assertVecInDelta(t, wantC, states[1])
		})
	}
}

func TestLSTMUnitForgetBias(t *testing.T) {
	const units = 3
	m, err := NewLSTM[float64](Config{
		Units:          units,
		InputSize:      2,
		UseBias:        true,
		UnitForgetBias: true,
		Implementation: 2,
	})
	require.NoError(t, err)

	data := m.B.Value().Data().F64()
	require.Len(t, data, 4*units)
	for r, v := range data {
		if r >= units && r < 2*units {
			assert.Equal(t, 1.0, v, "forget block row %d", r)
		} else {
			assert.Equal(t, 0.0, v, "row %d", r)
		}
	}
}

func TestLSTMSizes(t *testing.T) {
	m, err := NewLSTM[float64](Config{Units: 4, InputSize: 6, Implementation: 2})
	require.NoError(t, err)
	require.Equal(t, 6, m.InputSize())
	require.Equal(t, 4, m.OutputSize())
	require.Equal(t, []int{4, 4}, m.StateSizes())
}
