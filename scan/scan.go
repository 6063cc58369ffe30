// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scan drives a step function over a sequence, threading the
// recurrent state and handling per-timestep masking and direction.
package scan

import (
	"github.com/nlpodyssey/recurrent"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
)

// StepFunc computes one timestep. Loop-invariant values such as dropout
// masks are expected to be closed over by the function itself.
type StepFunc func(x mat.Tensor, states []mat.Tensor) (mat.Tensor, []mat.Tensor)

// Options controls one scan.
type Options struct {
	// Mask marks valid timesteps. On a masked (false) timestep the state
	// is carried unchanged and the previous output is repeated; a masked
	// first timestep yields a zero output. Nil means all valid.
	Mask []bool
	// GoBackwards iterates the sequence from the last timestep to the
	// first. Outputs are reported in iteration order.
	GoBackwards bool
	// Unroll is accepted for configuration compatibility. Execution is
	// eager either way, but unrolling requires InputLength to be set,
	// to be greater than one and to match the sequence.
	Unroll bool
	// InputLength optionally declares the expected sequence length.
	InputLength int
}

// Result is the outcome of a scan.
type Result struct {
	// Outputs holds one output per timestep, in iteration order.
	Outputs []mat.Tensor
	// LastOutput is the output of the final iterated timestep.
	LastOutput mat.Tensor
	// States holds the state after the final iterated timestep.
	States []mat.Tensor
}

// Run applies step to every timestep of inputs, starting from the
// initial states.
func Run(step StepFunc, inputs []mat.Tensor, initial []mat.Tensor, opts Options) (Result, error) {
	if len(inputs) == 0 {
		return Result{}, recurrent.Configf("scan: empty input sequence")
	}
	if len(initial) == 0 {
		return Result{}, recurrent.Configf("scan: missing initial states")
	}
	if opts.Mask != nil && len(opts.Mask) != len(inputs) {
		return Result{}, recurrent.Configf("scan: mask covers %d timesteps, sequence has %d", len(opts.Mask), len(inputs))
	}
	if opts.Unroll {
		switch {
		case opts.InputLength == 0:
			return Result{}, recurrent.Configf("scan: unrolling requires a known input length")
		case opts.InputLength == 1:
			return Result{}, recurrent.Configf("scan: cannot unroll a sequence of length 1")
		case opts.InputLength != len(inputs):
			return Result{}, recurrent.Configf("scan: declared input length %d, sequence has %d", opts.InputLength, len(inputs))
		}
	}

	states := initial
	outputs := make([]mat.Tensor, 0, len(inputs))
	var prev mat.Tensor

	for i := 0; i < len(inputs); i++ {
		t := i
		if opts.GoBackwards {
			t = len(inputs) - 1 - i
		}
		y, next := step(inputs[t], states)
		if opts.Mask != nil && !opts.Mask[t] {
			if prev == nil {
				prev = ag.ProdScalar(y, mat.Scalar(0.0))
			}
			y = prev
		} else {
			states = next
		}
		prev = y
		outputs = append(outputs, y)
	}

	return Result{
		Outputs:    outputs,
		LastOutput: outputs[len(outputs)-1],
		States:     states,
	}, nil
}
