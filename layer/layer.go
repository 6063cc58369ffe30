// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package layer wraps the recurrent cells into whole-sequence layers:
// initial-state resolution, per-call dropout constants, masking,
// direction, statefulness and output shaping.
//
// Stateful layers carry their final states between Forward calls on the
// layer value itself; carried state is a runtime artifact and is not
// serialized. A stateful layer is single-writer: concurrent Forward
// calls on it are not supported.
package layer

import (
	"github.com/nlpodyssey/recurrent"
	"github.com/nlpodyssey/recurrent/cell"
	"github.com/nlpodyssey/recurrent/scan"
	"github.com/nlpodyssey/spago/mat"
)

// Config collects the wrapper options on top of the cell options.
type Config struct {
	cell.Config
	// ReturnSequences exposes the full output sequence.
	ReturnSequences bool `json:"return_sequences"`
	// ReturnState exposes the final states.
	ReturnState bool `json:"return_state"`
	// GoBackwards iterates the input from the last timestep.
	GoBackwards bool `json:"go_backwards"`
	// Stateful carries the final states into the next Forward call.
	Stateful bool `json:"stateful"`
	// Unroll and InputLength are validated by the scan; execution is
	// eager either way.
	Unroll      bool `json:"unroll"`
	InputLength int  `json:"input_length"`
}

// Input is one forward call.
type Input struct {
	// Sequence is the time-major input, one feature vector per timestep.
	Sequence []mat.Tensor
	// Mask marks valid timesteps; nil means all valid.
	Mask []bool
	// Training enables dropout.
	Training bool
	// InitialState overrides both zero and carried states. Shapes are
	// validated against the cell.
	InitialState []mat.Tensor
}

// Output is the shaped result of one forward call. Last is always set;
// Sequence and States follow ReturnSequences and ReturnState.
type Output struct {
	Sequence []mat.Tensor
	Last     mat.Tensor
	States   []mat.Tensor
}

// runForward is the call order shared by the wrappers: resolve the
// initial states, build the per-call constants, scan, persist state when
// stateful, shape the output.
func runForward(c Config, cl cell.Cell, carried *[]mat.Tensor, in Input) (Output, error) {
	initial, err := resolveInitial(c, cl, *carried, in.InitialState)
	if err != nil {
		return Output{}, err
	}
	cons := cl.NewConstants(in.Training)
	step := func(x mat.Tensor, states []mat.Tensor) (mat.Tensor, []mat.Tensor) {
		return cl.Step(x, states, cons)
	}
	res, err := scan.Run(step, in.Sequence, initial, scan.Options{
		Mask:        in.Mask,
		GoBackwards: c.GoBackwards,
		Unroll:      c.Unroll,
		InputLength: c.InputLength,
	})
	if err != nil {
		return Output{}, err
	}
	if c.Stateful {
		*carried = res.States
	}
	out := Output{Last: res.LastOutput}
	if c.ReturnSequences {
		out.Sequence = res.Outputs
	}
	if c.ReturnState {
		out.States = res.States
	}
	return out, nil
}

func resolveInitial(c Config, cl cell.Cell, carried, explicit []mat.Tensor) ([]mat.Tensor, error) {
	if explicit != nil {
		if err := checkStates(explicit, cl.StateSizes()); err != nil {
			return nil, err
		}
		return explicit, nil
	}
	if c.Stateful && carried != nil {
		return carried, nil
	}
	return cl.ZeroStates(), nil
}

func checkStates(states []mat.Tensor, sizes []int) error {
	if len(states) != len(sizes) {
		return recurrent.Configf("layer: got %d states, cell carries %d", len(states), len(sizes))
	}
	for i, s := range states {
		if s.Value().Size() != sizes[i] {
			return recurrent.Configf("layer: state %d has size %d, want %d", i, s.Value().Size(), sizes[i])
		}
	}
	return nil
}

// resetState implements ResetState for the wrappers: no values zeroes
// the carried state, explicit values are validated and installed.
func resetState(c Config, cl cell.Cell, carried *[]mat.Tensor, values []mat.Tensor) error {
	if !c.Stateful {
		return recurrent.Configf("layer: ResetState on a non-stateful layer")
	}
	if len(values) == 0 {
		*carried = nil
		return nil
	}
	if err := checkStates(values, cl.StateSizes()); err != nil {
		return err
	}
	*carried = values
	return nil
}
