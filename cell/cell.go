// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cell implements single-timestep recurrent transitions.
//
// A Cell maps one input vector and an ordered list of state vectors to an
// output vector and the next state list. Cells own their weights as
// nn.Param matrices; gate weights are fused into single kernels with one
// row block per gate (GRU: update, reset, candidate; LSTM: input, forget,
// candidate, output). The block order is fixed: imported weights depend
// on it.
//
// Cells hold no per-sequence state. Loop-invariant values such as
// dropout masks are built once per forward call with NewConstants and
// threaded to every Step of that call, so the same masks apply to all
// timesteps of one sequence.
package cell

import (
	"math/rand"

	"github.com/nlpodyssey/recurrent"
	"github.com/nlpodyssey/recurrent/act"
	"github.com/nlpodyssey/recurrent/initializer"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
	"github.com/rs/zerolog/log"
)

// Constants holds the values of one forward call that stay fixed across
// timesteps. Input and Recurrent carry one dropout mask per gate block
// for the input and state paths; nil means no dropout. Cells holds the
// per-cell records of a stacked composition.
type Constants struct {
	Input     []mat.Tensor
	Recurrent []mat.Tensor
	Cells     []Constants
}

// Cell is a single-timestep recurrent transition.
//
// Step consumes the states in the order given by StateSizes and returns
// the new states in the same order. Callers are responsible for passing
// a state list of matching length; cells do not re-validate it.
type Cell interface {
	// InputSize returns the expected size of the input vector.
	InputSize() int
	// OutputSize returns the size of the output vector.
	OutputSize() int
	// StateSizes returns the vector size of each state element, in the
	// order Step consumes and produces them. Element 0 always has the
	// output size.
	StateSizes() []int
	// ZeroStates returns zero-valued start states matching StateSizes,
	// with the data type of the cell's weights.
	ZeroStates() []mat.Tensor
	// NewConstants builds the per-call constants record. In inference
	// mode, or with zero dropout rates, all masks are nil.
	NewConstants(training bool) Constants
	// Step performs one timestep.
	Step(x mat.Tensor, states []mat.Tensor, c Constants) (mat.Tensor, []mat.Tensor)
}

// ConstraintApplier is implemented by cells whose weights accept
// constraint hooks. Kernel applies to the input kernel, recurrent to
// the recurrent kernel and bias to every bias vector. Nil constraints
// leave the corresponding weights untouched.
type ConstraintApplier interface {
	ApplyConstraints(kernel, recurrent, bias initializer.Constraint)
}

// Config collects the options shared by the cell constructors. Fields
// that do not apply to a given cell are ignored by it. The zero value of
// an option resolves to the conventional default where one exists; see
// DefaultConfig.
type Config struct {
	Units               int              `json:"units"`
	InputSize           int              `json:"input_size"`
	Activation          act.Name         `json:"activation"`
	RecurrentActivation act.Name         `json:"recurrent_activation"`
	UseBias             bool             `json:"use_bias"`
	KernelInit          initializer.Name `json:"kernel_initializer"`
	RecurrentInit       initializer.Name `json:"recurrent_initializer"`
	BiasInit            initializer.Name `json:"bias_initializer"`
	UnitForgetBias      bool             `json:"unit_forget_bias"`
	ResetAfter          bool             `json:"reset_after"`
	Implementation      int              `json:"implementation"`
	Dropout             float64          `json:"dropout"`
	RecurrentDropout    float64          `json:"recurrent_dropout"`
	Seed                int64            `json:"seed"`
}

// DefaultConfig returns the conventional configuration for the given
// sizes: tanh activation with sigmoid gates, glorot-uniform kernel,
// orthogonal recurrent kernel, zero bias with unit forget bias, and
// the fused implementation.
func DefaultConfig(units, inputSize int) Config {
	return Config{
		Units:               units,
		InputSize:           inputSize,
		Activation:          act.Tanh,
		RecurrentActivation: act.Sigmoid,
		UseBias:             true,
		KernelInit:          initializer.GlorotUniform,
		RecurrentInit:       initializer.Orthogonal,
		BiasInit:            initializer.Zeros,
		UnitForgetBias:      true,
		Implementation:      2,
	}
}

// withDefaults validates c and resolves zero-valued options to their
// defaults. The returned config is the one constructors store, so a
// serialized model always carries resolved options.
func (c Config) withDefaults() (Config, error) {
	if c.Units <= 0 {
		return c, recurrent.Configf("cell: units must be positive, got %d", c.Units)
	}
	if c.InputSize <= 0 {
		return c, recurrent.Configf("cell: input size must be positive, got %d", c.InputSize)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return c, recurrent.Configf("cell: dropout must be in [0, 1), got %g", c.Dropout)
	}
	if c.RecurrentDropout < 0 || c.RecurrentDropout >= 1 {
		return c, recurrent.Configf("cell: recurrent dropout must be in [0, 1), got %g", c.RecurrentDropout)
	}
	if c.Activation == "" {
		c.Activation = act.Tanh
	}
	if c.RecurrentActivation == "" {
		c.RecurrentActivation = act.Sigmoid
	}
	if _, ok := act.Resolve(c.Activation); !ok {
		return c, recurrent.Configf("cell: unknown activation %q", c.Activation)
	}
	if _, ok := act.Resolve(c.RecurrentActivation); !ok {
		return c, recurrent.Configf("cell: unknown recurrent activation %q", c.RecurrentActivation)
	}
	if c.KernelInit == "" {
		c.KernelInit = initializer.GlorotUniform
	}
	if c.RecurrentInit == "" {
		c.RecurrentInit = initializer.Orthogonal
	}
	if c.BiasInit == "" {
		c.BiasInit = initializer.Zeros
	}
	switch c.Implementation {
	case 0:
		log.Warn().Msg("cell: implementation 0 is deprecated, using implementation 1")
		c.Implementation = 1
	case 1, 2:
	default:
		return c, recurrent.Configf("cell: implementation must be 1 or 2, got %d", c.Implementation)
	}
	return c, nil
}

// newKernel builds a parameter of the given shape filled by the named
// initializer.
func newKernel[T float.DType](rows, cols int, name initializer.Name, g *rand.Rand) (*nn.Param, error) {
	m, ok := initializer.Init(mat.NewDense[T](mat.WithShape(rows, cols)), name, g)
	if !ok {
		return nil, recurrent.Configf("cell: unknown initializer %q", name)
	}
	return nn.NewParam(m), nil
}

// newVec builds a vector parameter filled by the named initializer.
func newVec[T float.DType](size int, name initializer.Name, g *rand.Rand) (*nn.Param, error) {
	m, ok := initializer.Init(mat.NewDense[T](mat.WithShape(size)), name, g)
	if !ok {
		return nil, recurrent.Configf("cell: unknown initializer %q", name)
	}
	return nn.NewParam(m), nil
}

func applyConstraint(p *nn.Param, c initializer.Constraint) {
	if p == nil || c == nil {
		return
	}
	p.ReplaceValue(c.Apply(p.Value()))
}

// newMasks draws n inverted-dropout masks shaped and typed after the
// template buffer. A zero rate yields nil.
func newMasks(template *nn.Buffer, rate float64, n int, g *rand.Rand) []mat.Tensor {
	if rate <= 0 {
		return nil
	}
	keep := 1.0 / (1.0 - rate)
	out := make([]mat.Tensor, n)
	for i := range out {
		out[i] = template.Value().Apply(func(_, _ int, _ float64) float64 {
			if g.Float64() < rate {
				return 0
			}
			return keep
		})
	}
	return out
}

func applyMask(x mat.Tensor, masks []mat.Tensor, i int) mat.Tensor {
	if masks == nil {
		return x
	}
	return ag.Prod(x, masks[i])
}

func addBias(x mat.Tensor, b *nn.Param) mat.Tensor {
	if b == nil {
		return x
	}
	return ag.Add(x, b)
}

// rows returns the row block [from, to) of x, which has cols columns.
func rows(x mat.Tensor, from, to, cols int) mat.Tensor {
	return ag.Slice(x, from, 0, to, cols)
}
