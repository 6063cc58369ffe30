// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cond implements attention-conditioned decoders: recurrent
// layers whose transition consumes, besides the primary sequence, one
// context vector per declared side input. A context slot either carries
// its own attention mechanism or passes its value through unweighted.
//
// The decoder families that historically shipped as separate layers are
// all instances of one engine; the named constructors (NewGRUCond,
// NewAttLSTMCond, NewAttConditionalLSTMCond2Inputs, ...) preserve that
// inventory. Like the plain wrappers, a stateful decoder carries its
// final states between Forward calls and is single-writer.
package cond

import (
	"github.com/nlpodyssey/recurrent"
	"github.com/nlpodyssey/recurrent/attention"
	"github.com/nlpodyssey/recurrent/cell"
	"github.com/nlpodyssey/spago/mat"
)

// Family selects the transition cell of a decoder.
type Family string

const (
	GRU       Family = "gru"
	LSTM      Family = "lstm"
	SimpleRNN Family = "simple_rnn"
)

// ContextSpec declares one side-context slot.
type ContextSpec struct {
	// Size is the element size of the context vectors.
	Size int `json:"size"`
	// Attended slots score their context with their own attention
	// mechanism; the rest pass through unweighted.
	Attended bool `json:"attended"`
}

// Config collects the decoder options. The embedded cell options size
// the transition: InputSize is the element size of the primary
// sequence, and the engine derives the actual kernel widths from it
// and from the context sizes.
type Config struct {
	cell.Config
	// Family selects the transition cell.
	Family Family `json:"family"`
	// Contexts declares the side-context slots, in the order Forward
	// receives them.
	Contexts []ContextSpec `json:"contexts"`
	// Attention is the template shared by the attention heads. Query
	// and key sizes are filled per slot, and the dropout rate comes
	// from AttentionDropout.
	Attention attention.Config `json:"attention"`
	// Conditional runs the transition twice per tick in the Nematus
	// fashion: the first pass produces the intermediate state used as
	// the attention query, the second consumes the context vectors.
	Conditional bool `json:"conditional"`
	// SelfAttention attends over the primary sequence itself; such a
	// decoder declares no context slots of its own.
	SelfAttention bool `json:"self_attention"`
	// ConditionalDropout is the variational dropout rate on the context
	// vectors entering the transition.
	ConditionalDropout float64 `json:"conditional_dropout"`
	// AttentionDropout is the variational dropout rate on the attention
	// queries.
	AttentionDropout float64 `json:"attention_dropout"`
	// ReturnSequences exposes the full output sequence.
	ReturnSequences bool `json:"return_sequences"`
	// ReturnState exposes the final states.
	ReturnState bool `json:"return_state"`
	// ReturnExtras exposes the per-slot context and weight sequences.
	ReturnExtras bool `json:"return_extra_variables"`
	GoBackwards  bool `json:"go_backwards"`
	Stateful     bool `json:"stateful"`
	Unroll       bool `json:"unroll"`
	InputLength  int  `json:"input_length"`
}

func (c Config) withDefaults() (Config, error) {
	switch c.Family {
	case GRU, LSTM, SimpleRNN:
	case "":
		return c, recurrent.Configf("cond: missing cell family")
	default:
		return c, recurrent.Configf("cond: unknown cell family %q", c.Family)
	}
	if c.Units <= 0 {
		return c, recurrent.Configf("cond: units must be positive, got %d", c.Units)
	}
	if c.InputSize <= 0 {
		return c, recurrent.Configf("cond: input size must be positive, got %d", c.InputSize)
	}
	if c.ConditionalDropout < 0 || c.ConditionalDropout >= 1 {
		return c, recurrent.Configf("cond: conditional dropout must be in [0, 1), got %g", c.ConditionalDropout)
	}
	if c.AttentionDropout < 0 || c.AttentionDropout >= 1 {
		return c, recurrent.Configf("cond: attention dropout must be in [0, 1), got %g", c.AttentionDropout)
	}
	if c.SelfAttention {
		if c.Conditional {
			return c, recurrent.Configf("cond: self-attention cannot be conditional")
		}
		self := ContextSpec{Size: c.InputSize, Attended: true}
		switch {
		case len(c.Contexts) == 0:
			c.Contexts = []ContextSpec{self}
		case len(c.Contexts) != 1 || c.Contexts[0] != self:
			return c, recurrent.Configf("cond: self-attention derives its single context from the input")
		}
	}
	if len(c.Contexts) == 0 {
		return c, recurrent.Configf("cond: at least one context slot is required")
	}
	for i, s := range c.Contexts {
		if s.Size <= 0 {
			return c, recurrent.Configf("cond: context %d size must be positive, got %d", i, s.Size)
		}
	}
	return c, nil
}

// Context is one side input of a Forward call. Attended slots consume
// Sequence; passthrough slots consume Static, or Sequence aligned with
// the primary timesteps, one vector per tick.
type Context struct {
	Sequence []mat.Tensor
	Static   mat.Tensor
	// Mask marks valid positions of Sequence. Passthrough slots also
	// report it, rendered as a tensor, in place of attention weights.
	Mask []bool
}

// Input is one decoder call.
type Input struct {
	// Sequence is the time-major primary input.
	Sequence []mat.Tensor
	// Mask marks valid timesteps of Sequence; nil means all valid.
	Mask []bool
	// Contexts carries one entry per declared slot, in declaration
	// order. Self-attentive decoders take none.
	Contexts []Context
	// Training enables dropout.
	Training bool
	// InitialState overrides both zero and carried states.
	InitialState []mat.Tensor
}

// Extra is the attention record of one slot: the context vector and
// the weight distribution of every tick, aligned with the output
// sequence. Masked primary ticks repeat the previous record the same
// way the scan repeats outputs.
type Extra struct {
	Ctx    []mat.Tensor
	Alphas []mat.Tensor
}

// Output is the shaped result of one decoder call. Last is always set;
// the remaining fields follow the Return options.
type Output struct {
	Sequence []mat.Tensor
	Last     mat.Tensor
	States   []mat.Tensor
	Extras   []Extra
}
