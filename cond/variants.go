// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cond

import (
	"github.com/nlpodyssey/recurrent/attention"
	"github.com/nlpodyssey/spago/mat/float"
)

// The constructors below cover the decoder inventory by name. Each one
// pins the family, the context slots and the transition doubling of its
// variant; everything else comes from the configuration. Variants with
// attention accept one scorer per attended slot when the attention mode
// is custom.

// NewGRUCond builds a GRU decoder conditioned on one passthrough
// context.
func NewGRUCond[T float.DType](c Config, ctxSize int) (*Decoder, error) {
	c.Family = GRU
	c.Conditional = false
	c.SelfAttention = false
	c.Contexts = []ContextSpec{{Size: ctxSize}}
	return New[T](c)
}

// NewLSTMCond builds an LSTM decoder conditioned on one passthrough
// context.
func NewLSTMCond[T float.DType](c Config, ctxSize int) (*Decoder, error) {
	c.Family = LSTM
	c.Conditional = false
	c.SelfAttention = false
	c.Contexts = []ContextSpec{{Size: ctxSize}}
	return New[T](c)
}

// NewAttGRU builds a GRU layer that attends over its own input
// sequence.
func NewAttGRU[T float.DType](c Config, scorers ...attention.Scorer) (*Decoder, error) {
	c.Family = GRU
	c.Conditional = false
	c.SelfAttention = true
	c.Contexts = nil
	return New[T](c, scorers...)
}

// NewAttLSTM builds an LSTM layer that attends over its own input
// sequence.
func NewAttLSTM[T float.DType](c Config, scorers ...attention.Scorer) (*Decoder, error) {
	c.Family = LSTM
	c.Conditional = false
	c.SelfAttention = true
	c.Contexts = nil
	return New[T](c, scorers...)
}

// NewAttGRUCond builds a GRU decoder with attention over one side
// context.
func NewAttGRUCond[T float.DType](c Config, ctxSize int, scorers ...attention.Scorer) (*Decoder, error) {
	c.Family = GRU
	c.Conditional = false
	c.SelfAttention = false
	c.Contexts = []ContextSpec{{Size: ctxSize, Attended: true}}
	return New[T](c, scorers...)
}

// NewAttLSTMCond builds an LSTM decoder with attention over one side
// context.
func NewAttLSTMCond[T float.DType](c Config, ctxSize int, scorers ...attention.Scorer) (*Decoder, error) {
	c.Family = LSTM
	c.Conditional = false
	c.SelfAttention = false
	c.Contexts = []ContextSpec{{Size: ctxSize, Attended: true}}
	return New[T](c, scorers...)
}

// NewAttConditionalGRUCond builds a GRU decoder with attention over one
// side context and a doubled transition, the intermediate state serving
// as the attention query.
func NewAttConditionalGRUCond[T float.DType](c Config, ctxSize int, scorers ...attention.Scorer) (*Decoder, error) {
	c.Family = GRU
	c.Conditional = true
	c.SelfAttention = false
	c.Contexts = []ContextSpec{{Size: ctxSize, Attended: true}}
	return New[T](c, scorers...)
}

// NewAttConditionalLSTMCond builds an LSTM decoder with attention over
// one side context and a doubled transition.
func NewAttConditionalLSTMCond[T float.DType](c Config, ctxSize int, scorers ...attention.Scorer) (*Decoder, error) {
	c.Family = LSTM
	c.Conditional = true
	c.SelfAttention = false
	c.Contexts = []ContextSpec{{Size: ctxSize, Attended: true}}
	return New[T](c, scorers...)
}

// NewAttLSTMCond2Inputs builds an LSTM decoder over two side contexts.
// The first is always attended; attendOnBoth extends attention to the
// second, which otherwise passes through unweighted.
func NewAttLSTMCond2Inputs[T float.DType](c Config, ctxSize1, ctxSize2 int, attendOnBoth bool, scorers ...attention.Scorer) (*Decoder, error) {
	c.Family = LSTM
	c.Conditional = false
	c.SelfAttention = false
	c.Contexts = []ContextSpec{
		{Size: ctxSize1, Attended: true},
		{Size: ctxSize2, Attended: attendOnBoth},
	}
	return New[T](c, scorers...)
}

// NewAttLSTMCond3Inputs builds an LSTM decoder over three side
// contexts. The first is always attended; attendOnBoth extends
// attention to the other two.
func NewAttLSTMCond3Inputs[T float.DType](c Config, ctxSize1, ctxSize2, ctxSize3 int, attendOnBoth bool, scorers ...attention.Scorer) (*Decoder, error) {
	c.Family = LSTM
	c.Conditional = false
	c.SelfAttention = false
	c.Contexts = []ContextSpec{
		{Size: ctxSize1, Attended: true},
		{Size: ctxSize2, Attended: attendOnBoth},
		{Size: ctxSize3, Attended: attendOnBoth},
	}
	return New[T](c, scorers...)
}

// NewAttConditionalLSTMCond2Inputs builds an LSTM decoder over two side
// contexts with a doubled transition.
func NewAttConditionalLSTMCond2Inputs[T float.DType](c Config, ctxSize1, ctxSize2 int, attendOnBoth bool, scorers ...attention.Scorer) (*Decoder, error) {
	c.Family = LSTM
	c.Conditional = true
	c.SelfAttention = false
	c.Contexts = []ContextSpec{
		{Size: ctxSize1, Attended: true},
		{Size: ctxSize2, Attended: attendOnBoth},
	}
	return New[T](c, scorers...)
}
