// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package recurrent provides recurrent neural network layers (SimpleRNN,
// GRU, LSTM and attention-augmented conditional variants) built on top of
// the spago machine-learning framework.
//
// The heart of the library is the per-timestep transition: cells implement
// one recurrent tick, the scan driver threads state across time honoring
// masking and traversal direction, wrapper layers add statefulness and
// variational dropout, and the cond package assembles attention-conditioned
// decoder steps from the same pieces.
//
// Sequences are time-major slices of tensors ([]mat.Tensor), one feature
// vector per timestep, following the spago convention. All differentiable
// computation is delegated to spago's ag operators; this module never
// reimplements the math backend.
package recurrent
