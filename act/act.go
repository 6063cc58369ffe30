// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package act maps activation names to spago operators.
package act

import (
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
)

// Name identifies an activation function by its configuration name.
type Name string

const (
	Linear      Name = "linear"
	Tanh        Name = "tanh"
	Sigmoid     Name = "sigmoid"
	HardSigmoid Name = "hardsigmoid"
	ReLU        Name = "relu"
)

// Func applies an activation to a tensor node.
type Func func(mat.Tensor) mat.Tensor

// Resolve returns the function registered under the given name.
// The empty name resolves to Linear.
func Resolve(name Name) (Func, bool) {
	switch name {
	case Linear, "":
		return func(x mat.Tensor) mat.Tensor { return x }, true
	case Tanh:
		return func(x mat.Tensor) mat.Tensor { return ag.Tanh(x) }, true
	case Sigmoid:
		return func(x mat.Tensor) mat.Tensor { return ag.Sigmoid(x) }, true
	case HardSigmoid:
		return hardSigmoid, true
	case ReLU:
		return func(x mat.Tensor) mat.Tensor { return ag.ReLU(x) }, true
	}
	return nil, false
}

// hardSigmoid computes max(0, min(1, 0.2x + 0.5)) with the upper clip
// expressed as 1 - relu(1 - y), keeping everything differentiable.
func hardSigmoid(x mat.Tensor) mat.Tensor {
	y := ag.AddScalar(ag.ProdScalar(x, mat.Scalar(0.2)), mat.Scalar(0.5))
	return ag.ReverseSubOne(ag.ReLU(ag.ReverseSubOne(ag.ReLU(y))))
}
