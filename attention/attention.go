// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package attention implements the soft-attention scorer used by the
// conditioned decoders: projected keys built once per sequence, then one
// context vector and one weight distribution per query.
package attention

import (
	"encoding/gob"
	"math/rand"

	"github.com/nlpodyssey/recurrent"
	"github.com/nlpodyssey/recurrent/initializer"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
)

// Mode selects how unnormalized scores are computed.
type Mode string

const (
	// Additive scores with Va·tanh(P_t + Wa·q) + Ca.
	Additive Mode = "additive"
	// Dot scores with (Wa·q)·P_t.
	Dot Mode = "dot"
	// Multiplicative is an accepted spelling of Dot.
	Multiplicative Mode = "multiplicative"
	// Custom scores with a caller-provided Scorer; see NewCustom.
	Custom Mode = "custom"
)

// Scorer computes one unnormalized score from the projected query and
// one projected key. The result must be a scalar.
type Scorer func(p, key mat.Tensor) mat.Tensor

// Config collects the mechanism options.
type Config struct {
	// QuerySize is the size of the query vectors.
	QuerySize int `json:"query_size"`
	// KeySize is the size of the context vectors.
	KeySize int `json:"key_size"`
	// AttSize is the projection size; zero defaults to KeySize.
	AttSize int `json:"att_size"`
	// Mode defaults to Additive.
	Mode Mode `json:"mode"`
	// KernelInit names the initializer of Wa, Ua and Va; zero value is
	// glorot uniform.
	KernelInit initializer.Name `json:"kernel_initializer"`
	// Dropout is the variational dropout rate on the query projection.
	Dropout float64 `json:"dropout"`
	// DeriveMask enables deriving a key mask from the context values:
	// a position is masked out when all its elements equal MaskValue.
	DeriveMask bool    `json:"derive_mask"`
	MaskValue  float64 `json:"mask_value"`
	Seed       int64   `json:"seed"`
}

// Keys is the per-sequence attention state: context vectors projected
// once, the raw vectors the context sum draws from, and the optional
// validity mask. Build it once per sequence and reuse it for every
// query of that sequence.
type Keys struct {
	Projected []mat.Tensor
	Raw       []mat.Tensor
	Mask      []bool
}

var _ nn.Model = &Mechanism{}

// Mechanism scores a query against a projected context. It keeps no
// per-sequence state; the same mechanism serves any number of
// interleaved sequences as long as each carries its own Keys.
type Mechanism struct {
	nn.Module
	Wa        *nn.Param  // query projection (AttSize × QuerySize)
	Ua        *nn.Param  // key projection (AttSize × KeySize)
	Va        *nn.Param  // additive score vector (AttSize)
	Ba        *nn.Param  // key projection bias (AttSize), additive only
	Ca        *nn.Param  // scalar score bias, additive only
	ZeroQuery *nn.Buffer
	Config    Config

	scorer Scorer
	rnd    *rand.Rand
}

func init() {
	gob.Register(&Mechanism{})
}

func New[T float.DType](c Config) (*Mechanism, error) {
	if c.Mode == Custom {
		return nil, recurrent.Configf("attention: custom mode requires NewCustom")
	}
	return newMechanism[T](c, nil)
}

// NewCustom builds a mechanism whose scores come from the given scorer.
// The scorer is not serialized: after loading such a mechanism from
// disk, set it again with SetScorer.
func NewCustom[T float.DType](c Config, s Scorer) (*Mechanism, error) {
	if s == nil {
		return nil, recurrent.Configf("attention: nil scorer")
	}
	c.Mode = Custom
	return newMechanism[T](c, s)
}

func newMechanism[T float.DType](c Config, s Scorer) (*Mechanism, error) {
	if c.QuerySize <= 0 {
		return nil, recurrent.Configf("attention: query size must be positive, got %d", c.QuerySize)
	}
	if c.KeySize <= 0 {
		return nil, recurrent.Configf("attention: key size must be positive, got %d", c.KeySize)
	}
	if c.AttSize == 0 {
		c.AttSize = c.KeySize
	}
	if c.AttSize < 0 {
		return nil, recurrent.Configf("attention: attention size must be positive, got %d", c.AttSize)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return nil, recurrent.Configf("attention: dropout must be in [0, 1), got %g", c.Dropout)
	}
	switch c.Mode {
	case "":
		c.Mode = Additive
	case Multiplicative:
		c.Mode = Dot
	case Additive, Dot, Custom:
	default:
		return nil, recurrent.Configf("attention: unknown mode %q", c.Mode)
	}
	if c.KernelInit == "" {
		c.KernelInit = initializer.GlorotUniform
	}

	g := rand.New(rand.NewSource(c.Seed))
	m := &Mechanism{Config: c, scorer: s}

	var err error
	if m.Wa, err = newParam[T](c.AttSize, c.QuerySize, c.KernelInit, g); err != nil {
		return nil, err
	}
	if m.Ua, err = newParam[T](c.AttSize, c.KeySize, c.KernelInit, g); err != nil {
		return nil, err
	}
	if c.Mode == Additive {
		if m.Va, err = newParam[T](c.AttSize, 1, c.KernelInit, g); err != nil {
			return nil, err
		}
		m.Ba = nn.NewParam(mat.NewDense[T](mat.WithShape(c.AttSize)))
		m.Ca = nn.NewParam(mat.NewDense[T](mat.WithShape(1)))
	}
	m.ZeroQuery = nn.Buf(mat.NewDense[T](mat.WithShape(c.QuerySize)))
	return m, nil
}

func newParam[T float.DType](rows, cols int, name initializer.Name, g *rand.Rand) (*nn.Param, error) {
	v, ok := initializer.Init(mat.NewDense[T](mat.WithShape(rows, cols)), name, g)
	if !ok {
		return nil, recurrent.Configf("attention: unknown initializer %q", name)
	}
	return nn.NewParam(v), nil
}

// SetScorer installs the custom scorer. Required after deserializing a
// custom-mode mechanism.
func (m *Mechanism) SetScorer(s Scorer) {
	m.scorer = s
}

// BuildKeys projects the context once so that every Attend call of the
// sequence reuses the projections. An explicit mask wins over a derived
// one.
func (m *Mechanism) BuildKeys(context []mat.Tensor, mask []bool) (Keys, error) {
	if len(context) == 0 {
		return Keys{}, recurrent.Configf("attention: empty context")
	}
	if mask != nil && len(mask) != len(context) {
		return Keys{}, recurrent.Configf("attention: mask covers %d positions, context has %d", len(mask), len(context))
	}
	if m.Config.Mode == Custom && m.scorer == nil {
		return Keys{}, recurrent.Configf("attention: custom mode requires a scorer, call SetScorer")
	}
	projected := make([]mat.Tensor, len(context))
	for t, k := range context {
		p := ag.Mul(m.Ua, k)
		if m.Ba != nil {
			p = ag.Add(p, m.Ba)
		}
		projected[t] = p
	}
	if mask == nil && m.Config.DeriveMask {
		mask = deriveMask(context, m.Config.MaskValue)
	}
	return Keys{Projected: projected, Raw: context, Mask: mask}, nil
}

// deriveMask marks a position invalid when every element equals the
// mask value.
func deriveMask(context []mat.Tensor, maskValue float64) []bool {
	mask := make([]bool, len(context))
	for t, k := range context {
		for _, v := range k.Value().Data().F64() {
			if v != maskValue {
				mask[t] = true
				break
			}
		}
	}
	return mask
}

// NewQueryMask draws the variational dropout mask applied to the query
// on every Attend of one forward call. Nil in inference mode or with a
// zero rate.
func (m *Mechanism) NewQueryMask(training bool) mat.Tensor {
	if !training || m.Config.Dropout <= 0 {
		return nil
	}
	if m.rnd == nil {
		m.rnd = rand.New(rand.NewSource(m.Config.Seed))
	}
	keep := 1.0 / (1.0 - m.Config.Dropout)
	g := m.rnd
	return m.ZeroQuery.Value().Apply(func(_, _ int, _ float64) float64 {
		if g.Float64() < m.Config.Dropout {
			return 0
		}
		return keep
	})
}

// Attend scores the query against the keys and returns the weighted
// context sum together with the weights. Scores of masked positions are
// zeroed before the softmax, so masked positions keep a small nonzero
// weight rather than none.
func (m *Mechanism) Attend(query mat.Tensor, k Keys, dropMask mat.Tensor) (ctx, alphas mat.Tensor) {
	if dropMask != nil {
		query = ag.Prod(query, dropMask)
	}
	p := ag.Mul(m.Wa, query)

	scores := make([]mat.Tensor, len(k.Projected))
	for t, proj := range k.Projected {
		var e mat.Tensor
		switch m.Config.Mode {
		case Dot:
			e = ag.Dot(p, proj)
		case Custom:
			e = m.scorer(p, proj)
		default:
			e = ag.Add(ag.Dot(m.Va, ag.Tanh(ag.Add(proj, p))), m.Ca)
		}
		if k.Mask != nil && !k.Mask[t] {
			e = ag.ProdScalar(e, mat.Scalar(0.0))
		}
		scores[t] = e
	}

	alphas = ag.Softmax(ag.Concat(scores...))
	ctx = ag.Mul(ag.T(ag.Stack(k.Raw...)), alphas)
	return ctx, alphas
}
