// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cond

import (
	"encoding/gob"
	"math/rand"

	"github.com/nlpodyssey/recurrent"
	"github.com/nlpodyssey/recurrent/attention"
	"github.com/nlpodyssey/recurrent/cell"
	"github.com/nlpodyssey/recurrent/initializer"
	"github.com/nlpodyssey/recurrent/scan"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
)

var _ nn.Model = &Decoder{}

// Decoder drives a recurrent transition whose step input is extended
// with one context vector per slot. With Conditional set the transition
// runs twice per tick: the first pass over the primary input alone, the
// second over the context vectors, threading one shared state.
type Decoder struct {
	nn.Module
	First  cell.Cell
	Second cell.Cell
	// Heads holds the attention mechanisms of the attended slots, in
	// slot order.
	Heads []*attention.Mechanism
	// ZeroCtx keeps a zero vector per slot, shaped and typed after the
	// slot's context, for the conditional-dropout masks.
	ZeroCtx  []*nn.Buffer
	ZeroUnit *nn.Buffer
	Config   Config

	state []mat.Tensor
	rnd   *rand.Rand
}

func init() {
	gob.Register(&Decoder{})
}

// New builds a decoder from the full configuration. Custom attention
// mode takes one scorer per attended slot, in slot order; the other
// modes take none.
func New[T float.DType](c Config, scorers ...attention.Scorer) (*Decoder, error) {
	c, err := c.withDefaults()
	if err != nil {
		return nil, err
	}

	ctxSize, attended := 0, 0
	for _, s := range c.Contexts {
		ctxSize += s.Size
		if s.Attended {
			attended++
		}
	}
	if c.Attention.Mode == attention.Custom {
		if len(scorers) != attended {
			return nil, recurrent.Configf("cond: custom attention mode needs %d scorers, got %d", attended, len(scorers))
		}
	} else if len(scorers) != 0 {
		return nil, recurrent.Configf("cond: scorers need custom attention mode")
	}

	firstCfg := c.Config
	if !c.Conditional {
		firstCfg.InputSize = c.InputSize + ctxSize
	}
	first, resolved, err := newCell[T](c.Family, firstCfg)
	if err != nil {
		return nil, err
	}
	resolved.InputSize = c.InputSize
	c.Config = resolved

	d := &Decoder{
		First:    first,
		Heads:    make([]*attention.Mechanism, 0, attended),
		ZeroCtx:  make([]*nn.Buffer, len(c.Contexts)),
		ZeroUnit: nn.Buf(mat.NewDense[T](mat.WithShape(1))),
		Config:   c,
	}
	if c.Conditional {
		secondCfg := c.Config
		secondCfg.InputSize = ctxSize
		secondCfg.Seed = c.Seed + 1
		if d.Second, _, err = newCell[T](c.Family, secondCfg); err != nil {
			return nil, err
		}
	}

	for i, s := range c.Contexts {
		d.ZeroCtx[i] = nn.Buf(mat.NewDense[T](mat.WithShape(s.Size)))
		if !s.Attended {
			continue
		}
		ac := c.Attention
		ac.QuerySize = c.Units
		ac.KeySize = s.Size
		ac.Dropout = c.AttentionDropout
		ac.Seed = c.Seed + 2 + int64(i)
		var h *attention.Mechanism
		if ac.Mode == attention.Custom {
			h, err = attention.NewCustom[T](ac, scorers[len(d.Heads)])
		} else {
			h, err = attention.New[T](ac)
		}
		if err != nil {
			return nil, err
		}
		d.Heads = append(d.Heads, h)
	}
	return d, nil
}

// headOf returns the mechanism of slot i, nil for passthrough slots.
func (d *Decoder) headOf(i int) *attention.Mechanism {
	n := 0
	for j, s := range d.Config.Contexts {
		if !s.Attended {
			continue
		}
		if j == i {
			return d.Heads[n]
		}
		n++
	}
	return nil
}

func newCell[T float.DType](f Family, c cell.Config) (cell.Cell, cell.Config, error) {
	switch f {
	case LSTM:
		m, err := cell.NewLSTM[T](c)
		if err != nil {
			return nil, cell.Config{}, err
		}
		return m, m.Config, nil
	case SimpleRNN:
		m, err := cell.NewSimpleRNN[T](c)
		if err != nil {
			return nil, cell.Config{}, err
		}
		return m, m.Config, nil
	default:
		m, err := cell.NewGRU[T](c)
		if err != nil {
			return nil, cell.Config{}, err
		}
		return m, m.Config, nil
	}
}

// InputSize returns the element size of the primary sequence.
func (d *Decoder) InputSize() int    { return d.Config.InputSize }
func (d *Decoder) OutputSize() int   { return d.First.OutputSize() }
func (d *Decoder) StateSizes() []int { return d.First.StateSizes() }

// SetScorer installs the custom scorer of the attended slot i. Required
// after deserializing a custom-mode decoder.
func (d *Decoder) SetScorer(i int, s attention.Scorer) error {
	if i < 0 || i >= len(d.Config.Contexts) {
		return recurrent.Configf("cond: no context slot %d", i)
	}
	h := d.headOf(i)
	if h == nil {
		return recurrent.Configf("cond: slot %d has no attention head", i)
	}
	h.SetScorer(s)
	return nil
}

// slot is the resolved per-call form of one context slot.
type slot struct {
	head      *attention.Mechanism
	keys      attention.Keys
	queryMask mat.Tensor

	static mat.Tensor
	values []mat.Tensor
	alphas mat.Tensor
}

func (s *slot) at(t int) mat.Tensor {
	if s.values != nil {
		return s.values[t]
	}
	return s.static
}

// record is the extras of one slot at one tick.
type record struct {
	ctx    mat.Tensor
	alphas mat.Tensor
}

// Forward runs the decoder over one sequence.
func (d *Decoder) Forward(in Input) (Output, error) {
	if len(in.Sequence) == 0 {
		return Output{}, recurrent.Configf("cond: empty input sequence")
	}
	slots, err := d.buildSlots(in)
	if err != nil {
		return Output{}, err
	}
	initial, err := d.resolveInitial(in.InitialState)
	if err != nil {
		return Output{}, err
	}

	consFirst := d.First.NewConstants(in.Training)
	var consSecond cell.Constants
	if d.Second != nil {
		consSecond = d.Second.NewConstants(in.Training)
	}
	ctxMasks := d.newCtxMasks(in.Training)
	for i := range slots {
		if slots[i].head != nil {
			slots[i].queryMask = slots[i].head.NewQueryMask(in.Training)
		}
	}

	var extras []Extra
	var prev []record
	if d.Config.ReturnExtras {
		extras = make([]Extra, len(slots))
		prev = make([]record, len(slots))
	}
	ticks := 0

	step := func(x mat.Tensor, states []mat.Tensor) (mat.Tensor, []mat.Tensor) {
		t := ticks
		if d.Config.GoBackwards {
			t = len(in.Sequence) - 1 - ticks
		}
		ticks++

		inner := states
		query := states[0]
		if d.Second != nil {
			_, inner = d.First.Step(x, states, consFirst)
			query = inner[0]
		}

		ctxs := make([]mat.Tensor, len(slots))
		recs := make([]record, len(slots))
		for i := range slots {
			var ctx, alphas mat.Tensor
			if slots[i].head != nil {
				ctx, alphas = slots[i].head.Attend(query, slots[i].keys, slots[i].queryMask)
			} else {
				ctx, alphas = slots[i].at(t), slots[i].alphas
			}
			recs[i] = record{ctx: ctx, alphas: alphas}
			ctxs[i] = applyCtxMask(ctx, ctxMasks, i)
		}

		if extras != nil {
			masked := in.Mask != nil && !in.Mask[t]
			for i, r := range recs {
				if masked {
					if prev[i].ctx == nil {
						r = record{ctx: zeroed(r.ctx), alphas: zeroed(r.alphas)}
					} else {
						r = prev[i]
					}
				}
				prev[i] = r
				extras[i].Ctx = append(extras[i].Ctx, r.ctx)
				extras[i].Alphas = append(extras[i].Alphas, r.alphas)
			}
		}

		if d.Second != nil {
			return d.Second.Step(ag.Concat(ctxs...), inner, consSecond)
		}
		return d.First.Step(ag.Concat(append([]mat.Tensor{x}, ctxs...)...), states, consFirst)
	}

	res, err := scan.Run(step, in.Sequence, initial, scan.Options{
		Mask:        in.Mask,
		GoBackwards: d.Config.GoBackwards,
		Unroll:      d.Config.Unroll,
		InputLength: d.Config.InputLength,
	})
	if err != nil {
		return Output{}, err
	}
	if d.Config.Stateful {
		d.state = res.States
	}
	out := Output{Last: res.LastOutput, Extras: extras}
	if d.Config.ReturnSequences {
		out.Sequence = res.Outputs
	}
	if d.Config.ReturnState {
		out.States = res.States
	}
	return out, nil
}

// buildSlots validates the contexts of one call against the declared
// slots and resolves each into its per-call form. Self-attentive
// decoders fill their single slot from the primary sequence.
func (d *Decoder) buildSlots(in Input) ([]slot, error) {
	contexts := in.Contexts
	if d.Config.SelfAttention {
		if len(contexts) != 0 {
			return nil, recurrent.Configf("cond: self-attentive decoders take no contexts")
		}
		contexts = []Context{{Sequence: in.Sequence, Mask: in.Mask}}
	}
	if len(contexts) != len(d.Config.Contexts) {
		return nil, recurrent.Configf("cond: got %d contexts, decoder declares %d", len(contexts), len(d.Config.Contexts))
	}
	slots := make([]slot, len(contexts))
	for i, ctx := range contexts {
		if head := d.headOf(i); head != nil {
			if len(ctx.Sequence) == 0 {
				return nil, recurrent.Configf("cond: context %d is attended and needs a sequence", i)
			}
			if err := checkSizes(i, ctx.Sequence, d.Config.Contexts[i].Size); err != nil {
				return nil, err
			}
			keys, err := head.BuildKeys(ctx.Sequence, ctx.Mask)
			if err != nil {
				return nil, err
			}
			slots[i] = slot{head: head, keys: keys}
			continue
		}
		s, err := d.passthrough(i, ctx, len(in.Sequence))
		if err != nil {
			return nil, err
		}
		slots[i] = s
	}
	return slots, nil
}

// passthrough resolves the unweighted contribution of slot i: a static
// vector repeated every tick, or a sequence aligned with the primary
// timesteps. The mask, rendered as a tensor, stands in for the weights.
func (d *Decoder) passthrough(i int, ctx Context, steps int) (slot, error) {
	size := d.Config.Contexts[i].Size
	if ctx.Static != nil {
		if got := ctx.Static.Value().Size(); got != size {
			return slot{}, recurrent.Configf("cond: context %d has size %d, want %d", i, got, size)
		}
		n := 1
		if ctx.Mask != nil {
			n = len(ctx.Mask)
		}
		return slot{static: ctx.Static, alphas: d.maskTensor(ctx.Mask, n)}, nil
	}
	if len(ctx.Sequence) != steps {
		return slot{}, recurrent.Configf("cond: context %d passes through %d vectors, sequence has %d timesteps", i, len(ctx.Sequence), steps)
	}
	if ctx.Mask != nil && len(ctx.Mask) != steps {
		return slot{}, recurrent.Configf("cond: context %d mask covers %d positions, want %d", i, len(ctx.Mask), steps)
	}
	if err := checkSizes(i, ctx.Sequence, size); err != nil {
		return slot{}, err
	}
	return slot{values: ctx.Sequence, alphas: d.maskTensor(ctx.Mask, steps)}, nil
}

func checkSizes(i int, seq []mat.Tensor, want int) error {
	for t, v := range seq {
		if got := v.Value().Size(); got != want {
			return recurrent.Configf("cond: context %d element %d has size %d, want %d", i, t, got, want)
		}
	}
	return nil
}

// maskTensor renders a mask as a 0/1 vector of the model's data type;
// nil renders as ones.
func (d *Decoder) maskTensor(mask []bool, n int) mat.Tensor {
	parts := make([]mat.Tensor, n)
	for t := range parts {
		v := 1.0
		if mask != nil && !mask[t] {
			v = 0
		}
		parts[t] = d.ZeroUnit.Value().Apply(func(_, _ int, _ float64) float64 { return v })
	}
	return ag.Concat(parts...)
}

func (d *Decoder) resolveInitial(explicit []mat.Tensor) ([]mat.Tensor, error) {
	if explicit != nil {
		if err := d.checkStates(explicit); err != nil {
			return nil, err
		}
		return explicit, nil
	}
	if d.Config.Stateful && d.state != nil {
		return d.state, nil
	}
	return d.First.ZeroStates(), nil
}

func (d *Decoder) checkStates(states []mat.Tensor) error {
	sizes := d.StateSizes()
	if len(states) != len(sizes) {
		return recurrent.Configf("cond: got %d states, decoder carries %d", len(states), len(sizes))
	}
	for i, s := range states {
		if s.Value().Size() != sizes[i] {
			return recurrent.Configf("cond: state %d has size %d, want %d", i, s.Value().Size(), sizes[i])
		}
	}
	return nil
}

// ResetState zeroes the carried state, or installs the given one.
func (d *Decoder) ResetState(values ...mat.Tensor) error {
	if !d.Config.Stateful {
		return recurrent.Configf("cond: ResetState on a non-stateful decoder")
	}
	if len(values) == 0 {
		d.state = nil
		return nil
	}
	if err := d.checkStates(values); err != nil {
		return err
	}
	d.state = values
	return nil
}

// ApplyConstraints projects the transition weights through the given
// constraints; see cell.ConstraintApplier. Attention weights are left
// alone.
func (d *Decoder) ApplyConstraints(kernel, recurrent, bias initializer.Constraint) {
	for _, c := range []cell.Cell{d.First, d.Second} {
		if a, ok := c.(cell.ConstraintApplier); ok {
			a.ApplyConstraints(kernel, recurrent, bias)
		}
	}
}

// newCtxMasks draws the per-slot conditional-dropout masks of one call.
func (d *Decoder) newCtxMasks(training bool) []mat.Tensor {
	rate := d.Config.ConditionalDropout
	if !training || rate <= 0 {
		return nil
	}
	if d.rnd == nil {
		d.rnd = rand.New(rand.NewSource(d.Config.Seed))
	}
	keep := 1.0 / (1.0 - rate)
	g := d.rnd
	out := make([]mat.Tensor, len(d.ZeroCtx))
	for i, z := range d.ZeroCtx {
		out[i] = z.Value().Apply(func(_, _ int, _ float64) float64 {
			if g.Float64() < rate {
				return 0
			}
			return keep
		})
	}
	return out
}

func applyCtxMask(x mat.Tensor, masks []mat.Tensor, i int) mat.Tensor {
	if masks == nil {
		return x
	}
	return ag.Prod(x, masks[i])
}

func zeroed(x mat.Tensor) mat.Tensor {
	return ag.ProdScalar(x, mat.Scalar(0.0))
}
