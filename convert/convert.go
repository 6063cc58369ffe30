// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package convert imports PyTorch recurrent-layer checkpoints into
// native models.
//
// Kernels arrive in torch's per-gate row blocks and are reordered into
// the fused block layout of the cells: torch GRU kernels (reset,
// update, new) map onto (update, reset, candidate), LSTM kernels keep
// their (input, forget, candidate, output) order. Torch's split GRU
// biases land on B and BRec, which is why only reset-after GRUs can be
// imported; the two LSTM and SimpleRNN biases are summed into B.
//
// Recognized parameter names follow torch's module conventions:
// weight_ih_l0/weight_hh_l0 and bias_ih_l0/bias_hh_l0 (the bare cell
// spellings without the _l0 suffix are accepted too) for the layer
// kinds, and wa.weight, ua.weight, va, ba (or ua.bias), ca (or
// va.bias) for attention mechanisms.
package convert

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/nlpodyssey/recurrent"
	"github.com/nlpodyssey/recurrent/attention"
	"github.com/nlpodyssey/recurrent/layer"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPyModelFilename = "pytorch_model.pt"
	DefaultOutputFilename  = "recurrent_model.bin"
	DefaultSpecFilename    = "config.json"
)

// Gate block orders of the torch kernels, expressed as the torch block
// index feeding each native block.
var (
	simplePerm = []int{0}
	gruPerm    = []int{1, 0, 2}
	lstmPerm   = []int{0, 1, 2, 3}
)

// ModelSpec describes the model to build around the imported weights.
// It is the content of the config.json next to the checkpoint.
type ModelSpec struct {
	// Kind is one of simple_rnn, gru, lstm or attention.
	Kind string `json:"kind"`
	// Layer configures the layer kinds.
	Layer layer.Config `json:"layer"`
	// Attention configures the attention kind.
	Attention attention.Config `json:"attention"`
}

// LoadSpec reads a ModelSpec from a JSON file.
func LoadSpec(filename string) (ModelSpec, error) {
	var spec ModelSpec
	data, err := os.ReadFile(filename)
	if err != nil {
		return spec, err
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("failed to parse %q: %w", filename, err)
	}
	return spec, nil
}

type Config struct {
	// The path to the directory where the models will be read from and written to.
	ModelDir string
	// The path to the input model file (default "pytorch_model.pt")
	PyModelFilename string
	// The path to the output model file (default "recurrent_model.bin")
	GoModelFilename string
	// If true, overwrite the model file if it already exists (default "false")
	OverwriteIfExist bool
}

// ConvertPickledModel reads the checkpoint and the ModelSpec from the
// model directory, fills a native model and dumps it next to them.
func ConvertPickledModel[T float.DType](config Config) error {
	if config.PyModelFilename == "" {
		config.PyModelFilename = DefaultPyModelFilename
	}
	if config.GoModelFilename == "" {
		config.GoModelFilename = DefaultOutputFilename
	}

	outputFilename := filepath.Join(config.ModelDir, config.GoModelFilename)

	if !config.OverwriteIfExist && fileExists(outputFilename) {
		log.Debug().Str("model", outputFilename).Msg("model file already exists, skipping conversion")
		return nil
	}

	specFilename := filepath.Join(config.ModelDir, DefaultSpecFilename)
	spec, err := LoadSpec(specFilename)
	if err != nil {
		return fmt.Errorf("failed to load spec file %q: %w", specFilename, err)
	}

	conv := &converter[T]{
		spec:        spec,
		inFilename:  filepath.Join(config.ModelDir, config.PyModelFilename),
		outFilename: outputFilename,
	}
	if err := conv.run(); err != nil {
		return fmt.Errorf("model conversion failed: %w", err)
	}
	return nil
}

func fileExists(name string) bool {
	info, err := os.Stat(name)
	return err == nil && !info.IsDir()
}

type converter[T float.DType] struct {
	spec        ModelSpec
	inFilename  string
	outFilename string
	params      paramsMap
	model       any
}

func (c *converter[T]) run() error {
	funcs := []func() error{
		c.loadTorchModelParams,
		c.buildModel,
		c.dumpModel,
	}
	for _, fn := range funcs {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func (c *converter[T]) loadTorchModelParams() error {
	torchModel, err := pytorch.Load(c.inFilename)
	if err != nil {
		return fmt.Errorf("failed to load torch model %q: %w", c.inFilename, err)
	}
	c.params, err = makeParamsMap(torchModel)
	if err != nil {
		return fmt.Errorf("failed to read model params: %w", err)
	}
	return nil
}

func (c *converter[T]) buildModel() (err error) {
	switch c.spec.Kind {
	case "simple_rnn":
		c.model, err = c.convSimpleRNN()
	case "gru":
		c.model, err = c.convGRU()
	case "lstm":
		c.model, err = c.convLSTM()
	case "attention":
		c.model, err = c.convAttention()
	default:
		err = fmt.Errorf("unknown model kind %q", c.spec.Kind)
	}
	return err
}

func (c *converter[T]) dumpModel() error {
	return recurrent.Dump(c.model, c.outFilename)
}

func (c *converter[T]) convSimpleRNN() (*layer.SimpleRNN, error) {
	m, err := layer.NewSimpleRNN[T](c.spec.Layer)
	if err != nil {
		return nil, err
	}
	cfg := m.Cell.Config
	if err := c.fillKernels(m.Cell.W, m.Cell.WRec, simplePerm, cfg.Units, cfg.InputSize); err != nil {
		return nil, err
	}
	if cfg.UseBias {
		b, err := c.biasSum(simplePerm, cfg.Units)
		if err != nil {
			return nil, err
		}
		m.Cell.B.ReplaceValue(b)
	}
	return m, nil
}

func (c *converter[T]) convGRU() (*layer.GRU, error) {
	m, err := layer.NewGRU[T](c.spec.Layer)
	if err != nil {
		return nil, err
	}
	cfg := m.Cell.Config
	if !cfg.ResetAfter {
		return nil, fmt.Errorf("torch GRU weights use the reset-after layout; set reset_after")
	}
	if err := c.fillKernels(m.Cell.W, m.Cell.WRec, gruPerm, cfg.Units, cfg.InputSize); err != nil {
		return nil, err
	}
	if cfg.UseBias {
		bi, err := c.biasData(gruPerm, cfg.Units, "bias_ih_l0", "bias_ih")
		if err != nil {
			return nil, err
		}
		bh, err := c.biasData(gruPerm, cfg.Units, "bias_hh_l0", "bias_hh")
		if err != nil {
			return nil, err
		}
		m.Cell.B.ReplaceValue(mat.NewVecDense[T](bi))
		m.Cell.BRec.ReplaceValue(mat.NewVecDense[T](bh))
	}
	return m, nil
}

func (c *converter[T]) convLSTM() (*layer.LSTM, error) {
	m, err := layer.NewLSTM[T](c.spec.Layer)
	if err != nil {
		return nil, err
	}
	cfg := m.Cell.Config
	if err := c.fillKernels(m.Cell.W, m.Cell.WRec, lstmPerm, cfg.Units, cfg.InputSize); err != nil {
		return nil, err
	}
	if cfg.UseBias {
		b, err := c.biasSum(lstmPerm, cfg.Units)
		if err != nil {
			return nil, err
		}
		m.Cell.B.ReplaceValue(b)
	}
	return m, nil
}

func (c *converter[T]) convAttention() (*attention.Mechanism, error) {
	m, err := attention.New[T](c.spec.Attention)
	if err != nil {
		return nil, err
	}
	cfg := m.Config

	wa, err := c.matrixData(cfg.AttSize, cfg.QuerySize, "wa.weight", "wa")
	if err != nil {
		return nil, err
	}
	m.Wa.ReplaceValue(mat.NewDense[T](mat.WithShape(cfg.AttSize, cfg.QuerySize), mat.WithBacking(wa)))

	ua, err := c.matrixData(cfg.AttSize, cfg.KeySize, "ua.weight", "ua")
	if err != nil {
		return nil, err
	}
	m.Ua.ReplaceValue(mat.NewDense[T](mat.WithShape(cfg.AttSize, cfg.KeySize), mat.WithBacking(ua)))

	if cfg.Mode == attention.Additive {
		va, err := c.flatData(cfg.AttSize, "va", "va.weight")
		if err != nil {
			return nil, err
		}
		m.Va.ReplaceValue(mat.NewDense[T](mat.WithShape(cfg.AttSize, 1), mat.WithBacking(va)))

		ba, err := c.flatData(cfg.AttSize, "ba", "ua.bias")
		if err != nil {
			return nil, err
		}
		m.Ba.ReplaceValue(mat.NewVecDense[T](ba))

		ca, err := c.flatData(1, "ca", "va.bias")
		if err != nil {
			return nil, err
		}
		m.Ca.ReplaceValue(mat.NewVecDense[T](ca))
	}
	return m, nil
}

// fillKernels replaces the input and recurrent kernels with the torch
// weights, reordering the gate blocks per perm.
func (c *converter[T]) fillKernels(w, wRec *nn.Param, perm []int, units, inputSize int) error {
	wd, err := c.kernelData(perm, units, inputSize, "weight_ih_l0", "weight_ih")
	if err != nil {
		return err
	}
	w.ReplaceValue(mat.NewDense[T](mat.WithShape(len(perm)*units, inputSize), mat.WithBacking(wd)))

	rd, err := c.kernelData(perm, units, units, "weight_hh_l0", "weight_hh")
	if err != nil {
		return err
	}
	wRec.ReplaceValue(mat.NewDense[T](mat.WithShape(len(perm)*units, units), mat.WithBacking(rd)))
	return nil
}

func (c *converter[T]) kernelData(perm []int, units, cols int, names ...string) ([]T, error) {
	data, err := c.matrixData(len(perm)*units, cols, names...)
	if err != nil {
		return nil, err
	}
	return permuteBlocks(data, perm, units*cols), nil
}

func (c *converter[T]) biasData(perm []int, units int, names ...string) ([]T, error) {
	data, err := c.flatData(len(perm)*units, names...)
	if err != nil {
		return nil, err
	}
	return permuteBlocks(data, perm, units), nil
}

// biasSum merges torch's two bias vectors into one, for the cells that
// carry a single bias.
func (c *converter[T]) biasSum(perm []int, units int) (mat.Matrix, error) {
	bi, err := c.biasData(perm, units, "bias_ih_l0", "bias_ih")
	if err != nil {
		return nil, err
	}
	bh, err := c.biasData(perm, units, "bias_hh_l0", "bias_hh")
	if err != nil {
		return nil, err
	}
	for i := range bi {
		bi[i] += bh[i]
	}
	return mat.NewVecDense[T](bi), nil
}

func (c *converter[T]) matrixData(rows, cols int, names ...string) ([]T, error) {
	t, err := c.params.fetchAny(names...)
	if err != nil {
		return nil, err
	}
	if len(t.Size) != 2 || t.Size[0] != rows || t.Size[1] != cols {
		return nil, fmt.Errorf("parameter %q: expected size %dx%d, actual %v", names[0], rows, cols, t.Size)
	}
	return tensorData[T](t)
}

// flatData fetches a parameter by its element count alone, so vectors
// stored as rank-1 or single-row/column tensors are all accepted.
func (c *converter[T]) flatData(size int, names ...string) ([]T, error) {
	t, err := c.params.fetchAny(names...)
	if err != nil {
		return nil, err
	}
	if tensorDataSize(t) != size {
		return nil, fmt.Errorf("parameter %q: expected %d elements, actual %v", names[0], size, t.Size)
	}
	return tensorData[T](t)
}

// permuteBlocks reorders contiguous blocks of the given length: block i
// of the result is source block perm[i].
func permuteBlocks[T float.DType](data []T, perm []int, block int) []T {
	out := make([]T, 0, len(data))
	for _, b := range perm {
		out = append(out, data[b*block:(b+1)*block]...)
	}
	return out
}

func tensorData[T float.DType](t *pytorch.Tensor) ([]T, error) {
	size := tensorDataSize(t)
	switch st := t.Source.(type) {
	case *pytorch.FloatStorage:
		return float.SliceValueOf[T](float.SliceInterface(st.Data[t.StorageOffset : t.StorageOffset+size])), nil
	case *pytorch.DoubleStorage:
		return float.SliceValueOf[T](float.SliceInterface(st.Data[t.StorageOffset : t.StorageOffset+size])), nil
	case *pytorch.BFloat16Storage:
		return float.SliceValueOf[T](float.SliceInterface(st.Data[t.StorageOffset : t.StorageOffset+size])), nil
	default:
		return nil, fmt.Errorf("unsupported tensor storage %T", t.Source)
	}
}

func tensorDataSize(t *pytorch.Tensor) int {
	size := t.Size[0]
	for _, v := range t.Size[1:] {
		size *= v
	}
	return size
}

func cast[T any](v any) (t T, _ error) {
	t, ok := v.(T)
	if !ok {
		return t, fmt.Errorf("type assertion failed: expected %T, actual %T", t, v)
	}
	return
}

type paramsMap map[string]*pytorch.Tensor

func makeParamsMap(torchModel any) (paramsMap, error) {
	od, err := cast[*types.OrderedDict](torchModel)
	if err != nil {
		return nil, err
	}

	params := make(paramsMap, od.Len())

	for k, item := range od.Map {
		name, err := cast[string](k)
		if err != nil {
			return nil, fmt.Errorf("wrong param name type: %w", err)
		}
		tensor, err := cast[*pytorch.Tensor](item.Value)
		if err != nil {
			return nil, fmt.Errorf("wrong value type for param %q: %w", name, err)
		}
		params[name] = tensor
	}

	return params, nil
}

// fetchAny gets a value from params by the first of the names present,
// removing the entry from the map.
func (p paramsMap) fetchAny(names ...string) (*pytorch.Tensor, error) {
	for _, n := range names {
		if t, ok := p[n]; ok {
			delete(p, n)
			return t, nil
		}
	}
	return nil, fmt.Errorf("parameter %q not found", names[0])
}
