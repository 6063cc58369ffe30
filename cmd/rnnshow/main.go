// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// rnnshow builds recurrent decoders from a YAML spec and inspects
// them: describe prints the parameter inventory, trace runs a decoder
// over a random sequence and logs the attention weights, and convert
// imports a PyTorch checkpoint.
package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/nlpodyssey/recurrent/attention"
	"github.com/nlpodyssey/recurrent/cell"
	"github.com/nlpodyssey/recurrent/cond"
	"github.com/nlpodyssey/recurrent/convert"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	app := &cli.App{
		Name:  "rnnshow",
		Usage: "Build, inspect and exercise recurrent decoders",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "set log level (trace, debug, info, warn, error, fatal, panic)",
				Action: func(c *cli.Context, s string) error {
					return setDebugLevel(s)
				},
				Value:   "info",
				EnvVars: []string{"RNNSHOW_LOGLEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "describe",
				Usage: "Print the parameter inventory of a decoder built from a YAML spec",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Usage:    "the path to the YAML decoder spec",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					spec, err := specFromFile(c.String("config"))
					if err != nil {
						return err
					}
					return describe(spec)
				},
			},
			{
				Name:  "trace",
				Usage: "Run a decoder over a random sequence and log the attention weights",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Usage:    "the path to the YAML decoder spec",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					spec, err := specFromFile(c.String("config"))
					if err != nil {
						return err
					}
					return trace(spec)
				},
			},
			{
				Name:  "convert",
				Usage: "Convert a PyTorch checkpoint in directory",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "model-dir",
						Usage:    "directory of the model to operate on",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "overwrite",
						Usage: "overwrite the converted model if it already exists",
					},
				},
				Action: func(c *cli.Context) error {
					log.Debug().Msgf("Converting model in dir: %s", c.String("model-dir"))
					err := convert.ConvertPickledModel[float32](convert.Config{
						ModelDir:         c.String("model-dir"),
						OverwriteIfExist: c.Bool("overwrite"),
					})
					if err != nil {
						log.Fatal().Err(err).Send()
					}
					log.Debug().Msg("Done.")
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func setDebugLevel(debugLevel string) error {
	level, err := zerolog.ParseLevel(debugLevel)
	if err != nil {
		return err
	}
	log.Logger = log.Level(level)
	return nil
}

// demoSpec is the YAML description of the decoder the demo builds: a
// primary input and one attended context slot. Keys are the lowercased
// field names.
type demoSpec struct {
	Family      string // gru, lstm or simple_rnn
	Units       int
	InputSize   int
	ContextSize int
	ContextLen  int // timesteps of the random context sequence
	Steps       int // timesteps of the random primary sequence
	Conditional bool
	Mode        string // attention mode; empty means additive
	Dropout     float64
	Seed        int64
}

func specFromFile(filename string) (demoSpec, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return demoSpec{}, fmt.Errorf("error reading configuration file: %w", err)
	}
	spec := demoSpec{Family: "gru", Steps: 5, ContextLen: 6}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return demoSpec{}, fmt.Errorf("error unmarshaling configuration file: %w", err)
	}
	return spec, nil
}

func buildDecoder(spec demoSpec) (*cond.Decoder, error) {
	cc := cell.DefaultConfig(spec.Units, spec.InputSize)
	cc.Dropout = spec.Dropout
	cc.Seed = spec.Seed
	cfg := cond.Config{
		Config:          cc,
		Family:          cond.Family(spec.Family),
		Contexts:        []cond.ContextSpec{{Size: spec.ContextSize, Attended: true}},
		Attention:       attention.Config{Mode: attention.Mode(spec.Mode)},
		Conditional:     spec.Conditional,
		ReturnSequences: true,
		ReturnState:     true,
		ReturnExtras:    true,
	}
	return cond.New[float64](cfg)
}

func describe(spec demoSpec) error {
	d, err := buildDecoder(spec)
	if err != nil {
		return err
	}
	fmt.Printf("family: %s  conditional: %v\n", d.Config.Family, d.Config.Conditional)
	fmt.Printf("input size: %d  output size: %d  state sizes: %v\n",
		d.InputSize(), d.OutputSize(), d.StateSizes())
	for i, s := range d.Config.Contexts {
		fmt.Printf("context %d: size %d  attended %v\n", i, s.Size, s.Attended)
	}
	total := 0
	for _, p := range inventory(d) {
		fmt.Printf("%-16s %8d\n", p.name, p.size)
		total += p.size
	}
	fmt.Printf("%-16s %8d\n", "total", total)
	return nil
}

func trace(spec demoSpec) error {
	d, err := buildDecoder(spec)
	if err != nil {
		return err
	}
	rnd := rand.New(rand.NewSource(spec.Seed))
	in := cond.Input{
		Sequence: randSequence(rnd, spec.Steps, spec.InputSize),
		Contexts: []cond.Context{
			{Sequence: randSequence(rnd, spec.ContextLen, spec.ContextSize)},
		},
	}
	out, err := d.Forward(in)
	if err != nil {
		return err
	}
	for t := range out.Sequence {
		log.Info().
			Int("step", t).
			Floats64("alphas", out.Extras[0].Alphas[t].Value().Data().F64()).
			Msg("attention")
		log.Trace().
			Int("step", t).
			Floats64("output", out.Sequence[t].Value().Data().F64()).
			Msg("output")
	}
	return nil
}

type paramEntry struct {
	name string
	size int
}

func inventory(d *cond.Decoder) []paramEntry {
	out := cellParams("first", d.First)
	if d.Second != nil {
		out = append(out, cellParams("second", d.Second)...)
	}
	for i, h := range d.Heads {
		prefix := fmt.Sprintf("head[%d]", i)
		out = appendParam(out, prefix+".Wa", h.Wa)
		out = appendParam(out, prefix+".Ua", h.Ua)
		out = appendParam(out, prefix+".Va", h.Va)
		out = appendParam(out, prefix+".Ba", h.Ba)
		out = appendParam(out, prefix+".Ca", h.Ca)
	}
	return out
}

func cellParams(prefix string, c cell.Cell) []paramEntry {
	var out []paramEntry
	switch m := c.(type) {
	case *cell.SimpleRNN:
		out = appendParam(out, prefix+".W", m.W)
		out = appendParam(out, prefix+".WRec", m.WRec)
		out = appendParam(out, prefix+".B", m.B)
	case *cell.GRU:
		out = appendParam(out, prefix+".W", m.W)
		out = appendParam(out, prefix+".WRec", m.WRec)
		out = appendParam(out, prefix+".B", m.B)
		out = appendParam(out, prefix+".BRec", m.BRec)
	case *cell.LSTM:
		out = appendParam(out, prefix+".W", m.W)
		out = appendParam(out, prefix+".WRec", m.WRec)
		out = appendParam(out, prefix+".B", m.B)
	}
	return out
}

func appendParam(out []paramEntry, name string, p *nn.Param) []paramEntry {
	if p == nil {
		return out
	}
	return append(out, paramEntry{name: name, size: p.Value().Size()})
}

func randSequence(rnd *rand.Rand, steps, size int) []mat.Tensor {
	seq := make([]mat.Tensor, steps)
	for t := range seq {
		data := make([]float64, size)
		for i := range data {
			data[i] = rnd.NormFloat64()
		}
		seq[t] = mat.NewVecDense[float64](data)
	}
	return seq
}

func init() {
	ag.SetForceSyncExecution(false)
}
