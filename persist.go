// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package recurrent

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
)

// Dump saves a model to a file using gob encoding.
// Layer and cell types register themselves with gob at package
// initialization, so any model built from this module round-trips.
func Dump(obj any, filename string) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to open model dump file %q for writing: %w", filename, err)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = fmt.Errorf("failed to close model dump file %q: %w", filename, e)
		}
	}()
	if err = Encode(obj, f); err != nil {
		return fmt.Errorf("failed to encode model dump: %w", err)
	}
	return nil
}

// Encode gob-encodes a model to a writer.
func Encode(obj any, w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := gob.NewEncoder(bw).Encode(obj); err != nil {
		return err
	}
	return bw.Flush()
}

// Load reads a model of type M from a file previously written by Dump.
func Load[M any](filename string) (obj M, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return obj, err
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return Decode[M](f)
}

// Decode gob-decodes a model of type M from a reader.
func Decode[M any](r io.Reader) (obj M, err error) {
	if err = gob.NewDecoder(bufio.NewReader(r)).Decode(&obj); err != nil {
		return obj, err
	}
	return obj, nil
}
