// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package recurrent

import (
	"errors"
	"fmt"
)

// ConfigError reports an invalid layer, cell or scan configuration.
// It is raised eagerly at construction or call time; the library never
// coerces a malformed configuration into a fallback behavior.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

// Configf returns a ConfigError with fmt-style formatting.
func Configf(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// IsConfig reports whether err is (or wraps) a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
