// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

package ptysession

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/nova-run/nova/internal/model"
)

// ResolveBinary locates the wrapped CLI's executable: it tries each
// candidate absolute path in order, then falls back to a PATH lookup
// of name. Absence of any candidate is a startable-time error
// (model.ErrBinaryNotFound) raised before any subprocess exists and
// before any event stream is opened.
func ResolveBinary(candidates []string, name string) (string, error) {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	resolved, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", model.ErrBinaryNotFound, name)
	}
	return resolved, nil
}
