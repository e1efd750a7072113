// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package fixture

import (
	"fmt"
	"os"
	"path/filepath"
)

// Bundle locates a station's resources (flasher agents, firmware
// images) across one or more root directories, first match winning.
// Later roots act as fallbacks, so a station can overlay its own
// resources over a shared set.
type Bundle struct {
	roots []string
}

// NewBundle returns a bundle searching roots in order.
func NewBundle(roots ...string) *Bundle {
	return &Bundle{roots: roots}
}

// PathForResource returns the path of the first root holding resource
// as a regular file.
func (b *Bundle) PathForResource(resource string) (string, error) {
	for _, root := range b.roots {
		path := filepath.Join(root, resource)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", fmt.Errorf("fixture: resource not found: %s", resource)
}
