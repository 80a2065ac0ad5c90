// shm/shm_other.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

//go:build !unix

package shm

import "fmt"

func Open(path string, size int) (*Region, error) {
	return nil, fmt.Errorf("%s: %w", path, ErrUnsupported)
}
