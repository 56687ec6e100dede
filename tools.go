//go:build tools

// Package tools declares tool dependencies for this module, so that mockgen
// invoked via `go generate` is tracked in go.mod and go.sum.
package tools

import (
	_ "go.uber.org/mock/mockgen"
)
