//go:build debug

// Package check holds invariant assertions that only fire in debug builds.
package check

import "fmt"

// Assert panics when cond is false. Only active with -tags debug.
func Assert(cond bool, msg string) {
	if !cond {
		panic("invariant violated: " + msg)
	}
}

// Assertf panics when cond is false. Only active with -tags debug.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("invariant violated: " + fmt.Sprintf(format, args...))
	}
}
