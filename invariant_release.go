//go:build !streamflow_debug

package streamflow

// invariant is a no-op in release builds. See invariant_debug.go.
func invariant(bool, string) {}
