//go:build streamflow_debug

package streamflow

// invariant panics in debug builds when an internal invariant is violated.
// Built with -tags streamflow_debug; compiled out otherwise.
func invariant(cond bool, msg string) {
	if !cond {
		panic("streamflow: invariant violated: " + msg)
	}
}
