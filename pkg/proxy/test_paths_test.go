package proxy

import "testing"

// isolateDefaultDataPaths points the default data directories (all derived
// from the user home dir) at a throwaway location.
func isolateDefaultDataPaths(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
}
