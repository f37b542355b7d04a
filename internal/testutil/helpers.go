// Package testutil holds helpers shared by tests.
package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test unless APWATCH_VM_TEST is set.
// Tests that touch real kernel state (nftables, capture interfaces)
// only run inside a disposable VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("APWATCH_VM_TEST") == "" {
		t.Skip("Skipping test: requires APWATCH_VM_TEST environment")
	}
}

// RequireRoot skips the test unless running as root inside the test VM.
func RequireRoot(t *testing.T) {
	t.Helper()
	RequireVM(t)
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
