package preset_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after all tests complete. A
// watcher goroutine surviving its context causes a test failure.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
