package track_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after all tests complete. Any
// leaked session, dispatcher or auto-track goroutine causes a test
// failure.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
