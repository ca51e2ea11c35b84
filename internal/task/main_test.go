package task_test

import (
	"testing"

	"go.uber.org/goleak"
)

// drains and reapers must be gone once every run completed
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
