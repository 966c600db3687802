package eventbus

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// Every test must leave no dispatcher or queue goroutine behind.
	goleak.VerifyTestMain(m)
}
