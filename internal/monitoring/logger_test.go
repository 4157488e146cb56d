package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLoggerCaptures(t *testing.T) {
	defer SetLogger(nil)

	var got []string
	SetLogger(func(format string, v ...any) {
		got = append(got, fmt.Sprintf(format, v...))
	})

	Logf("trial %d %s", 3, "aborted")

	if len(got) != 1 || got[0] != "trial 3 aborted" {
		t.Fatalf("unexpected captured logs: %v", got)
	}
}

func TestSetLoggerNilIsNoop(t *testing.T) {
	SetLogger(nil)
	// Must not panic.
	Logf("dropped %d frames", 12)
}
