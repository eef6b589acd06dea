// Package utils holds small test helpers shared across packages.
package utils

import (
	"runtime"
	"testing"
	"time"
)

// GoroutineLeakDetector flags tests that leave goroutines behind. Transports
// and the reconnection manager spawn loops that must stop on Destroy; a test
// that forgets teardown shows up here.
type GoroutineLeakDetector struct {
	t             *testing.T
	baseline      int
	allowedGrowth int
	settleDelay   time.Duration
}

// NewGoroutineLeakDetector creates a detector bound to the test.
func NewGoroutineLeakDetector(t *testing.T) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		t:           t,
		settleDelay: 200 * time.Millisecond,
	}
}

// AllowGrowth permits up to n extra goroutines at check time.
func (d *GoroutineLeakDetector) AllowGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// Start records the baseline goroutine count.
func (d *GoroutineLeakDetector) Start() {
	time.Sleep(d.settleDelay)
	d.baseline = runtime.NumGoroutine()
}

// Check compares the current count against the baseline. It samples a few
// times and keeps the minimum, since goroutines may still be unwinding.
func (d *GoroutineLeakDetector) Check() {
	d.t.Helper()
	time.Sleep(d.settleDelay)

	final := runtime.NumGoroutine()
	for i := 0; i < 2; i++ {
		time.Sleep(100 * time.Millisecond)
		if n := runtime.NumGoroutine(); n < final {
			final = n
		}
	}

	leaked := final - d.baseline
	if leaked > d.allowedGrowth {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		d.t.Errorf("goroutine leak: baseline %d, final %d (leaked %d)\n%s",
			d.baseline, final, leaked, buf[:n])
	}
}
