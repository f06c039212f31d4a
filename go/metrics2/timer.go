package metrics2

import (
	"time"
)

// Timer records the duration between its creation and the call to Stop()
// into a "duration_<name>_ns" metric.
type Timer struct {
	begin  time.Time
	metric Int64Metric
}

// NewTimer creates and returns a new started Timer.
func NewTimer(name string, tags ...map[string]string) *Timer {
	return &Timer{
		begin:  time.Now(),
		metric: GetInt64Metric("duration_"+name+"_ns", tags...),
	}
}

// Stop stops the timer, reports the elapsed time, and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.begin)
	t.metric.Update(int64(elapsed))
	return elapsed
}
