package metrics2

import (
	"sync"
	"time"
)

const livenessReportPeriod = 10 * time.Second

// Liveness keeps a time-since-last-successful-update metric.
//
// The unit of the metric is seconds, and what constitutes a "successful
// update" is arbitrary; the caller calls Reset() on every success.
type Liveness struct {
	lastSuccessfulUpdate time.Time
	metric               Int64Metric
	mutex                sync.Mutex
}

// NewLiveness creates a new Liveness metric helper named
// "liveness_<name>_s" and starts its reporting loop.
func NewLiveness(name string, tags ...map[string]string) *Liveness {
	l := &Liveness{
		lastSuccessfulUpdate: time.Now(),
		metric:               GetInt64Metric("liveness_"+name+"_s", tags...),
	}
	go func() {
		for range time.Tick(livenessReportPeriod) {
			l.update()
		}
	}()
	return l
}

func (l *Liveness) update() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.metric.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

// Reset should be called when some work has been successfully completed.
func (l *Liveness) Reset() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.lastSuccessfulUpdate = time.Now()
	l.metric.Update(0)
}

// Get returns the current value, in seconds. Exposed for testing.
func (l *Liveness) Get() int64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.metric.Get()
}
