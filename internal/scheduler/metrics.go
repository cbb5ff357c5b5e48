package scheduler

import "sync/atomic"

// Metrics provides lock-free counters for a Scheduler.
// All fields use atomic operations for thread-safe access.
type Metrics struct {
	TokenAcquisitions int64 // Times the connection token was taken
	TokenReleases     int64 // Times it was handed back
	SessionsClosed    int64
	SessionsFailed    int64

	// Reports dropped from the history because it was full
	ReportsOverwritten int64
}

func (m *Metrics) incrementTokenAcquisitions() {
	atomic.AddInt64(&m.TokenAcquisitions, 1)
}

func (m *Metrics) incrementTokenReleases() {
	atomic.AddInt64(&m.TokenReleases, 1)
}

func (m *Metrics) incrementSessions(ok bool) {
	if ok {
		atomic.AddInt64(&m.SessionsClosed, 1)
	} else {
		atomic.AddInt64(&m.SessionsFailed, 1)
	}
}

func (m *Metrics) incrementReportsOverwritten(count uint32) {
	atomic.AddInt64(&m.ReportsOverwritten, int64(count))
}

// snapshot atomically reads every counter.
func (m *Metrics) snapshot() Metrics {
	return Metrics{
		TokenAcquisitions:  atomic.LoadInt64(&m.TokenAcquisitions),
		TokenReleases:      atomic.LoadInt64(&m.TokenReleases),
		SessionsClosed:     atomic.LoadInt64(&m.SessionsClosed),
		SessionsFailed:     atomic.LoadInt64(&m.SessionsFailed),
		ReportsOverwritten: atomic.LoadInt64(&m.ReportsOverwritten),
	}
}

// TokenBalance is acquisitions minus releases: 1 while a session holds the token, 0 otherwise.
func (m Metrics) TokenBalance() int64 {
	return m.TokenAcquisitions - m.TokenReleases
}
