// Package stats aggregates process-wide ingress counters.
package stats

import (
	"sync"
	"time"
)

// Snapshot is a consistent copy of the ingress counters
type Snapshot struct {
	TotalRequests         int64     `json:"totalRequests"`
	SuccessfulRequests    int64     `json:"successfulRequests"`
	FailedRequests        int64     `json:"failedRequests"`
	Retries               int64     `json:"retries"`
	AverageResponseTimeMs float64   `json:"averageResponseTimeMs"`
	ConsecutiveFailures   int64     `json:"consecutiveFailures"`
	LastFailureAt         time.Time `json:"lastFailureAt,omitempty"`
	LastFailureMessage    string    `json:"lastFailureMessage,omitempty"`
	StartTime             time.Time `json:"startTime"`
	UptimeSeconds         float64   `json:"uptimeSeconds"`
}

// Aggregator holds rolling ingress counters. All updates happen under one
// mutex so the incremental mean never loses a sample.
type Aggregator struct {
	mu  sync.Mutex
	s   Snapshot
	now func() time.Time
}

// New creates an aggregator whose uptime starts now
func New() *Aggregator {
	a := &Aggregator{now: time.Now}
	a.s.StartTime = a.now()
	return a
}

func (a *Aggregator) observe(latency time.Duration) {
	a.s.TotalRequests++
	ms := float64(latency) / float64(time.Millisecond)
	a.s.AverageResponseTimeMs += (ms - a.s.AverageResponseTimeMs) / float64(a.s.TotalRequests)
}

// RecordSuccess counts an acknowledged request
func (a *Aggregator) RecordSuccess(latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.observe(latency)
	a.s.SuccessfulRequests++
	a.s.ConsecutiveFailures = 0
}

// RecordFailure counts a rejected or failed request
func (a *Aggregator) RecordFailure(latency time.Duration, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.observe(latency)
	a.s.FailedRequests++
	a.s.ConsecutiveFailures++
	a.s.LastFailureAt = a.now()
	a.s.LastFailureMessage = reason
}

// RecordRetry counts one re-dispatch of an update
func (a *Aggregator) RecordRetry() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s.Retries++
}

// Snapshot returns a copy of the counters
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.s
	s.UptimeSeconds = a.now().Sub(s.StartTime).Seconds()
	return s
}
