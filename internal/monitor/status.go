package monitor

import (
	"sync"
	"time"
)

// StatusSnapshot is the externally visible state of one account monitor.
type StatusSnapshot struct {
	AccountID      string    `json:"account_id"`
	Running        bool      `json:"running"`
	LastError      string    `json:"last_error,omitempty"`
	LastStartAt    time.Time `json:"last_start_at,omitzero"`
	LastStopAt     time.Time `json:"last_stop_at,omitzero"`
	LastInboundAt  time.Time `json:"last_inbound_at,omitzero"`
	LastOutboundAt time.Time `json:"last_outbound_at,omitzero"`
}

// StatusSink records monitor liveness and traffic timestamps.
type StatusSink struct {
	mu        sync.Mutex
	accountID string
	snapshot  StatusSnapshot
}

// NewStatusSink creates a sink for the given account.
func NewStatusSink(accountID string) *StatusSink {
	return &StatusSink{
		accountID: accountID,
		snapshot:  StatusSnapshot{AccountID: accountID},
	}
}

// MarkStarted flags the monitor as running.
func (s *StatusSink) MarkStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Running = true
	s.snapshot.LastError = ""
	s.snapshot.LastStartAt = time.Now()
}

// MarkStopped flags the monitor as stopped, keeping err when non-nil.
func (s *StatusSink) MarkStopped(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Running = false
	s.snapshot.LastStopAt = time.Now()
	if err != nil {
		s.snapshot.LastError = err.Error()
	}
}

// MarkError records a non-fatal error without changing the running flag.
func (s *StatusSink) MarkError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.LastError = err.Error()
}

// MarkInbound notes inbound traffic.
func (s *StatusSink) MarkInbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.LastInboundAt = time.Now()
}

// MarkOutbound notes outbound traffic.
func (s *StatusSink) MarkOutbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.LastOutboundAt = time.Now()
}

// Snapshot returns a copy of the current state.
func (s *StatusSink) Snapshot() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}
