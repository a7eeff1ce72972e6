// Package delivery owns the webhook-vs-polling channel state machine, the
// polling worker, and the health watchdog that audits and repairs both.
package delivery

import (
	"sync/atomic"
	"time"
)

// Mode is the active ingestion channel. Exactly one mode is authoritative at
// any instant; the transition path both unregisters the old channel and
// starts/stops the polling worker.
type Mode int32

const (
	ModeWebhook Mode = iota
	ModePolling
)

func (m Mode) String() string {
	if m == ModePolling {
		return "polling"
	}
	return "webhook"
}

// State is the process-lifetime delivery diagnostics block. Each field has a
// single logical writer (the manager owns mode/registration/contact, the
// watchdog owns heartbeat/restart bookkeeping); readers such as the health
// endpoint tolerate a torn-but-coherent view, so plain atomics suffice and no
// field requires a lock.
type State struct {
	mode          atomic.Int32
	registeredURL atomic.Value // string

	lastContact   atomic.Int64 // unix nano; 0 = never
	issueSince    atomic.Int64 // unix nano; 0 = no open issue window
	lastHeartbeat atomic.Int64 // unix nano; polling worker liveness

	autoRepairs atomic.Uint64
	restarts    atomic.Uint64
	received    atomic.Uint64
}

func NewState() *State {
	s := &State{}
	s.registeredURL.Store("")
	return s
}

func (s *State) Mode() Mode        { return Mode(s.mode.Load()) }
func (s *State) setMode(m Mode)    { s.mode.Store(int32(m)) }
func (s *State) RegisteredURL() string {
	v, _ := s.registeredURL.Load().(string)
	return v
}
func (s *State) setRegisteredURL(u string) { s.registeredURL.Store(u) }

func (s *State) LastContact() time.Time   { return fromNano(s.lastContact.Load()) }
func (s *State) markContact(t time.Time)  { s.lastContact.Store(t.UnixNano()) }
func (s *State) IssueSince() time.Time    { return fromNano(s.issueSince.Load()) }
func (s *State) openIssueWindow(t time.Time) {
	s.issueSince.CompareAndSwap(0, t.UnixNano())
}
func (s *State) closeIssueWindow() { s.issueSince.Store(0) }

func (s *State) LastHeartbeat() time.Time  { return fromNano(s.lastHeartbeat.Load()) }
func (s *State) Heartbeat(t time.Time)     { s.lastHeartbeat.Store(t.UnixNano()) }

func (s *State) AutoRepairs() uint64 { return s.autoRepairs.Load() }
func (s *State) noteRepair()         { s.autoRepairs.Add(1) }
func (s *State) Restarts() uint64    { return s.restarts.Load() }
func (s *State) noteRestart()        { s.restarts.Add(1) }
func (s *State) Received() uint64    { return s.received.Load() }
func (s *State) noteReceived()       { s.received.Add(1) }

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
