package credguard_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/credguard/credguard"
	"github.com/credguard/credguard/store/memory"
)

func TestAuditTrailOfLogin(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreateSubject(t, e, "alice", false)

	if _, err := e.Authenticate(ctx, "alice", "Wr0ngPassword!"); !errors.Is(err, credguard.ErrInvalidCredentials) {
		t.Fatalf("got %v", err)
	}
	if _, err := e.Authenticate(ctx, "alice", testPassword); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	entries, err := e.QueryAuditLog(ctx, credguard.AuditQuery{Actor: "alice", ActionContains: "login"})
	if err != nil {
		t.Fatalf("QueryAuditLog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	// Newest first: the success precedes the failure.
	if entries[0].Action != "login_success" {
		t.Fatalf("entries[0].Action = %q", entries[0].Action)
	}
	if entries[0].Success == nil || !*entries[0].Success {
		t.Fatal("success entry must carry success=true")
	}
	if entries[1].Action != "login_failure" {
		t.Fatalf("entries[1].Action = %q", entries[1].Action)
	}
	if entries[1].Success == nil || *entries[1].Success {
		t.Fatal("failure entry must carry success=false")
	}
	if entries[0].ID == "" || entries[0].ID == entries[1].ID {
		t.Fatal("entries must carry distinct ids")
	}
}

func TestQueryAuditLogDefaultLimit(t *testing.T) {
	e, _, _ := newTestEngine(t, func(cfg *credguard.Config) {
		cfg.Audit.QueryLimit = 3
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := e.RecordAuditEvent(ctx, "system", "tick", nil, nil); err != nil {
			t.Fatalf("RecordAuditEvent: %v", err)
		}
	}

	entries, err := e.QueryAuditLog(ctx, credguard.AuditQuery{})
	if err != nil {
		t.Fatalf("QueryAuditLog: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want configured default 3", len(entries))
	}
}

func TestChannelSinkReceivesCopies(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Audit.SinkEnabled = true

	sink := credguard.NewChannelSink(16)
	store := memory.New()
	clock := newFakeClock()
	e, err := credguard.New().
		WithConfig(cfg).
		WithStore(store).
		WithClock(clock.Now).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(e.Close)

	mustCreateSubject(t, e, "alice", false)

	select {
	case entry := <-sink.Entries():
		if entry.Action != "account_creation" {
			t.Fatalf("entry.Action = %q", entry.Action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received the audit entry")
	}
}

// flakyAuditStore fails audit appends on demand while everything else keeps
// working.
type flakyAuditStore struct {
	*memory.Store
	failAppends bool
}

func (s *flakyAuditStore) AppendAudit(ctx context.Context, entry credguard.AuditEntry) error {
	if s.failAppends {
		return errors.New("disk full")
	}
	return s.Store.AppendAudit(ctx, entry)
}

func TestAuditFailureStaysDistinguishable(t *testing.T) {
	store := &flakyAuditStore{Store: memory.New()}
	clock := newFakeClock()
	e, err := credguard.New().
		WithConfig(testEngineConfig()).
		WithStore(store).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(e.Close)

	ctx := context.Background()
	mustCreateSubject(t, e, "alice", false)
	store.failAppends = true

	// Successful login with a dead audit store: the result is valid and the
	// error names the audit failure, nothing else.
	result, err := e.Authenticate(ctx, "alice", testPassword)
	if result == nil {
		t.Fatal("login result lost to an audit failure")
	}
	if !errors.Is(err, credguard.ErrAuditUnavailable) {
		t.Fatalf("got %v, want ErrAuditUnavailable", err)
	}
	if errors.Is(err, credguard.ErrInvalidCredentials) {
		t.Fatal("audit failure must not masquerade as an authentication failure")
	}

	// Failed login with a dead audit store: both conditions are visible,
	// neither swallowed.
	_, err = e.Authenticate(ctx, "alice", "Wr0ngPassword!")
	if !errors.Is(err, credguard.ErrInvalidCredentials) || !errors.Is(err, credguard.ErrAuditUnavailable) {
		t.Fatalf("got %v, want both ErrInvalidCredentials and ErrAuditUnavailable", err)
	}
}

func TestMetricsCounters(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreateSubject(t, e, "alice", false)

	if _, err := e.Authenticate(ctx, "alice", testPassword); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	for i := 0; i < 2; i++ {
		_, _ = e.Authenticate(ctx, "alice", "Wr0ngPassword!")
	}

	snap := e.MetricsSnapshot()
	if snap.Counters[credguard.MetricLoginSuccess] != 1 {
		t.Fatalf("login success = %d, want 1", snap.Counters[credguard.MetricLoginSuccess])
	}
	if snap.Counters[credguard.MetricLoginFailure] != 2 {
		t.Fatalf("login failure = %d, want 2", snap.Counters[credguard.MetricLoginFailure])
	}
}

func TestMetricMFARequiredCounted(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreateSubject(t, e, "alice", false)

	if err := e.SetForceMFA(ctx, "admin", true); err != nil {
		t.Fatalf("SetForceMFA: %v", err)
	}
	result, err := e.Authenticate(ctx, "alice", testPassword)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !result.MFARequired {
		t.Fatal("expected mfa to be required")
	}

	snap := e.MetricsSnapshot()
	if snap.Counters[credguard.MetricMFARequired] != 1 {
		t.Fatalf("mfa required = %d, want 1", snap.Counters[credguard.MetricMFARequired])
	}
}

// stuckSink blocks every Emit until released, forcing the dispatcher buffer
// to fill.
type stuckSink struct {
	release chan struct{}
}

func (s *stuckSink) Emit(ctx context.Context, entry credguard.AuditEntry) {
	<-s.release
}

func TestAuditSinkDropsCounted(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Audit.SinkEnabled = true
	cfg.Audit.SinkBufferSize = 1
	cfg.Audit.DropIfFull = true

	sink := &stuckSink{release: make(chan struct{})}
	store := memory.New()
	clock := newFakeClock()
	e, err := credguard.New().
		WithConfig(cfg).
		WithStore(store).
		WithClock(clock.Now).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(e.Close)
	t.Cleanup(func() { close(sink.release) })

	ctx := context.Background()
	// With a one-entry buffer and a stuck sink, at most two entries can be
	// in flight; the rest must be dropped.
	for i := 0; i < 4; i++ {
		if err := e.RecordAuditEvent(ctx, "system", "tick", nil, nil); err != nil {
			t.Fatalf("RecordAuditEvent: %v", err)
		}
	}

	dropped := e.AuditDropped()
	if dropped == 0 {
		t.Fatal("expected dropped sink copies")
	}
	snap := e.MetricsSnapshot()
	if snap.Counters[credguard.MetricAuditSinkDropped] != dropped {
		t.Fatalf("drop metric = %d, dispatcher counted %d",
			snap.Counters[credguard.MetricAuditSinkDropped], dropped)
	}

	// Drops are telemetry-only: every entry reached the durable log.
	entries, err := e.QueryAuditLog(ctx, credguard.AuditQuery{Actor: "system"})
	if err != nil {
		t.Fatalf("QueryAuditLog: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("durable entries = %d, want 4", len(entries))
	}
}

func TestMetricsDisabled(t *testing.T) {
	e, _, _ := newTestEngine(t, func(cfg *credguard.Config) {
		cfg.Metrics.Enabled = false
	})
	ctx := context.Background()
	mustCreateSubject(t, e, "alice", false)

	if _, err := e.Authenticate(ctx, "alice", testPassword); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	snap := e.MetricsSnapshot()
	if len(snap.Counters) != 0 {
		t.Fatalf("disabled metrics must snapshot empty, got %v", snap.Counters)
	}
}
