package audit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	audit "github.com/lexledger/auditchain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stepClock returns a clock advancing one second per call.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func loginEvent(action, ip string) audit.Event {
	return audit.Event{
		EventType:     audit.EventLogin,
		EventCategory: audit.CategoryAuthentication,
		Actor:         &audit.Actor{UserID: "user-1", Username: "alice", UserRole: "partner"},
		Action:        action,
		Network:       audit.NetworkContext{IPAddress: ip},
	}
}

func collect(t *testing.T, v *audit.Verifier, from, to time.Time) []audit.VerifyResult {
	t.Helper()
	var out []audit.VerifyResult
	for res, err := range v.Verify(context.Background(), from, to) {
		if err != nil {
			t.Fatalf("Verify returned error: %v", err)
		}
		out = append(out, res)
	}
	return out
}

func TestWriter_ChainScenario(t *testing.T) {
	ctx := context.Background()
	repo := audit.NewMemoryRepository()
	w := audit.NewWriter(repo, discardLogger(),
		audit.WithClock(stepClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))))

	a, err := w.Record(ctx, loginEvent("login", "10.0.0.1"))
	if err != nil {
		t.Fatalf("record A: %v", err)
	}
	b, err := w.Record(ctx, loginEvent("logout", "10.0.0.1"))
	if err != nil {
		t.Fatalf("record B: %v", err)
	}
	c, err := w.Record(ctx, loginEvent("role-change", "10.0.0.2"))
	if err != nil {
		t.Fatalf("record C: %v", err)
	}

	if a.PreviousChecksum != "" {
		t.Errorf("A.PreviousChecksum = %q, want empty", a.PreviousChecksum)
	}
	if b.PreviousChecksum != a.Checksum {
		t.Errorf("B.PreviousChecksum = %q, want %q", b.PreviousChecksum, a.Checksum)
	}
	if c.PreviousChecksum != b.Checksum {
		t.Errorf("C.PreviousChecksum = %q, want %q", c.PreviousChecksum, b.Checksum)
	}

	results := collect(t, audit.NewVerifier(repo, discardLogger(), nil), a.Timestamp, c.Timestamp)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, res := range results {
		if !res.Valid {
			t.Errorf("result %d invalid: expected %s actual %s", i, res.Expected, res.Actual)
		}
	}
}

func TestWriter_FillsDefaults(t *testing.T) {
	fixed := time.Date(2025, 6, 15, 10, 0, 0, 987654321, time.UTC)
	repo := audit.NewMemoryRepository()
	w := audit.NewWriter(repo, discardLogger(), audit.WithClock(func() time.Time { return fixed }))

	e, err := w.Record(context.Background(), loginEvent("login", "10.0.0.1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if e.ID == "" {
		t.Error("expected log id to be generated")
	}
	if !e.Success {
		t.Error("expected success to default to true")
	}
	if e.Severity != audit.SeverityLow {
		t.Errorf("expected severity Low, got %s", e.Severity)
	}
	if e.Archived {
		t.Error("new entries must not be archived")
	}
	wantTS := fixed.Truncate(time.Microsecond)
	if !e.Timestamp.Equal(wantTS) {
		t.Errorf("timestamp = %v, want %v", e.Timestamp, wantTS)
	}
	wantRetention := wantTS.AddDate(7, 0, 0)
	if !e.RetentionDate.Equal(wantRetention) {
		t.Errorf("retention = %v, want %v", e.RetentionDate, wantRetention)
	}
	if e.Checksum != audit.EntryChecksum(e, "") {
		t.Error("stored checksum does not match recomputation")
	}
}

func TestWriter_RetentionPolicyOption(t *testing.T) {
	fixed := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	w := audit.NewWriter(audit.NewMemoryRepository(), discardLogger(),
		audit.WithClock(func() time.Time { return fixed }),
		audit.WithRetention(audit.DefaultRetentionPolicies(), audit.PolicyExtended),
	)

	e, err := w.Record(context.Background(), loginEvent("login", "10.0.0.1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !e.RetentionDate.Equal(fixed.AddDate(10, 0, 0)) {
		t.Errorf("retention = %v, want ten years", e.RetentionDate)
	}
}

func TestWriter_FailedEventKeepsSuccessFalse(t *testing.T) {
	ev := loginEvent("login", "10.0.0.1")
	ev.EventType = audit.EventLoginFailed
	ev.Success = audit.Bool(false)
	ev.StatusCode = 401
	ev.ErrorMessage = "bad password"
	ev.Severity = audit.SeverityMedium

	e, err := audit.NewWriter(audit.NewMemoryRepository(), discardLogger()).Record(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Success {
		t.Error("expected success=false")
	}
	if e.StatusCode != 401 || e.ErrorMessage != "bad password" {
		t.Errorf("diagnostics not kept: %d %q", e.StatusCode, e.ErrorMessage)
	}
}

func TestWriter_StrictlyIncreasingTimestamps(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := audit.NewMemoryRepository()
	w := audit.NewWriter(repo, discardLogger(), audit.WithClock(func() time.Time { return fixed }))

	var last time.Time
	for i := range 5 {
		e, err := w.Record(context.Background(), loginEvent("login", "10.0.0.1"))
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if i > 0 && !e.Timestamp.After(last) {
			t.Fatalf("timestamp %v not after %v", e.Timestamp, last)
		}
		last = e.Timestamp
	}
}

func TestWriter_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(ev *audit.Event)
	}{
		{"missing ip", func(ev *audit.Event) { ev.Network.IPAddress = "" }},
		{"missing action", func(ev *audit.Event) { ev.Action = "" }},
		{"unknown event type", func(ev *audit.Event) { ev.EventType = "Teleport" }},
		{"unknown category", func(ev *audit.Event) { ev.EventCategory = "Billing" }},
		{"unknown severity", func(ev *audit.Event) { ev.Severity = "Apocalyptic" }},
		{"actor without user id", func(ev *audit.Event) { ev.Actor = &audit.Actor{Username: "bob"} }},
		{"invalid utf-8 action", func(ev *audit.Event) { ev.Action = "a\xffb" }},
		{"invalid utf-8 resource", func(ev *audit.Event) { ev.Resource = "matters/\xfe" }},
		{"invalid utf-8 ip", func(ev *audit.Event) { ev.Network.IPAddress = "10.0.0.\xff" }},
		{"invalid utf-8 user id", func(ev *audit.Event) { ev.Actor.UserID = "u\xff" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := audit.NewMemoryRepository()
			w := audit.NewWriter(repo, discardLogger())

			ev := loginEvent("login", "10.0.0.1")
			tt.mutate(&ev)

			_, err := w.Record(context.Background(), ev)
			if !errors.Is(err, audit.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if repo.Len() != 0 {
				t.Errorf("expected no write, repository has %d entries", repo.Len())
			}
		})
	}
}

func TestWriter_FillsFromContextInfo(t *testing.T) {
	ctx := audit.WithInfo(context.Background(), audit.Info{
		UserID:        "u-9",
		Username:      "carol",
		IP:            "192.168.1.20",
		UserAgent:     "TestAgent/1.0",
		CorrelationID: "corr-1",
		SessionID:     "sess-1",
	})

	ev := audit.Event{
		EventType:     audit.EventDataRead,
		EventCategory: audit.CategoryDataAccess,
		Action:        "viewed matter",
		Resource:      "matters",
	}
	e, err := audit.NewWriter(audit.NewMemoryRepository(), discardLogger()).Record(ctx, ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Network.IPAddress != "192.168.1.20" {
		t.Errorf("ip = %q", e.Network.IPAddress)
	}
	if e.UserID() != "u-9" {
		t.Errorf("user id = %q", e.UserID())
	}
	if e.CorrelationID != "corr-1" || e.SessionID != "sess-1" {
		t.Errorf("correlation not propagated: %q %q", e.CorrelationID, e.SessionID)
	}
}

func TestWriter_ConcurrentRecords(t *testing.T) {
	ctx := context.Background()
	repo := audit.NewMemoryRepository()
	w := audit.NewWriter(repo, discardLogger())

	// Pre-populate so the concurrent writes extend an existing chain.
	first, err := w.Record(ctx, loginEvent("seed", "10.0.0.1"))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	const k = 25
	var wg sync.WaitGroup
	errs := make(chan error, k)
	for i := range k {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := loginEvent("concurrent", "10.0.1.1")
			ev.ResourceID = string(rune('a' + i))
			if _, err := w.Record(ctx, ev); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent record failed: %v", err)
	}

	if repo.Len() != k+1 {
		t.Fatalf("expected %d entries, got %d", k+1, repo.Len())
	}

	latest, err := repo.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}

	seen := map[string]bool{}
	results := collect(t, audit.NewVerifier(repo, discardLogger(), nil), first.Timestamp, latest.Timestamp)
	if len(results) != k+1 {
		t.Fatalf("expected %d results, got %d", k+1, len(results))
	}
	for _, res := range results {
		if !res.Valid {
			t.Errorf("entry %s invalid", res.Entry.ID)
		}
		if seen[res.Entry.PreviousChecksum] {
			t.Errorf("chain fork: previous checksum %q reused", res.Entry.PreviousChecksum)
		}
		seen[res.Entry.PreviousChecksum] = true
	}
}

// racingRepo simulates another process appending between Latest and Append.
type racingRepo struct {
	*audit.MemoryRepository
	intruder *audit.Writer
	races    int
}

func (r *racingRepo) Append(ctx context.Context, e *audit.Entry) (*audit.Entry, error) {
	if r.races > 0 {
		r.races--
		if _, err := r.intruder.Record(ctx, loginEvent("intruder", "10.9.9.9")); err != nil {
			return nil, err
		}
	}
	return r.MemoryRepository.Append(ctx, e)
}

func TestWriter_RetriesOnChainConflict(t *testing.T) {
	ctx := context.Background()
	mem := audit.NewMemoryRepository()
	repo := &racingRepo{
		MemoryRepository: mem,
		intruder:         audit.NewWriter(mem, discardLogger()),
		races:            1,
	}

	m := audit.NewMetrics()
	w := audit.NewWriter(repo, discardLogger(), audit.WithMetrics(m))

	e, err := w.Record(ctx, loginEvent("login", "10.0.0.1"))
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if mem.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", mem.Len())
	}

	intruder, _, err := mem.List(ctx, audit.Filters{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if e.PreviousChecksum != intruder[0].Checksum {
		t.Error("retried entry is not chained to the concurrent append")
	}

	if got := testutil.ToFloat64(m.Collectors()[2]); got != 1 {
		t.Errorf("expected 1 chain conflict, got %v", got)
	}
}

func TestWriter_GivesUpAfterMaxAttempts(t *testing.T) {
	mem := audit.NewMemoryRepository()
	repo := &racingRepo{
		MemoryRepository: mem,
		intruder:         audit.NewWriter(mem, discardLogger()),
		races:            10,
	}
	w := audit.NewWriter(repo, discardLogger(), audit.WithMaxAttempts(2))

	_, err := w.Record(context.Background(), loginEvent("login", "10.0.0.1"))
	if !errors.Is(err, audit.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if !errors.Is(err, audit.ErrChainConflict) {
		t.Fatalf("expected wrapped ErrChainConflict, got %v", err)
	}
}

// failingRepo rejects every append.
type failingRepo struct {
	*audit.MemoryRepository
}

func (failingRepo) Append(context.Context, *audit.Entry) (*audit.Entry, error) {
	return nil, errors.New("disk full")
}

func TestWriter_StorageFailureSurfaces(t *testing.T) {
	w := audit.NewWriter(failingRepo{audit.NewMemoryRepository()}, discardLogger())

	_, err := w.Record(context.Background(), loginEvent("login", "10.0.0.1"))
	if !errors.Is(err, audit.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}

func TestWriter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := audit.NewMetrics()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	w := audit.NewWriter(audit.NewMemoryRepository(), discardLogger(), audit.WithMetrics(m))
	if _, err := w.Record(context.Background(), loginEvent("login", "10.0.0.1")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := w.Record(context.Background(), loginEvent("", "10.0.0.1")); err == nil {
		t.Fatal("expected validation error")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() != audit.MetricRecordsTotal {
			continue
		}
		found = true
		var total float64
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		if total != 2 {
			t.Errorf("expected 2 record attempts, got %v", total)
		}
	}
	if !found {
		t.Errorf("metric %s not gathered", audit.MetricRecordsTotal)
	}

	if err := audit.NewMetrics().Register(reg); err == nil {
		t.Error("duplicate registration should fail")
	}
}
