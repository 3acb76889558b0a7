package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/capture"
)

// testLogger returns a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestStore opens a store backed by a file in a temp directory.
func newTestStore(t *testing.T) *FlowStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "flows.db")
	store, err := NewFlowStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewFlowStore() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// makeFlow creates a test Flow with the given start time and ID.
func makeFlow(started time.Time, id string) capture.Flow {
	return capture.Flow{
		ID:             id,
		SessionID:      "sess-1",
		SessionNumber:  1,
		ClientAddr:     "192.0.2.10:40312",
		StartedAt:      started,
		DurationMicros: 1500,
		Method:         "GET",
		URL:            "http://example.test/",
		Host:           "example.test",
		Scheme:         "http",
		HTTPVersion:    "HTTP/1.1",
		Status:         200,
		Outcome:        capture.OutcomeForwarded,
	}
}

func TestNewFlowStore_CreatesDatabaseFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flows.db")
	store, err := NewFlowStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewFlowStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	// Force the lazily-opened connection so the file exists
	if _, err := store.Stats(context.Background()); err != nil {
		t.Fatalf("Stats() error: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("Database file not created: %v", err)
	}
}

func TestFlowStore_AppendAndGet(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 8, 25, 12, 30, 45, 123456000, time.UTC)
	flow := makeFlow(started, "flow-full")
	flow.Method = "POST"
	flow.URL = "https://api.example.test/v1/users?page=2"
	flow.Host = "api.example.test"
	flow.Scheme = "https"
	flow.RequestHeaders = map[string]string{
		"content-type":  "application/json",
		"authorization": "***REDACTED***",
	}
	flow.RequestBytes = 42
	flow.RequestDigest = "xxh64:00000000deadbeef"
	flow.Status = 201
	flow.ResponseHeaders = map[string]string{"server": "unit-test"}
	flow.ResponseBytes = 128
	flow.ResponseDigest = "xxh64:00000000cafebabe"
	flow.ContentType = "application/json"
	flow.Tags = []string{"marked:api", "redirected:legacy"}
	flow.Error = ""

	if err := store.Append(ctx, flow); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	got, err := store.Get(ctx, "flow-full")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	if got.ID != flow.ID {
		t.Errorf("ID = %q, want %q", got.ID, flow.ID)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.DurationMicros != 1500 {
		t.Errorf("DurationMicros = %d, want 1500", got.DurationMicros)
	}
	if got.Method != "POST" {
		t.Errorf("Method = %q, want POST", got.Method)
	}
	if got.URL != flow.URL {
		t.Errorf("URL = %q, want %q", got.URL, flow.URL)
	}
	if got.RequestHeaders["authorization"] != "***REDACTED***" {
		t.Errorf("RequestHeaders[authorization] = %q, want redacted", got.RequestHeaders["authorization"])
	}
	if got.RequestDigest != flow.RequestDigest {
		t.Errorf("RequestDigest = %q, want %q", got.RequestDigest, flow.RequestDigest)
	}
	if got.Status != 201 {
		t.Errorf("Status = %d, want 201", got.Status)
	}
	if got.ResponseHeaders["server"] != "unit-test" {
		t.Errorf("ResponseHeaders[server] = %q, want unit-test", got.ResponseHeaders["server"])
	}
	if got.ContentType != "application/json" {
		t.Errorf("ContentType = %q, want application/json", got.ContentType)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "marked:api" || got.Tags[1] != "redirected:legacy" {
		t.Errorf("Tags = %v, want [marked:api redirected:legacy]", got.Tags)
	}
	if got.Outcome != capture.OutcomeForwarded {
		t.Errorf("Outcome = %q, want %q", got.Outcome, capture.OutcomeForwarded)
	}
}

func TestFlowStore_GetNotFound(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	if _, err := store.Get(context.Background(), "no-such-flow"); !errors.Is(err, capture.ErrFlowNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrFlowNotFound", err)
	}
}

func TestFlowStore_EmptyHeadersAndTagsRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	flow := makeFlow(time.Now().UTC(), "flow-bare")
	if err := store.Append(ctx, flow); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	got, err := store.Get(ctx, "flow-bare")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.RequestHeaders != nil {
		t.Errorf("RequestHeaders = %v, want nil", got.RequestHeaders)
	}
	if got.Tags != nil {
		t.Errorf("Tags = %v, want nil", got.Tags)
	}
}

func TestFlowStore_RecentNewestFirst(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		flow := makeFlow(base.Add(time.Duration(i)*time.Second), fmt.Sprintf("flow-%d", i))
		if err := store.Append(ctx, flow); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	recent, err := store.Recent(ctx, capture.FlowFilter{Limit: 5})
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(recent) != 5 {
		t.Fatalf("Recent() returned %d flows, want 5", len(recent))
	}

	for i, f := range recent {
		expectedID := fmt.Sprintf("flow-%d", 9-i)
		if f.ID != expectedID {
			t.Errorf("Recent[%d].ID = %q, want %q", i, f.ID, expectedID)
		}
	}
}

func TestFlowStore_RecentSubsecondOrdering(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	// 500µs apart; ordering must hold below one second
	first := makeFlow(base, "flow-early")
	second := makeFlow(base.Add(500*time.Microsecond), "flow-late")

	if err := store.Append(ctx, first, second); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	recent, err := store.Recent(ctx, capture.FlowFilter{})
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent() returned %d flows, want 2", len(recent))
	}
	if recent[0].ID != "flow-late" || recent[1].ID != "flow-early" {
		t.Errorf("Recent order = [%s %s], want [flow-late flow-early]", recent[0].ID, recent[1].ID)
	}
}

func TestFlowStore_RecentFilters(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	apiGet := makeFlow(base, "flow-api-get")
	apiGet.Host = "api.example.test"

	apiPost := makeFlow(base.Add(time.Second), "flow-api-post")
	apiPost.Host = "api.example.test"
	apiPost.Method = "POST"
	apiPost.Status = 201

	blocked := makeFlow(base.Add(2*time.Second), "flow-blocked")
	blocked.Host = "ads.example.test"
	blocked.Status = 403
	blocked.Outcome = capture.OutcomeShortCircuited
	blocked.Tags = []string{"blocked:ad-hosts"}

	if err := store.Append(ctx, apiGet, apiPost, blocked); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	tests := []struct {
		name    string
		filter  capture.FlowFilter
		wantIDs []string
	}{
		{"no filter", capture.FlowFilter{}, []string{"flow-blocked", "flow-api-post", "flow-api-get"}},
		{"host", capture.FlowFilter{Host: "api.example.test"}, []string{"flow-api-post", "flow-api-get"}},
		{"method", capture.FlowFilter{Method: "POST"}, []string{"flow-api-post"}},
		{"status", capture.FlowFilter{Status: 403}, []string{"flow-blocked"}},
		{"outcome", capture.FlowFilter{Outcome: capture.OutcomeShortCircuited}, []string{"flow-blocked"}},
		{"tag", capture.FlowFilter{Tag: "blocked:ad-hosts"}, []string{"flow-blocked"}},
		{"since", capture.FlowFilter{Since: base.Add(time.Second)}, []string{"flow-blocked", "flow-api-post"}},
		{"combined", capture.FlowFilter{Host: "api.example.test", Method: "GET"}, []string{"flow-api-get"}},
		{"limit", capture.FlowFilter{Limit: 1}, []string{"flow-blocked"}},
		{"no match", capture.FlowFilter{Host: "nowhere.test"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Recent(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Recent() error: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("Recent() returned %d flows, want %d", len(got), len(tt.wantIDs))
			}
			for i, want := range tt.wantIDs {
				if got[i].ID != want {
					t.Errorf("Recent[%d].ID = %q, want %q", i, got[i].ID, want)
				}
			}
		})
	}
}

func TestFlowStore_Stats(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	ok := makeFlow(base, "flow-ok")
	ok.Host = "api.example.test"

	denied := makeFlow(base.Add(time.Second), "flow-denied")
	denied.Host = "ads.example.test"
	denied.Status = 403
	denied.Outcome = capture.OutcomeShortCircuited

	failed := makeFlow(base.Add(2*time.Second), "flow-failed")
	failed.Host = "api.example.test"
	failed.Status = 0
	failed.Outcome = capture.OutcomeFailed
	failed.Error = "dial tcp: connection refused"

	if err := store.Append(ctx, ok, denied, failed); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}

	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.ByOutcome[capture.OutcomeForwarded] != 1 {
		t.Errorf("ByOutcome[forwarded] = %d, want 1", stats.ByOutcome[capture.OutcomeForwarded])
	}
	if stats.ByOutcome[capture.OutcomeFailed] != 1 {
		t.Errorf("ByOutcome[failed] = %d, want 1", stats.ByOutcome[capture.OutcomeFailed])
	}
	if stats.ByStatusClass["2xx"] != 1 {
		t.Errorf("ByStatusClass[2xx] = %d, want 1", stats.ByStatusClass["2xx"])
	}
	if stats.ByStatusClass["4xx"] != 1 {
		t.Errorf("ByStatusClass[4xx] = %d, want 1", stats.ByStatusClass["4xx"])
	}
	if stats.ByStatusClass["none"] != 1 {
		t.Errorf("ByStatusClass[none] = %d, want 1", stats.ByStatusClass["none"])
	}
	if stats.ByHost["api.example.test"] != 2 {
		t.Errorf("ByHost[api.example.test] = %d, want 2", stats.ByHost["api.example.test"])
	}
	if stats.ByHost["ads.example.test"] != 1 {
		t.Errorf("ByHost[ads.example.test] = %d, want 1", stats.ByHost["ads.example.test"])
	}
}

func TestFlowStore_AppendEmpty(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	if err := store.Append(context.Background()); err != nil {
		t.Errorf("Append() with no flows error: %v", err)
	}
}

func TestFlowStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flows.db")
	ctx := context.Background()

	store, err := NewFlowStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewFlowStore() error: %v", err)
	}

	if err := store.Append(ctx, makeFlow(time.Now().UTC(), "flow-persist")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := NewFlowStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewFlowStore() reopen error: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Get(ctx, "flow-persist")
	if err != nil {
		t.Fatalf("Get() after reopen error: %v", err)
	}
	if got.ID != "flow-persist" {
		t.Errorf("Get().ID = %q, want flow-persist", got.ID)
	}
}

func TestFlowStore_BatchAppendIsAtomic(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Duplicate primary key in the batch; nothing should be committed
	flows := []capture.Flow{
		makeFlow(now, "flow-dup"),
		makeFlow(now.Add(time.Second), "flow-dup"),
	}

	if err := store.Append(ctx, flows...); err == nil {
		t.Fatal("Append() with duplicate IDs should error")
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total after failed batch = %d, want 0", stats.Total)
	}
}
