package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopworks/readsync/internal/dlq"
	"github.com/shopworks/readsync/internal/event"
	"github.com/shopworks/readsync/internal/outbox"
	"github.com/shopworks/readsync/internal/projection"
	"github.com/shopworks/readsync/internal/readstore"
	"github.com/shopworks/readsync/internal/retry"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type memDeadLetters struct {
	mu      sync.Mutex
	entries map[int64]dlq.Entry
	nextID  int64
}

func newMemDeadLetters() *memDeadLetters {
	return &memDeadLetters{entries: make(map[int64]dlq.Entry), nextID: 1}
}

func (m *memDeadLetters) Quarantine(_ context.Context, e dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.nextID
	m.nextID++
	m.entries[e.ID] = e
	return nil
}

func (m *memDeadLetters) Get(_ context.Context, id int64) (dlq.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return dlq.Entry{}, dlq.ErrNotFound
	}
	return e, nil
}

func (m *memDeadLetters) List(_ context.Context, limit int) ([]dlq.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []dlq.Entry
	for id := int64(1); id < m.nextID && len(out) < limit; id++ {
		if e, ok := m.entries[id]; ok && e.ReplayedAt == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memDeadLetters) MarkReplayed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.ReplayedAt != nil {
		return dlq.ErrNotFound
	}
	now := time.Now()
	e.ReplayedAt = &now
	m.entries[id] = e
	return nil
}

type memHistory struct {
	records []outbox.Record
}

func (m *memHistory) ListFromVersion(_ context.Context, aggregateID string, from uint64) ([]outbox.Record, error) {
	var out []outbox.Record
	for _, r := range m.records {
		if r.AggregateID == aggregateID && r.Version >= from {
			out = append(out, r)
		}
	}
	return out, nil
}

type fixture struct {
	svc     *Service
	store   *readstore.Memory
	letters *memDeadLetters
	history *memHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := readstore.NewMemory()
	letters := newMemDeadLetters()
	history := &memHistory{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := retry.NewCoordinator(3, retry.Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond}, letters, logger)

	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())).Meter("test")
	metrics, err := projection.NewMetrics(meter)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	eng := projection.New(store, coord, metrics, logger, projection.Config{Workers: 2, ReorderWindow: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		cancel()
		eng.Wait()
	})

	svc := New(eng, letters, history, logger, Config{SettleWait: 5 * time.Second})
	return &fixture{svc: svc, store: store, letters: letters, history: history}
}

func envelopeJSON(t *testing.T, agg string, typ event.Type, version uint64) []byte {
	t.Helper()
	raw, err := event.Envelope{
		EventID:     fmt.Sprintf("%s-%d", agg, version),
		TenantID:    "t-1",
		AggregateID: agg,
		Type:        typ,
		Version:     version,
		Payload:     json.RawMessage(`{"title":"A"}`),
	}.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestDeadLetterReplay_AppliesAndMarksReplayed(t *testing.T) {
	f := newFixture(t)
	_ = f.letters.Quarantine(context.Background(), dlq.Entry{
		EventID:     "p1-1",
		AggregateID: "p1",
		Envelope:    envelopeJSON(t, "p1", event.TypeCreate, 1),
		Topic:       "catalog.events.v1",
	})

	res, err := f.svc.DeadLetter(context.Background(), 1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Applied != 1 {
		t.Fatalf("expected 1 applied, got %+v", res)
	}

	rec, ok, _ := f.store.Get(context.Background(), "t-1", "p1")
	if !ok || rec.AppliedVersion != 1 {
		t.Fatalf("record not applied: %+v", rec)
	}
	e, _ := f.letters.Get(context.Background(), 1)
	if e.ReplayedAt == nil {
		t.Fatal("entry should be marked replayed")
	}
}

func TestDeadLetterReplay_UnknownID(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.DeadLetter(context.Background(), 99); err != dlq.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAggregateReplay_SuppressesAlreadyApplied(t *testing.T) {
	f := newFixture(t)
	for v := uint64(1); v <= 3; v++ {
		f.history.records = append(f.history.records, outbox.Record{
			EventID:     fmt.Sprintf("p1-%d", v),
			TenantID:    "t-1",
			AggregateID: "p1",
			Type:        event.TypeUpdate,
			Version:     v,
			Payload:     []byte(fmt.Sprintf(`{"rev":%d}`, v)),
			CreatedAt:   time.Now(),
		})
	}
	// Versions 1 and 2 were applied before the repair.
	_ = f.store.Upsert(context.Background(), readstore.Record{
		TenantID: "t-1", AggregateID: "p1", AppliedVersion: 2, State: readstore.StateActive,
	})

	res, err := f.svc.Aggregate(context.Background(), "p1", 1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Submitted != 3 || res.Applied != 1 || res.Duplicates != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	rec, _, _ := f.store.Get(context.Background(), "t-1", "p1")
	if rec.AppliedVersion != 3 {
		t.Fatalf("watermark = %d, want 3", rec.AppliedVersion)
	}
}

func TestHandler_ReplayEndpoint(t *testing.T) {
	f := newFixture(t)
	_ = f.letters.Quarantine(context.Background(), dlq.Entry{
		EventID:     "p1-1",
		AggregateID: "p1",
		Envelope:    envelopeJSON(t, "p1", event.TypeCreate, 1),
	})
	h := NewHandler(f.svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/ops/replay", strings.NewReader(`{"dead_letter_id":1}`))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var res Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Applied != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	req = httptest.NewRequest(http.MethodPost, "/ops/replay", strings.NewReader(`{}`))
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty request should be rejected, got %d", rr.Code)
	}
}

func TestHandler_ListDeadLetters(t *testing.T) {
	f := newFixture(t)
	_ = f.letters.Quarantine(context.Background(), dlq.Entry{
		EventID:       "p1-1",
		AggregateID:   "p1",
		Envelope:      envelopeJSON(t, "p1", event.TypeCreate, 1),
		FailureReason: "store exploded",
		AttemptCount:  5,
	})
	h := NewHandler(f.svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/ops/deadletters", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		DeadLetters []struct {
			ID            int64  `json:"id"`
			AggregateID   string `json:"aggregate_id"`
			FailureReason string `json:"failure_reason"`
			AttemptCount  int    `json:"attempt_count"`
		} `json:"dead_letters"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.DeadLetters) != 1 || body.DeadLetters[0].AttemptCount != 5 {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}
