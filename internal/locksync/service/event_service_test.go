package service_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net/url"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/service"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/store"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/store/memory"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/types"
)

func doorEvent() types.AccessEvent {
	return types.AccessEvent{
		LockID:       "door1",
		CredentialID: "1A2B3C",
		AccessMode:   "GRANTED",
		Timestamp:    "2024-01-01T10:00",
	}
}

// ── DocumentKey ──

func TestDocumentKey(t *testing.T) {
	got := service.DocumentKey("door1", "2024-01-01T10:00")
	if got != "Logs/door1_2024-01-01T10:00" {
		t.Fatalf("DocumentKey = %q", got)
	}
	if service.DocumentKey("door1", "2024-01-01T10:00") != got {
		t.Fatal("DocumentKey must be deterministic")
	}
	if service.DocumentKey("door2", "2024-01-01T10:00") == got {
		t.Fatal("different lock ids should give different keys")
	}
}

func TestDocumentKey_UnderscoreCollision(t *testing.T) {
	a := service.DocumentKey("A_1", "2")
	b := service.DocumentKey("A", "1_2")
	if a != b {
		t.Fatalf("expected known collision, got %q and %q", a, b)
	}
}

// ── Record ──

func TestRecord_FreshKeyPatchMissThenCreate(t *testing.T) {
	docs, srv := newBackend(t)
	var logs bytes.Buffer
	svc := service.NewEventService(newGate(true), docs, memory.NewPendingEventStore(8), log.New(&logs, "", 0))

	res, err := svc.RecordEvent(context.Background(), "door1", "1A2B3C", "GRANTED", "2024-01-01T10:00")
	if err != nil || res != types.WriteCreated {
		t.Fatalf("Record = %v, %v", res, err)
	}
	if !res.Persisted() {
		t.Fatal("created should count as persisted")
	}

	doc, ok := srv.Doc("Logs/door1_2024-01-01T10:00")
	if !ok {
		t.Fatal("document not created")
	}
	if len(doc) != 2 || doc["RFID"] != "1A2B3C" || doc["AccessMode"] != "GRANTED" {
		t.Fatalf("doc = %v", doc)
	}
	if srv.DocCount() != 1 || srv.Calls("PATCH") != 1 || srv.Calls("POST") != 1 {
		t.Fatalf("docs=%d patch=%d post=%d", srv.DocCount(), srv.Calls("PATCH"), srv.Calls("POST"))
	}

	out := logs.String()
	if !strings.Contains(out, "patch miss") {
		t.Errorf("expected patch miss log, got %q", out)
	}
	if strings.Contains(strings.ToLower(out), "error") {
		t.Errorf("designed create path must not log as an error: %q", out)
	}
}

func TestRecord_RepeatIsIdempotentPatch(t *testing.T) {
	docs, srv := newBackend(t)
	svc := service.NewEventService(newGate(true), docs, memory.NewPendingEventStore(8), silentLogger())
	ctx := context.Background()

	if _, err := svc.Record(ctx, doorEvent()); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	first, _ := srv.Doc("Logs/door1_2024-01-01T10:00")

	res, err := svc.Record(ctx, doorEvent())
	if err != nil || res != types.WritePatched {
		t.Fatalf("second Record = %v, %v", res, err)
	}
	second, _ := srv.Doc("Logs/door1_2024-01-01T10:00")
	if srv.DocCount() != 1 {
		t.Fatalf("expected one document, got %d", srv.DocCount())
	}
	for k, v := range first {
		if second[k] != v {
			t.Fatalf("field %s changed: %q -> %q", k, v, second[k])
		}
	}
	if srv.Calls("POST") != 1 {
		t.Fatalf("repeat must not create again")
	}
}

func TestRecord_GateClosedQueuesWithoutRemoteCalls(t *testing.T) {
	docs, srv := newBackend(t)
	pending := memory.NewPendingEventStore(8)
	svc := service.NewEventService(newGate(false), docs, pending, silentLogger())

	res, err := svc.Record(context.Background(), doorEvent())
	if err != nil || res != types.WriteQueued {
		t.Fatalf("Record = %v, %v", res, err)
	}
	if res.Persisted() {
		t.Fatal("queued is not persisted")
	}
	if srv.Calls("PATCH")+srv.Calls("POST") != 0 {
		t.Fatal("no remote write expected while the gate is closed")
	}
	n, _ := pending.Count(context.Background())
	if n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
}

func TestRecord_GateClosedWithoutQueueDrops(t *testing.T) {
	docs, _ := newBackend(t)
	svc := service.NewEventService(newGate(false), docs, nil, silentLogger())

	res, err := svc.Record(context.Background(), doorEvent())
	if res != types.WriteDropped {
		t.Fatalf("result = %v", res)
	}
	if !errors.Is(err, service.ErrWriteFailure) || !errors.Is(err, service.ErrNotReady) {
		t.Fatalf("err = %v", err)
	}
}

func TestRecord_DoubleFailureQueuesThenFlushDelivers(t *testing.T) {
	docs, srv := newBackend(t)
	pending := memory.NewPendingEventStore(8)
	svc := service.NewEventService(newGate(true), docs, pending, silentLogger())
	ctx := context.Background()

	srv.FailAll(true)
	res, err := svc.Record(ctx, doorEvent())
	if err != nil || res != types.WriteQueued {
		t.Fatalf("Record = %v, %v", res, err)
	}

	// Still down: the pass stops and the event stays queued.
	if n, err := svc.Flush(ctx, 10); n != 0 || err == nil {
		t.Fatalf("Flush while down = %d, %v", n, err)
	}
	queued, _ := pending.Pending(ctx, 10)
	if len(queued) != 1 || queued[0].Attempts != 1 {
		t.Fatalf("queued = %+v", queued)
	}

	srv.FailAll(false)
	n, err := svc.Flush(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("Flush = %d, %v", n, err)
	}
	if doc, ok := srv.Doc("Logs/door1_2024-01-01T10:00"); !ok || doc["RFID"] != "1A2B3C" {
		t.Fatalf("doc = %v ok=%v", doc, ok)
	}
	if c, _ := pending.Count(ctx); c != 0 {
		t.Fatalf("pending after flush = %d", c)
	}
}

func TestRecord_QueueFullDrops(t *testing.T) {
	docs, _ := newBackend(t)
	svc := service.NewEventService(newGate(false), docs, memory.NewPendingEventStore(1), silentLogger())
	ctx := context.Background()

	if res, _ := svc.Record(ctx, doorEvent()); res != types.WriteQueued {
		t.Fatalf("first = %v", res)
	}
	ev := doorEvent()
	ev.Timestamp = "2024-01-01T10:01"
	res, err := svc.Record(ctx, ev)
	if res != types.WriteDropped || !errors.Is(err, store.ErrQueueFull) {
		t.Fatalf("second = %v, %v", res, err)
	}
}

func TestRecord_InvalidKeyParts(t *testing.T) {
	docs, srv := newBackend(t)
	svc := service.NewEventService(newGate(true), docs, nil, silentLogger())
	ctx := context.Background()

	cases := []struct {
		name string
		ev   types.AccessEvent
		want error
	}{
		{"empty lock", types.AccessEvent{Timestamp: "t"}, service.ErrInvalidLockID},
		{"slash lock", types.AccessEvent{LockID: "a/b", Timestamp: "t"}, service.ErrInvalidLockID},
		{"empty timestamp", types.AccessEvent{LockID: "door1"}, service.ErrInvalidTimestamp},
		{"slash timestamp", types.AccessEvent{LockID: "door1", Timestamp: "2024/01/01"}, service.ErrInvalidTimestamp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := svc.Record(ctx, tc.ev)
			if res != types.WriteDropped || !errors.Is(err, tc.want) {
				t.Fatalf("Record = %v, %v", res, err)
			}
		})
	}
	if srv.Calls("PATCH") != 0 {
		t.Fatal("invalid events must not reach the backend")
	}
}

// ── Flush ──

// stubDocs fails every write to one key with a fixed code, or with err
// when set.
type stubDocs struct {
	failKey string
	code    codes.Code
	err     error
	written []string
}

func (s *stubDocs) failure() error {
	if s.err != nil {
		return s.err
	}
	return status.Error(s.code, "rejected")
}

func (s *stubDocs) Get(context.Context, string) ([]byte, error) { return nil, nil }

func (s *stubDocs) Patch(_ context.Context, path string, _ map[string]string, _ []string) error {
	if path == s.failKey {
		return s.failure()
	}
	return status.Error(codes.NotFound, "no document")
}

func (s *stubDocs) Create(_ context.Context, path string, _ map[string]string) error {
	if path == s.failKey {
		return s.failure()
	}
	s.written = append(s.written, path)
	return nil
}

func TestFlush_RejectedEventDoesNotBlockOthers(t *testing.T) {
	for _, code := range []codes.Code{codes.PermissionDenied, codes.Internal, codes.Unknown, codes.InvalidArgument} {
		t.Run(code.String(), func(t *testing.T) {
			gate := newGate(false)
			pending := memory.NewPendingEventStore(8)
			docs := &stubDocs{failKey: "Logs/door1_t1", code: code}
			svc := service.NewEventService(gate, docs, pending, silentLogger())
			ctx := context.Background()

			for _, ts := range []string{"t1", "t2"} {
				if _, err := svc.RecordEvent(ctx, "door1", "1A2B3C", "GRANTED", ts); err != nil {
					t.Fatalf("Record %s: %v", ts, err)
				}
			}

			gate.Set(true)
			// Twice: an entry failing every pass must not starve the one behind it.
			for pass := 0; pass < 2; pass++ {
				if _, err := svc.Flush(ctx, 10); err == nil {
					t.Fatalf("pass %d: expected the rejected event's error", pass)
				}
			}
			if len(docs.written) != 1 || docs.written[0] != "Logs/door1_t2" {
				t.Fatalf("written = %v", docs.written)
			}
			if c, _ := pending.Count(ctx); c != 1 {
				t.Fatalf("rejected event should stay queued, pending = %d", c)
			}
		})
	}
}

func TestFlush_BackendDownStopsPass(t *testing.T) {
	cases := map[string]*stubDocs{
		"unavailable":     {code: codes.Unavailable},
		"unauthenticated": {code: codes.Unauthenticated},
		"transport":       {err: &url.Error{Op: "Post", URL: "http://backend", Err: errors.New("connection refused")}},
	}
	for name, docs := range cases {
		t.Run(name, func(t *testing.T) {
			gate := newGate(false)
			pending := memory.NewPendingEventStore(8)
			docs.failKey = "Logs/door1_t1"
			svc := service.NewEventService(gate, docs, pending, silentLogger())
			ctx := context.Background()

			for _, ts := range []string{"t1", "t2"} {
				if _, err := svc.RecordEvent(ctx, "door1", "1A2B3C", "GRANTED", ts); err != nil {
					t.Fatalf("Record %s: %v", ts, err)
				}
			}

			gate.Set(true)
			n, err := svc.Flush(ctx, 10)
			if n != 0 || err == nil {
				t.Fatalf("Flush = %d, %v", n, err)
			}
			if len(docs.written) != 0 {
				t.Fatalf("pass should stop at the first entry, written = %v", docs.written)
			}
		})
	}
}

// creatingDocs misses every patch and records each created body.  during
// runs once, inside the first create.
type creatingDocs struct {
	created []string
	during  func()
}

func (d *creatingDocs) Get(context.Context, string) ([]byte, error) { return nil, nil }

func (d *creatingDocs) Patch(context.Context, string, map[string]string, []string) error {
	return status.Error(codes.NotFound, "no document")
}

func (d *creatingDocs) Create(_ context.Context, _ string, fields map[string]string) error {
	d.created = append(d.created, fields[service.FieldCredential])
	if d.during != nil {
		fn := d.during
		d.during = nil
		fn()
	}
	return nil
}

func TestFlush_EventReplacedDuringDeliveryIsResent(t *testing.T) {
	gate := newGate(false)
	pending := memory.NewPendingEventStore(8)
	docs := &creatingDocs{}
	svc := service.NewEventService(gate, docs, pending, silentLogger())
	ctx := context.Background()

	if _, err := svc.RecordEvent(ctx, "door1", "OLD111", "GRANTED", "t1"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	docs.during = func() {
		newer := types.PendingEvent{
			ID:     "newer",
			DocKey: service.DocumentKey("door1", "t1"),
			Event:  types.AccessEvent{LockID: "door1", CredentialID: "NEW222", AccessMode: "DENIED", Timestamp: "t1"},
		}
		if err := pending.Enqueue(ctx, newer); err != nil {
			t.Errorf("Enqueue newer: %v", err)
		}
	}

	gate.Set(true)
	n, err := svc.Flush(ctx, 10)
	if err != nil || n != 0 {
		t.Fatalf("first Flush = %d, %v", n, err)
	}
	got, _ := pending.Pending(ctx, 10)
	if len(got) != 1 || got[0].Event.CredentialID != "NEW222" {
		t.Fatalf("replaced event should still be queued, got %+v", got)
	}

	n, err = svc.Flush(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("second Flush = %d, %v", n, err)
	}
	if len(docs.created) != 2 || docs.created[1] != "NEW222" {
		t.Fatalf("created = %v", docs.created)
	}
	if c, _ := pending.Count(ctx); c != 0 {
		t.Fatalf("pending = %d", c)
	}
}

func TestFlush_GateClosed(t *testing.T) {
	svc := service.NewEventService(newGate(false), &stubDocs{}, memory.NewPendingEventStore(8), silentLogger())

	if _, err := svc.Flush(context.Background(), 10); !errors.Is(err, service.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}
