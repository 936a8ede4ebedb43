package docstore_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/docstore"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/docstore/docstoretest"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

type failingToken struct{ err error }

func (f failingToken) Token(context.Context) (string, error) { return "", f.err }

func newClient(t *testing.T) (*docstore.Client, *docstoretest.Server) {
	t.Helper()
	srv := docstoretest.NewServer(t)
	srv.Token = "tok-1"
	c := docstore.NewClient(docstore.Config{
		BaseURL:   srv.BaseURL(),
		ProjectID: docstoretest.ProjectID,
		Timeout:   2 * time.Second,
	}, staticToken("tok-1"))
	return c, srv
}

// ── Get ──

func TestGet_CollectionReturnsRawPayload(t *testing.T) {
	c, srv := newClient(t)
	srv.Seed("rfids/card1", map[string]string{"id": "1A2B3C"})
	srv.Seed("rfids/card2", map[string]string{"id": "FFEE01"})

	payload, err := c.Get(context.Background(), "rfids")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for _, want := range []string{"1A2B3C", "FFEE01"} {
		if !strings.Contains(string(payload), want) {
			t.Errorf("payload missing %q: %s", want, payload)
		}
	}
}

func TestGet_Document(t *testing.T) {
	c, srv := newClient(t)
	srv.Seed("Logs/door1_t1", map[string]string{"RFID": "1A2B3C", "AccessMode": "entry"})

	payload, err := c.Get(context.Background(), "Logs/door1_t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for _, want := range []string{"/documents/Logs/door1_t1", "1A2B3C", "entry"} {
		if !strings.Contains(string(payload), want) {
			t.Errorf("payload missing %q: %s", want, payload)
		}
	}
}

func TestGet_MissingDocumentIsNotFound(t *testing.T) {
	c, _ := newClient(t)

	_, err := c.Get(context.Background(), "Logs/nope")
	if !docstore.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

// ── Patch / Create ──

func TestPatch_MissingDocumentFailsWithoutCreating(t *testing.T) {
	c, srv := newClient(t)

	err := c.Patch(context.Background(), "Logs/door1_t1",
		map[string]string{"RFID": "1A2B3C"}, []string{"RFID"})
	if !docstore.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if srv.DocCount() != 0 {
		t.Fatalf("patch must not create a document")
	}
}

func TestPatch_UpdatesOnlyMaskedFields(t *testing.T) {
	c, srv := newClient(t)
	srv.Seed("Logs/door1_t1", map[string]string{"RFID": "old", "AccessMode": "entry", "note": "keep"})

	err := c.Patch(context.Background(), "Logs/door1_t1",
		map[string]string{"RFID": "new", "AccessMode": "exit"}, []string{"RFID", "AccessMode"})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	doc, _ := srv.Doc("Logs/door1_t1")
	if doc["RFID"] != "new" || doc["AccessMode"] != "exit" || doc["note"] != "keep" {
		t.Fatalf("doc = %v", doc)
	}
}

func TestCreate_ThenAlreadyExists(t *testing.T) {
	c, srv := newClient(t)
	fields := map[string]string{"RFID": "1A2B3C", "AccessMode": "entry"}

	if err := c.Create(context.Background(), "Logs/door1_2024-01-01T10:00", fields); err != nil {
		t.Fatalf("Create: %v", err)
	}
	doc, ok := srv.Doc("Logs/door1_2024-01-01T10:00")
	if !ok || doc["RFID"] != "1A2B3C" {
		t.Fatalf("doc = %v ok=%v", doc, ok)
	}

	err := c.Create(context.Background(), "Logs/door1_2024-01-01T10:00", fields)
	if got := docstore.Code(err); got != codes.AlreadyExists {
		t.Fatalf("second create code = %v, err = %v", got, err)
	}
}

// ── Errors ──

func TestRequest_WrongTokenIsUnauthenticated(t *testing.T) {
	srv := docstoretest.NewServer(t)
	srv.Token = "right"
	c := docstore.NewClient(docstore.Config{
		BaseURL:   srv.BaseURL(),
		ProjectID: docstoretest.ProjectID,
	}, staticToken("wrong"))

	_, err := c.Get(context.Background(), "rfids")
	if got := docstore.Code(err); got != codes.Unauthenticated {
		t.Fatalf("code = %v, err = %v", got, err)
	}
}

func TestRequest_TokenErrorSkipsBackend(t *testing.T) {
	srv := docstoretest.NewServer(t)
	boom := errors.New("no session")
	c := docstore.NewClient(docstore.Config{
		BaseURL:   srv.BaseURL(),
		ProjectID: docstoretest.ProjectID,
	}, failingToken{err: boom})

	_, err := c.Get(context.Background(), "rfids")
	if !errors.Is(err, boom) {
		t.Fatalf("expected token error, got %v", err)
	}
	if srv.Calls("GET") != 0 {
		t.Fatalf("backend should not be called")
	}
}

func TestRequest_UnavailableBackend(t *testing.T) {
	c, srv := newClient(t)
	srv.FailAll(true)

	err := c.Create(context.Background(), "Logs/a", map[string]string{"RFID": "x"})
	if got := docstore.Code(err); got != codes.Unavailable {
		t.Fatalf("code = %v, err = %v", got, err)
	}
}

func TestRequest_InvalidPath(t *testing.T) {
	c, srv := newClient(t)

	for _, p := range []string{"", "Logs//a", "/Logs/a", "Logs/a/"} {
		if _, err := c.Get(context.Background(), p); !errors.Is(err, docstore.ErrInvalidPath) {
			t.Errorf("Get(%q) err = %v", p, err)
		}
	}
	if err := c.Create(context.Background(), "Logs", nil); !errors.Is(err, docstore.ErrInvalidPath) {
		t.Errorf("Create without id err = %v", err)
	}
	if srv.Calls("GET")+srv.Calls("POST") != 0 {
		t.Fatalf("invalid paths must not reach the backend")
	}
}

func TestCode(t *testing.T) {
	if docstore.Code(nil) != codes.OK {
		t.Fatal("nil should be OK")
	}
	if docstore.Code(errors.New("plain")) != codes.Unknown {
		t.Fatal("plain error should be Unknown")
	}
}

func TestSplitPath(t *testing.T) {
	parent, id, err := docstore.SplitPath("Logs/door1_t1")
	if err != nil || parent != "Logs" || id != "door1_t1" {
		t.Fatalf("SplitPath = %q, %q, %v", parent, id, err)
	}
}
