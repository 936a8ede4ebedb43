// Package docstoretest provides an in-process fake of the document
// backend's REST surface for tests.
package docstoretest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/protobuf/encoding/protojson"
)

const ProjectID = "test-project"

// Server keeps documents in memory, keyed by "<collection>/<key>" path.
type Server struct {
	// Token, when set, is the only bearer token accepted.
	Token string

	mu      sync.Mutex
	docs    map[string]map[string]string
	calls   map[string]int
	failAll bool

	srv *httptest.Server
}

func NewServer(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		docs:  make(map[string]map[string]string),
		calls: make(map[string]int),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

// BaseURL is the value for docstore.Config.BaseURL.
func (s *Server) BaseURL() string { return s.srv.URL + "/v1" }

func (s *Server) Seed(path string, fields map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = copyFields(fields)
}

func (s *Server) Doc(path string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[path]
	return copyFields(d), ok
}

func (s *Server) DocCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Calls returns how many requests with the given HTTP method were served.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// FailAll makes every request fail with UNAVAILABLE until cleared.
func (s *Server) FailAll(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = fail
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[r.Method]++

	if s.failAll {
		writeStatus(w, http.StatusServiceUnavailable, "UNAVAILABLE", "backend unavailable")
		return
	}
	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		writeStatus(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing or invalid token")
		return
	}

	prefix := "/v1/projects/" + ProjectID + "/databases/(default)/documents/"
	path, ok := strings.CutPrefix(r.URL.Path, prefix)
	if !ok || path == "" {
		writeStatus(w, http.StatusNotFound, "NOT_FOUND", "unknown resource "+r.URL.Path)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.get(w, path)
	case http.MethodPatch:
		s.patch(w, r, path)
	case http.MethodPost:
		s.create(w, r, path)
	default:
		writeStatus(w, http.StatusMethodNotAllowed, "UNIMPLEMENTED", r.Method)
	}
}

func (s *Server) get(w http.ResponseWriter, path string) {
	if strings.Count(path, "/")%2 == 1 {
		d, ok := s.docs[path]
		if !ok {
			writeStatus(w, http.StatusNotFound, "NOT_FOUND", "Document \""+path+"\" not found.")
			return
		}
		writeDoc(w, http.StatusOK, path, d)
		return
	}

	// Collection listing.
	var names []string
	for p := range s.docs {
		if strings.HasPrefix(p, path+"/") && !strings.Contains(p[len(path)+1:], "/") {
			names = append(names, p)
		}
	}
	sort.Strings(names)

	list := make([]json.RawMessage, 0, len(names))
	for _, p := range names {
		b, _ := protojson.Marshal(toDocument(p, s.docs[p]))
		list = append(list, b)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"documents": list})
}

func (s *Server) patch(w http.ResponseWriter, r *http.Request, path string) {
	fields, ok := readFields(w, r)
	if !ok {
		return
	}
	cur, exists := s.docs[path]
	if r.URL.Query().Get("currentDocument.exists") == "true" && !exists {
		writeStatus(w, http.StatusNotFound, "NOT_FOUND", "No document to update: "+path)
		return
	}
	if cur == nil {
		cur = make(map[string]string)
	}
	mask := r.URL.Query()["updateMask.fieldPaths"]
	if len(mask) == 0 {
		cur = fields
	} else {
		for _, f := range mask {
			if v, ok := fields[f]; ok {
				cur[f] = v
			} else {
				delete(cur, f)
			}
		}
	}
	s.docs[path] = cur
	writeDoc(w, http.StatusOK, path, cur)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, parent string) {
	fields, ok := readFields(w, r)
	if !ok {
		return
	}
	id := r.URL.Query().Get("documentId")
	if id == "" {
		writeStatus(w, http.StatusBadRequest, "INVALID_ARGUMENT", "documentId required")
		return
	}
	path := parent + "/" + id
	if _, exists := s.docs[path]; exists {
		writeStatus(w, http.StatusConflict, "ALREADY_EXISTS", "Document already exists: "+path)
		return
	}
	s.docs[path] = fields
	writeDoc(w, http.StatusOK, path, fields)
}

func readFields(w http.ResponseWriter, r *http.Request) (map[string]string, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return nil, false
	}
	var doc firestorepb.Document
	if err := protojson.Unmarshal(body, &doc); err != nil {
		writeStatus(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return nil, false
	}
	out := make(map[string]string, len(doc.GetFields()))
	for k, v := range doc.GetFields() {
		out[k] = v.GetStringValue()
	}
	return out, true
}

func toDocument(path string, fields map[string]string) *firestorepb.Document {
	doc := &firestorepb.Document{
		Name:   "projects/" + ProjectID + "/databases/(default)/documents/" + path,
		Fields: make(map[string]*firestorepb.Value, len(fields)),
	}
	for k, v := range fields {
		doc.Fields[k] = &firestorepb.Value{ValueType: &firestorepb.Value_StringValue{StringValue: v}}
	}
	return doc
}

func writeDoc(w http.ResponseWriter, code int, path string, fields map[string]string) {
	b, err := protojson.Marshal(toDocument(path, fields))
	if err != nil {
		writeStatus(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func writeStatus(w http.ResponseWriter, code int, status, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg, "status": status},
	})
}

func copyFields(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
