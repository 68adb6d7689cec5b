// Package mixpaneltest provides an in-process ingestion server for tests.
//
// The server accepts /track and /engage batches the way the hosted API does:
// events are deduplicated by $insert_id and profile operations are applied to
// an in-memory profile store, so tests can assert on the resulting state
// instead of on raw requests.
package mixpaneltest

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// Request is one request as received.
type Request struct {
	Path     string
	Header   http.Header
	Body     []byte
	Messages []map[string]any
}

type failure struct {
	status int
	body   string
}

// Server is a fake ingestion API.
type Server struct {
	srv *httptest.Server

	mu         sync.Mutex
	requests   []Request
	events     []map[string]any
	insertIDs  map[string]struct{}
	duplicates int
	profiles   map[string]map[string]any
	failures   []failure
	hook       func(r *http.Request)
}

// NewServer starts a server that is closed when the test finishes.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		insertIDs: make(map[string]struct{}),
		profiles:  make(map[string]map[string]any),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

// URL is the base URL to configure the client with.
func (s *Server) URL() string {
	return s.srv.URL
}

// Close stops the server; later requests fail at the network level.
func (s *Server) Close() {
	s.srv.Close()
}

// FailNext makes the next n requests answer with status and body.
func (s *Server) FailNext(n, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, failure{status: status, body: body})
	}
}

// RejectNext makes the next n requests answer 200 with a rejection body.
func (s *Server) RejectNext(n int) {
	s.FailNext(n, http.StatusOK, `{"status":0,"error":"invalid data"}`)
}

// SetHook installs fn to run at the start of every request, before the
// request is applied. It may block to hold a request in flight.
func (s *Server) SetHook(fn func(r *http.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(r)
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var msgs []map[string]any
	decodeErr := json.Unmarshal(body, &msgs)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{
		Path:     r.URL.Path,
		Header:   r.Header.Clone(),
		Body:     body,
		Messages: msgs,
	})

	if len(s.failures) > 0 {
		f := s.failures[0]
		s.failures = s.failures[1:]
		w.WriteHeader(f.status)
		_, _ = io.WriteString(w, f.body)
		return
	}

	if decodeErr != nil {
		http.Error(w, "invalid JSON array", http.StatusBadRequest)
		return
	}

	switch r.URL.Path {
	case "/track":
		for _, m := range msgs {
			s.applyEvent(m)
		}
	case "/engage":
		for _, m := range msgs {
			if err := s.applyProfile(m); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = fmt.Fprintf(w, `{"status":0,"error":%q}`, err.Error())
				return
			}
		}
	default:
		http.NotFound(w, r)
		return
	}

	if r.URL.Query().Get("verbose") == "1" {
		_, _ = io.WriteString(w, `{"status":1,"error":null}`)
		return
	}
	_, _ = io.WriteString(w, "1")
}

func readBody(r *http.Request) ([]byte, error) {
	var reader io.Reader = r.Body
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		reader = zr
	}
	return io.ReadAll(reader)
}

func (s *Server) applyEvent(m map[string]any) {
	props, _ := m["properties"].(map[string]any)
	if id, ok := props["$insert_id"].(string); ok && id != "" {
		if _, seen := s.insertIDs[id]; seen {
			s.duplicates++
			return
		}
		s.insertIDs[id] = struct{}{}
	}
	s.events = append(s.events, m)
}

func (s *Server) applyProfile(m map[string]any) error {
	id, _ := m["$distinct_id"].(string)
	if id == "" {
		return fmt.Errorf("missing $distinct_id")
	}

	if _, ok := m["$delete"]; ok {
		delete(s.profiles, id)
		return nil
	}

	profile, ok := s.profiles[id]
	if !ok {
		profile = make(map[string]any)
		s.profiles[id] = profile
	}

	for op, arg := range m {
		switch op {
		case "$token", "$distinct_id", "$time", "$ip", "$ignore_time":
			continue
		case "$set":
			maps.Copy(profile, asMap(arg))
		case "$set_once":
			for k, v := range asMap(arg) {
				if _, exists := profile[k]; !exists {
					profile[k] = v
				}
			}
		case "$add":
			for k, v := range asMap(arg) {
				delta, ok := v.(float64)
				if !ok {
					return fmt.Errorf("$add %s: not a number", k)
				}
				cur, _ := profile[k].(float64)
				profile[k] = cur + delta
			}
		case "$unset":
			names, _ := arg.([]any)
			for _, n := range names {
				if name, ok := n.(string); ok {
					delete(profile, name)
				}
			}
		case "$append":
			for k, v := range asMap(arg) {
				list, _ := profile[k].([]any)
				profile[k] = append(list, v)
			}
		case "$union":
			for k, v := range asMap(arg) {
				list, _ := profile[k].([]any)
				add, _ := v.([]any)
				for _, item := range add {
					if !slices.ContainsFunc(list, func(x any) bool { return fmt.Sprint(x) == fmt.Sprint(item) }) {
						list = append(list, item)
					}
				}
				profile[k] = list
			}
		case "$remove":
			for k, v := range asMap(arg) {
				list, _ := profile[k].([]any)
				profile[k] = slices.DeleteFunc(slices.Clone(list), func(x any) bool { return fmt.Sprint(x) == fmt.Sprint(v) })
			}
		default:
			return fmt.Errorf("unknown operation %s", op)
		}
	}
	return nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// Requests returns every request received, failed ones included.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// Events returns accepted events in arrival order.
func (s *Server) Events() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// EventNames returns the names of accepted events in arrival order.
func (s *Server) EventNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.events))
	for _, e := range s.events {
		name, _ := e["event"].(string)
		names = append(names, name)
	}
	return names
}

// Duplicates returns how many events were dropped by $insert_id.
func (s *Server) Duplicates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duplicates
}

// Profile returns a copy of the profile for distinctID.
func (s *Server) Profile(distinctID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[distinctID]
	if !ok {
		return nil, false
	}
	return maps.Clone(p), true
}
