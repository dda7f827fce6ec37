// Package server is the HTTP adapter: it translates the JSON request
// surface into engine calls and engine results back into JSON. Request
// validation lives entirely here; the engine never sees a malformed key.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/epokhe/pkvs/core"
	"github.com/epokhe/pkvs/store"
)

type Server struct {
	store *store.Store
	log   *zap.SugaredLogger
}

func New(st *store.Store, log *zap.SugaredLogger) *Server {
	return &Server{store: st, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/get", withMethod(http.MethodGet, s.handleGet))
	mux.HandleFunc("/post", withMethod(http.MethodPost, s.handlePost))
	mux.HandleFunc("/delete", withMethod(http.MethodPost, s.handleDelete))
	mux.HandleFunc("/sorted_keys", withMethod(http.MethodGet, s.handleSortedKeys))

	return mux
}

// withMethod rejects requests whose method doesn't match before calling h.
func withMethod(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeResult(w http.ResponseWriter, result string) {
	writeJSON(w, struct {
		Result string `json:"result"`
	}{result})
}

// decodeBody parses the request body as a JSON object holding exactly the
// expected string fields, no extras and no missing ones, and checks the
// key size bound. On failure it returns the result string to respond with.
func decodeBody(r *http.Request, fields ...string) (map[string]string, string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "request error"
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, "request error"
	}

	missing := mapset.NewThreadUnsafeSet(fields...)
	out := make(map[string]string, len(fields))

	for name, rawVal := range raw {
		if !missing.Contains(name) {
			return nil, "request error"
		}
		missing.Remove(name)

		var val string
		if err := json.Unmarshal(rawVal, &val); err != nil {
			return nil, "request error"
		}

		out[name] = val
	}

	if missing.Cardinality() != 0 {
		return nil, "request error"
	}

	if n := len(out["key"]); n < 1 || n > core.MaxKeyLen {
		return nil, "invalid key size"
	}

	return out, ""
}

// fail reports an engine error. Corruption halts the process: continuing
// to serve from a partition whose segments can't be trusted would silently
// diverge from the persisted state.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, core.ErrCorruptSegment) {
		s.log.Fatalw("halting on segment corruption", "op", op, "error", err)
	}

	s.log.Errorw(op+" failed", "error", err)
	writeResult(w, "internal server error")
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	body, errResult := decodeBody(r, "key")
	if errResult != "" {
		writeResult(w, errResult)
		return
	}

	val, ok, err := s.store.Get(body["key"])
	if err != nil {
		s.fail(w, "get", err)
		return
	}
	if !ok {
		writeResult(w, "missing")
		return
	}

	writeJSON(w, struct {
		Value string `json:"value"`
	}{val})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, errResult := decodeBody(r, "key", "value")
	if errResult != "" {
		writeResult(w, errResult)
		return
	}

	s.store.Insert(body["key"], body["value"])
	writeResult(w, "ok")
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	body, errResult := decodeBody(r, "key")
	if errResult != "" {
		writeResult(w, errResult)
		return
	}

	s.store.Delete(body["key"])
	writeResult(w, "ok")
}

func (s *Server) handleSortedKeys(w http.ResponseWriter, _ *http.Request) {
	keys, err := s.store.SortedKeys()
	if err != nil {
		s.fail(w, "sorted_keys", err)
		return
	}

	if keys == nil {
		keys = []string{}
	}

	writeJSON(w, struct {
		Keys []string `json:"keys"`
	}{keys})
}
