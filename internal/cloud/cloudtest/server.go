// Package cloudtest provides an in-memory remote authority for tests.
package cloudtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/schoolab/ecole/internal/schema"
)

// Push is one push request as received by the fake remote.
type Push struct {
	SchoolID   string
	DeviceID   string
	Data       map[string][]schema.Record // keyed by wire table name
	Deletions  []schema.Tombstone
	SchoolInfo schema.SchoolInfo
	Header     http.Header
}

// Server is a fake remote authority. The zero configuration acknowledges
// every pushed row and every pushed deletion and serves an empty snapshot.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	snapshot   map[string]any
	pushes     []Push
	logs       []map[string]any
	pullQuery  []string
	serverTime string
	failStatus int
	failBody   map[string]string
	skipAck    map[string]map[int64]bool
	nextID     int
	onPush     func()
}

// NewServer starts a fake remote. It is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{skipAck: make(map[string]map[int64]bool)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sync/pull", s.handlePull)
	mux.HandleFunc("POST /api/sync/push", s.handlePush)
	mux.HandleFunc("POST /api/sync/sync-logs", s.handleLogs)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// SetSnapshot sets the pull payload (the value of "data").
func (s *Server) SetSnapshot(data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = data
}

// SetServerTime sets the serverTime reported by pulls.
func (s *Server) SetServerTime(t string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverTime = t
}

// FailWith makes every request fail with the given status and body.
// A zero status restores normal behaviour.
func (s *Server) FailWith(status int, message, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = status
	s.failBody = map[string]string{"error": message, "code": code}
}

// SkipAck makes the remote leave a pushed row unacknowledged.
func (s *Server) SkipAck(wireTable string, localID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.skipAck[wireTable] == nil {
		s.skipAck[wireTable] = make(map[int64]bool)
	}
	s.skipAck[wireTable][localID] = true
}

// OnPush registers fn to run while a push is being handled, before the
// answer is written.
func (s *Server) OnPush(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPush = fn
}

// Pushes returns the pushes received so far.
func (s *Server) Pushes() []Push {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Push(nil), s.pushes...)
}

// Logs returns the sync logs received so far.
func (s *Server) Logs() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.logs...)
}

// PullQueries returns the raw query strings of pull requests.
func (s *Server) PullQueries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pullQuery...)
}

func (s *Server) fail(w http.ResponseWriter) bool {
	s.mu.Lock()
	status, body := s.failStatus, s.failBody
	s.mu.Unlock()
	if status == 0 {
		return false
	}
	writeJSON(w, status, body)
	return true
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if s.fail(w) {
		return
	}
	s.mu.Lock()
	s.pullQuery = append(s.pullQuery, r.URL.RawQuery)
	data, serverTime := s.snapshot, s.serverTime
	s.mu.Unlock()
	if data == nil {
		data = map[string]any{}
	}
	if serverTime == "" {
		serverTime = time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data, "serverTime": serverTime})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if s.fail(w) {
		return
	}

	var body struct {
		SchoolID   string                     `json:"schoolId"`
		DeviceID   string                     `json:"deviceId"`
		Data       map[string]json.RawMessage `json:"data"`
		SchoolInfo schema.SchoolInfo          `json:"schoolInfo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "code": "BAD_REQUEST"})
		return
	}

	push := Push{
		SchoolID:   body.SchoolID,
		DeviceID:   body.DeviceID,
		SchoolInfo: body.SchoolInfo,
		Data:       make(map[string][]schema.Record),
		Header:     r.Header.Clone(),
	}
	for key, raw := range body.Data {
		if key == "deletions" {
			_ = json.Unmarshal(raw, &push.Deletions)
			continue
		}
		var rows []schema.Record
		if err := json.Unmarshal(raw, &rows); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "code": "BAD_REQUEST"})
			return
		}
		push.Data[key] = rows
	}

	s.mu.Lock()
	s.pushes = append(s.pushes, push)
	onPush := s.onPush
	results := make(map[string][]map[string]any)
	for table, rows := range push.Data {
		results[table] = []map[string]any{}
		for _, row := range rows {
			localID := int64(row["localId"].(float64))
			if s.skipAck[table][localID] {
				continue
			}
			serverID := row["serverId"]
			if serverID == nil {
				s.nextID++
				serverID = fmt.Sprintf("%s-%d", table, s.nextID)
			}
			results[table] = append(results[table], map[string]any{"localId": localID, "serverId": serverID})
		}
	}
	var deletions []map[string]any
	for _, d := range push.Deletions {
		deletions = append(deletions, map[string]any{"tableName": d.TableName, "localId": d.LocalID, "success": true})
	}
	s.mu.Unlock()

	if onPush != nil {
		onPush()
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": results, "deletions": deletions})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var entry map[string]any
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.logs = append(s.logs, entry)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
