package realtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/schoolab/ecole/internal/db"
	"github.com/schoolab/ecole/internal/db/dbtest"
	"github.com/schoolab/ecole/internal/schema"
)

type fixture struct {
	store    *db.DB
	class    schema.Class
	students []schema.Student
	subjects []schema.Subject
}

// newFixture seeds an active class plus a class of a past year.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := dbtest.Open(t)
	seeded := dbtest.Seed(t, store, 2, 2)

	old := schema.AcademicYear{Name: "2024-2025"}
	if err := store.CreateAcademicYear(ctx, &old); err != nil {
		t.Fatalf("CreateAcademicYear() failed: %v", err)
	}
	archived := schema.Class{Name: "4eme A", Level: "4", AcademicYearID: &old.ID}
	if err := store.CreateClass(ctx, &archived); err != nil {
		t.Fatalf("CreateClass() failed: %v", err)
	}

	return &fixture{
		store:    store,
		class:    seeded.Class,
		students: seeded.Students,
		subjects: seeded.Subjects,
	}
}

func newTestServer(t *testing.T, f *fixture, cfg *Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.DeviceID = "device-lan"
	cfg.Logger = zerolog.Nop()
	s := NewServer(f.store, cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	// Runs before ts.Close so open streams end first.
	t.Cleanup(func() { _ = s.Stop() })
	return s, ts
}

func postBatch(t *testing.T, url string, req BatchRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal batch: %v", err)
	}
	resp, err := http.Post(url+"/api/grades/batch", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST batch failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// openStream connects to /api/events and returns a channel of raw frames.
// It returns once the stream is registered.
func openStream(t *testing.T, url string) <-chan string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/api/events", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events failed: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	frames := make(chan string, 16)
	go func() {
		defer resp.Body.Close()
		defer close(frames)
		r := bufio.NewReader(resp.Body)
		var frame strings.Builder
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\n" {
				frames <- frame.String()
				frame.Reset()
				continue
			}
			frame.WriteString(line)
		}
	}()

	if got := nextFrame(t, frames); got != ": connected\n" {
		t.Fatalf("first frame = %q, want connected comment", got)
	}
	return frames
}

func nextFrame(t *testing.T, frames <-chan string) string {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("stream closed")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return ""
}

func decodeEvent(t *testing.T, frame string) Event {
	t.Helper()
	data, ok := strings.CutPrefix(strings.TrimSuffix(frame, "\n"), "data: ")
	if !ok {
		t.Fatalf("not a data frame: %q", frame)
	}
	var ev Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("failed to decode event %q: %v", data, err)
	}
	return ev
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClasses_ActiveYearOnly(t *testing.T) {
	f := newFixture(t)
	_, ts := newTestServer(t, f, nil)

	resp, err := http.Get(ts.URL + "/api/classes")
	if err != nil {
		t.Fatalf("GET /api/classes failed: %v", err)
	}
	defer resp.Body.Close()

	var classes []schema.Class
	if err := json.NewDecoder(resp.Body).Decode(&classes); err != nil {
		t.Fatalf("failed to decode classes: %v", err)
	}
	if len(classes) != 1 || classes[0].ID != f.class.ID {
		t.Fatalf("expected only the active-year class, got %+v", classes)
	}

	resp, err = http.Get(ts.URL + "/api/classes?all=true")
	if err != nil {
		t.Fatalf("GET /api/classes?all=true failed: %v", err)
	}
	defer resp.Body.Close()
	classes = nil
	if err := json.NewDecoder(resp.Body).Decode(&classes); err != nil {
		t.Fatalf("failed to decode classes: %v", err)
	}
	if len(classes) != 2 {
		t.Errorf("expected 2 classes with all=true, got %d", len(classes))
	}
}

func TestClassFull(t *testing.T) {
	f := newFixture(t)
	_, ts := newTestServer(t, f, nil)

	if _, err := f.store.UpsertGrade(context.Background(), schema.GradeUpdate{
		StudentID: f.students[0].ID, SubjectID: f.subjects[0].ID, Period: schema.PeriodP1, Value: 8,
	}); err != nil {
		t.Fatalf("UpsertGrade() failed: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/classes/" + strconv.FormatInt(f.class.ID, 10) + "/full")
	if err != nil {
		t.Fatalf("GET full class failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var roster db.Roster
	if err := json.NewDecoder(resp.Body).Decode(&roster); err != nil {
		t.Fatalf("failed to decode roster: %v", err)
	}
	if len(roster.Students) != 2 || len(roster.Subjects) != 2 || len(roster.Grades) != 1 {
		t.Errorf("roster = %d students, %d subjects, %d grades",
			len(roster.Students), len(roster.Subjects), len(roster.Grades))
	}
}

func TestClassFull_Errors(t *testing.T) {
	f := newFixture(t)
	_, ts := newTestServer(t, f, nil)

	tests := []struct {
		path   string
		status int
		code   string
	}{
		{"/api/classes/999/full", http.StatusNotFound, "NOT_FOUND"},
		{"/api/classes/abc/full", http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("GET failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var body ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode error: %v", err)
			}
			if body.Code != tt.code || body.Error == "" {
				t.Errorf("body = %+v, want code %s", body, tt.code)
			}
		})
	}
}

func TestGradeBatch_CommitsAndNotifies(t *testing.T) {
	f := newFixture(t)
	s, ts := newTestServer(t, f, nil)

	local := s.Subscribe()
	defer s.Unsubscribe(local)

	req := BatchRequest{
		SenderID: "tablet-1",
		Updates: []schema.GradeUpdate{
			{StudentID: f.students[0].ID, SubjectID: f.subjects[0].ID, Period: schema.PeriodP1, Value: 7},
			{StudentID: f.students[1].ID, SubjectID: f.subjects[0].ID, Period: schema.PeriodP1, Value: 9},
		},
	}
	resp := postBatch(t, ts.URL, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var ok map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&ok); err != nil || !ok["success"] {
		t.Fatalf("body = %v, err = %v", ok, err)
	}

	select {
	case ev := <-local.Events():
		if ev.Event != EventDBChanged || ev.Type != TypeGradeUpdate {
			t.Errorf("event = %q/%q", ev.Event, ev.Type)
		}
		if ev.SenderID != "tablet-1" || ev.DeviceID != "device-lan" {
			t.Errorf("sender = %q, device = %q", ev.SenderID, ev.DeviceID)
		}
		if len(ev.Updates) != 2 {
			t.Errorf("expected 2 updates, got %d", len(ev.Updates))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	grades, err := f.store.ListGrades(context.Background(), f.class.ID)
	if err != nil {
		t.Fatalf("ListGrades() failed: %v", err)
	}
	if len(grades) != 2 {
		t.Fatalf("expected 2 grades, got %d", len(grades))
	}
	for _, g := range grades {
		if !g.IsDirty {
			t.Errorf("grade %d should be dirty", g.ID)
		}
	}
}

func TestGradeBatch_FailureRollsBackWithoutBroadcast(t *testing.T) {
	f := newFixture(t)
	s, ts := newTestServer(t, f, nil)

	local := s.Subscribe()
	defer s.Unsubscribe(local)

	resp := postBatch(t, ts.URL, BatchRequest{
		SenderID: "tablet-1",
		Updates: []schema.GradeUpdate{
			{StudentID: f.students[0].ID, SubjectID: f.subjects[0].ID, Period: schema.PeriodP2, Value: 5},
			{StudentID: 9999, SubjectID: f.subjects[0].ID, Period: schema.PeriodP2, Value: 6},
			{StudentID: f.students[1].ID, SubjectID: f.subjects[0].ID, Period: schema.PeriodP2, Value: 7},
		},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}

	select {
	case ev := <-local.Events():
		t.Fatalf("unexpected event for a rolled back batch: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	grades, err := f.store.ListGrades(context.Background(), f.class.ID)
	if err != nil {
		t.Fatalf("ListGrades() failed: %v", err)
	}
	if len(grades) != 0 {
		t.Errorf("expected no committed grades, got %d", len(grades))
	}
}

func TestGradeBatch_Invalid(t *testing.T) {
	f := newFixture(t)
	_, ts := newTestServer(t, f, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"updates": [`},
		{"empty", `{"updates": []}`},
		{"unknown period", `{"updates": [{"studentId": 1, "subjectId": 1, "period": "P9", "value": 3}]}`},
		{"negative value", `{"updates": [{"studentId": 1, "subjectId": 1, "period": "P1", "value": -1}]}`},
		{"missing student", `{"updates": [{"subjectId": 1, "period": "P1", "value": 3}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/grades/batch", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestEvents_ConcurrentSenders(t *testing.T) {
	f := newFixture(t)
	_, ts := newTestServer(t, f, nil)

	first := openStream(t, ts.URL)
	second := openStream(t, ts.URL)

	var wg sync.WaitGroup
	for i, sender := range []string{"tablet-a", "tablet-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, _ := json.Marshal(BatchRequest{
				SenderID: sender,
				Updates: []schema.GradeUpdate{
					{StudentID: f.students[i].ID, SubjectID: f.subjects[i].ID, Period: schema.PeriodP3, Value: 6},
				},
			})
			resp, err := http.Post(ts.URL+"/api/grades/batch", "application/json", bytes.NewReader(body))
			if err != nil {
				t.Errorf("POST from %s failed: %v", sender, err)
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("POST from %s: status %d", sender, resp.StatusCode)
			}
		}()
	}
	wg.Wait()

	for name, frames := range map[string]<-chan string{"first": first, "second": second} {
		senders := map[string]int64{}
		for range 2 {
			ev := decodeEvent(t, nextFrame(t, frames))
			if len(ev.Updates) != 1 {
				t.Fatalf("%s listener: expected 1 update, got %d", name, len(ev.Updates))
			}
			senders[ev.SenderID] = ev.Updates[0].StudentID
		}
		if senders["tablet-a"] != f.students[0].ID || senders["tablet-b"] != f.students[1].ID {
			t.Errorf("%s listener: events tagged %v", name, senders)
		}
	}
}

func TestEvents_KeepAlive(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.KeepAlive = 30 * time.Millisecond
	_, ts := newTestServer(t, f, cfg)

	frames := openStream(t, ts.URL)
	if got := nextFrame(t, frames); got != ": keep-alive\n" {
		t.Errorf("frame = %q, want keep-alive comment", got)
	}
}

func TestEvents_StreamEndsOnStop(t *testing.T) {
	f := newFixture(t)
	s, ts := newTestServer(t, f, nil)

	frames := openStream(t, ts.URL)
	waitFor(t, "listener", func() bool { return s.ListenerCount() == 1 })

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	select {
	case _, ok := <-frames:
		if ok {
			t.Error("expected stream to close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after Stop")
	}
	if s.ListenerCount() != 0 {
		t.Errorf("ListenerCount() = %d after Stop", s.ListenerCount())
	}
}

func TestWebSocket(t *testing.T) {
	f := newFixture(t)
	s, ts := newTestServer(t, f, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.CloseNow()
	waitFor(t, "websocket listener", func() bool { return s.ListenerCount() == 1 })

	resp := postBatch(t, ts.URL, BatchRequest{
		SenderID: "phone-1",
		Updates: []schema.GradeUpdate{
			{StudentID: f.students[0].ID, SubjectID: f.subjects[1].ID, Period: schema.PeriodExam1, Value: 15},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if ev.SenderID != "phone-1" || ev.Updates[0].Period != schema.PeriodExam1 {
		t.Errorf("event = %+v", ev)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "listener removal", func() bool { return s.ListenerCount() == 0 })
}

func TestBroadcastChange_FillsEnvelope(t *testing.T) {
	f := newFixture(t)
	s, _ := newTestServer(t, f, nil)

	l := s.Subscribe()
	defer s.Unsubscribe(l)

	if n := s.BroadcastChange(Event{Type: "student_update", Data: json.RawMessage(`{"id":1}`)}); n != 1 {
		t.Fatalf("delivered to %d listeners, want 1", n)
	}
	ev := <-l.Events()
	if ev.Event != EventDBChanged || ev.DeviceID != "device-lan" || ev.Timestamp.IsZero() {
		t.Errorf("envelope not filled: %+v", ev)
	}
	if string(ev.Data) != `{"id":1}` {
		t.Errorf("data = %s", ev.Data)
	}
}

func TestHub_DropsStalledListener(t *testing.T) {
	hub := NewHub(1, zerolog.Nop())
	slow := hub.Subscribe("local")
	fast := hub.Subscribe("local")

	if n := hub.Publish(Event{Type: "a"}); n != 2 {
		t.Fatalf("first publish delivered to %d, want 2", n)
	}
	<-fast.Events()

	if n := hub.Publish(Event{Type: "b"}); n != 1 {
		t.Fatalf("second publish delivered to %d, want 1", n)
	}
	if hub.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", hub.Len())
	}

	// The stalled listener keeps what it had queued, then its queue closes.
	if ev := <-slow.Events(); ev.Type != "a" {
		t.Errorf("queued event = %q", ev.Type)
	}
	if _, ok := <-slow.Events(); ok {
		t.Error("stalled listener queue should be closed")
	}
	hub.Remove(slow)
}

func TestHub_SubscribeAfterClose(t *testing.T) {
	hub := NewHub(4, zerolog.Nop())
	hub.Close()
	l := hub.Subscribe("sse")
	if _, ok := <-l.Events(); ok {
		t.Error("expected closed queue")
	}
	if hub.Len() != 0 {
		t.Errorf("Len() = %d", hub.Len())
	}
}

func TestStart_FallsBackWhenPortTaken(t *testing.T) {
	f := newFixture(t)

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	s := NewServer(f.store, cfg)

	if info := s.Info(); info.Running {
		t.Fatalf("Info() before Start = %+v", info)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	info := s.Info()
	if !info.Running || info.Port == port || info.Port == 0 || info.IP != "127.0.0.1" {
		t.Errorf("Info() = %+v, want running on a port other than %d", info, port)
	}

	resp, err := http.Get(info.URL() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	var health map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if s.Info().Running {
		t.Error("Info().Running should be false after Stop")
	}
}
