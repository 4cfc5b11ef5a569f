// Package loadtest drives the LAN grade-entry API with concurrent senders.
//
// It simulates a room of devices submitting grade batches at the same time
// and measures request latency, which exercises the store's write locking
// and the event fan-out together.
package loadtest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schoolab/ecole/internal/db"
	"github.com/schoolab/ecole/internal/realtime"
	"github.com/schoolab/ecole/internal/schema"
)

// Config describes a load test.
type Config struct {
	// BaseURL of the realtime service, e.g. http://192.168.1.20:3030
	BaseURL string

	// Senders is the number of concurrent devices.
	Senders int

	// BatchesPerSender is how many batches each device submits.
	BatchesPerSender int

	// BatchSize is the number of grade updates per batch.
	BatchSize int

	// Listen subscribes to the event stream and counts the events received
	// while the test runs.
	Listen bool

	Client *http.Client
}

// Target is the class the senders write grades for.
type Target struct {
	ClassID  int64
	Students []int64
	Subjects []int64
}

// LatencyStats captures performance metrics from a load test.
type LatencyStats struct {
	Min            time.Duration
	Max            time.Duration
	Mean           time.Duration
	P50            time.Duration
	P95            time.Duration
	P99            time.Duration
	TotalRequests  int
	Errors         int
	EventsReceived int
	Elapsed        time.Duration
}

func (c *Config) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// Discover picks the first class of the active year that has both students
// and subjects.
func Discover(ctx context.Context, cfg Config) (*Target, error) {
	var classes []schema.Class
	if err := getJSON(ctx, cfg.client(), cfg.BaseURL+"/api/classes", &classes); err != nil {
		return nil, err
	}
	for _, c := range classes {
		var roster db.Roster
		if err := getJSON(ctx, cfg.client(), fmt.Sprintf("%s/api/classes/%d/full", cfg.BaseURL, c.ID), &roster); err != nil {
			return nil, err
		}
		if len(roster.Students) == 0 || len(roster.Subjects) == 0 {
			continue
		}
		t := &Target{ClassID: c.ID}
		for _, s := range roster.Students {
			t.Students = append(t.Students, s.ID)
		}
		for _, s := range roster.Subjects {
			t.Subjects = append(t.Subjects, s.ID)
		}
		return t, nil
	}
	return nil, fmt.Errorf("no class with students and subjects at %s", cfg.BaseURL)
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Run submits the configured batches concurrently and returns latency
// statistics. Failed requests are counted, not fatal.
func Run(ctx context.Context, cfg Config, target *Target) (*LatencyStats, error) {
	if cfg.Senders <= 0 || cfg.BatchesPerSender <= 0 || cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("senders, batches and batch size must be positive")
	}
	if len(target.Students) == 0 || len(target.Subjects) == 0 {
		return nil, fmt.Errorf("target class has no students or subjects")
	}

	var events atomic.Int64
	var listenWG sync.WaitGroup
	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()
	if cfg.Listen {
		ready := make(chan error, 1)
		listenWG.Add(1)
		go func() {
			defer listenWG.Done()
			listen(listenCtx, cfg, &events, ready)
		}()
		if err := <-ready; err != nil {
			return nil, err
		}
	}

	var mu sync.Mutex
	var all []time.Duration
	var failures atomic.Int64

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Senders; i++ {
		g.Go(func() error {
			sender := fmt.Sprintf("loadtest-%d", i)
			durations := make([]time.Duration, 0, cfg.BatchesPerSender)
			for j := 0; j < cfg.BatchesPerSender; j++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				batch := realtime.BatchRequest{SenderID: sender, Updates: makeBatch(target, i, j, cfg.BatchSize)}

				t0 := time.Now()
				err := postBatch(gctx, cfg, batch)
				durations = append(durations, time.Since(t0))
				if err != nil {
					failures.Add(1)
				}
			}
			mu.Lock()
			all = append(all, durations...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	if cfg.Listen {
		// Let the stream catch up with the last batch.
		want := int64(cfg.Senders*cfg.BatchesPerSender) - failures.Load()
		deadline := time.Now().Add(2 * time.Second)
		for events.Load() < want && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		stopListening()
		listenWG.Wait()
	}

	stats := computeLatencyStats(all)
	stats.Errors = int(failures.Load())
	stats.EventsReceived = int(events.Load())
	stats.Elapsed = elapsed
	return stats, nil
}

// makeBatch spreads writes over the class so that senders mostly touch
// different grade keys, with some overlap.
func makeBatch(t *Target, sender, batch, size int) []schema.GradeUpdate {
	updates := make([]schema.GradeUpdate, 0, size)
	seen := make(map[[3]int]bool, size)
	for k := 0; k < size; k++ {
		n := sender*7 + batch*size + k
		student := n % len(t.Students)
		n /= len(t.Students)
		subject := n % len(t.Subjects)
		n /= len(t.Subjects)
		period := n % len(schema.Periods)

		key := [3]int{student, subject, period}
		if seen[key] {
			continue
		}
		seen[key] = true
		u := schema.GradeUpdate{
			StudentID: t.Students[student],
			SubjectID: t.Subjects[subject],
			Period:    schema.Periods[period],
			Value:     float64((student + period) % 11),
		}
		updates = append(updates, u)
	}
	return updates
}

func postBatch(ctx context.Context, cfg Config, batch realtime.BatchRequest) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/api/grades/batch", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := cfg.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("batch rejected: status %d", resp.StatusCode)
	}
	return nil
}

// listen counts data frames on the event stream. ready receives nil once
// the stream is open.
func listen(ctx context.Context, cfg Config, events *atomic.Int64, ready chan<- error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+"/api/events", nil)
	if err != nil {
		ready <- err
		return
	}
	resp, err := cfg.client().Do(req)
	if err != nil {
		ready <- fmt.Errorf("failed to open event stream: %w", err)
		return
	}
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	signalled := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if !signalled {
				ready <- fmt.Errorf("event stream closed: %w", err)
			}
			return
		}
		switch {
		case !signalled && strings.HasPrefix(line, ": connected"):
			signalled = true
			ready <- nil
		case strings.HasPrefix(line, "data: "):
			events.Add(1)
		}
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:           sorted[0],
		Max:           sorted[len(sorted)-1],
		Mean:          sum / time.Duration(len(durations)),
		P50:           sorted[len(sorted)*50/100],
		P95:           sorted[len(sorted)*95/100],
		P99:           sorted[len(sorted)*99/100],
		TotalRequests: len(durations),
	}
}

// PrintStats writes the statistics in a human readable form.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Requests: %d\n", s.TotalRequests)
	fmt.Fprintf(w, "  Errors:         %d\n", s.Errors)
	if s.EventsReceived > 0 {
		fmt.Fprintf(w, "  Events:         %d\n", s.EventsReceived)
	}
	fmt.Fprintf(w, "  Elapsed:        %v\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Min:            %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):   %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:           %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:            %v\n", s.P95)
	fmt.Fprintf(w, "  P99:            %v\n", s.P99)
	fmt.Fprintf(w, "  Max:            %v\n", s.Max)
}
