package shipper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/szibis/loki-courier/internal/entry"
	"github.com/szibis/loki-courier/internal/transport"
)

// Mock transport for testing
type mockTransport struct {
	mu      sync.Mutex
	batches [][]entry.Entry
	err     error
	failN   int // fail the first N sends with err, then succeed
	closed  bool
}

func (m *mockTransport) Send(ctx context.Context, batch []entry.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil && (m.failN == 0 || len(m.batches) < m.failN) {
		m.batches = append(m.batches, nil) // record the attempt
		return m.err
	}
	cp := make([]entry.Entry, len(batch))
	copy(cp, batch)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockTransport) attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func (m *mockTransport) delivered() [][]entry.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]entry.Entry
	for _, b := range m.batches {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func transientErr() error {
	return &transport.SendError{Kind: transport.KindTransient, Err: errors.New("connection refused")}
}

func permanentErr(status int) error {
	return &transport.SendError{Kind: transport.KindPermanent, StatusCode: status, Body: "rejected"}
}

func testEntry(msg string) entry.Entry {
	return entry.New(entry.LevelInfo, msg, map[string]string{"app": "test"}, nil)
}

func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestThresholdTriggerFlushesFullBatch(t *testing.T) {
	tr := &mockTransport{}
	s := New(Config{BatchSize: 2, FlushInterval: time.Hour}, tr)
	defer s.Stop(time.Second)

	s.Append(testEntry("A"))
	time.Sleep(50 * time.Millisecond)
	if tr.attempts() != 0 {
		t.Fatalf("flush fired below threshold: %d attempts", tr.attempts())
	}

	s.Append(testEntry("B"))
	waitFor(t, 2*time.Second, "threshold flush", func() bool { return tr.attempts() == 1 })

	batches := tr.delivered()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("unexpected delivery: %d batches", len(batches))
	}
	if batches[0][0].Message != "A" || batches[0][1].Message != "B" {
		t.Errorf("batch order lost: %q, %q", batches[0][0].Message, batches[0][1].Message)
	}
}

func TestTimerTrigger(t *testing.T) {
	tr := &mockTransport{}
	s := New(Config{BatchSize: 100, FlushInterval: 50 * time.Millisecond}, tr)
	defer s.Stop(time.Second)

	s.Append(testEntry("A"))
	waitFor(t, 2*time.Second, "timer flush", func() bool { return tr.attempts() == 1 })
}

func TestManualFlush(t *testing.T) {
	tr := &mockTransport{}
	s := New(Config{BatchSize: 100, FlushInterval: time.Hour}, tr)
	defer s.Stop(time.Second)

	s.Append(testEntry("A"))
	if !s.Flush(2 * time.Second) {
		t.Fatal("Flush timed out")
	}
	if tr.attempts() != 1 {
		t.Fatalf("expected 1 send after manual flush, got %d", tr.attempts())
	}

	snap := s.Stats()
	if snap.Sent != 1 || snap.Pending != 0 || snap.Flushes != 1 {
		t.Errorf("stats = %+v", snap)
	}
}

func TestSuccessfulSendStats(t *testing.T) {
	tr := &mockTransport{}
	s := New(Config{BatchSize: 2, FlushInterval: time.Hour}, tr)
	defer s.Stop(time.Second)

	s.Append(testEntry("A"))
	s.Append(testEntry("B"))
	waitFor(t, 2*time.Second, "flush", func() bool { return s.Stats().Sent == 2 })

	snap := s.Stats()
	if snap.Sent != 2 || snap.Pending != 0 || snap.Flushes != 1 || snap.Errors != 0 || snap.Dropped != 0 {
		t.Errorf("stats = %+v, want sent=2 pending=0 flushes=1 errors=0 dropped=0", snap)
	}
}

func TestOverflowDropsSilently(t *testing.T) {
	tr := &mockTransport{}
	s := New(Config{BatchSize: 100, FlushInterval: time.Hour, MaxBufferSize: 1}, tr)
	defer s.Stop(time.Second)

	if !s.Append(testEntry("A")) {
		t.Fatal("first append rejected")
	}
	if s.Append(testEntry("B")) {
		t.Fatal("append at capacity accepted")
	}

	snap := s.Stats()
	if snap.Dropped != 1 || snap.Pending != 1 {
		t.Errorf("stats = %+v, want dropped=1 pending=1", snap)
	}
}

func TestHTTPRejectionIsPermanent(t *testing.T) {
	tr := &mockTransport{err: permanentErr(400)}
	s := New(Config{BatchSize: 2, FlushInterval: time.Hour}, tr)
	defer s.Stop(time.Second)

	s.Append(testEntry("A"))
	s.Append(testEntry("B"))
	waitFor(t, 2*time.Second, "rejection", func() bool { return s.Stats().Errors == 2 })

	snap := s.Stats()
	if snap.Retrying != 0 {
		t.Errorf("rejected batch entered retry queue: %+v", snap)
	}
	if snap.Dropped != 0 || snap.Sent != 0 {
		t.Errorf("stats = %+v", snap)
	}
}

func TestRetryExhaustionDropsBatch(t *testing.T) {
	tr := &mockTransport{err: transientErr()}
	s := New(Config{
		BatchSize:     1,
		FlushInterval: time.Hour,
		MaxRetries:    3,
		RetryBackoff:  20 * time.Millisecond,
	}, tr)
	defer s.Stop(time.Second)

	s.Append(testEntry("A"))

	// Initial attempt plus three retries at +20ms, +40ms, +80ms.
	waitFor(t, 3*time.Second, "retry exhaustion", func() bool { return s.Stats().Dropped == 1 })

	if got := tr.attempts(); got != 4 {
		t.Errorf("attempts = %d, want 4 (initial + 3 retries)", got)
	}
	snap := s.Stats()
	if snap.Retrying != 0 {
		t.Errorf("retry queue not empty after exhaustion: %+v", snap)
	}
	if snap.Sent != 0 || snap.Errors != 0 {
		t.Errorf("stats = %+v", snap)
	}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	tr := &mockTransport{err: transientErr(), failN: 1}
	s := New(Config{
		BatchSize:     1,
		FlushInterval: time.Hour,
		MaxRetries:    3,
		RetryBackoff:  20 * time.Millisecond,
	}, tr)
	defer s.Stop(time.Second)

	s.Append(testEntry("A"))
	waitFor(t, 3*time.Second, "retry success", func() bool { return s.Stats().Sent == 1 })

	snap := s.Stats()
	if snap.Dropped != 0 || snap.Errors != 0 || snap.Retrying != 0 || snap.Flushes != 1 {
		t.Errorf("stats = %+v", snap)
	}
	if tr.attempts() != 2 {
		t.Errorf("attempts = %d, want 2", tr.attempts())
	}
}

func TestStopFlushesRemaining(t *testing.T) {
	tr := &mockTransport{}
	s := New(Config{BatchSize: 100, FlushInterval: time.Hour}, tr)

	s.Append(testEntry("A"))
	s.Append(testEntry("B"))
	s.Stop(2 * time.Second)

	snap := s.Stats()
	if snap.Sent != 2 || snap.Pending != 0 || snap.Flushes != 1 {
		t.Errorf("stats = %+v, want sent=2 pending=0 flushes=1", snap)
	}
	if !tr.isClosed() {
		t.Error("transport not closed on stop")
	}
}

func TestStopDropsUnscheduledRetries(t *testing.T) {
	tr := &mockTransport{err: transientErr()}
	s := New(Config{
		BatchSize:     1,
		FlushInterval: time.Hour,
		MaxRetries:    3,
		RetryBackoff:  time.Hour, // never due during the test
	}, tr)

	s.Append(testEntry("A"))
	waitFor(t, 2*time.Second, "enqueue into retry", func() bool { return s.Stats().Retrying == 1 })

	s.Stop(2 * time.Second)

	snap := s.Stats()
	if snap.Dropped != 1 || snap.Retrying != 0 {
		t.Errorf("stats = %+v, want dropped=1 retrying=0", snap)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	tr := &mockTransport{}
	s := New(Config{BatchSize: 100, FlushInterval: time.Hour}, tr)

	s.Append(testEntry("A"))
	s.Stop(2 * time.Second)
	first := s.Stats()

	s.Stop(2 * time.Second)
	second := s.Stats()

	if first != second {
		t.Errorf("stats changed across second Stop: %+v vs %+v", first, second)
	}
	if tr.attempts() != 1 {
		t.Errorf("batch sent %d times across double stop, want 1", tr.attempts())
	}
}

func TestAppendAfterStopRejected(t *testing.T) {
	tr := &mockTransport{}
	s := New(Config{BatchSize: 100, FlushInterval: time.Hour}, tr)
	s.Stop(time.Second)

	before := s.Stats().Dropped
	if s.Append(testEntry("late")) {
		t.Error("append accepted after stop")
	}
	if got := s.Stats().Dropped; got != before+1 {
		t.Errorf("dropped = %d, want %d", got, before+1)
	}
}

func TestFlushAfterStopReturnsFalse(t *testing.T) {
	tr := &mockTransport{}
	s := New(Config{BatchSize: 100, FlushInterval: time.Hour}, tr)
	s.Stop(time.Second)

	if s.Flush(100 * time.Millisecond) {
		t.Error("Flush succeeded after stop")
	}
}

func TestByteBudgetSplitsBatches(t *testing.T) {
	tr := &mockTransport{}
	one := testEntry("0123456789").Size()
	s := New(Config{
		BatchSize:     100,
		MaxBatchBytes: one * 2,
		FlushInterval: time.Hour,
	}, tr)
	defer s.Stop(time.Second)

	for i := 0; i < 5; i++ {
		s.Append(testEntry("0123456789"))
	}
	if !s.Flush(2 * time.Second) {
		t.Fatal("Flush timed out")
	}

	batches := tr.delivered()
	if len(batches) != 3 {
		t.Fatalf("expected 3 byte-bounded batches, got %d", len(batches))
	}
	sizes := []int{len(batches[0]), len(batches[1]), len(batches[2])}
	if sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Errorf("batch sizes = %v, want [2 2 1]", sizes)
	}
}

func TestStopAllStopsLiveShippers(t *testing.T) {
	tr := &mockTransport{}
	s := New(Config{BatchSize: 100, FlushInterval: time.Hour}, tr)
	s.Append(testEntry("A"))

	StopAll(2 * time.Second)

	if s.Stats().Sent != 1 {
		t.Errorf("StopAll did not flush: %+v", s.Stats())
	}
	if !tr.isClosed() {
		t.Error("transport not closed by StopAll")
	}
}

func TestAccountingInvariant(t *testing.T) {
	tr := &mockTransport{}
	s := New(Config{BatchSize: 10, FlushInterval: 20 * time.Millisecond, MaxBufferSize: 50}, tr)

	const total = 200
	accepted := 0
	for i := 0; i < total; i++ {
		if s.Append(testEntry(fmt.Sprintf("msg-%d", i))) {
			accepted++
		}
		if i%25 == 24 {
			time.Sleep(30 * time.Millisecond)
		}
	}
	s.Stop(2 * time.Second)

	snap := s.Stats()
	if snap.Sent+snap.Errors+snap.Dropped != uint64(total) {
		t.Errorf("accounting broken: sent=%d errors=%d dropped=%d, total appended=%d",
			snap.Sent, snap.Errors, snap.Dropped, total)
	}
	if snap.Sent != uint64(accepted) {
		t.Errorf("sent=%d, accepted=%d", snap.Sent, accepted)
	}
}
