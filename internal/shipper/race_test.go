package shipper

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// --- Race condition tests ---

func TestRace_ConcurrentAppend(t *testing.T) {
	tr := &mockTransport{}
	s := New(Config{BatchSize: 50, FlushInterval: 10 * time.Millisecond, MaxBufferSize: 10000}, tr)

	var wg sync.WaitGroup
	const producers = 8
	const perProducer = 200

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				s.Append(testEntry(fmt.Sprintf("p%d-%d", p, i)))
			}
		}(p)
	}

	// Readers racing with producers and the worker.
	stopReads := make(chan struct{})
	var rwg sync.WaitGroup
	rwg.Add(1)
	go func() {
		defer rwg.Done()
		for {
			select {
			case <-stopReads:
				return
			default:
				_ = s.Stats()
			}
		}
	}()

	wg.Wait()
	close(stopReads)
	rwg.Wait()

	s.Stop(5 * time.Second)

	snap := s.Stats()
	if snap.Sent+snap.Dropped != producers*perProducer {
		t.Errorf("lost entries: sent=%d dropped=%d, appended=%d",
			snap.Sent, snap.Dropped, producers*perProducer)
	}
}

func TestRace_AppendDuringStop(t *testing.T) {
	tr := &mockTransport{}
	s := New(Config{BatchSize: 50, FlushInterval: 10 * time.Millisecond}, tr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.Append(testEntry("racing"))
		}
	}()

	time.Sleep(time.Millisecond)
	s.Stop(5 * time.Second)
	wg.Wait()

	// Appends that lost the race are dropped or left pending, never lost
	// silently.
	snap := s.Stats()
	if snap.Sent+snap.Dropped+uint64(snap.Pending) != 500 {
		t.Errorf("accounting broken: sent=%d dropped=%d pending=%d",
			snap.Sent, snap.Dropped, snap.Pending)
	}
}

func TestRace_ConcurrentFlush(t *testing.T) {
	tr := &mockTransport{}
	s := New(Config{BatchSize: 100, FlushInterval: time.Hour}, tr)
	defer s.Stop(time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Append(testEntry("flush-race"))
			s.Flush(2 * time.Second)
		}()
	}
	wg.Wait()

	snap := s.Stats()
	if snap.Sent != 4 || snap.Pending != 0 {
		t.Errorf("stats = %+v, want sent=4 pending=0", snap)
	}
}
