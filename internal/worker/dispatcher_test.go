package worker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcherRunsJobs(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 2, MaxWorkers: 4, QueueSize: 16})
	defer d.Stop()

	var ran int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		user := fmt.Sprintf("user-%d", i%3)
		if err := d.Submit(Job{UserID: user, Label: "count", Run: func() {
			defer wg.Done()
			atomic.AddInt32(&ran, 1)
		}}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	waitGroup(t, &wg)
	if atomic.LoadInt32(&ran) != 10 {
		t.Fatalf("expected 10 jobs, ran %d", ran)
	}
}

func TestDispatcherRotatesBetweenUsers(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 16})
	defer d.Stop()

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	record := func(label string) func() {
		return func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
		}
	}

	// hold the only worker so the queue fills before anything runs
	wg.Add(1)
	if err := d.Submit(Job{UserID: "hold", Label: "hold", Run: func() { defer wg.Done(); <-gate }}); err != nil {
		t.Fatalf("submit hold: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		if err := d.Submit(Job{UserID: "heavy", Label: fmt.Sprintf("heavy-%d", i), Run: record("heavy")}); err != nil {
			t.Fatalf("submit heavy: %v", err)
		}
	}
	wg.Add(1)
	if err := d.Submit(Job{UserID: "light", Label: "light", Run: record("light")}); err != nil {
		t.Fatalf("submit light: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	waitGroup(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 {
		t.Fatalf("unexpected order %v", order)
	}
	lightAt := -1
	for i, v := range order {
		if v == "light" {
			lightAt = i
		}
	}
	if lightAt == len(order)-1 {
		t.Fatalf("light user starved behind heavy user: %v", order)
	}
}

func TestSubmitReportsBusy(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})
	defer d.Stop()

	gate := make(chan struct{})
	defer close(gate)
	block := Job{UserID: "u", Label: "block", Run: func() { <-gate }}

	busy := false
	for i := 0; i < 50 && !busy; i++ {
		if err := d.Submit(block); err == ErrDispatcherBusy {
			busy = true
		}
	}
	if !busy {
		t.Fatalf("expected ErrDispatcherBusy once the queue filled")
	}
}

func TestStopRejectsNewJobs(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 2})
	d.Stop()
	d.Stop()
	if err := d.Submit(Job{UserID: "u", Run: func() {}}); err != ErrDispatcherStopped {
		t.Fatalf("expected ErrDispatcherStopped, got %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for d.pool.size() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("workers still running after stop: %d", d.pool.size())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopDropsQueuedJobs(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})

	gate := make(chan struct{})
	defer close(gate)
	started := make(chan struct{})
	if err := d.Submit(Job{UserID: "u", Label: "hold", Run: func() { close(started); <-gate }}); err != nil {
		t.Fatalf("submit hold: %v", err)
	}
	<-started

	var ran, dropped int32
	var wg sync.WaitGroup
	wg.Add(1)
	err := d.Submit(Job{
		UserID: "u",
		Label:  "queued",
		Run:    func() { atomic.AddInt32(&ran, 1); wg.Done() },
		OnDrop: func() { atomic.AddInt32(&dropped, 1); wg.Done() },
	})
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}
	d.Stop()
	waitGroup(t, &wg)
	if atomic.LoadInt32(&dropped) != 1 || atomic.LoadInt32(&ran) != 0 {
		t.Fatalf("expected queued job to be dropped, ran=%d dropped=%d", ran, dropped)
	}
}

func TestPanickingJobKeepsWorker(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 1})
	defer d.Stop()

	if err := d.Submit(Job{UserID: "u", Label: "boom", Run: func() { panic("boom") }}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	if err := d.Submit(Job{UserID: "u", Label: "after", Run: wg.Done}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitGroup(t, &wg)
}

func TestShutdownExpiredKeepsMinimum(t *testing.T) {
	p := newJobChannelPool(1, 3, time.Hour)
	defer p.stop()
	for i := 0; i < 3; i++ {
		p.spawnIdle()
	}
	if p.size() != 3 {
		t.Fatalf("expected 3 workers, got %d", p.size())
	}
	p.shutdownExpired(time.Now().Add(2 * time.Hour))
	deadline := time.Now().Add(time.Second)
	for p.size() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected pool to shrink to 1, got %d", p.size())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("jobs did not finish in time")
	}
}
