package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsJob(t *testing.T) {
	p := New(2, 4)
	defer p.Stop()

	done := make(chan struct{})
	p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("job did not run in time")
	}
}

func TestSubmitFansOutAcrossWorkers(t *testing.T) {
	p := New(4, 16)
	defer p.Stop()

	var count atomic.Int64
	var wg sync.WaitGroup
	wg.Add(8)
	for i := 0; i < 8; i++ {
		p.Submit(func() {
			count.Add(1)
			wg.Done()
		})
	}

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for all jobs to run")
	}

	if count.Load() != 8 {
		t.Fatalf("count = %d, want 8", count.Load())
	}
}

func TestStopDrainsRunningWorkers(t *testing.T) {
	p := New(2, 2)
	started := make(chan struct{})
	block := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-block
	})
	<-started
	close(block)
	p.Stop() // must return once the in-flight job finishes
}
