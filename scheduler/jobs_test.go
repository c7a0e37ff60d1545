package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddCronJobValidatesFields(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop()

	noop := func(context.Context) {}
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 0 * * *", false},
		{"30 18 * * 1-5", false},
		{"*/15 * * * *", false},
		{"0 0 * *", true},
		{"0 0 0 * * *", true},
		{"", true},
		{"a b c d e", true},
	}
	for _, tt := range tests {
		err := s.AddCronJob(tt.expr, "sync", noop)
		if tt.wantErr && !errors.Is(err, ErrInvalidCron) {
			t.Errorf("AddCronJob(%q) = %v, want ErrInvalidCron", tt.expr, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("AddCronJob(%q) = %v", tt.expr, err)
		}
	}
}

func TestJobsListsRegisteredJobs(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop()

	if err := s.AddCronJob("0 0 * * *", "daily-sync", func(context.Context) {}); err != nil {
		t.Fatal(err)
	}
	s.Start()

	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Name != "daily-sync" {
		t.Fatalf("jobs = %+v", jobs)
	}
	if jobs[0].NextRun.IsZero() {
		t.Error("next run not scheduled")
	}
}

func TestRunsNeverOverlap(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop()

	var active, maxActive, runs int32
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	job := func(context.Context) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		started <- struct{}{}
		<-release
		atomic.AddInt32(&active, -1)
		atomic.AddInt32(&runs, 1)
	}

	s.Trigger("first", job)
	<-started
	s.Trigger("second", job)

	// the second run is queued behind the first
	select {
	case <-started:
		t.Fatal("second run started while the first was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	<-started

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&runs) != 2 {
		select {
		case <-deadline:
			t.Fatalf("runs = %d, want 2", atomic.LoadInt32(&runs))
		case <-time.After(10 * time.Millisecond):
		}
	}
	if m := atomic.LoadInt32(&maxActive); m != 1 {
		t.Errorf("max concurrent runs = %d, want 1", m)
	}
}

func TestStopWaitsForRunningJobAndCancelsContext(t *testing.T) {
	s := NewScheduler(nil)

	started := make(chan struct{})
	var finished atomic.Bool
	var sawCancel atomic.Bool

	s.Trigger("sync", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})
	<-started

	s.Stop()

	if !sawCancel.Load() || !finished.Load() {
		t.Errorf("Stop returned before the job finished (cancel=%v finished=%v)", sawCancel.Load(), finished.Load())
	}
}

func TestRunAfterStopIsDropped(t *testing.T) {
	s := NewScheduler(nil)
	s.Stop()

	var ran bool
	var mu sync.Mutex
	s.RunNow("late", func(context.Context) {
		mu.Lock()
		ran = true
		mu.Unlock()
	})
	if ran {
		t.Error("job ran after Stop")
	}
}
