package jobs

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"solana-flywheel/internal/storage"
)

func runnerDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRunner_DuplicateRegistrationRejected(t *testing.T) {
	r := NewRunner(runnerDB(t))

	job := Job{Name: "tick", Spec: "@every 1h", Run: func(ctx context.Context) {}}
	if err := r.Register(job); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := r.Register(job); err == nil {
		t.Fatal("duplicate job name must be rejected")
	}
}

func TestRunner_RunNowBypassesEnableFlag(t *testing.T) {
	db := runnerDB(t)
	if err := db.SetPlatformValue(storage.KeyFlywheelEnabled, "false"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	var runs atomic.Int32
	r := NewRunner(db)
	err := r.Register(Job{
		Name:       "wheel",
		Spec:       "@every 1h",
		EnabledKey: storage.KeyFlywheelEnabled,
		Run:        func(ctx context.Context) { runs.Add(1) },
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.RunNow("wheel"); err != nil {
		t.Fatalf("run now: %v", err)
	}
	waitFor(t, func() bool { return runs.Load() == 1 }, time.Second)

	if err := r.RunNow("no-such-job"); err == nil {
		t.Fatal("unknown job must error")
	}
}

func TestRunner_DisabledJobSkipsScheduledRuns(t *testing.T) {
	db := runnerDB(t)
	if err := db.SetPlatformValue(storage.KeyFastClaimEnabled, "false"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	var runs atomic.Int32
	r := NewRunner(db)
	r.Register(Job{
		Name:       "claims",
		Spec:       "@every 1s",
		EnabledKey: storage.KeyFastClaimEnabled,
		Run:        func(ctx context.Context) { runs.Add(1) },
	})
	r.Start()
	defer r.Stop(time.Second)

	time.Sleep(1200 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("disabled job must not run on schedule, ran %d times", runs.Load())
	}
}

func TestRunner_StopDrainsRunningJobs(t *testing.T) {
	db := runnerDB(t)
	release := make(chan struct{})
	var finished atomic.Bool

	r := NewRunner(db)
	r.Register(Job{
		Name: "slow",
		Spec: "@every 1h",
		Run: func(ctx context.Context) {
			<-release
			finished.Store(true)
		},
	})
	r.Start()

	if err := r.RunNow("slow"); err != nil {
		t.Fatalf("run now: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	if err := r.Stop(2 * time.Second); err != nil {
		t.Fatalf("stop should wait for the job: %v", err)
	}
	if !finished.Load() {
		t.Fatal("job must finish before stop returns")
	}
}

func TestRunner_StopTimesOutOnStuckJob(t *testing.T) {
	db := runnerDB(t)
	release := make(chan struct{})
	defer close(release)

	r := NewRunner(db)
	r.Register(Job{
		Name: "stuck",
		Spec: "@every 1h",
		Run:  func(ctx context.Context) { <-release },
	})
	r.Start()
	r.RunNow("stuck")
	time.Sleep(20 * time.Millisecond)

	if err := r.Stop(50 * time.Millisecond); err == nil {
		t.Fatal("stop must report jobs still running at the deadline")
	}
}

func TestRunner_SnapshotReflectsRuns(t *testing.T) {
	db := runnerDB(t)
	var runs atomic.Int32

	r := NewRunner(db)
	r.Register(Job{Name: "tick", Spec: "@every 1h", Run: func(ctx context.Context) { runs.Add(1) }})
	r.RunNow("tick")
	waitFor(t, func() bool { return runs.Load() == 1 }, time.Second)
	waitFor(t, func() bool {
		for _, info := range r.Snapshot() {
			if info.Name == "tick" && info.Runs == 1 && !info.Running {
				return true
			}
		}
		return false
	}, time.Second)
}
