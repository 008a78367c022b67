package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"solana-flywheel/internal/storage"
)

// Job is one periodic engine task. EnabledKey names the platform-config
// flag consulted before every run; empty means always enabled.
type Job struct {
	Name       string
	Spec       string // cron spec, e.g. "@every 30s"
	EnabledKey string
	Run        func(ctx context.Context)
}

type jobState struct {
	job     Job
	entryID cron.EntryID

	mu           sync.Mutex
	running      bool
	lastRun      time.Time
	lastDuration time.Duration
	runs         uint64
}

// Info is a job's snapshot for the admin API
type Info struct {
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration_ns"`
	Runs         uint64        `json:"runs"`
}

// Runner schedules the engine's periodic jobs. Enable flags are re-read on
// every run so admin toggles apply without a restart; overlapping runs of
// the same job are skipped.
type Runner struct {
	db   *storage.DB
	cron *cron.Cron

	mu   sync.Mutex
	jobs map[string]*jobState

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a job runner
func NewRunner(db *storage.DB) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		db:      db,
		cron:    cron.New(),
		jobs:    make(map[string]*jobState),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Register adds a job to the schedule
func (r *Runner) Register(j Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.jobs[j.Name]; dup {
		return fmt.Errorf("job %s already registered", j.Name)
	}

	state := &jobState{job: j}
	entryID, err := r.cron.AddFunc(j.Spec, func() { r.execute(state, false) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", j.Name, err)
	}
	state.entryID = entryID
	r.jobs[j.Name] = state

	log.Info().Str("job", j.Name).Str("spec", j.Spec).Msg("job registered")
	return nil
}

// Start begins the schedule
func (r *Runner) Start() {
	r.cron.Start()
	log.Info().Int("jobs", len(r.jobs)).Msg("job runner started")
}

// Stop halts the schedule and drains running jobs for up to the timeout.
// Returns an error when jobs were still running at the deadline.
func (r *Runner) Stop(timeout time.Duration) error {
	<-r.cron.Stop().Done()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("job runner drained")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("jobs still running after %s drain", timeout)
	}
}

// RunNow triggers one job immediately, regardless of its enable flag
func (r *Runner) RunNow(name string) error {
	r.mu.Lock()
	state, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job: %s", name)
	}

	go r.execute(state, true)
	return nil
}

func (r *Runner) execute(state *jobState, forced bool) {
	if !forced && !r.enabled(state.job) {
		return
	}

	state.mu.Lock()
	if state.running {
		state.mu.Unlock()
		log.Debug().Str("job", state.job.Name).Msg("previous run still active, skipping")
		return
	}
	state.running = true
	state.mu.Unlock()

	r.wg.Add(1)
	start := time.Now()
	defer func() {
		took := time.Since(start)
		state.mu.Lock()
		state.running = false
		state.lastRun = start
		state.lastDuration = took
		state.runs++
		state.mu.Unlock()
		r.wg.Done()
	}()

	state.job.Run(r.baseCtx)
}

func (r *Runner) enabled(j Job) bool {
	if j.EnabledKey == "" {
		return true
	}
	return r.db.PlatformBool(j.EnabledKey, true)
}

// Snapshot lists every job's current state
func (r *Runner) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.jobs))
	for _, state := range r.jobs {
		state.mu.Lock()
		infos = append(infos, Info{
			Name:         state.job.Name,
			Spec:         state.job.Spec,
			Enabled:      r.enabled(state.job),
			Running:      state.running,
			LastRun:      state.lastRun,
			LastDuration: state.lastDuration,
			Runs:         state.runs,
		})
		state.mu.Unlock()
	}
	return infos
}
