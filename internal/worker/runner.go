package worker

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"guildgate/internal/jobs"
	"guildgate/internal/models"
	"guildgate/internal/telemetry"
	"guildgate/internal/wake"
)

// Runner phases. Transitions: idle -> polling at tick start, polling -> idle
// at tick end, any -> draining on Shutdown. Draining is terminal.
const (
	PhaseIdle     = "idle"
	PhasePolling  = "polling"
	PhaseDraining = "draining"
)

// JobClient is the claim/complete RPC surface the runner drives.
type JobClient interface {
	Claim(ctx context.Context, family models.Family, limit int, workerID string) ([]models.ClaimedJob, error)
	Complete(ctx context.Context, family models.Family, jobID, claimToken string, res jobs.Result) (jobs.Outcome, error)
}

// WakeSource exposes the latest pushed queue state and transport health.
type WakeSource interface {
	Latest() (*models.WakeState, bool)
}

// RunnerConfig tunes one worker process.
type RunnerConfig struct {
	WorkerID  string
	BatchSize int
	Families  []models.Family
	Scheduler wake.SchedulerConfig
	Random    func() float64
}

// Runner is the single-threaded poll loop. One tick runs at a time; a timer
// fire while a tick is in flight is a no-op, and shutdown drains between jobs
// rather than aborting the in-flight external call.
type Runner struct {
	client JobClient
	feed   WakeSource
	execs  map[models.Family]Executor
	cfg    RunnerConfig

	mu    sync.Mutex
	phase string
	drain chan struct{}
}

// NewRunner builds a Runner. Random defaults to math/rand; Families defaults
// to all known families.
func NewRunner(client JobClient, feed WakeSource, cfg RunnerConfig) *Runner {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 5
	}
	if cfg.Random == nil {
		cfg.Random = rand.Float64
	}
	if len(cfg.Families) == 0 {
		cfg.Families = models.Families()
	}
	return &Runner{
		client: client,
		feed:   feed,
		execs:  make(map[models.Family]Executor),
		cfg:    cfg,
		phase:  PhaseIdle,
		drain:  make(chan struct{}),
	}
}

// RegisterExecutor binds an executor to a job family.
func (r *Runner) RegisterExecutor(family models.Family, exec Executor) {
	if !family.Valid() || exec == nil {
		return
	}
	r.execs[family] = exec
}

// Phase returns the current loop phase.
func (r *Runner) Phase() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Shutdown requests a cooperative drain. The current job finishes; remaining
// claimed jobs in the batch are abandoned and a sleeping Run loop is woken so
// the process exits promptly. Safe to call from any goroutine, more than once.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhaseDraining {
		r.phase = PhaseDraining
		close(r.drain)
	}
}

func (r *Runner) beginTick() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhaseIdle {
		return false
	}
	r.phase = PhasePolling
	return true
}

func (r *Runner) endTick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == PhasePolling {
		r.phase = PhaseIdle
	}
}

func (r *Runner) draining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase == PhaseDraining
}

// Run loops until the context is cancelled or Shutdown drains the loop.
func (r *Runner) Run(ctx context.Context) error {
	// The feed only refreshes when the api publishes. A ready signal that an
	// empty tick has already disproved is stale, so until a tick claims
	// something again it is treated like a silent feed rather than polled at
	// zero delay.
	staleReady := false
	for {
		if r.draining() {
			return nil
		}

		state, healthy := r.feed.Latest()
		decision := wake.NextDelay(state, healthy, r.cfg.Scheduler, r.cfg.Random)
		if staleReady && decision.Reason == wake.ReasonReadyJobs {
			decision = wake.NextDelay(nil, false, r.cfg.Scheduler, r.cfg.Random)
		}
		telemetry.WakeDecisions.WithLabelValues(decision.Reason).Inc()

		if decision.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.drain:
				return nil
			case <-time.After(decision.Delay):
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		staleReady = r.Tick(ctx) == 0
	}
}

// Tick claims and processes one batch per family and reports how many jobs it
// claimed. A tick that fires while another is running returns immediately.
func (r *Runner) Tick(ctx context.Context) int {
	if !r.beginTick() {
		return 0
	}
	defer r.endTick()

	total := 0
	for _, family := range r.cfg.Families {
		if r.draining() || ctx.Err() != nil {
			return total
		}
		claimed, err := r.client.Claim(ctx, family, r.cfg.BatchSize, r.cfg.WorkerID)
		if err != nil {
			log.Printf("claim %s: %v", family, err)
			continue
		}
		total += len(claimed)

		// Jobs run one at a time to bound external API concurrency.
		for _, job := range claimed {
			if r.draining() {
				return total
			}
			r.processJob(ctx, family, job)
		}
	}
	return total
}

func (r *Runner) processJob(ctx context.Context, family models.Family, job models.ClaimedJob) {
	var res jobs.Result
	exec, ok := r.execs[family]
	if !ok {
		res = jobs.Result{Success: false, Error: "no executor registered for family " + string(family)}
	} else {
		res = exec.Execute(ctx, job)
	}

	if job.ClaimToken == nil {
		log.Printf("job %s/%s missing claim token, dropping result", family, job.ID)
		return
	}
	out, err := r.client.Complete(ctx, family, job.ID, *job.ClaimToken, res)
	if err != nil {
		log.Printf("complete %s/%s: %v", family, job.ID, err)
		return
	}
	if out.Ignored {
		telemetry.IgnoredCounter.WithLabelValues(out.Reason).Inc()
		log.Printf("completion of %s/%s ignored: %s", family, job.ID, out.Reason)
	}
}
