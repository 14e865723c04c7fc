package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/podkeeper/pkg/actor"
	"github.com/cuemby/podkeeper/pkg/log"
	"github.com/cuemby/podkeeper/pkg/metrics"
	"github.com/cuemby/podkeeper/pkg/supervisor"
	"github.com/cuemby/podkeeper/pkg/types"
)

// Phase is the FSM's internal state, a superset of the externally visible
// types.Process (CHECKING/STOPPING/CONFIGURING all read back as "stopped"
// via /info, even while a child is still alive during CHECKING or
// STOPPING).
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhaseChecking    Phase = "CHECKING"
	PhaseStopping    Phase = "STOPPING"
	PhaseConfiguring Phase = "CONFIGURING"
	PhaseRunning     Phase = "RUNNING"
	PhaseDead        Phase = "DEAD"
	PhaseFailed      Phase = "FAILED"
)

// Config carries the Reactive/Piped hook declaration, with its stated
// defaults.
type Config struct {
	Checks       int
	CheckEvery   time.Duration
	Grace        time.Duration
	Cwd          string
	Shell        bool
	Strict       bool
	FullShutdown bool
	Env          map[string]string
}

// DefaultConfig returns the stated defaults: 3 checks, 60s check
// interval, 60s teardown grace.
func DefaultConfig() Config {
	return Config{
		Checks:     3,
		CheckEvery: 60 * time.Second,
		Grace:      60 * time.Second,
	}
}

// RejectedError is returned when a hook's CanConfigure or Configure call
// fails, mapped to HTTP 406 by the control server.
type RejectedError struct{ Reason error }

func (e *RejectedError) Error() string { return "lifecycle: rejected: " + e.Reason.Error() }

// Lifecycle runs one pod's FSM, serialized on a single mailbox so
// concurrent control-port RPCs queue rather than race.
type Lifecycle struct {
	hook Hook
	cfg  Config
	mbox *actor.Mailbox

	mu          sync.RWMutex
	phase       Phase
	proc        *supervisor.Process
	command     []string
	env         map[string]string
	lastCluster *types.Cluster
	initialized bool
	checksLeft  int
	metrics     map[string]any

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// New creates a Lifecycle around hook, initially IDLE.
func New(hook Hook, cfg Config) *Lifecycle {
	if cfg.Checks == 0 {
		cfg.Checks = DefaultConfig().Checks
	}
	if cfg.CheckEvery == 0 {
		cfg.CheckEvery = DefaultConfig().CheckEvery
	}
	if cfg.Grace == 0 {
		cfg.Grace = DefaultConfig().Grace
	}
	l := &Lifecycle{
		hook:       hook,
		cfg:        cfg,
		mbox:       actor.NewMailbox(8),
		phase:      PhaseIdle,
		checksLeft: cfg.Checks,
		shutdownCh: make(chan struct{}),
		stopCh:     make(chan struct{}),
	}
	go l.sanityLoop()
	return l
}

// Phase returns the current FSM phase.
func (l *Lifecycle) Phase() Phase {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.phase
}

// Process maps the FSM phase onto the externally visible descriptor
// field.
func (l *Lifecycle) Process() types.Process {
	switch l.Phase() {
	case PhaseRunning:
		return types.ProcessRunning
	case PhaseDead:
		return types.ProcessDead
	case PhaseFailed:
		return types.ProcessFailed
	default:
		return types.ProcessStopped
	}
}

// Metrics returns the last successful sanity_check's return value, the
// supplemented descriptor.metrics field.
func (l *Lifecycle) Metrics() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.metrics
}

// ShutdownRequested fires once, only when Off() tears down the
// subprocess under full_shutdown=true: the whole agent exits after
// subprocess teardown, the source of exit code 0.
func (l *Lifecycle) ShutdownRequested() <-chan struct{} {
	return l.shutdownCh
}

// Check backs POST /control/check: run CanConfigure without side effects.
func (l *Lifecycle) Check(cluster *types.Cluster) error {
	var outErr error
	l.mbox.Ask(func() {
		l.mu.Lock()
		l.phase = PhaseChecking
		l.mu.Unlock()

		if checker, ok := l.hook.(Checker); ok {
			if err := checker.CanConfigure(cluster); err != nil {
				outErr = &RejectedError{Reason: err}
			}
		}

		l.mu.Lock()
		if l.phase == PhaseChecking {
			l.phase = l.idlePhaseLocked()
		}
		l.mu.Unlock()
	})
	return outErr
}

// idlePhaseLocked returns IDLE or RUNNING depending on whether a child is
// currently alive, must be called with l.mu held.
func (l *Lifecycle) idlePhaseLocked() Phase {
	if l.proc != nil {
		return PhaseRunning
	}
	return PhaseIdle
}

// On backs POST /control/on: configure (if needed) and start the child.
func (l *Lifecycle) On(ctx context.Context, cluster *types.Cluster) error {
	var outErr error
	l.mbox.Ask(func() {
		outErr = l.onLocked(ctx, cluster)
	})
	return outErr
}

func (l *Lifecycle) onLocked(ctx context.Context, cluster *types.Cluster) error {
	logger := log.WithComponent("lifecycle")

	l.mu.Lock()
	running := l.proc != nil
	depsChanged := l.lastCluster == nil || !dependenciesEqual(l.lastCluster.Dependencies, cluster.Dependencies)
	l.mu.Unlock()

	if running && (l.cfg.Strict || depsChanged) {
		// Reconfiguring a live pod means tearing it down first, matching
		// forcing a reset on any running pod whose dependencies changed.
		if err := l.teardownLocked(ctx); err != nil {
			return err
		}
	} else if running {
		logger.Debug().Msg("skipping /control/on request, already running")
		return nil
	}

	l.mu.Lock()
	l.phase = PhaseConfiguring
	l.mu.Unlock()

	if !l.initialized {
		if initer, ok := l.hook.(Initializer); ok {
			logger.Info().Msg("initializing pod")
			if err := initer.Initialize(); err != nil {
				return l.failConfigure(err)
			}
		}
		l.initialized = true
	}

	command, env, err := l.hook.Configure(cluster)
	if err != nil {
		return l.failConfigure(err)
	}
	if len(command) == 0 {
		return l.failConfigure(fmt.Errorf("configure returned an empty command"))
	}

	fullEnv := mergeEnv(l.cfg.Env, env)
	proc, err := supervisor.Start(command, fullEnv, l.cfg.Cwd, l.cfg.Shell)
	if err != nil {
		return l.failConfigure(err)
	}

	l.mu.Lock()
	l.proc = proc
	l.command = command
	l.env = env
	l.lastCluster = cluster
	l.checksLeft = l.cfg.Checks
	l.phase = PhaseRunning
	l.mu.Unlock()

	logger.Info().Str("command", fmt.Sprint(command)).Int("pid", proc.Pid()).Msg("started child process")
	go l.watchChild(proc)

	if configured, ok := l.hook.(Configured); ok {
		go configured.OnConfigured(cluster)
	}
	return nil
}

// failConfigure records a CONFIGURING hook exception as a fatal FSM
// transition: FAILED is reachable from CONFIGURING on a hook exception.
func (l *Lifecycle) failConfigure(err error) error {
	log.WithComponent("lifecycle").Warn().Err(err).Msg("failed to configure, marking pod failed")
	l.mu.Lock()
	l.phase = PhaseFailed
	l.mu.Unlock()
	return &RejectedError{Reason: err}
}

// Off backs POST /control/off: tear down the child gracefully.
func (l *Lifecycle) Off(ctx context.Context) error {
	var outErr error
	l.mbox.Ask(func() {
		outErr = l.teardownLocked(ctx)
		if outErr == nil && l.cfg.FullShutdown {
			l.shutdownOnce.Do(func() { close(l.shutdownCh) })
		}
	})
	return outErr
}

func (l *Lifecycle) teardownLocked(ctx context.Context) error {
	l.mu.Lock()
	proc := l.proc
	l.phase = PhaseStopping
	l.mu.Unlock()

	if proc != nil {
		log.WithComponent("lifecycle").Info().Int("pid", proc.Pid()).Msg("tearing down process")
		if downer, ok := l.hook.(TearDowner); ok {
			if err := downer.TearDown(proc.Pid()); err != nil {
				log.WithComponent("lifecycle").Warn().Err(err).Msg("hook tear_down failed, falling back to SIGTERM")
			}
		}
		proc.TearDown(ctx, l.cfg.Grace)
	}

	l.mu.Lock()
	l.proc = nil
	l.phase = PhaseIdle
	l.mu.Unlock()
	return nil
}

// Kill backs POST /control/kill: tear down, finalize, and go DEAD. The pod
// stays DEAD until an explicit /control/on configures it again.
func (l *Lifecycle) Kill(ctx context.Context) error {
	var outErr error
	l.mbox.Ask(func() {
		if err := l.teardownLocked(ctx); err != nil {
			outErr = err
			return
		}
		if finalizer, ok := l.hook.(Finalizer); ok {
			log.WithComponent("lifecycle").Info().Msg("finalizing pod")
			if err := finalizer.Finalize(); err != nil {
				log.WithComponent("lifecycle").Warn().Err(err).Msg("finalize failed")
			}
		}
		l.mu.Lock()
		l.phase = PhaseDead
		l.mu.Unlock()
	})
	return outErr
}

// Signal backs the supplemented POST /control/signal escape hatch.
func (l *Lifecycle) Signal(js map[string]any) (map[string]any, error) {
	var reply map[string]any
	var outErr error
	l.mbox.Ask(func() {
		signaler, ok := l.hook.(Signaler)
		if !ok {
			outErr = fmt.Errorf("lifecycle: hook does not implement Signaled")
			return
		}
		l.mu.RLock()
		pid := 0
		if l.proc != nil {
			pid = l.proc.Pid()
		}
		l.mu.RUnlock()

		reply, outErr = signaler.Signaled(js, pid)
	})
	return reply, outErr
}

// watchChild waits for proc to exit and schedules a restart, a graceful
// DEAD transition, or FAILED once the restart budget is exhausted. Exited
// closes rather than delivers a value, so TearDown can observe the same
// exit concurrently without racing this goroutine over who gets to read it.
func (l *Lifecycle) watchChild(proc *supervisor.Process) {
	select {
	case <-proc.Exited():
		l.mbox.Send(func() { l.onChildExited(proc, proc.Result()) })
	case <-l.stopCh:
	}
}

func (l *Lifecycle) onChildExited(proc *supervisor.Process, exit supervisor.Exit) {
	l.mu.Lock()
	if l.proc != proc {
		l.mu.Unlock()
		return // already superseded by a teardown/reconfigure
	}
	logger := log.WithComponent("lifecycle")

	if exit.Code == 0 {
		logger.Info().Int("pid", proc.Pid()).Msg("pid exited cleanly, shutting down")
		l.proc = nil
		l.phase = PhaseDead
		l.mu.Unlock()
		return
	}

	logger.Warn().Int("pid", proc.Pid()).Int("code", exit.Code).Msg("pid died, considering restart")
	l.checksLeft--
	remaining := l.checksLeft
	exhausted := remaining < 0
	command, env, cwd, shell := l.command, l.env, l.cfg.Cwd, l.cfg.Shell
	l.proc = nil
	if exhausted {
		l.phase = PhaseFailed
	}
	l.mu.Unlock()

	if exhausted {
		logger.Warn().Msg("restart budget exhausted, marking pod failed")
		return
	}

	backoff := time.Duration(l.cfg.Checks-remaining) * time.Second
	time.Sleep(backoff)

	fullEnv := mergeEnv(l.cfg.Env, env)
	newProc, err := supervisor.Start(command, fullEnv, cwd, shell)
	if err != nil {
		logger.Warn().Err(err).Msg("restart failed")
		l.mu.Lock()
		l.phase = PhaseFailed
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	l.proc = newProc
	l.phase = PhaseRunning
	l.mu.Unlock()
	metrics.ChildRestartsTotal.Inc()
	logger.Info().Int("pid", newProc.Pid()).Msg("restarted child process")
	go l.watchChild(newProc)
}

// sanityLoop polls the hook's SanityCheck on check_every while RUNNING. A
// success resets the restart counter; a failure consumes it, failing the
// pod once exhausted.
func (l *Lifecycle) sanityLoop() {
	ticker := time.NewTicker(l.cfg.CheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mbox.Send(l.runSanityCheck)
		}
	}
}

func (l *Lifecycle) runSanityCheck() {
	l.mu.RLock()
	proc := l.proc
	phase := l.phase
	l.mu.RUnlock()
	if proc == nil || phase != PhaseRunning {
		return
	}

	checker, ok := l.hook.(SanityChecker)
	if !ok {
		return
	}

	logger := log.WithComponent("lifecycle")
	metrics, err := checker.SanityCheck(proc.Pid())
	if err == nil {
		l.mu.Lock()
		l.checksLeft = l.cfg.Checks
		l.metrics = metrics
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	l.checksLeft--
	remaining := l.checksLeft
	exhausted := remaining < 0
	l.mu.Unlock()

	logger.Warn().Err(err).Int("remaining", remaining).Msg("sanity check failed")
	if exhausted {
		logger.Warn().Msg("sanity check budget exhausted, marking pod failed")
		l.mbox.Send(func() {
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.Grace)
			defer cancel()
			_ = l.teardownLocked(ctx)
			l.mu.Lock()
			l.phase = PhaseFailed
			l.mu.Unlock()
		})
	}
}

// Stop tears down the lifecycle's background loops. It does not touch a
// running child; callers issue Kill first if they want a clean exit.
func (l *Lifecycle) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.mbox.Stop()
}

func mergeEnv(base, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func dependenciesEqual(a, b map[string]map[string]*types.Descriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || len(av) != len(bv) {
			return false
		}
		for pk, ad := range av {
			bd, ok := bv[pk]
			if !ok || ad.IP != bd.IP {
				return false
			}
		}
	}
	return true
}
