// Package agent assembles C1-C9 into one running pod process: dial the
// coordination service, register this pod's descriptor, campaign for
// cluster leadership, and - while leader - watch cluster membership and
// drive reconfiguration sweeps, all alongside the local lifecycle FSM and
// its control HTTP server. This is the single entry point that wires a
// freshly bound pod's coordinator, lifecycle, and control server together
// and keeps them alive for the life of the process.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/podkeeper/pkg/api"
	"github.com/cuemby/podkeeper/pkg/binding"
	"github.com/cuemby/podkeeper/pkg/coordination"
	"github.com/cuemby/podkeeper/pkg/election"
	"github.com/cuemby/podkeeper/pkg/lifecycle"
	"github.com/cuemby/podkeeper/pkg/log"
	"github.com/cuemby/podkeeper/pkg/metrics"
	"github.com/cuemby/podkeeper/pkg/reconciler"
	"github.com/cuemby/podkeeper/pkg/registry"
	"github.com/cuemby/podkeeper/pkg/types"
	"github.com/cuemby/podkeeper/pkg/watcher"
)

// Dialer opens a fresh coordination client, called once at startup and
// again on every /reset.
type Dialer func() (coordination.Client, error)

// Config carries everything resolved from the binding probe plus the
// hook's Reactive/Piped declaration, used to seed every component.
type Config struct {
	Binding      binding.Result
	Dependencies []string
	Hook         lifecycle.Hook

	Damper       time.Duration
	Grace        time.Duration
	Sequential   bool
	FullShutdown bool
	Checks       int
	CheckEvery   time.Duration
	ProbeEvery   time.Duration
	Cwd          string
	Shell        bool
	Strict       bool
	Env          map[string]string
}

// Agent owns one pod's worth of the coordination fleet: its registered
// descriptor, its leader campaign, and - conditionally - the cluster
// watcher and reconciliation driver.
type Agent struct {
	cfg    Config
	dialer Dialer

	mu       sync.RWMutex
	client   coordination.Client
	reg      *registry.Registry
	elect    *election.Election
	watch    *watcher.Watcher
	watching bool

	recon *reconciler.Reconciler
	lc    *lifecycle.Lifecycle
	srv   *api.Server

	stopCh chan struct{}
	once   sync.Once
}

// New builds an Agent around cfg. dialer opens the initial (and every
// subsequent /reset) coordination connection.
func New(cfg Config, dialer Dialer) *Agent {
	if cfg.Checks == 0 {
		cfg.Checks = lifecycle.DefaultConfig().Checks
	}
	if cfg.CheckEvery == 0 {
		cfg.CheckEvery = lifecycle.DefaultConfig().CheckEvery
	}
	if cfg.Grace == 0 {
		cfg.Grace = lifecycle.DefaultConfig().Grace
	}
	if cfg.Damper == 0 {
		cfg.Damper = 10 * time.Second
	}

	a := &Agent{cfg: cfg, dialer: dialer, stopCh: make(chan struct{})}
	a.lc = lifecycle.New(cfg.Hook, lifecycle.Config{
		Checks:       cfg.Checks,
		CheckEvery:   cfg.CheckEvery,
		Grace:        cfg.Grace,
		Cwd:          cfg.Cwd,
		Shell:        cfg.Shell,
		Strict:       cfg.Strict,
		FullShutdown: cfg.FullShutdown,
		Env:          cfg.Env,
	})
	return a
}

// Lifecycle exposes the FSM. Run itself watches its ShutdownRequested().
func (a *Agent) Lifecycle() *lifecycle.Lifecycle { return a.lc }

// Run connects, registers, campaigns for leadership, and blocks until ctx
// is done, the coordination session is permanently lost, or the lifecycle
// requests a full shutdown.
func (a *Agent) Run(ctx context.Context) error {
	logger := log.WithComponent("agent")

	if err := a.connect(ctx); err != nil {
		return fmt.Errorf("agent: initial connect failed: %w", err)
	}

	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()

	a.srv = api.New(a.reg, a.lc, a)
	addr := fmt.Sprintf("0.0.0.0:%d", a.cfg.Binding.Ports[a.cfg.Binding.PortKey])
	go func() {
		if err := a.srv.ListenAndServe(addr); err != nil {
			logger.Error().Err(err).Msg("control server stopped")
		}
	}()

	a.mu.Lock()
	a.elect = election.New(client, a.cfg.Binding.Key)
	a.mu.Unlock()
	if err := a.elect.Campaign(ctx); err != nil {
		return fmt.Errorf("agent: campaign failed: %w", err)
	}

	go a.watchRoles(ctx)
	go a.pollProcessState(ctx)

	stateChanges := client.StateChanges()
	for {
		select {
		case <-ctx.Done():
			a.shutdown(context.Background())
			return nil
		case <-a.lc.ShutdownRequested():
			logger.Info().Msg("full shutdown requested, exiting")
			a.shutdown(context.Background())
			return nil
		case <-a.stopCh:
			a.shutdown(context.Background())
			return nil
		case st, ok := <-stateChanges:
			if ok && st == coordination.StateLost {
				return &CoordinationLostError{}
			}
		}
	}
}

// CoordinationLostError signals the fatal, unrecoverable coordination loss
// that maps to agent process exit code 2.
type CoordinationLostError struct{}

func (*CoordinationLostError) Error() string { return "agent: coordination session permanently lost" }

func (a *Agent) connect(ctx context.Context) error {
	client, err := a.dialer()
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}

	// The pod's uuid is generated once; a /reset re-registers under the
	// same one.
	a.mu.RLock()
	id := uuid.New().String()
	if a.reg != nil {
		id = a.reg.Descriptor().UUID
	}
	a.mu.RUnlock()

	descriptor := &types.Descriptor{
		UUID:        id,
		Node:        a.cfg.Binding.Node,
		Task:        a.cfg.Binding.Task,
		IP:          a.cfg.Binding.IP,
		Public:      a.cfg.Binding.Public,
		Ports:       a.cfg.Binding.Ports,
		Port:        a.cfg.Binding.PortKey,
		Application: a.cfg.Binding.Application,
		Process:     types.ProcessStopped,
		State:       types.StateFollower,
	}

	reg := registry.New(client, a.cfg.Binding.Key, descriptor)
	if _, err := reg.Register(ctx); err != nil {
		_ = client.Close()
		return err
	}

	a.mu.Lock()
	a.client = client
	a.reg = reg
	a.recon = reconciler.New(client, a.cfg.Binding.Key)
	a.mu.Unlock()
	return nil
}

// Reset implements api.Resetter: force a fresh coordination session and
// re-registration without touching the supervised subprocess.
func (a *Agent) Reset(ctx context.Context) error {
	log.WithComponent("agent").Info().Msg("forcing coordination reset")

	a.mu.Lock()
	oldClient := a.client
	if a.elect != nil {
		a.elect.Stop()
	}
	if a.watch != nil {
		a.watch.Stop()
		a.watching = false
	}
	a.mu.Unlock()

	if oldClient != nil {
		_ = oldClient.Close()
	}

	if err := a.connect(ctx); err != nil {
		return err
	}

	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()

	a.mu.Lock()
	a.elect = election.New(client, a.cfg.Binding.Key)
	a.mu.Unlock()
	return a.elect.Campaign(ctx)
}

// watchRoles reacts to leader/follower transitions: only the leader runs
// the cluster watcher and reconciliation driver.
func (a *Agent) watchRoles(ctx context.Context) {
	logger := log.WithComponent("agent")
	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case role, ok := <-a.elect.Roles():
			if !ok {
				return
			}

			a.mu.Lock()
			_ = a.reg.Update(ctx, func(d *types.Descriptor) { d.State = role })
			a.mu.Unlock()

			if role == types.StateLeader {
				metrics.Leader.Set(1)
				logger.Info().Str("cluster", a.cfg.Binding.Key).Msg("acquired cluster leadership")
				a.startWatching(ctx)
			} else {
				metrics.Leader.Set(0)
				a.stopWatching()
			}
		}
	}
}

func (a *Agent) startWatching(ctx context.Context) {
	a.mu.Lock()
	if a.watching {
		a.mu.Unlock()
		return
	}
	a.watch = watcher.New(a.client, a.cfg.Binding.Key, a.cfg.Dependencies, a.cfg.Damper)
	if prober, ok := a.cfg.Hook.(lifecycle.Prober); ok {
		a.watch.WithProbe(prober.Probe, a.cfg.ProbeEvery, a.onProbeResult)
	}
	a.watching = true
	w := a.watch
	a.mu.Unlock()

	go w.Run(ctx)
	go a.sweepLoop(ctx, w)
}

// onProbeResult surfaces the Cluster Watcher's probe() result onto this
// pod's own registered descriptor, the source of /info's status hint.
func (a *Agent) onProbeResult(status string, err error) {
	logger := log.WithComponent("agent")
	if err != nil {
		logger.Warn().Err(err).Msg("cluster probe failed")
		return
	}

	a.mu.RLock()
	reg := a.reg
	a.mu.RUnlock()
	if reg == nil {
		return
	}
	_ = reg.Update(context.Background(), func(d *types.Descriptor) { d.Status = status })
}

func (a *Agent) stopWatching() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.watch != nil {
		a.watch.Stop()
	}
	a.watching = false
}

// sweepLoop drains w.Sweeps() and drives the Reconciliation Driver for as
// long as this pod remains the leader of its cluster.
func (a *Agent) sweepLoop(ctx context.Context, w *watcher.Watcher) {
	logger := log.WithComponent("agent")
	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case snap, ok := <-w.Sweeps():
			if !ok {
				return
			}

			a.mu.RLock()
			recon := a.recon
			a.mu.RUnlock()
			if recon == nil {
				continue
			}

			timer := metrics.NewTimer()
			outcome, err := recon.Sweep(ctx, snap, reconciler.Config{
				PortKey:    a.cfg.Binding.PortKey,
				Damper:     a.cfg.Damper,
				Grace:      a.cfg.Grace,
				Sequential: a.cfg.Sequential,
			})
			timer.ObserveDuration(metrics.ReconfigureDuration)
			if err != nil {
				logger.Warn().Err(err).Msg("sweep failed")
				metrics.SweepsTotal.WithLabelValues(reconciler.ReasonAbortedPeer).Inc()
				continue
			}
			metrics.SweepsTotal.WithLabelValues(outcome.Reason).Inc()
			logger.Info().Bool("committed", outcome.Committed).Str("reason", outcome.Reason).Int("members", outcome.Members).Msg("sweep finished")
		}
	}
}

// pollProcessState mirrors the lifecycle FSM's externally visible process
// state into the registered descriptor and the podagent_process_state
// gauge, since the FSM has no change-notification hook of its own.
func (a *Agent) pollProcessState(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := types.Process("")
	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := a.lc.Process()
			if current == last {
				continue
			}
			last = current

			a.mu.RLock()
			reg := a.reg
			a.mu.RUnlock()
			if reg != nil {
				_ = reg.Update(ctx, func(d *types.Descriptor) {
					d.Process = current
					d.Metrics = a.lc.Metrics()
				})
			}
			setProcessStateGauge(current)
		}
	}
}

func setProcessStateGauge(current types.Process) {
	for _, state := range []types.Process{types.ProcessStopped, types.ProcessRunning, types.ProcessDead, types.ProcessFailed} {
		value := 0.0
		if state == current {
			value = 1
		}
		metrics.ProcessState.WithLabelValues(string(state)).Set(value)
	}
}

// Stop tears everything down for this process: the control server, the
// leader campaign, the cluster watcher, the lifecycle FSM, and the
// coordination session, in that order.
func (a *Agent) Stop() {
	a.once.Do(func() { close(a.stopCh) })
	a.shutdown(context.Background())
}

func (a *Agent) shutdown(ctx context.Context) {
	if a.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.srv.Shutdown(shutdownCtx)
		cancel()
	}

	a.mu.Lock()
	if a.elect != nil {
		a.elect.Stop()
	}
	if a.watch != nil {
		a.watch.Stop()
	}
	client := a.client
	a.mu.Unlock()

	a.lc.Stop()
	if client != nil {
		_ = client.Close()
	}
}
