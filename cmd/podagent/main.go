package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/podkeeper/pkg/agent"
	"github.com/cuemby/podkeeper/pkg/binding"
	"github.com/cuemby/podkeeper/pkg/coordination"
	"github.com/cuemby/podkeeper/pkg/log"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "podagent",
	Short:   "Pod coordination agent",
	Long:    "podagent registers a pod with a ZooKeeper-like coordination service, competes for cluster leadership, and drives the cluster through its configure/run lifecycle.",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("podagent version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bind, register, and run the agent in the foreground",
	RunE:  runAgent,
}

func init() {
	runCmd.Flags().Bool("local", false, "run against a standalone coordination service on 127.0.0.1:2181")
	runCmd.Flags().String("zk", "", "comma-separated coordination ensemble addresses, overrides ochopod_zk")
	runCmd.Flags().String("cluster", "", "cluster name, overrides ochopod_cluster")
	runCmd.Flags().String("namespace", "", "namespace, overrides ochopod_namespace")
	runCmd.Flags().String("cmd", "", "shell command line the bundled hook runs once configured (required unless --config sets one)")
	runCmd.Flags().String("config", "", "YAML file overriding the lifecycle declaration (command, dependencies, damper, grace, ...)")
	runCmd.Flags().StringSlice("dependencies", nil, "dependency cluster keys the watcher follows")
	runCmd.Flags().Duration("damper", 0, "watcher damper duration, default 10s")
	runCmd.Flags().Duration("grace", 0, "teardown grace period, default 60s")
	runCmd.Flags().Duration("check-every", 0, "sanity-check interval, default 60s")
	runCmd.Flags().Duration("probe-every", 0, "cluster health probe interval, default 60s")
	runCmd.Flags().Int("checks", 0, "consecutive failures tolerated before the pod FAILs, default 3")
	runCmd.Flags().Bool("sequential", false, "drive reconfiguration sweeps one pod at a time instead of in parallel")
	runCmd.Flags().Bool("full-shutdown", false, "exit the agent once /control/off has torn the subprocess down")
}

func runAgent(cmd *cobra.Command, args []string) error {
	local, _ := cmd.Flags().GetBool("local")
	zkFlag, _ := cmd.Flags().GetString("zk")
	clusterFlag, _ := cmd.Flags().GetString("cluster")
	namespaceFlag, _ := cmd.Flags().GetString("namespace")
	cmdFlag, _ := cmd.Flags().GetString("cmd")
	configPath, _ := cmd.Flags().GetString("config")
	depsFlag, _ := cmd.Flags().GetStringSlice("dependencies")
	damper, _ := cmd.Flags().GetDuration("damper")
	grace, _ := cmd.Flags().GetDuration("grace")
	checkEvery, _ := cmd.Flags().GetDuration("check-every")
	probeEvery, _ := cmd.Flags().GetDuration("probe-every")
	checks, _ := cmd.Flags().GetInt("checks")
	sequential, _ := cmd.Flags().GetBool("sequential")
	fullShutdown, _ := cmd.Flags().GetBool("full-shutdown")

	// Flags take precedence over environment discovery; setting them
	// before Probe lets the probe's own env-reading logic stay the single
	// source of truth for the rest of the fields.
	if local {
		_ = os.Setenv(binding.EnvLocal, "true")
	}
	if clusterFlag != "" {
		_ = os.Setenv(binding.EnvCluster, clusterFlag)
	}
	if namespaceFlag != "" {
		_ = os.Setenv(binding.EnvNamespace, namespaceFlag)
	}

	if !local && os.Getenv(binding.EnvCluster) == "" {
		return fmt.Errorf("fatal binding error: %s is required (or pass --local)", binding.EnvCluster)
	}

	// Real per-orchestrator node metadata (EC2/Marathon/Kubernetes
	// scrapers) is an out-of-scope external collaborator; this CLI always
	// resolves its own addressing the local way and relies on the
	// orchestrator-injected environment for everything else.
	bound := binding.Probe(binding.LocalNodeDetails{})

	if zkFlag != "" {
		bound.ZK = strings.Split(zkFlag, ",")
	}
	if len(bound.ZK) == 0 {
		return fmt.Errorf("fatal binding error: no coordination ensemble resolved (set ochopod_zk, --zk, or --local)")
	}

	fileCfg, err := loadFileConfig(configPath)
	if err != nil {
		return fmt.Errorf("fatal binding error: reading --config: %w", err)
	}

	command := cmdFlag
	if command == "" {
		command = fileCfg.Command
	}
	if command == "" {
		return fmt.Errorf("fatal binding error: no hook command configured (--cmd or --config command:)")
	}

	dependencies := depsFlag
	if len(dependencies) == 0 {
		dependencies = fileCfg.Dependencies
	}

	cfg := agent.Config{
		Binding:      bound,
		Dependencies: dependencies,
		Hook:         newShellHook(command),
		Sequential:   sequential || fileCfg.Sequential,
		FullShutdown: fullShutdown || fileCfg.FullShutdown,
		Checks:       checks,
		CheckEvery:   checkEvery,
		ProbeEvery:   probeEvery,
		Grace:        grace,
		Damper:       damper,
	}
	if cfg.Checks == 0 {
		cfg.Checks = fileCfg.Checks
	}
	if cfg.CheckEvery == 0 {
		cfg.CheckEvery = parseDuration(fileCfg.CheckEvery)
	}
	if cfg.ProbeEvery == 0 {
		cfg.ProbeEvery = parseDuration(fileCfg.ProbeEvery)
	}
	if cfg.Grace == 0 {
		cfg.Grace = parseDuration(fileCfg.Grace)
	}
	if cfg.Damper == 0 {
		cfg.Damper = parseDuration(fileCfg.Damper)
	}

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: !bound.Debug,
		Output:     os.Stderr,
	})

	dialer := func() (coordination.Client, error) { return coordination.Dial(bound.ZK) }
	a := agent.New(cfg, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	select {
	case sig := <-sigCh:
		log.WithComponent("podagent").Info().Str("signal", sig.String()).Msg("shutting down")
		a.Stop()
		cancel()
		select {
		case <-errCh:
		case <-time.After(10 * time.Second):
		}
		return nil

	case err := <-errCh:
		var lost *agent.CoordinationLostError
		if errors.As(err, &lost) {
			log.WithComponent("podagent").Error().Msg("coordination session permanently lost")
			os.Exit(2)
		}
		return err
	}
}
