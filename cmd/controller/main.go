// Command controller launches one controller per cluster member. It
// publishes the cluster size and joint layout, waits for the orchestrator
// to finalize the handshake and then serves control steps until the
// orchestrator shuts the cluster down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/banshee-data/cluster-bridge/internal/bridge"
	"github.com/banshee-data/cluster-bridge/internal/config"
	"github.com/banshee-data/cluster-bridge/internal/shm"
	"github.com/banshee-data/cluster-bridge/internal/status"
	"github.com/banshee-data/cluster-bridge/internal/version"
)

var (
	configPath  = flag.String("config", "", "Cluster config file (.json, .yaml); built-in defaults when empty")
	namespace   = flag.String("namespace", "", "Shared-memory namespace of the cluster")
	shmDir      = flag.String("shm-dir", "", "Directory backing shared segments (default /dev/shm)")
	force       = flag.Bool("force", false, "Replace handshake buffers left behind by a previous run")
	clusterSize = flag.Int("cluster-size", 0, "Number of controllers to launch")
	joints      = flag.String("joints", "", "Comma separated joint names, in command order")
	waitStatus  = flag.String("wait-status", "", "Orchestrator gRPC health address to wait on before stepping")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// loadConfig reads the config file, if any, and overrides it with every
// flag given on the command line.
func loadConfig(path string, given func(name string) bool) (*config.ClusterConfig, error) {
	cfg := config.EmptyClusterConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadClusterConfig(path); err != nil {
			return nil, err
		}
	}

	if given("namespace") {
		cfg.Namespace = ptr(*namespace)
	}
	if given("shm-dir") {
		cfg.ShmDir = ptr(*shmDir)
	}
	if given("force") {
		cfg.ForceReconnection = ptr(*force)
	}
	if given("cluster-size") {
		cfg.ClusterSize = ptr(*clusterSize)
	}
	if given("joints") {
		cfg.JointNames = config.SplitList(*joints)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// givenFlags reports whether a flag was set on fs's command line.
func givenFlags(fs *flag.FlagSet) func(name string) bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return func(name string) bool { return set[name] }
}

func ptr[T any](v T) *T { return &v }

func controllerConfig(cfg *config.ClusterConfig, p shm.Provider, statusAddr string) bridge.ControllerConfig {
	c := bridge.ControllerConfig{
		Namespace:   cfg.GetNamespace(),
		Provider:    p,
		Attach:      cfg.GetAttachOptions(),
		Force:       cfg.GetForceReconnection(),
		ClusterSize: cfg.GetClusterSize(),
		JointNames:  cfg.GetJointNames(),
	}
	if statusAddr != "" {
		every := cfg.GetPollInterval()
		c.Ready = func(ctx context.Context) error {
			return status.WaitServing(ctx, statusAddr, status.HandshakeService, every)
		}
	}
	return c
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath, givenFlags(flag.CommandLine))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl := controllerConfig(cfg, shm.NewMmapProvider(cfg.GetShmDir()), *waitStatus)
	log.Printf("%s: launching %d controllers in %q", version.String(), ctrl.ClusterSize, ctrl.Namespace)

	steps, err := bridge.RunController(ctx, ctrl)
	if err != nil {
		stop()
		log.Fatalf("controllers failed: %v", err)
	}
	log.Printf("controllers stopped after %v steps", steps)
}
