// Command orchestrator owns a control cluster: it answers the controller
// launcher's handshake, creates the State, Command, TaskRefs and debug
// channels in shared memory and paces the control steps.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/cluster-bridge/internal/bridge"
	"github.com/banshee-data/cluster-bridge/internal/config"
	"github.com/banshee-data/cluster-bridge/internal/journal"
	"github.com/banshee-data/cluster-bridge/internal/shm"
	"github.com/banshee-data/cluster-bridge/internal/status"
	"github.com/banshee-data/cluster-bridge/internal/version"
)

var (
	configPath   = flag.String("config", "", "Cluster config file (.json, .yaml); built-in defaults when empty")
	namespace    = flag.String("namespace", "", "Shared-memory namespace of the cluster")
	shmDir       = flag.String("shm-dir", "", "Directory backing shared segments (default /dev/shm)")
	force        = flag.Bool("force", false, "Replace shared buffers left behind by a previous run")
	nContacts    = flag.Int("n-contacts", 0, "Contacts in the task references")
	extraPayload = flag.Int("extra-payload-size", 0, "Per-controller info width in the command channel")
	maxSteps     = flag.Int64("max-steps", 0, "Stop after this many steps (0 runs until interrupted)")
	stepPeriod   = flag.Duration("step-period", 0, "Minimum time between steps")
	stepTimeout  = flag.Duration("step-timeout", 0, "How long to wait for every controller to acknowledge a step")
	journalPath  = flag.String("journal", "", "sqlite journal of cluster sessions (disabled when empty)")
	adminListen  = flag.String("admin-listen", "", "Admin HTTP address for /debug/ routes (needs -journal)")
	statusListen = flag.String("status-listen", "", "gRPC health address (disabled when empty)")
	showVersion  = flag.Bool("version", false, "Print version and exit")
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
	if given("n-contacts") {
		cfg.NContacts = ptr(*nContacts)
	}
	if given("extra-payload-size") {
		cfg.ExtraPayloadSize = ptr(*extraPayload)
	}
	if given("max-steps") {
		cfg.MaxSteps = ptr(*maxSteps)
	}
	if given("step-period") {
		cfg.StepPeriod = ptr(stepPeriod.String())
	}
	if given("step-timeout") {
		cfg.StepTimeout = ptr(stepTimeout.String())
	}
	if given("journal") {
		cfg.JournalPath = ptr(*journalPath)
	}
	if given("admin-listen") {
		cfg.AdminListen = ptr(*adminListen)
	}
	if given("status-listen") {
		cfg.StatusListen = ptr(*statusListen)
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

func orchestratorConfig(cfg *config.ClusterConfig, p shm.Provider) bridge.OrchestratorConfig {
	return bridge.OrchestratorConfig{
		Namespace:         cfg.GetNamespace(),
		Provider:          p,
		Attach:            cfg.GetAttachOptions(),
		Force:             cfg.GetForceReconnection(),
		ExtraPayloadSize:  cfg.GetExtraPayloadSize(),
		NContacts:         cfg.GetNContacts(),
		StepTimeout:       cfg.GetStepTimeout(),
		StepPeriod:        cfg.GetStepPeriod(),
		MaxSteps:          cfg.GetMaxSteps(),
		TimingSampleEvery: cfg.GetTimingSampleEvery(),
	}
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
	if cfg.GetAdminListen() != "" && cfg.GetJournalPath() == "" {
		log.Fatal("-admin-listen needs -journal")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		stop()
		log.Fatalf("orchestrator failed: %v", err)
	}
	log.Printf("graceful shutdown complete")
}

func run(ctx context.Context, cfg *config.ClusterConfig) error {
	orch := orchestratorConfig(cfg, shm.NewMmapProvider(cfg.GetShmDir()))

	if path := cfg.GetJournalPath(); path != "" {
		j, err := journal.Open(path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
		orch.Journal = j
	}

	if addr := cfg.GetStatusListen(); addr != "" {
		st := status.New()
		if err := st.Start(addr); err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
		defer st.Stop()
		log.Printf("status server listening on %s", st.Addr())
		orch.Status = st
	}

	// admin HTTP runs until the step loop returns
	var wg sync.WaitGroup
	adminCtx, stopAdmin := context.WithCancel(ctx)
	defer func() {
		stopAdmin()
		wg.Wait()
	}()
	if addr := cfg.GetAdminListen(); addr != "" {
		mux := http.NewServeMux()
		orch.Journal.AttachAdminRoutes(mux)
		server := &http.Server{Addr: addr, Handler: mux}

		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Printf("admin server failed: %v", err)
				}
			}()

			<-adminCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("admin server shutdown error: %v", err)
				if err := server.Close(); err != nil {
					log.Printf("admin server force close error: %v", err)
				}
			}
			log.Printf("admin server stopped")
		}()
	}

	log.Printf("%s: orchestrating %q", version.String(), orch.Namespace)
	steps, err := bridge.RunOrchestrator(ctx, orch)
	log.Printf("orchestrator stopped after %d steps", steps)
	return err
}
