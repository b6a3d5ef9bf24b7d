package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nendo/actionengine/pkg/config"
	"github.com/nendo/actionengine/pkg/dispatcher"
	"github.com/nendo/actionengine/pkg/leaselock"
	"github.com/nendo/actionengine/pkg/log"
	"github.com/nendo/actionengine/pkg/metrics"
	"github.com/nendo/actionengine/pkg/runtime"
	"github.com/nendo/actionengine/pkg/status"
	"github.com/nendo/actionengine/pkg/store"
	"github.com/nendo/actionengine/pkg/types"
	"github.com/nendo/actionengine/pkg/workermanager"
	"github.com/nendo/actionengine/pkg/workerruntime"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var v = viper.New()

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "engine",
	Short:   "Action dispatch and execution engine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("engine version %s (%s)\n", Version, Commit))
	config.BindFlags(rootCmd, v)
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}

func initLogging() {
	cfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
}

func loadConfig() (*config.Config, error) {
	return config.Load(v)
}

// newStore, newRuntime, newLibrary are the collaborator constructors every
// subcommand that touches live infrastructure shares.
func newStore(cfg *config.Config) (store.Store, error) {
	return store.NewRedisStore(cfg.RedisAddr)
}

func newContainerRuntime(cfg *config.Config) (*runtime.ContainerdRuntime, error) {
	return runtime.NewContainerdRuntime(cfg.ContainerdSocket, cfg.ContainerdNamespace)
}

// unimplementedLibrary satisfies pkg/library.Library until a real Media
// Library client is wired in; every method fails loudly rather than
// pretending to succeed. User authentication, uploads, and the rest of the
// Media Library's own surface are out of scope here.
type unimplementedLibrary struct{}

func (unimplementedLibrary) GetTrack(ctx context.Context, id string) (*types.Track, error) {
	return nil, fmt.Errorf("media library client not configured")
}
func (unimplementedLibrary) GetCollection(ctx context.Context, id string) (*types.Collection, error) {
	return nil, fmt.Errorf("media library client not configured")
}
func (unimplementedLibrary) AddCollection(ctx context.Context, userID, name, collectionType string, trackIDs []string) (string, error) {
	return "", fmt.Errorf("media library client not configured")
}
func (unimplementedLibrary) AddTrackToCollection(ctx context.Context, collectionID, trackID string) error {
	return fmt.Errorf("media library client not configured")
}
func (unimplementedLibrary) RemoveCollection(ctx context.Context, id string) error {
	return fmt.Errorf("media library client not configured")
}
func (unimplementedLibrary) ListTracksInLibrary(ctx context.Context, userID string) ([]*types.Track, error) {
	return nil, fmt.Errorf("media library client not configured")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine: spawn workers, serve status/cancel and /metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := newStore(cfg)
		if err != nil {
			return fmt.Errorf("connecting to store: %w", err)
		}
		defer st.Close()

		containers, err := newContainerRuntime(cfg)
		if err != nil {
			return fmt.Errorf("connecting to containerd: %w", err)
		}
		defer containers.Close()

		lock, err := leaselock.New(st, cfg.LeaseFallbackPath, "gpu-spawner", hostnameOrPID(), cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("opening lease fallback store: %w", err)
		}
		defer lock.Close()

		if err := cleanupOrphanContainers(context.Background(), st, containers); err != nil {
			fmt.Fprintf(os.Stderr, "orphan container cleanup: %v\n", err)
		}

		rt := workerruntime.New(st, containers)
		mgr := workermanager.New(st, rt, lock, workermanager.Config{
			NumUserCPUWorkers: cfg.NumUserCPUWorkers,
			NumGPUWorkers:     cfg.NumGPUWorkers,
			GPUSpawnerLeaseTTL: cfg.LeaseTTL,
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		activeUsers, err := st.ActiveUsers(ctx)
		if err != nil {
			return fmt.Errorf("loading active users: %w", err)
		}
		if err := mgr.Init(ctx, activeUsers); err != nil {
			return fmt.Errorf("spawning CPU workers: %w", err)
		}
		if err := mgr.SpawnGPUWorkers(ctx, activeUsers); err != nil {
			return fmt.Errorf("spawning GPU workers: %w", err)
		}

		statusAPI := status.New(st, containers)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		mux.HandleFunc("/status/", statusHandler(statusAPI))
		mux.HandleFunc("/cancel/", cancelHandler(statusAPI))

		metrics.RegisterComponent("store", true, "connected")
		metrics.RegisterComponent("containerd", true, "connected")
		metrics.RegisterComponent("worker_manager", true, "running")

		collector := metrics.NewCollector(st)
		collector.Start()
		defer collector.Stop()

		errCh := make(chan error, 1)
		go func() {
			fmt.Printf("listening on %s\n", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("shutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		}

		mgr.Stop()
		return nil
	},
}

// cleanupOrphanContainers removes containers left behind by a prior process
// that crashed or was killed mid-run: their unit record is gone or already
// terminal, so nothing will ever reap them otherwise. Container IDs are work
// unit IDs (see ContainerdRuntime.CreateAndStart), so the two sets line up
// directly.
func cleanupOrphanContainers(ctx context.Context, st store.Store, containers *runtime.ContainerdRuntime) error {
	ids, err := containers.ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}
	for _, id := range ids {
		unit, err := st.GetUnit(ctx, id)
		if err == nil && !unit.State.Terminal() {
			continue
		}
		if killErr := containers.Kill(ctx, id); killErr != nil {
			fmt.Fprintf(os.Stderr, "orphan cleanup: killing %s: %v\n", id, killErr)
		}
		if rmErr := containers.Remove(ctx, id); rmErr != nil {
			fmt.Fprintf(os.Stderr, "orphan cleanup: removing %s: %v\n", id, rmErr)
		}
	}
	return nil
}

func hostnameOrPID() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return fmt.Sprintf("pid-%d", os.Getpid())
	}
	return h
}

func statusHandler(api *status.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		unitID := strings.TrimPrefix(r.URL.Path, "/status/")
		if userID == "" || unitID == "" {
			http.Error(w, "missing user or unit id", http.StatusBadRequest)
			return
		}
		unit, err := api.Status(r.Context(), userID, unitID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(unit)
	}
}

func cancelHandler(api *status.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := r.Header.Get("X-User-ID")
		unitID := strings.TrimPrefix(r.URL.Path, "/cancel/")
		if userID == "" || unitID == "" {
			http.Error(w, "missing user or unit id", http.StatusBadRequest)
			return
		}
		if err := api.Cancel(r.Context(), userID, unitID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a single dedicated worker loop against a queue",
	Long:  "Drains one queue family until interrupted. Useful for running CPU and GPU workers as separate deployables instead of inside `serve`.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		userID, _ := cmd.Flags().GetString("user-id")
		gpu, _ := cmd.Flags().GetBool("gpu")

		st, err := newStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		containers, err := newContainerRuntime(cfg)
		if err != nil {
			return err
		}
		defer containers.Close()

		rt := workerruntime.New(st, containers)
		ctx, cancel := context.WithCancel(context.Background())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		if gpu {
			fmt.Println("draining GPU queues (round-robin across active users)")
			rt.RunGPULoop(ctx)
			return nil
		}

		if userID == "" {
			return fmt.Errorf("--user-id is required unless --gpu is set")
		}
		queue := store.UserCPUQueue(userID)
		fmt.Printf("draining queue %s\n", queue)
		rt.RunLoop(ctx, []store.QueueName{queue})
		return nil
	},
}

func init() {
	workerCmd.Flags().String("user-id", "", "user whose CPU queue to drain")
	workerCmd.Flags().Bool("gpu", false, "drain every active user's GPU queue round-robin instead")
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Submit a work unit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		userID, _ := cmd.Flags().GetString("user-id")
		action, _ := cmd.Flags().GetString("action")
		targetID, _ := cmd.Flags().GetString("target-id")
		image, _ := cmd.Flags().GetString("image")
		scriptPath, _ := cmd.Flags().GetString("script-path")
		plugins, _ := cmd.Flags().GetStringSlice("plugins")
		replacePluginData, _ := cmd.Flags().GetBool("replace-plugin-data")
		gpu, _ := cmd.Flags().GetBool("gpu")
		chunkActions, _ := cmd.Flags().GetBool("chunk-actions")
		runWithoutTarget, _ := cmd.Flags().GetBool("run-without-target")
		if userID == "" || action == "" || image == "" || scriptPath == "" {
			return fmt.Errorf("--user-id, --action, --image, and --script-path are required")
		}

		st, err := newStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		d := dispatcher.New(st, unimplementedLibrary{}, dispatcher.Limits{
			MaxChunkDuration: cfg.MaxChunkDuration,
			MaxTrackDuration: cfg.MaxTrackDuration,
		}, dispatcher.ContainerDefaults{
			LibraryHostPath:       cfg.LibraryPath,
			ContainerLibraryPath:  cfg.ContainerLibraryPath,
			ScriptsHostPath:       cfg.ScriptsHostPath,
			HFModelsCacheHostPath: cfg.HFModelsCache,
			LibraryPlugin:         cfg.LibraryPlugin,
			LogLevel:              cfg.LogLevel,
			PostgresHost:          cfg.PostgresHost,
			PostgresUser:          cfg.PostgresUser,
			PostgresPassword:      cfg.PostgresPassword,
			PostgresDB:            cfg.PostgresDB,
			UseGPU:                cfg.UseGPU,
			AutoResample:          cfg.AutoResample,
			DefaultSR:             cfg.DefaultSR,
			CopyToLibrary:         cfg.CopyToLibrary,
			AutoConvert:           cfg.AutoConvert,
			SkipDuplicate:         cfg.SkipDuplicate,
		})

		ids, err := d.Submit(context.Background(), dispatcher.SubmitRequest{
			UserID:            userID,
			ActionName:        action,
			TargetID:          targetID,
			ChunkActions:      chunkActions,
			RunWithoutTarget:  runWithoutTarget,
			GPU:               gpu,
			Image:             image,
			ScriptPath:        scriptPath,
			Plugins:           plugins,
			ReplacePluginData: replacePluginData,
			WatchdogTimeout:   cfg.WatchdogTimeout,
			JobTimeout:        cfg.JobTimeout,
			RetentionPeriod:   cfg.RetentionPeriod,
		})
		if err != nil {
			return err
		}

		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

func init() {
	dispatchCmd.Flags().String("user-id", "", "submitting user")
	dispatchCmd.Flags().String("action", "", "action name to run")
	dispatchCmd.Flags().String("target-id", "", "track or collection id")
	dispatchCmd.Flags().String("image", "", "container image")
	dispatchCmd.Flags().String("script-path", "", "path to the action's run.py, relative to the scripts host path")
	dispatchCmd.Flags().StringSlice("plugins", nil, "nendo plugins to enable for this run")
	dispatchCmd.Flags().Bool("replace-plugin-data", false, "overwrite existing plugin data instead of skipping")
	dispatchCmd.Flags().Bool("gpu", false, "dispatch to the user's GPU queue instead of their CPU queue")
	dispatchCmd.Flags().Bool("chunk-actions", false, "split the target into duration-bounded chunks")
	dispatchCmd.Flags().Bool("run-without-target", false, "run once with no target (e.g. library maintenance actions)")
}

var statusCmd = &cobra.Command{
	Use:   "status UNIT_ID",
	Short: "Print a work unit's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		userID, _ := cmd.Flags().GetString("user-id")
		if userID == "" {
			return fmt.Errorf("--user-id is required")
		}

		st, err := newStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		containers, err := newContainerRuntime(cfg)
		if err != nil {
			return err
		}
		defer containers.Close()

		api := status.New(st, containers)
		unit, err := api.Status(context.Background(), userID, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(unit)
	},
}

func init() {
	statusCmd.Flags().String("user-id", "", "owning user")
}

var cancelCmd = &cobra.Command{
	Use:   "cancel UNIT_ID",
	Short: "Cancel a queued or running work unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		userID, _ := cmd.Flags().GetString("user-id")
		if userID == "" {
			return fmt.Errorf("--user-id is required")
		}

		st, err := newStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		containers, err := newContainerRuntime(cfg)
		if err != nil {
			return err
		}
		defer containers.Close()

		api := status.New(st, containers)
		if err := api.Cancel(context.Background(), userID, args[0]); err != nil {
			return err
		}
		fmt.Printf("canceled %s\n", args[0])
		return nil
	},
}

func init() {
	cancelCmd.Flags().String("user-id", "", "owning user")
}
