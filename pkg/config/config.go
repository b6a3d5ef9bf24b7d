// Package config binds the engine's runtime configuration from flags,
// environment variables (ENGINE_ prefixed), and an optional config file,
// in that order of precedence, using viper layered under cobra's flag set.
package config

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the full set of options the engine binary reads at startup.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogJSON   bool   `mapstructure:"log_json"`
	ConfigFile string `mapstructure:"config_file"`

	RedisAddr string `mapstructure:"redis_addr"`

	ContainerdSocket    string `mapstructure:"containerd_socket"`
	ContainerdNamespace string `mapstructure:"containerd_namespace"`

	// LibraryPath is the host-side directory bind-mounted rw into every work
	// unit's container at ContainerLibraryPath.
	LibraryPath          string `mapstructure:"library_path"`
	ContainerLibraryPath string `mapstructure:"container_library_path"`
	// ScriptsHostPath is the host root a dispatch request's relative
	// ScriptPath is resolved against before being bind-mounted ro at the
	// fixed in-container run.py location.
	ScriptsHostPath string `mapstructure:"scripts_host_path"`
	HFModelsCache   string `mapstructure:"hf_models_cache"`

	// LibraryPlugin and the Postgres coordinates below are injected into
	// every work unit's environment as LIBRARY_PLUGIN/POSTGRES_* — engine
	// invariants a dispatch caller cannot override.
	LibraryPlugin    string `mapstructure:"library_plugin"`
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`

	// UseGPU is the master switch: when false, every request's GPU flag is
	// coerced off and no GPU queues are ever dequeued from.
	UseGPU bool `mapstructure:"use_gpu"`

	// Audio-import policy defaults injected as AUTO_RESAMPLE/DEFAULT_SR/
	// COPY_TO_LIBRARY/AUTO_CONVERT/SKIP_DUPLICATE.
	AutoResample  bool `mapstructure:"auto_resample"`
	DefaultSR     int  `mapstructure:"default_sr"`
	CopyToLibrary bool `mapstructure:"copy_to_library"`
	AutoConvert   bool `mapstructure:"auto_convert"`
	SkipDuplicate bool `mapstructure:"skip_duplicate"`

	NumUserCPUWorkers int `mapstructure:"num_user_cpu_workers"`
	NumGPUWorkers     int `mapstructure:"num_gpu_workers"`

	MaxChunkDuration time.Duration `mapstructure:"max_chunk_duration"`
	MaxTrackDuration time.Duration `mapstructure:"max_track_duration"`

	WatchdogTimeout time.Duration `mapstructure:"watchdog_timeout"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	RetentionPeriod time.Duration `mapstructure:"retention_period"`

	LeaseFallbackPath string        `mapstructure:"lease_fallback_path"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

const envPrefix = "ENGINE"

// BindFlags registers every config option onto fs (typically a command's
// persistent flags) and tells viper to read it back with ENGINE_ env
// fallback, e.g. --redis-addr / ENGINE_REDIS_ADDR.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	fs := cmd.PersistentFlags()

	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Bool("log-json", false, "output logs in JSON format")
	fs.String("config-file", "", "optional YAML config file")

	fs.String("redis-addr", "127.0.0.1:6379", "work store redis address")

	fs.String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket path")
	fs.String("containerd-namespace", "engine", "containerd namespace")

	fs.String("library-path", "/data/library", "host path bind-mounted rw into every work unit's container")
	fs.String("container-library-path", "/home/nendo/nendo_library", "in-container path the library bind mount targets")
	fs.String("scripts-host-path", "/data/apps", "host root a dispatch request's script path is resolved against")
	fs.String("hf-models-cache", "/data/hf-models-cache", "host path for the shared model cache mount")

	fs.String("library-plugin", "nendo_plugin_library_postgres", "LIBRARY_PLUGIN value injected into every work unit")
	fs.String("postgres-host", "postgres:5432", "Postgres host:port injected as POSTGRES_HOST")
	fs.String("postgres-user", "nendo", "Postgres user injected as POSTGRES_USER")
	fs.String("postgres-password", "nendo", "Postgres password injected as POSTGRES_PASSWORD")
	fs.String("postgres-db", "nendo", "Postgres database injected as POSTGRES_DB")

	fs.Bool("use-gpu", true, "master GPU switch; false coerces every request onto CPU queues")
	fs.Bool("auto-resample", true, "AUTO_RESAMPLE value injected into every work unit")
	fs.Int("default-sr", 44100, "DEFAULT_SR value injected into every work unit")
	fs.Bool("copy-to-library", true, "COPY_TO_LIBRARY value injected into every work unit")
	fs.Bool("auto-convert", true, "AUTO_CONVERT value injected into every work unit")
	fs.Bool("skip-duplicate", true, "SKIP_DUPLICATE value injected into every work unit")

	fs.Int("num-user-cpu-workers", 2, "CPU workers spawned per active user")
	fs.Int("num-gpu-workers", 1, "GPU workers spawned, round-robinning across every active user's GPU queue")

	fs.Duration("max-chunk-duration", 30*time.Minute, "maximum total audio duration per chunk")
	fs.Duration("max-track-duration", 20*time.Minute, "tracks longer than this are skipped during chunk planning")

	fs.Duration("watchdog-timeout", 72*time.Hour, "maximum wall-clock time a work unit may run before being killed")
	fs.Duration("job-timeout", 72*time.Hour, "queue-level timeout applied at enqueue time")
	fs.Duration("retention-period", 48*time.Hour, "how long a finished unit's record is kept before expiry")

	fs.String("lease-fallback-path", "/data/engine-lease.db", "local bbolt file used as a cold-start lease fallback marker")
	fs.Duration("lease-ttl", time.Minute, "GPU-spawner lease TTL")

	fs.String("metrics-addr", ":9090", "address the Prometheus handler listens on")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(fs)
}

// Load reads whatever config file was specified (if any) and unmarshals the
// bound values into a Config.
func Load(v *viper.Viper) (*Config, error) {
	if path := v.GetString("config-file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		LogLevel:             v.GetString("log-level"),
		LogJSON:              v.GetBool("log-json"),
		ConfigFile:           v.GetString("config-file"),
		RedisAddr:            v.GetString("redis-addr"),
		ContainerdSocket:     v.GetString("containerd-socket"),
		ContainerdNamespace:  v.GetString("containerd-namespace"),
		LibraryPath:          v.GetString("library-path"),
		ContainerLibraryPath: v.GetString("container-library-path"),
		ScriptsHostPath:      v.GetString("scripts-host-path"),
		HFModelsCache:        v.GetString("hf-models-cache"),
		LibraryPlugin:        v.GetString("library-plugin"),
		PostgresHost:         v.GetString("postgres-host"),
		PostgresUser:         v.GetString("postgres-user"),
		PostgresPassword:     v.GetString("postgres-password"),
		PostgresDB:           v.GetString("postgres-db"),
		UseGPU:               v.GetBool("use-gpu"),
		AutoResample:         v.GetBool("auto-resample"),
		DefaultSR:            v.GetInt("default-sr"),
		CopyToLibrary:        v.GetBool("copy-to-library"),
		AutoConvert:          v.GetBool("auto-convert"),
		SkipDuplicate:        v.GetBool("skip-duplicate"),
		NumUserCPUWorkers:    v.GetInt("num-user-cpu-workers"),
		NumGPUWorkers:        v.GetInt("num-gpu-workers"),
		MaxChunkDuration:     v.GetDuration("max-chunk-duration"),
		MaxTrackDuration:     v.GetDuration("max-track-duration"),
		WatchdogTimeout:      v.GetDuration("watchdog-timeout"),
		JobTimeout:           v.GetDuration("job-timeout"),
		RetentionPeriod:      v.GetDuration("retention-period"),
		LeaseFallbackPath:    v.GetString("lease-fallback-path"),
		LeaseTTL:             v.GetDuration("lease-ttl"),
		MetricsAddr:          v.GetString("metrics-addr"),
	}
	return cfg, nil
}
