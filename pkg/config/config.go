package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/types"
)

// Size is a byte count that unmarshals from human strings ("2GiB", "512m").
type Size int64

// UnmarshalYAML parses either a bare integer or a humanized size string.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("invalid size %q: %w", value.Value, err)
		}
		*s = Size(n)
		return nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*s = Size(n)
	return nil
}

// String renders the size in IEC units.
func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// Duration unmarshals from Go duration strings ("5m", "1h30m").
type Duration time.Duration

// UnmarshalYAML parses either a bare integer (seconds) or a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = Duration(dur)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// WorkersSection limits and defaults applied when the scheduler validates a
// run bundle's resource requests.
type WorkersSection struct {
	MaxRequestTime   Duration `yaml:"max_request_time"`
	MaxRequestMemory Size     `yaml:"max_request_memory"`
	MinRequestMemory Size     `yaml:"min_request_memory"`
	MaxRequestDisk   Size     `yaml:"max_request_disk"`
	DefaultCPUImage  string   `yaml:"default_cpu_image"`
	DefaultGPUImage  string   `yaml:"default_gpu_image"`
}

// ManagerSection configures the bundle-manager loop.
type ManagerSection struct {
	SleepTime         Duration `yaml:"sleep_time"`
	WorkerTimeout     Duration `yaml:"worker_timeout"`
	BundleTimeoutDays int      `yaml:"bundle_timeout_days"`
	MakeWorkers       int      `yaml:"make_workers"`
	SystemUserID      string   `yaml:"system_user_id"`
	DataDir           string   `yaml:"data_dir"`
}

// WorkerSection configures a worker daemon.
type WorkerSection struct {
	ID                  string   `yaml:"id"`
	Tag                 string   `yaml:"tag"`
	TagExclusive        bool     `yaml:"tag_exclusive"`
	WorkDir             string   `yaml:"work_dir"`
	CommitFile          string   `yaml:"commit_file"`
	DependenciesDir     string   `yaml:"dependencies_dir"`
	MaxCacheSizeBytes   Size     `yaml:"max_cache_size_bytes"`
	MaxImageCacheSize   Size     `yaml:"max_image_cache_size"`
	DownloadMaxRetries  int      `yaml:"download_dependencies_max_retries"`
	CheckinInterval     Duration `yaml:"checkin_interval"`
	SharedFileSystem    bool     `yaml:"shared_file_system"`
	DockerRuntime       string   `yaml:"docker_runtime"`
	DockerNetworkPrefix string   `yaml:"docker_network_prefix"`
	ExitAfterNumRuns    int      `yaml:"exit_after_num_runs"`
	ContainerdSocket    string   `yaml:"containerd_socket"`
}

// Settings is the immutable configuration object shared by the manager and
// worker daemons. Construct once via Load or Default; never mutate after.
type Settings struct {
	Workers WorkersSection `yaml:"workers"`
	Manager ManagerSection `yaml:"manager"`
	Worker  WorkerSection  `yaml:"worker"`
}

// Default returns settings with the documented defaults filled in.
func Default() *Settings {
	s := &Settings{
		Workers: WorkersSection{
			MaxRequestTime:   Duration(10 * 24 * time.Hour),
			MaxRequestMemory: Size(int64(128) << 30),
			MinRequestMemory: Size(types.MinMemory),
			MaxRequestDisk:   Size(int64(1) << 40),
			DefaultCPUImage:  "codalab/default-cpu:latest",
			DefaultGPUImage:  "codalab/default-gpu:latest",
		},
		Manager: ManagerSection{
			SleepTime:         Duration(5 * time.Second),
			WorkerTimeout:     Duration(60 * time.Second),
			BundleTimeoutDays: 60,
			MakeWorkers:       4,
			SystemUserID:      "codalab",
			DataDir:           "/var/lib/burrow",
		},
		Worker: WorkerSection{
			WorkDir:             "/var/lib/burrow/worker",
			CommitFile:          "worker-state.json",
			DependenciesDir:     "dependencies",
			MaxCacheSizeBytes:   Size(int64(10) << 30),
			MaxImageCacheSize:   Size(int64(20) << 30),
			DownloadMaxRetries:  3,
			CheckinInterval:     Duration(5 * time.Second),
			DockerNetworkPrefix: "burrow",
			ExitAfterNumRuns:    -1,
		},
	}
	return s
}

// Load reads YAML from path over the defaults.
func Load(path string) (*Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	if s.Workers.MinRequestMemory <= 0 {
		return fmt.Errorf("min_request_memory must be positive")
	}
	if s.Workers.MaxRequestMemory < s.Workers.MinRequestMemory {
		return fmt.Errorf("max_request_memory below min_request_memory")
	}
	if s.Manager.BundleTimeoutDays <= 0 {
		return fmt.Errorf("bundle_timeout_days must be positive")
	}
	if s.Worker.CheckinInterval.Std() <= 0 {
		return fmt.Errorf("checkin_interval must be positive")
	}
	return nil
}
