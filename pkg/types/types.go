package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BundleState is the lifecycle state of a bundle as tracked by the manager.
type BundleState string

const (
	BundleStateUploading     BundleState = "uploading"
	BundleStateCreated       BundleState = "created"
	BundleStateStaged        BundleState = "staged"
	BundleStateMaking        BundleState = "making"
	BundleStateStarting      BundleState = "starting"
	BundleStatePreparing     BundleState = "preparing"
	BundleStateRunning       BundleState = "running"
	BundleStateFinalizing    BundleState = "finalizing"
	BundleStateReady         BundleState = "ready"
	BundleStateFailed        BundleState = "failed"
	BundleStateKilled        BundleState = "killed"
	BundleStateWorkerOffline BundleState = "worker_offline"
)

// AllBundleStates lists every state, for per-state reporting.
var AllBundleStates = []BundleState{
	BundleStateUploading, BundleStateCreated, BundleStateStaged,
	BundleStateMaking, BundleStateStarting, BundleStatePreparing,
	BundleStateRunning, BundleStateFinalizing, BundleStateReady,
	BundleStateFailed, BundleStateKilled, BundleStateWorkerOffline,
}

// IsActive reports whether a bundle in this state is claimed by a worker or
// an in-process make thread.
func (s BundleState) IsActive() bool {
	switch s {
	case BundleStateMaking, BundleStateStarting, BundleStatePreparing,
		BundleStateRunning, BundleStateFinalizing:
		return true
	}
	return false
}

// IsTerminal reports whether the state is final.
func (s BundleState) IsTerminal() bool {
	switch s {
	case BundleStateReady, BundleStateFailed, BundleStateKilled:
		return true
	}
	return false
}

// BundleType distinguishes how a bundle's contents come to exist.
type BundleType string

const (
	BundleTypeRun     BundleType = "run"
	BundleTypeMake    BundleType = "make"
	BundleTypeDataset BundleType = "dataset"
)

// StorageType is where a bundle's contents live.
type StorageType string

const (
	StorageTypeDisk StorageType = "disk"
	StorageTypeBlob StorageType = "blob"
)

// Metadata key constants for the fields the core reads and writes. Everything
// else in the metadata bag is opaque and round-tripped untouched.
const (
	MetaRequestCPUs        = "request_cpus"
	MetaRequestGPUs        = "request_gpus"
	MetaRequestMemory      = "request_memory"
	MetaRequestDisk        = "request_disk"
	MetaRequestTime        = "request_time"
	MetaRequestDockerImage = "request_docker_image"
	MetaRequestNetwork     = "request_network"
	MetaRequestQueue       = "request_queue"
	MetaRequestPriority    = "request_priority"
	MetaAllowFailedDeps    = "allow_failed_dependencies"
	MetaStagedStatus       = "staged_status"
	MetaFailureMessage     = "failure_message"
	MetaErrorTraceback     = "error_traceback"
	MetaDataSize           = "data_size"
	MetaExitcode           = "exitcode"
	MetaLinkURL            = "link_url"
	MetaPreemptible        = "preemptible"
	MetaRemoteHistory      = "remote_history"
	MetaRemote             = "remote"
	MetaTimePreparing      = "time_preparing"
	MetaTimeRunning        = "time_running"
	MetaTimeCleaningUp     = "time_cleaning_up"
	MetaTimeUploading      = "time_uploading_results"
	MetaRunStatus          = "run_status"
	MetaKilled             = "killed"
	MetaTime               = "time"
	MetaTimeUser           = "time_user"
	MetaTimeSystem         = "time_system"
	MetaMemoryMax          = "memory"
)

// Bundle is the persisted entity driven through the state machine. Frequently
// touched fields are typed columns; everything else rides in Metadata.
type Bundle struct {
	UUID         string         `json:"uuid"`
	BundleType   BundleType     `json:"bundle_type"`
	OwnerID      string         `json:"owner_id"`
	Command      string         `json:"command,omitempty"`
	State        BundleState    `json:"state"`
	Frozen       bool           `json:"frozen,omitempty"`
	IsAnonymous  bool           `json:"is_anonymous,omitempty"`
	StorageType  StorageType    `json:"storage_type,omitempty"`
	IsDir        bool           `json:"is_dir,omitempty"`
	DataHash     string         `json:"data_hash,omitempty"`
	Created      time.Time      `json:"created"`
	LastUpdated  time.Time      `json:"last_updated"`
	Dependencies []Dependency   `json:"dependencies,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewBundleUUID returns an opaque 33-character bundle handle ("0x" + 31 hex).
func NewBundleUUID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "0x" + hex[:31]
}

// MetaString returns the metadata value at key as a string, or "" if absent.
func (b *Bundle) MetaString(key string) string {
	if b.Metadata == nil {
		return ""
	}
	if v, ok := b.Metadata[key]; ok {
		switch t := v.(type) {
		case string:
			return t
		default:
			return fmt.Sprintf("%v", t)
		}
	}
	return ""
}

// MetaBool returns the metadata value at key as a bool; absent means false.
func (b *Bundle) MetaBool(key string) bool {
	if b.Metadata == nil {
		return false
	}
	switch t := b.Metadata[key].(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return false
}

// MetaInt returns the metadata value at key as an int64 and whether it was
// present and numeric. JSON round-trips land numbers as float64.
func (b *Bundle) MetaInt(key string) (int64, bool) {
	if b.Metadata == nil {
		return 0, false
	}
	switch t := b.Metadata[key].(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	}
	return 0, false
}

// SetMeta writes a metadata value, allocating the bag on first use.
func (b *Bundle) SetMeta(key string, value any) {
	if b.Metadata == nil {
		b.Metadata = make(map[string]any)
	}
	b.Metadata[key] = value
}

// AllowFailedDependencies reports whether failed or killed parents are
// acceptable for this bundle.
func (b *Bundle) AllowFailedDependencies() bool {
	return b.MetaBool(MetaAllowFailedDeps)
}

// ParentUUIDs returns the distinct parent uuids across all dependencies.
func (b *Bundle) ParentUUIDs() []string {
	seen := make(map[string]bool, len(b.Dependencies))
	var out []string
	for _, dep := range b.Dependencies {
		if !seen[dep.ParentUUID] {
			seen[dep.ParentUUID] = true
			out = append(out, dep.ParentUUID)
		}
	}
	return out
}

// Dependency mounts a parent bundle (or a subpath of it) into a child bundle
// at ChildPath. ChildUUID is a denormalized back-pointer to the child.
type Dependency struct {
	ParentUUID string `json:"parent_uuid"`
	ParentPath string `json:"parent_path,omitempty"`
	ChildPath  string `json:"child_path"`
	ChildUUID  string `json:"child_uuid,omitempty"`
}

// Key returns the cache key for this dependency.
func (d Dependency) Key() DependencyKey {
	return DependencyKey{ParentUUID: d.ParentUUID, ParentPath: d.ParentPath}
}

// DependencyKey uniquely identifies a dependency cache entry.
type DependencyKey struct {
	ParentUUID string
	ParentPath string
}

// String renders the key as "parent_uuid" or "parent_uuid/parent_path".
func (k DependencyKey) String() string {
	if k.ParentPath == "" {
		return k.ParentUUID
	}
	return k.ParentUUID + "/" + k.ParentPath
}

// MarshalText lets DependencyKey serve as a JSON map key.
func (k DependencyKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the String form back into a key.
func (k *DependencyKey) UnmarshalText(text []byte) error {
	s := string(text)
	if i := strings.Index(s, "/"); i >= 0 {
		k.ParentUUID, k.ParentPath = s[:i], s[i+1:]
	} else {
		k.ParentUUID, k.ParentPath = s, ""
	}
	return nil
}

// Resource floors and slack applied at validation time.
const (
	// MinMemory is the smallest schedulable memory request (4 MiB).
	MinMemory = int64(4) << 20

	// DiskQuotaSlack is held back from a user's disk quota when defaulting
	// request_disk (0.5 GiB).
	DiskQuotaSlack = int64(1) << 29
)

// RunResources is the resource envelope computed for a run bundle at dispatch
// time and enforced by the worker while the container runs.
type RunResources struct {
	CPUs         int    `json:"cpus"`
	GPUs         int    `json:"gpus"`
	Memory       int64  `json:"memory"`
	Disk         int64  `json:"disk"`
	Time         int64  `json:"time,omitempty"` // seconds; 0 means unlimited
	DockerImage  string `json:"docker_image"`
	Network      bool   `json:"network,omitempty"`
	Tag          string `json:"tag,omitempty"`
	TagExclusive bool   `json:"tag_exclusive,omitempty"`
	RunsLeft     int    `json:"runs_left,omitempty"`
}

// Worker is the manager-side projection of a worker row.
type Worker struct {
	WorkerID         string                 `json:"worker_id"`
	UserID           string                 `json:"user_id"`
	Tag              string                 `json:"tag,omitempty"`
	TagExclusive     bool                   `json:"tag_exclusive,omitempty"`
	CPUs             int                    `json:"cpus"`
	GPUs             int                    `json:"gpus"`
	HasGPUs          bool                   `json:"has_gpus,omitempty"`
	MemoryBytes      int64                  `json:"memory_bytes"`
	FreeDiskBytes    int64                  `json:"free_disk_bytes"`
	RunUUIDs         map[string]bool        `json:"run_uuids,omitempty"`
	Dependencies     map[DependencyKey]bool `json:"dependencies,omitempty"`
	SharedFileSystem bool                   `json:"shared_file_system,omitempty"`
	CheckinTime      time.Time              `json:"checkin_time"`
	SocketID         string                 `json:"socket_id"`
	ExitAfterNumRuns int                    `json:"exit_after_num_runs,omitempty"`
	IsTerminating    bool                   `json:"is_terminating,omitempty"`
}

// Alive reports whether the worker has checked in within timeout.
func (w *Worker) Alive(now time.Time, timeout time.Duration) bool {
	return now.Sub(w.CheckinTime) <= timeout
}

// Clone deep-copies the worker so the scheduler can deduct resources from a
// private view without touching the cached record.
func (w *Worker) Clone() *Worker {
	cp := *w
	cp.RunUUIDs = make(map[string]bool, len(w.RunUUIDs))
	for k, v := range w.RunUUIDs {
		cp.RunUUIDs[k] = v
	}
	cp.Dependencies = make(map[DependencyKey]bool, len(w.Dependencies))
	for k, v := range w.Dependencies {
		cp.Dependencies[k] = v
	}
	return &cp
}

// DependencyStage is the progression of a cache entry.
type DependencyStage string

const (
	DependencyDownloading DependencyStage = "DOWNLOADING"
	DependencyReady       DependencyStage = "READY"
	DependencyFailed      DependencyStage = "FAILED"
)

// DependencyState is one row in the dependency cache.
type DependencyState struct {
	Stage           DependencyStage `json:"stage"`
	DownloadingBy   string          `json:"downloading_by,omitempty"`
	Key             DependencyKey   `json:"key"`
	Path            string          `json:"path"`
	SizeBytes       int64           `json:"size_bytes"`
	Dependents      map[string]bool `json:"dependents,omitempty"`
	LastUsed        time.Time       `json:"last_used"`
	LastDownloading time.Time       `json:"last_downloading,omitempty"`
	Message         string          `json:"message,omitempty"`
	Killed          bool            `json:"killed,omitempty"`
}

// Clone returns a copy safe to hand to another goroutine.
func (d *DependencyState) Clone() *DependencyState {
	cp := *d
	cp.Dependents = make(map[string]bool, len(d.Dependents))
	for k, v := range d.Dependents {
		cp.Dependents[k] = v
	}
	return &cp
}

// ImageState is one row in the image cache.
type ImageState struct {
	Stage     DependencyStage `json:"stage"`
	Spec      string          `json:"spec"`
	Digest    string          `json:"digest,omitempty"`
	SizeBytes int64           `json:"size_bytes"`
	LastUsed  time.Time       `json:"last_used"`
	Message   string          `json:"message,omitempty"`
}

// RunStage names are bit-stable: workers report them verbatim at checkin.
type RunStage string

const (
	RunStagePreparing        RunStage = "PREPARING"
	RunStageRunning          RunStage = "RUNNING"
	RunStageCleaningUp       RunStage = "CLEANING_UP"
	RunStageUploadingResults RunStage = "UPLOADING_RESULTS"
	RunStageFinalizing       RunStage = "FINALIZING"
	RunStageFinished         RunStage = "FINISHED"
)

// BundleState maps a worker-local run stage onto the manager-visible bundle
// state.
func (s RunStage) BundleState() BundleState {
	switch s {
	case RunStagePreparing:
		return BundleStatePreparing
	case RunStageRunning, RunStageCleaningUp, RunStageUploadingResults:
		return BundleStateRunning
	case RunStageFinalizing:
		return BundleStateFinalizing
	case RunStageFinished:
		return BundleStateReady
	}
	return BundleStateWorkerOffline
}

// RunState is the worker-local record of an in-flight bundle. Container
// handles are re-fetched from the runtime by ContainerID after a restart.
type RunState struct {
	Bundle     *Bundle      `json:"bundle"`
	Resources  RunResources `json:"resources"`
	BundlePath string       `json:"bundle_path"`
	Stage      RunStage     `json:"stage"`
	RunStatus  string       `json:"run_status,omitempty"`

	BundleStartTime    int64 `json:"bundle_start_time,omitempty"`
	ContainerStartTime int64 `json:"container_start_time,omitempty"`
	ContainerTimeTotal int64 `json:"container_time_total,omitempty"`
	ContainerTimeUser  int64 `json:"container_time_user,omitempty"`
	ContainerTimeSys   int64 `json:"container_time_system,omitempty"`

	ContainerID string `json:"container_id,omitempty"`
	DockerImage string `json:"docker_image,omitempty"`

	IsKilled    bool            `json:"is_killed,omitempty"`
	HasContents bool            `json:"has_contents,omitempty"`
	CPUSet      map[string]bool `json:"cpuset,omitempty"`
	GPUSet      map[string]bool `json:"gpuset,omitempty"`

	MaxMemory       int64 `json:"max_memory,omitempty"`
	DiskUtilization int64 `json:"disk_utilization,omitempty"`

	Exitcode       *int   `json:"exitcode,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
	KillMessage    string `json:"kill_message,omitempty"`
	Finished       bool   `json:"finished,omitempty"`
	Finalized      bool   `json:"finalized,omitempty"`

	TimePreparing        int64 `json:"time_preparing,omitempty"`
	TimeRunning          int64 `json:"time_running,omitempty"`
	TimeCleaningUp       int64 `json:"time_cleaning_up,omitempty"`
	TimeUploadingResults int64 `json:"time_uploading_results,omitempty"`
}

// Clone returns a copy safe to hand to another goroutine.
func (r *RunState) Clone() *RunState {
	cp := *r
	if r.Bundle != nil {
		b := *r.Bundle
		cp.Bundle = &b
	}
	cp.CPUSet = make(map[string]bool, len(r.CPUSet))
	for k, v := range r.CPUSet {
		cp.CPUSet[k] = v
	}
	cp.GPUSet = make(map[string]bool, len(r.GPUSet))
	for k, v := range r.GPUSet {
		cp.GPUSet[k] = v
	}
	if r.Exitcode != nil {
		ec := *r.Exitcode
		cp.Exitcode = &ec
	}
	return &cp
}

// JoinMessages joins contributing failure messages the way users see them.
func JoinMessages(msgs []string) string {
	var nonEmpty []string
	for _, m := range msgs {
		if m != "" {
			nonEmpty = append(nonEmpty, m)
		}
	}
	return strings.Join(nonEmpty, ". ")
}
