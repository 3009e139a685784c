package storage

import (
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// BundleFilter narrows a BatchGetBundles snapshot query. Zero values match
// everything.
type BundleFilter struct {
	State      types.BundleState
	BundleType types.BundleType
	UUIDs      []string
}

// Delta is a partial bundle update: state, merged metadata entries, and the
// few scalar columns the core touches.
type Delta struct {
	State       types.BundleState // "" leaves state untouched
	Metadata    map[string]any    // merged key-by-key into the bundle's bag
	DataHash    *string
	StorageType types.StorageType
}

// User is the quota and identity projection the scheduler consumes.
type User struct {
	UserID           string `json:"user_id"`
	UserName         string `json:"user_name,omitempty"`
	DiskQuota        int64  `json:"disk_quota"`
	DiskUsed         int64  `json:"disk_used"`
	TimeQuota        int64  `json:"time_quota"` // seconds
	TimeUsed         int64  `json:"time_used"`
	ParallelRunQuota int    `json:"parallel_run_quota"`
}

// Store is the transactional source of truth for bundles, workers and users.
// All guarded transitions take the expected prior state and report whether
// the transition won the race.
type Store interface {
	// Bundles
	CreateBundle(bundle *types.Bundle) error
	BatchGetBundles(filter BundleFilter) ([]*types.Bundle, error)
	GetBundle(uuid string) (*types.Bundle, error)
	UpdateBundle(uuid string, delta Delta) error
	GetBundleMetadata(uuids []string, key string) (map[string]any, error)

	// Guarded transitions
	TransitionBundleStarting(uuid, workerID, userID string) (bool, error)
	TransitionBundleStaged(uuid string, from types.BundleState, metadata map[string]any) (bool, error)
	TransitionBundleWorkerOffline(uuid string, from types.BundleState) (bool, error)
	TransitionBundleFinished(uuid string, state types.BundleState, metadata map[string]any) (bool, error)

	// Storage placement
	AddBundleLocation(uuid, location string) error
	GetBundleLocation(uuid string) (string, error)

	// Users and quotas
	CreateUser(user *User) error
	GetUser(id string) (*User, error)
	GetUserInfo(id string) (*User, error)
	UpdateUserInfo(user *User) error
	GetUserDiskQuotaLeft(id string) (int64, error)
	GetUserTimeQuotaLeft(id string) (int64, error)
	GetUserParallelRunQuotaLeft(id string) (int, error)

	// Worker fleet
	GetWorkers() ([]*types.Worker, error)
	WorkerCheckin(checkin *types.WorkerCheckin, socketID string) error
	WorkerCleanup(workerID string) error
	UpdateWorkers(worker *types.Worker) error
	GetBundleWorker(uuid string) (*types.Worker, error)

	// Out-of-band directive to a worker socket. Reports delivery within
	// timeout.
	SendJSONMessage(socketID string, message *types.Message, timeout time.Duration) bool

	Close() error
}
