package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/burrow/pkg/types"
)

var (
	// Bucket names
	bucketBundles    = []byte("bundles")
	bucketWorkers    = []byte("workers")
	bucketWorkerRuns = []byte("worker_runs")
	bucketUsers      = []byte("users")
	bucketLocations  = []byte("bundle_locations")
)

// workerRun is the claim row linking a bundle to the worker executing it.
type workerRun struct {
	BundleUUID string `json:"bundle_uuid"`
	WorkerID   string `json:"worker_id"`
	UserID     string `json:"user_id"`
}

// BoltStore implements Store on BoltDB. Messages to worker sockets are
// delegated to a MessageSender, typically the in-process Hub.
type BoltStore struct {
	db           *bolt.DB
	sender       MessageSender
	systemUserID string
}

// NewBoltStore opens (or creates) the database under dataDir. systemUserID
// identifies the owner of the shared worker pool for parallel-quota
// accounting.
func NewBoltStore(dataDir, systemUserID string, sender MessageSender) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketBundles,
			bucketWorkers,
			bucketWorkerRuns,
			bucketUsers,
			bucketLocations,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, sender: sender, systemUserID: systemUserID}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Bundle operations

func (s *BoltStore) CreateBundle(bundle *types.Bundle) error {
	if bundle.Created.IsZero() {
		bundle.Created = time.Now()
	}
	bundle.LastUpdated = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketBundles), bundle.UUID, bundle)
	})
}

func (s *BoltStore) GetBundle(uuid string) (*types.Bundle, error) {
	var bundle types.Bundle
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketBundles), uuid, &bundle, "bundle")
	})
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (s *BoltStore) BatchGetBundles(filter BundleFilter) ([]*types.Bundle, error) {
	var bundles []*types.Bundle
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		if len(filter.UUIDs) > 0 {
			for _, uuid := range filter.UUIDs {
				data := b.Get([]byte(uuid))
				if data == nil {
					continue
				}
				var bundle types.Bundle
				if err := json.Unmarshal(data, &bundle); err != nil {
					return err
				}
				if matchesFilter(&bundle, filter) {
					bundles = append(bundles, &bundle)
				}
			}
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var bundle types.Bundle
			if err := json.Unmarshal(v, &bundle); err != nil {
				return err
			}
			if matchesFilter(&bundle, filter) {
				bundles = append(bundles, &bundle)
			}
			return nil
		})
	})
	return bundles, err
}

func matchesFilter(bundle *types.Bundle, filter BundleFilter) bool {
	if filter.State != "" && bundle.State != filter.State {
		return false
	}
	if filter.BundleType != "" && bundle.BundleType != filter.BundleType {
		return false
	}
	return true
}

func (s *BoltStore) UpdateBundle(uuid string, delta Delta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		var bundle types.Bundle
		if err := getJSON(b, uuid, &bundle, "bundle"); err != nil {
			return err
		}
		applyDelta(&bundle, delta)
		return putJSON(b, uuid, &bundle)
	})
}

func applyDelta(bundle *types.Bundle, delta Delta) {
	if delta.State != "" {
		bundle.State = delta.State
	}
	for k, v := range delta.Metadata {
		bundle.SetMeta(k, v)
	}
	if delta.DataHash != nil {
		bundle.DataHash = *delta.DataHash
	}
	if delta.StorageType != "" {
		bundle.StorageType = delta.StorageType
	}
	bundle.LastUpdated = time.Now()
}

func (s *BoltStore) GetBundleMetadata(uuids []string, key string) (map[string]any, error) {
	out := make(map[string]any, len(uuids))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		for _, uuid := range uuids {
			data := b.Get([]byte(uuid))
			if data == nil {
				continue
			}
			var bundle types.Bundle
			if err := json.Unmarshal(data, &bundle); err != nil {
				return err
			}
			if v, ok := bundle.Metadata[key]; ok {
				out[uuid] = v
			}
		}
		return nil
	})
	return out, err
}

// Guarded transitions

func (s *BoltStore) TransitionBundleStarting(uuid, workerID, userID string) (bool, error) {
	won := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		var bundle types.Bundle
		if err := getJSON(b, uuid, &bundle, "bundle"); err != nil {
			return err
		}
		if bundle.State != types.BundleStateStaged {
			return nil
		}
		bundle.State = types.BundleStateStarting
		bundle.LastUpdated = time.Now()
		if err := putJSON(b, uuid, &bundle); err != nil {
			return err
		}
		run := workerRun{BundleUUID: uuid, WorkerID: workerID, UserID: userID}
		if err := putJSON(tx.Bucket(bucketWorkerRuns), uuid, &run); err != nil {
			return err
		}
		won = true
		return nil
	})
	return won, err
}

func (s *BoltStore) TransitionBundleStaged(uuid string, from types.BundleState, metadata map[string]any) (bool, error) {
	won := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		var bundle types.Bundle
		if err := getJSON(b, uuid, &bundle, "bundle"); err != nil {
			return err
		}
		if bundle.State != from {
			return nil
		}
		bundle.State = types.BundleStateStaged
		for k, v := range metadata {
			bundle.SetMeta(k, v)
		}
		bundle.LastUpdated = time.Now()
		if err := putJSON(b, uuid, &bundle); err != nil {
			return err
		}
		if err := tx.Bucket(bucketWorkerRuns).Delete([]byte(uuid)); err != nil {
			return err
		}
		won = true
		return nil
	})
	return won, err
}

func (s *BoltStore) TransitionBundleWorkerOffline(uuid string, from types.BundleState) (bool, error) {
	won := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		var bundle types.Bundle
		if err := getJSON(b, uuid, &bundle, "bundle"); err != nil {
			return err
		}
		if bundle.State != from {
			return nil
		}
		bundle.State = types.BundleStateWorkerOffline
		bundle.LastUpdated = time.Now()
		if err := putJSON(b, uuid, &bundle); err != nil {
			return err
		}
		won = true
		return nil
	})
	return won, err
}

func (s *BoltStore) TransitionBundleFinished(uuid string, state types.BundleState, metadata map[string]any) (bool, error) {
	if !state.IsTerminal() {
		return false, fmt.Errorf("finish transition requires a terminal state, got %q", state)
	}
	won := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		var bundle types.Bundle
		if err := getJSON(b, uuid, &bundle, "bundle"); err != nil {
			return err
		}
		// Finishing is legal from finalizing (runs), making (make copies) and
		// worker_offline (workers that resurface already finished).
		switch bundle.State {
		case types.BundleStateFinalizing, types.BundleStateMaking, types.BundleStateWorkerOffline:
		default:
			return nil
		}
		bundle.State = state
		for k, v := range metadata {
			bundle.SetMeta(k, v)
		}
		bundle.LastUpdated = time.Now()
		if err := putJSON(b, uuid, &bundle); err != nil {
			return err
		}
		if err := tx.Bucket(bucketWorkerRuns).Delete([]byte(uuid)); err != nil {
			return err
		}
		won = true
		return nil
	})
	return won, err
}

// Storage placement

func (s *BoltStore) AddBundleLocation(uuid, location string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocations).Put([]byte(uuid), []byte(location))
	})
}

func (s *BoltStore) GetBundleLocation(uuid string) (string, error) {
	var location string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLocations).Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("bundle location not found: %s", uuid)
		}
		location = string(data)
		return nil
	})
	return location, err
}

// User operations

func (s *BoltStore) CreateUser(user *User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketUsers), user.UserID, user)
	})
}

func (s *BoltStore) GetUser(id string) (*User, error) {
	var user User
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketUsers), id, &user, "user")
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) GetUserInfo(id string) (*User, error) {
	return s.GetUser(id)
}

func (s *BoltStore) UpdateUserInfo(user *User) error {
	return s.CreateUser(user)
}

func (s *BoltStore) GetUserDiskQuotaLeft(id string) (int64, error) {
	user, err := s.GetUser(id)
	if err != nil {
		return 0, err
	}
	return user.DiskQuota - user.DiskUsed, nil
}

func (s *BoltStore) GetUserTimeQuotaLeft(id string) (int64, error) {
	user, err := s.GetUser(id)
	if err != nil {
		return 0, err
	}
	return user.TimeQuota - user.TimeUsed, nil
}

// GetUserParallelRunQuotaLeft counts the user's active claims on the shared
// worker pool against their parallel run quota.
func (s *BoltStore) GetUserParallelRunQuotaLeft(id string) (int, error) {
	user, err := s.GetUser(id)
	if err != nil {
		return 0, err
	}
	active := 0
	err = s.db.View(func(tx *bolt.Tx) error {
		bundles := tx.Bucket(bucketBundles)
		return tx.Bucket(bucketWorkerRuns).ForEach(func(k, v []byte) error {
			var run workerRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if run.UserID != s.systemUserID {
				return nil
			}
			data := bundles.Get([]byte(run.BundleUUID))
			if data == nil {
				return nil
			}
			var bundle types.Bundle
			if err := json.Unmarshal(data, &bundle); err != nil {
				return err
			}
			if bundle.OwnerID == id && bundle.State.IsActive() {
				active++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return user.ParallelRunQuota - active, nil
}

// Worker fleet

func (s *BoltStore) GetWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	return workers, err
}

// WorkerCheckin upserts the worker row from a checkin payload. The owning
// user is taken from the existing row when present; new workers default to
// the system pool.
func (s *BoltStore) WorkerCheckin(checkin *types.WorkerCheckin, socketID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		var worker types.Worker
		if data := b.Get([]byte(checkin.WorkerID)); data != nil {
			if err := json.Unmarshal(data, &worker); err != nil {
				return err
			}
		} else {
			worker.WorkerID = checkin.WorkerID
			worker.UserID = s.systemUserID
		}
		worker.Tag = checkin.Tag
		worker.TagExclusive = checkin.TagExclusive
		worker.CPUs = checkin.CPUs
		worker.GPUs = checkin.GPUs
		worker.HasGPUs = checkin.GPUs > 0
		worker.MemoryBytes = checkin.MemoryBytes
		worker.FreeDiskBytes = checkin.FreeDiskBytes
		worker.SharedFileSystem = checkin.SharedFileSystem
		worker.ExitAfterNumRuns = checkin.ExitAfterNumRuns
		worker.IsTerminating = checkin.IsTerminating
		worker.CheckinTime = time.Now()
		worker.SocketID = socketID
		worker.RunUUIDs = make(map[string]bool, len(checkin.Runs))
		for _, run := range checkin.Runs {
			worker.RunUUIDs[run.UUID] = true
		}
		worker.Dependencies = make(map[types.DependencyKey]bool, len(checkin.Dependencies))
		for _, key := range checkin.Dependencies {
			worker.Dependencies[key] = true
		}
		return putJSON(b, worker.WorkerID, &worker)
	})
}

// WorkerCleanup deletes a dead worker and its claim rows.
func (s *BoltStore) WorkerCleanup(workerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketWorkers).Delete([]byte(workerID)); err != nil {
			return err
		}
		runs := tx.Bucket(bucketWorkerRuns)
		var stale [][]byte
		err := runs.ForEach(func(k, v []byte) error {
			var run workerRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if run.WorkerID == workerID {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := runs.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) UpdateWorkers(worker *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketWorkers), worker.WorkerID, worker)
	})
}

// GetBundleWorker returns the worker currently claiming uuid, or nil when no
// claim row exists (or the claiming worker has been cleaned up).
func (s *BoltStore) GetBundleWorker(uuid string) (*types.Worker, error) {
	var worker *types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkerRuns).Get([]byte(uuid))
		if data == nil {
			return nil
		}
		var run workerRun
		if err := json.Unmarshal(data, &run); err != nil {
			return err
		}
		data = tx.Bucket(bucketWorkers).Get([]byte(run.WorkerID))
		if data == nil {
			return nil
		}
		var w types.Worker
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		worker = &w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return worker, nil
}

// SendJSONMessage delivers a directive to the worker socket within timeout.
func (s *BoltStore) SendJSONMessage(socketID string, message *types.Message, timeout time.Duration) bool {
	if s.sender == nil {
		return false
	}
	return s.sender.Send(socketID, message, timeout)
}

// JSON helpers shared by the bucket accessors.

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v any, kind string) error {
	data := b.Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s not found: %s", kind, key)
	}
	return json.Unmarshal(data, v)
}
