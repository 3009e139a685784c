package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/types"
)

// fakeServerClient scripts checkin responses and records what the worker
// sends. With autoFinalize set it acknowledges finished runs the way the
// bundle manager does.
type fakeServerClient struct {
	mu           sync.Mutex
	checkins     []*types.WorkerCheckin
	replies      map[string]*types.Reply
	queue        []*types.Message
	autoFinalize bool
}

func newFakeServerClient() *fakeServerClient {
	return &fakeServerClient{replies: make(map[string]*types.Reply)}
}

func (c *fakeServerClient) Checkin(ctx context.Context, payload *types.WorkerCheckin) (*types.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkins = append(c.checkins, payload)
	if c.autoFinalize {
		for _, r := range payload.Runs {
			if r.Finished && !r.Finalized {
				return &types.Message{Type: types.MessageMarkFinalized, UUID: r.UUID}, nil
			}
		}
	}
	if len(c.queue) > 0 {
		msg := c.queue[0]
		c.queue = c.queue[1:]
		return msg, nil
	}
	return nil, nil
}

func (c *fakeServerClient) Reply(ctx context.Context, bundleUUID string, reply *types.Reply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[bundleUUID] = reply
	return nil
}

func (c *fakeServerClient) enqueue(msgs ...*types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, msgs...)
}

func (c *fakeServerClient) reply(uuid string) *types.Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replies[uuid]
}

func (c *fakeServerClient) checkinCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.checkins)
}

func newTestWorker(f *runFixture, client ServerClient, mutate ...func(*config.WorkerSection)) *Worker {
	cfg := f.cfg
	cfg.CheckinInterval = config.Duration(5 * time.Millisecond)
	cfg.ExitAfterNumRuns = -1
	for _, fn := range mutate {
		fn(&cfg)
	}
	return New(cfg, "1.0.0-test", HostResources{
		CPUs:        []string{"0", "1"},
		MemoryBytes: 8 << 30,
	}, client, f.m, f.deps)
}

// TestWorkerCheckinPayload tests the advertised host state and that Stop ends
// the loop.
func TestWorkerCheckinPayload(t *testing.T) {
	f := newRunFixture(t)
	client := newFakeServerClient()
	w := newTestWorker(f, client)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for client.checkinCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	w.Stop()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.checkins) == 0 {
		t.Fatal("worker never checked in")
	}
	payload := client.checkins[0]
	assert.Equal(t, "w1", payload.WorkerID)
	assert.Equal(t, "1.0.0-test", payload.Version)
	assert.Equal(t, 2, payload.CPUs)
	assert.Equal(t, 0, payload.GPUs)
	assert.Equal(t, int64(8<<30), payload.MemoryBytes)
	assert.Positive(t, payload.FreeDiskBytes)
	assert.False(t, payload.IsTerminating)
	assert.Empty(t, payload.Runs)
}

// TestWorkerRunsDispatchedBundle tests the full loop: a run directive starts
// a bundle, the finished run is acknowledged, and the run budget makes the
// worker exit once the table drains.
func TestWorkerRunsDispatchedBundle(t *testing.T) {
	f := newRunFixture(t)
	f.rt.mu.Lock()
	f.rt.autoFinish = true
	f.rt.mu.Unlock()

	client := newFakeServerClient()
	client.autoFinalize = true
	client.enqueue(&types.Message{
		Type:      types.MessageRun,
		Bundle:    runBundle("0xaaa"),
		Resources: testResources(),
	})

	w := newTestWorker(f, client, func(cfg *config.WorkerSection) {
		cfg.ExitAfterNumRuns = 1
	})

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("worker never drained its run budget")
	}

	assert.Equal(t, []string{"0xaaa"}, f.uploader.uploads())
	assert.False(t, f.m.HasRun("0xaaa"))

	// Later checkins advertise the terminating flag.
	client.mu.Lock()
	defer client.mu.Unlock()
	last := client.checkins[len(client.checkins)-1]
	assert.True(t, last.IsTerminating)
}

// TestWorkerServesReadDirective tests the read fan-out back through the
// client.
func TestWorkerServesReadDirective(t *testing.T) {
	f := newRunFixture(t)
	root := filepath.Join(f.cfg.WorkDir, "0xaaa")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "stdout"), []byte("output"), 0o644); err != nil {
		t.Fatal(err)
	}

	client := newFakeServerClient()
	client.enqueue(
		&types.Message{
			Type:      types.MessageRun,
			Bundle:    runBundle("0xaaa"),
			Resources: testResources(),
		},
		&types.Message{
			Type: types.MessageRead, UUID: "0xaaa",
			Path: "stdout", ReadMode: types.ReadFileSection,
			Offset: 0, Length: -1,
		},
	)

	w := newTestWorker(f, client)
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	deadline := time.Now().Add(10 * time.Second)
	for client.reply("0xaaa") == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	reply := client.reply("0xaaa")
	if reply == nil {
		t.Fatal("read reply never arrived")
	}
	if reply.Err != nil {
		t.Fatal(reply.Err.Text)
	}
	assert.Equal(t, "output", string(reply.Data))
}

// TestWorkerDispatchKill tests the kill directive routing.
func TestWorkerDispatchKill(t *testing.T) {
	f := newRunFixture(t)
	f.m.StartRun(runBundle("0xaaa"), testResources())

	client := newFakeServerClient()
	w := newTestWorker(f, client)
	w.dispatch(&types.Message{Type: types.MessageKill, UUID: "0xaaa"})

	r := f.snapshot("0xaaa")
	assert.True(t, r.IsKilled)
	assert.Equal(t, "Kill requested", r.KillMessage)
}

// TestWorkerTerminatingRefusesRuns tests that a draining worker drops run
// directives instead of admitting them.
func TestWorkerTerminatingRefusesRuns(t *testing.T) {
	f := newRunFixture(t)
	client := newFakeServerClient()
	w := newTestWorker(f, client)
	w.isTerminating = true

	w.dispatch(&types.Message{
		Type:      types.MessageRun,
		Bundle:    runBundle("0xaaa"),
		Resources: testResources(),
	})
	assert.False(t, f.m.HasRun("0xaaa"))
}

// TestFreeDisk tests the statfs probe against a real directory.
func TestFreeDisk(t *testing.T) {
	assert.Positive(t, freeDisk(t.TempDir()))
	assert.Zero(t, freeDisk("/does/not/exist"))
}
