package manager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

type makerFixture struct {
	store   *storage.BoltStore
	dataDir string
	maker   *Maker
}

func newMakerFixture(t *testing.T) *makerFixture {
	t.Helper()
	dataDir := t.TempDir()
	store, err := storage.NewBoltStore(t.TempDir(), "codalab", storage.NewHub())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return &makerFixture{
		store:   store,
		dataDir: dataDir,
		maker:   NewMaker(store, dataDir, 2),
	}
}

// addParent writes parent contents under the data dir and records a READY row.
func (f *makerFixture) addParent(t *testing.T, uuid string, files map[string]string) {
	t.Helper()
	root := filepath.Join(f.dataDir, uuid)
	for name, body := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	err := f.store.CreateBundle(&types.Bundle{
		UUID: uuid, BundleType: types.BundleTypeDataset, State: types.BundleStateReady,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *makerFixture) addStagedMake(t *testing.T, uuid string, deps []types.Dependency) {
	t.Helper()
	err := f.store.CreateBundle(&types.Bundle{
		UUID:         uuid,
		BundleType:   types.BundleTypeMake,
		OwnerID:      "alice",
		State:        types.BundleStateStaged,
		Dependencies: deps,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *makerFixture) runTick(t *testing.T) {
	t.Helper()
	f.maker.MakeBundles()
	f.maker.Wait()
}

// TestMakeSingleRootDependency tests the direct-copy shape: one dependency
// mounted at the bundle root.
func TestMakeSingleRootDependency(t *testing.T) {
	f := newMakerFixture(t)
	f.addParent(t, "0xparent", map[string]string{"result.txt": "output data"})
	f.addStagedMake(t, "0xmake", []types.Dependency{
		{ParentUUID: "0xparent", ChildPath: ""},
	})

	f.runTick(t)

	b, err := f.store.GetBundle("0xmake")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, types.BundleStateReady, b.State)
	if size, ok := b.MetaInt(types.MetaDataSize); !ok || size != int64(len("output data")) {
		t.Errorf("data_size = %d (%v)", size, ok)
	}

	loc, err := f.store.GetBundleLocation("0xmake")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(loc, "result.txt"))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "output data", string(data))
}

// TestMakeMultipleDependencies tests assembly under per-dependency child
// paths, including a parent subpath.
func TestMakeMultipleDependencies(t *testing.T) {
	f := newMakerFixture(t)
	f.addParent(t, "0xp1", map[string]string{"model.bin": "weights"})
	f.addParent(t, "0xp2", map[string]string{"sub/stats.json": "{}"})
	f.addStagedMake(t, "0xmake", []types.Dependency{
		{ParentUUID: "0xp1", ChildPath: "model"},
		{ParentUUID: "0xp2", ParentPath: "sub/stats.json", ChildPath: "stats.json"},
	})

	f.runTick(t)

	b, _ := f.store.GetBundle("0xmake")
	assert.Equal(t, types.BundleStateReady, b.State)

	root := filepath.Join(f.dataDir, "0xmake")
	data, err := os.ReadFile(filepath.Join(root, "model", "model.bin"))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "weights", string(data))
	data, err = os.ReadFile(filepath.Join(root, "stats.json"))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "{}", string(data))
}

// TestMakeFailsOnMissingContents tests the failure path with message and
// traceback recorded.
func TestMakeFailsOnMissingContents(t *testing.T) {
	f := newMakerFixture(t)
	f.addStagedMake(t, "0xmake", []types.Dependency{
		{ParentUUID: "0xabsent", ChildPath: ""},
	})

	f.runTick(t)

	b, _ := f.store.GetBundle("0xmake")
	assert.Equal(t, types.BundleStateFailed, b.State)
	assert.NotEmpty(t, b.MetaString(types.MetaFailureMessage))
	assert.NotEmpty(t, b.MetaString(types.MetaErrorTraceback))
}

// TestMakeRejectsEscapingChildPath tests containment of child paths.
func TestMakeRejectsEscapingChildPath(t *testing.T) {
	f := newMakerFixture(t)
	f.addParent(t, "0xparent", map[string]string{"a.txt": "a"})
	f.addStagedMake(t, "0xmake", []types.Dependency{
		{ParentUUID: "0xparent", ChildPath: "../outside"},
	})

	f.runTick(t)

	b, _ := f.store.GetBundle("0xmake")
	assert.Equal(t, types.BundleStateFailed, b.State)
	assert.Contains(t, b.MetaString(types.MetaFailureMessage), "escapes")
}

// TestMakeRestagesOrphans tests that MAKING bundles without an in-process
// task are requeued on the next tick.
func TestMakeRestagesOrphans(t *testing.T) {
	f := newMakerFixture(t)
	err := f.store.CreateBundle(&types.Bundle{
		UUID: "0xorphan", BundleType: types.BundleTypeMake,
		OwnerID: "alice", State: types.BundleStateMaking,
	})
	if err != nil {
		t.Fatal(err)
	}

	// The orphan restages; with no dependencies it then assembles to an
	// empty ready bundle on the same tick.
	f.runTick(t)

	b, _ := f.store.GetBundle("0xorphan")
	assert.Equal(t, types.BundleStateReady, b.State)
	if size, ok := b.MetaInt(types.MetaDataSize); !ok || size != 0 {
		t.Errorf("empty bundle should have zero data_size, got %d (%v)", size, ok)
	}
}
