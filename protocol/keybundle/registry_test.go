package keybundle

import (
	"context"
	"errors"
	"io"
	"testing"

	"chatroom-e2ee/common"
	"chatroom-e2ee/store"
	"chatroom-e2ee/store/storetest"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected write failure")

// failingStore fails every Set on one path.
type failingStore struct {
	store.Store
	failPath string
}

func (f *failingStore) Set(ctx context.Context, path string, value any) error {
	if path == f.failPath {
		return errInjected
	}
	return f.Store.Set(ctx, path, value)
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newBundle(t *testing.T) *common.KeyBundle {
	t.Helper()
	bundle, _, err := Generate(1, 1)
	require.NoError(t, err)
	return bundle
}

func TestStoreGetListRemove(t *testing.T) {
	ctx := context.Background()
	st, _ := storetest.New(t)
	r := NewRegistry(st, newTestLogger())

	_, err := r.Get(ctx, "u1", "phone")
	assert.ErrorIs(t, err, ErrKeyBundleNotFound)

	phone, laptop := newBundle(t), newBundle(t)
	require.NoError(t, r.Store(ctx, "u1", "phone", phone))
	require.NoError(t, r.Store(ctx, "u1", "laptop", laptop))

	got, err := r.Get(ctx, "u1", "phone")
	require.NoError(t, err)
	assert.Equal(t, *phone, got.KeyBundle)
	assert.NotZero(t, got.Timestamp)

	devices, err := r.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "laptop", devices[0].DeviceID)
	assert.Equal(t, "phone", devices[1].DeviceID)

	require.NoError(t, r.Remove(ctx, "u1", "phone"))
	devices, err = r.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	st, _ := storetest.New(t)
	r := NewRegistry(st, newTestLogger())

	err := r.Sync(ctx, "u1", "missing", "phone")
	assert.ErrorIs(t, err, ErrKeyBundleNotFound)

	source := newBundle(t)
	require.NoError(t, r.Store(ctx, "u1", "laptop", source))
	require.NoError(t, r.Sync(ctx, "u1", "laptop", "phone"))

	copied, err := r.Get(ctx, "u1", "phone")
	require.NoError(t, err)
	assert.Equal(t, source.IdentityKey, copied.IdentityKey)

	records, err := r.Records(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "laptop", records[0].SourceDeviceID)
	assert.Equal(t, "phone", records[0].TargetDeviceID)
	assert.Equal(t, common.SyncStatusCompleted, records[0].Status)
	assert.NotZero(t, records[0].Timestamp)
}

func TestSyncAllBestEffort(t *testing.T) {
	ctx := context.Background()
	st, _ := storetest.New(t)
	seed := NewRegistry(st, newTestLogger())

	a, c, b := newBundle(t), newBundle(t), newBundle(t)
	require.NoError(t, seed.Store(ctx, "u1", "A", a))
	require.NoError(t, seed.Store(ctx, "u1", "C", c))
	require.NoError(t, seed.Store(ctx, "u1", "B", b))

	r := NewRegistry(&failingStore{Store: st, failPath: "keyBundles/u1/devices/C"}, newTestLogger())
	synced, err := r.SyncAll(ctx, "u1")
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, []string{"A"}, synced)

	gotA, err := r.Get(ctx, "u1", "A")
	require.NoError(t, err)
	assert.Equal(t, b.IdentityKey, gotA.IdentityKey)

	gotC, err := r.Get(ctx, "u1", "C")
	require.NoError(t, err)
	assert.Equal(t, c.IdentityKey, gotC.IdentityKey)
}

func TestSyncAllSingleDevice(t *testing.T) {
	ctx := context.Background()
	st, _ := storetest.New(t)
	r := NewRegistry(st, newTestLogger())

	require.NoError(t, r.Store(ctx, "u1", "only", newBundle(t)))
	synced, err := r.SyncAll(ctx, "u1")
	assert.NoError(t, err)
	assert.Empty(t, synced)
}

func TestNeedsSync(t *testing.T) {
	ctx := context.Background()
	st, _ := storetest.New(t)
	r := NewRegistry(st, newTestLogger())

	require.NoError(t, r.Store(ctx, "u1", "A", newBundle(t)))
	needs, err := r.NeedsSync(ctx, "u1", "A")
	require.NoError(t, err)
	assert.False(t, needs)

	require.NoError(t, r.Store(ctx, "u1", "B", newBundle(t)))
	needs, err = r.NeedsSync(ctx, "u1", "A")
	require.NoError(t, err)
	assert.True(t, needs)

	_, err = r.SyncAll(ctx, "u1")
	require.NoError(t, err)
	needs, err = r.NeedsSync(ctx, "u1", "A")
	require.NoError(t, err)
	assert.False(t, needs)
}

func TestVerifyDevice(t *testing.T) {
	ctx := context.Background()
	st, _ := storetest.New(t)
	r := NewRegistry(st, newTestLogger())

	require.NoError(t, r.Store(ctx, "u1", "A", newBundle(t)))
	fp, err := r.Fingerprint(ctx, "u1", "A")
	require.NoError(t, err)

	ok, err := r.VerifyDevice(ctx, "u1", "A", fp)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.VerifyDevice(ctx, "u1", "A", "00000 00000 00000 00000 00000 00000")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.VerifyDevice(ctx, "u1", "missing", fp)
	require.NoError(t, err)
	assert.False(t, ok)
}
