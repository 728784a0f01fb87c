package keybundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatroom-e2ee/common"
	"chatroom-e2ee/configs"
	"chatroom-e2ee/protocol/fingerprint"
	"chatroom-e2ee/store"

	"github.com/sirupsen/logrus"
)

// Registry keeps one key bundle per (user, device) in the backing store and
// copies bundles between a user's devices.
type Registry struct {
	store  store.Store
	logger *logrus.Logger
	now    func() time.Time
}

func NewRegistry(st store.Store, logger *logrus.Logger) *Registry {
	return &Registry{store: st, logger: logger, now: time.Now}
}

func bundlePath(userID, deviceID string) string {
	return fmt.Sprintf(configs.KeyBundlePath, userID, deviceID)
}

// Store upserts the bundle of a device. The store stamps the write time.
func (r *Registry) Store(ctx context.Context, userID, deviceID string, bundle *common.KeyBundle) error {
	if err := r.store.Set(ctx, bundlePath(userID, deviceID), common.StoredKeyBundle{KeyBundle: *bundle}); err != nil {
		return fmt.Errorf("failed to store key bundle for %s/%s: %w", userID, deviceID, err)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, userID, deviceID string) (*common.StoredKeyBundle, error) {
	var bundle common.StoredKeyBundle
	found, err := r.store.Get(ctx, bundlePath(userID, deviceID), &bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to get key bundle for %s/%s: %w", userID, deviceID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s/%s", ErrKeyBundleNotFound, userID, deviceID)
	}
	return &bundle, nil
}

// List returns every device bundle of the user ordered by device id.
func (r *Registry) List(ctx context.Context, userID string) ([]common.DeviceBundle, error) {
	children, err := r.store.Children(ctx, fmt.Sprintf(configs.KeyBundleDevicesPath, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list key bundles for %s: %w", userID, err)
	}
	devices := make([]common.DeviceBundle, 0, len(children))
	for deviceID, raw := range children {
		var bundle common.StoredKeyBundle
		if err := json.Unmarshal(raw, &bundle); err != nil {
			r.logger.Warnf("Skipping undecodable key bundle %s/%s: %v", userID, deviceID, err)
			continue
		}
		devices = append(devices, common.DeviceBundle{DeviceID: deviceID, Bundle: bundle})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return devices, nil
}

func (r *Registry) Remove(ctx context.Context, userID, deviceID string) error {
	if err := r.store.Remove(ctx, bundlePath(userID, deviceID)); err != nil {
		return fmt.Errorf("failed to remove key bundle for %s/%s: %w", userID, deviceID, err)
	}
	return nil
}

// Sync copies the source device's bundle to the target device and records
// the copy under keySyncs/{user}/records.
func (r *Registry) Sync(ctx context.Context, userID, sourceDeviceID, targetDeviceID string) error {
	source, err := r.Get(ctx, userID, sourceDeviceID)
	if err != nil {
		return err
	}
	if err := r.Store(ctx, userID, targetDeviceID, &source.KeyBundle); err != nil {
		return err
	}
	record := common.SyncRecord{
		SourceDeviceID: sourceDeviceID,
		TargetDeviceID: targetDeviceID,
		Status:         common.SyncStatusCompleted,
	}
	if _, err := r.store.Push(ctx, fmt.Sprintf(configs.KeySyncRecordsPath, userID), record); err != nil {
		return fmt.Errorf("failed to record key sync for %s: %w", userID, err)
	}
	r.logger.Infof("Synced key bundle for user %s from %s to %s", userID, sourceDeviceID, targetDeviceID)
	return nil
}

// SyncAll copies the most recently stored bundle to every other device of
// the user. Copies run concurrently and a failed copy does not stop the
// others; the returned slice holds the devices that were updated and the
// error joins every failure.
func (r *Registry) SyncAll(ctx context.Context, userID string) ([]string, error) {
	devices, err := r.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(devices) < 2 {
		return nil, nil
	}

	source := devices[0]
	for _, d := range devices[1:] {
		if d.Bundle.Timestamp > source.Bundle.Timestamp {
			source = d
		}
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		synced []string
		errs   []error
	)
	for _, d := range devices {
		if d.DeviceID == source.DeviceID {
			continue
		}
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			err := r.Sync(ctx, userID, source.DeviceID, target)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Errorf("Error syncing key bundle for user %s to device %s: %v", userID, target, err)
				errs = append(errs, fmt.Errorf("device %s: %w", target, err))
				return
			}
			synced = append(synced, target)
		}(d.DeviceID)
	}
	wg.Wait()

	sort.Strings(synced)
	return synced, errors.Join(errs...)
}

// Records returns the sync audit trail of the user, oldest first.
func (r *Registry) Records(ctx context.Context, userID string) ([]common.SyncRecord, error) {
	children, err := r.store.Children(ctx, fmt.Sprintf(configs.KeySyncRecordsPath, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list sync records for %s: %w", userID, err)
	}
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]common.SyncRecord, 0, len(keys))
	for _, k := range keys {
		var rec common.SyncRecord
		if err := json.Unmarshal(children[k], &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// NeedsSync reports whether the device has not received a completed sync in
// the last few minutes while the user has other devices.
func (r *Registry) NeedsSync(ctx context.Context, userID, deviceID string) (bool, error) {
	devices, err := r.List(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(devices) < 2 {
		return false, nil
	}
	records, err := r.Records(ctx, userID)
	if err != nil {
		return false, err
	}
	threshold := r.now().Add(-configs.DeviceSyncThreshold).UnixMilli()
	for _, rec := range records {
		if rec.Status != common.SyncStatusCompleted || rec.Timestamp.Int64() < threshold {
			continue
		}
		if rec.TargetDeviceID == deviceID || rec.SourceDeviceID == deviceID {
			return false, nil
		}
	}
	return true, nil
}

// Fingerprint returns the safety number of the device's identity key.
func (r *Registry) Fingerprint(ctx context.Context, userID, deviceID string) (string, error) {
	bundle, err := r.Get(ctx, userID, deviceID)
	if err != nil {
		return "", err
	}
	return fingerprint.Fingerprint(bundle.IdentityKey, []byte(userID))
}

// VerifyDevice compares the device's safety number with one obtained out of
// band. A missing device does not verify.
func (r *Registry) VerifyDevice(ctx context.Context, userID, deviceID, expected string) (bool, error) {
	fp, err := r.Fingerprint(ctx, userID, deviceID)
	if errors.Is(err, ErrKeyBundleNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fingerprint.Equal(fp, expected), nil
}
