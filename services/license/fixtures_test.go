package license

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"licensing-controlplane/pkg/db/pagination"
	"licensing-controlplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var (
	codecOnce   sync.Once
	sharedCodec *Codec
)

// testCodec derives the keys once per test binary; scrypt is slow on purpose.
func testCodec(t *testing.T) *Codec {
	t.Helper()
	codecOnce.Do(func() {
		c, err := NewCodec(CodecConfig{Passphrase: "test-passphrase", Salt: "test-salt", AllowLegacy: true})
		if err != nil {
			panic(err)
		}
		sharedCodec = c
	})
	return sharedCodec
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t.UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	return NewGormStore(testutil.NewTestDB(t, &License{}))
}

func newTestNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func newTestService(t *testing.T, store Store, clock *fakeClock) *Service {
	t.Helper()
	return New(store, testCodec(t), Options{
		Node:           newTestNode(t),
		Now:            clock.Now,
		RequestTimeout: 5 * time.Second,
	})
}

var seedSeq int

// seedLicense writes a license with a fresh key straight into the store and
// returns the plaintext key. mutate runs before the insert.
func seedLicense(t *testing.T, store *GormStore, typ Type, created time.Time, mutate func(*License)) (string, *License) {
	t.Helper()
	codec := testCodec(t)

	key, err := GenerateKey()
	require.NoError(t, err)
	hash, err := codec.Hash(key)
	require.NoError(t, err)
	ct, err := codec.Encrypt(key)
	require.NoError(t, err)

	seedSeq++
	bundle := FeaturesFor(typ)
	l := &License{
		ID:             fmt.Sprintf("lic-%04d", seedSeq),
		KeyHash:        hash,
		KeyCiphertext:  ct,
		Type:           typ,
		Status:         StatusActive,
		ValidFrom:      created.UTC(),
		ValidTo:        created.UTC().Add(defaultWindow(typ)),
		OwnerID:        "owner-1",
		Features:       datatypes.NewJSONType(bundle),
		RemainingSyncs: bundle.DailySyncQuota,
		LastSyncReset:  created.UTC(),
		CreatedAt:      created.UTC(),
		UpdatedAt:      created.UTC(),
	}
	if mutate != nil {
		mutate(l)
	}
	require.NoError(t, store.InsertUnique(context.Background(), l))
	return key, l
}

// mockStore is a function-field Store; unset functions return zero values.
type mockStore struct {
	findByIDFn              func(ctx context.Context, id string) (*License, error)
	findByKeyHashFn         func(ctx context.Context, keyHash string) (*License, error)
	findByOwnerAndTypeFn    func(ctx context.Context, ownerID string, t Type) (*License, error)
	listByOwnerFn           func(ctx context.Context, ownerID string, after *pagination.Cursor, limit int) ([]License, error)
	insertUniqueFn          func(ctx context.Context, l *License) error
	applyDeltaFn            func(ctx context.Context, id string, d Delta) (*License, error)
	rekeyFn                 func(ctx context.Context, id string, r Rekey) (*License, error)
	findExpiredFreeBeforeFn func(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]License, error)
	findQuotaDueForResetFn  func(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]License, error)
	bulkDowngradeFn         func(ctx context.Context, ids []string, features Features, cutoff time.Time) (int64, error)
	resetQuotaFn            func(ctx context.Context, id string, quota int, cutoff, now time.Time) (bool, error)
}

func (m *mockStore) FindByID(ctx context.Context, id string) (*License, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, ErrNotFound
}

func (m *mockStore) FindByKeyHash(ctx context.Context, keyHash string) (*License, error) {
	if m.findByKeyHashFn != nil {
		return m.findByKeyHashFn(ctx, keyHash)
	}
	return nil, ErrNotFound
}

func (m *mockStore) FindByOwnerAndType(ctx context.Context, ownerID string, t Type) (*License, error) {
	if m.findByOwnerAndTypeFn != nil {
		return m.findByOwnerAndTypeFn(ctx, ownerID, t)
	}
	return nil, ErrNotFound
}

func (m *mockStore) ListByOwner(ctx context.Context, ownerID string, after *pagination.Cursor, limit int) ([]License, error) {
	if m.listByOwnerFn != nil {
		return m.listByOwnerFn(ctx, ownerID, after, limit)
	}
	return nil, nil
}

func (m *mockStore) InsertUnique(ctx context.Context, l *License) error {
	if m.insertUniqueFn != nil {
		return m.insertUniqueFn(ctx, l)
	}
	return nil
}

func (m *mockStore) ApplyDelta(ctx context.Context, id string, d Delta) (*License, error) {
	if m.applyDeltaFn != nil {
		return m.applyDeltaFn(ctx, id, d)
	}
	return nil, ErrNotFound
}

func (m *mockStore) Rekey(ctx context.Context, id string, r Rekey) (*License, error) {
	if m.rekeyFn != nil {
		return m.rekeyFn(ctx, id, r)
	}
	return nil, ErrNotFound
}

func (m *mockStore) FindExpiredFreeBefore(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]License, error) {
	if m.findExpiredFreeBeforeFn != nil {
		return m.findExpiredFreeBeforeFn(ctx, cutoff, afterID, limit)
	}
	return nil, nil
}

func (m *mockStore) FindQuotaDueForReset(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]License, error) {
	if m.findQuotaDueForResetFn != nil {
		return m.findQuotaDueForResetFn(ctx, cutoff, afterID, limit)
	}
	return nil, nil
}

func (m *mockStore) BulkDowngrade(ctx context.Context, ids []string, features Features, cutoff time.Time) (int64, error) {
	if m.bulkDowngradeFn != nil {
		return m.bulkDowngradeFn(ctx, ids, features, cutoff)
	}
	return 0, nil
}

func (m *mockStore) ResetQuota(ctx context.Context, id string, quota int, cutoff, now time.Time) (bool, error) {
	if m.resetQuotaFn != nil {
		return m.resetQuotaFn(ctx, id, quota, cutoff, now)
	}
	return false, nil
}
