package license

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModeValidate, m)

	m, err = ParseMode("syncing")
	require.NoError(t, err)
	require.Equal(t, ModeSyncing, m)

	_, err = ParseMode("sync")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestValidateActiveLicense(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(baseTime.Add(time.Hour))
	svc := newTestService(t, store, clock)
	key, l := seedLicense(t, store, TypeMonthly, baseTime, nil)

	v, err := svc.Validate(context.Background(), key, "")
	require.NoError(t, err)
	require.True(t, v.Valid)
	require.Equal(t, ReasonOK, v.Reason)
	require.NotNil(t, v.License)
	require.Equal(t, l.ID, v.License.ID)
	require.Equal(t, 2, v.License.Features.RemainingSyncs)
	require.Empty(t, v.License.LicenseKey)

	// validation never spends quota, it only stamps the record
	fresh, err := store.FindByID(context.Background(), l.ID)
	require.NoError(t, err)
	require.Equal(t, 2, fresh.RemainingSyncs)
	require.NotNil(t, fresh.LastValidatedAt)
	require.True(t, clock.Now().Equal(*fresh.LastValidatedAt))
}

func TestValidateAcceptsLooseKeyFormatting(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store, newFakeClock(baseTime.Add(time.Hour)))
	key, _ := seedLicense(t, store, TypeYearly, baseTime, nil)

	loose := " " + toLowerNoDashes(key) + " "
	v, err := svc.Validate(context.Background(), loose, "")
	require.NoError(t, err)
	require.Equal(t, ReasonOK, v.Reason)
}

func TestValidateInvalidFormatSkipsStore(t *testing.T) {
	store := &mockStore{
		findByKeyHashFn: func(context.Context, string) (*License, error) {
			t.Fatal("store must not be consulted for a malformed key")
			return nil, nil
		},
	}
	svc := newTestService(t, store, newFakeClock(baseTime))

	v, err := svc.Validate(context.Background(), "ABCD-EFGH-JKMN-PQRS-TUVW-XYZ2-3456-78", "")
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, ReasonInvalidKeyFormat, v.Reason)
	require.Equal(t, "Invalid license key format", v.Message)
	require.False(t, v.Retryable)
}

func TestValidateUnknownKey(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store, newFakeClock(baseTime))

	key, err := GenerateKey()
	require.NoError(t, err)

	v, err := svc.Validate(context.Background(), key, "")
	require.NoError(t, err)
	require.Equal(t, ReasonInvalidKey, v.Reason)
	require.Nil(t, v.License)
}

func TestValidateWindowAndStatus(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store, newFakeClock(baseTime))

	expired, _ := seedLicense(t, store, TypeMonthly, baseTime.Add(-40*24*time.Hour), nil)
	future, _ := seedLicense(t, store, TypeMonthly, baseTime, func(l *License) {
		l.ValidFrom = baseTime.Add(time.Hour)
		l.ValidTo = baseTime.Add(31 * 24 * time.Hour)
	})
	suspended, _ := seedLicense(t, store, TypeYearly, baseTime.Add(-time.Hour), func(l *License) {
		l.Status = StatusSuspended
	})

	cases := []struct {
		key  string
		want Reason
	}{
		{expired, ReasonExpired},
		{future, ReasonNotYetValid},
		{suspended, ReasonNotActive},
	}
	for _, tc := range cases {
		for _, mode := range []Mode{ModeValidate, ModeSyncing} {
			v, err := svc.Check(context.Background(), tc.key, "", mode)
			require.NoError(t, err)
			require.False(t, v.Valid)
			require.Equalf(t, tc.want, v.Reason, "mode %s", mode)
		}
	}
}

func TestFreeLicenseQuotaExhausted(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(baseTime.Add(time.Hour))
	svc := newTestService(t, store, clock)
	key, l := seedLicense(t, store, TypeFree, baseTime, nil)
	require.Equal(t, 1, l.RemainingSyncs)

	v, err := svc.Sync(context.Background(), key, "")
	require.NoError(t, err)
	require.True(t, v.Valid)
	require.Equal(t, 0, v.License.Features.RemainingSyncs)
	require.False(t, v.License.Features.SyncAllowed)
	require.EqualValues(t, 1, v.License.TotalSyncsUsed)

	v, err = svc.Sync(context.Background(), key, "")
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, ReasonQuotaExhausted, v.Reason)
	require.True(t, v.Retryable)
	require.NotNil(t, v.NextResetTime)
	require.True(t, baseTime.Add(24*time.Hour).Equal(*v.NextResetTime))

	// validation is still fine with no syncs left
	v, err = svc.Validate(context.Background(), key, "")
	require.NoError(t, err)
	require.True(t, v.Valid)
}

func TestFreeLicenseAutoDowngradedOnCheck(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store, newFakeClock(baseTime))
	key, l := seedLicense(t, store, TypeFree, baseTime.Add(-11*24*time.Hour), func(l *License) {
		l.ValidTo = baseTime.Add(30 * 24 * time.Hour)
	})

	v, err := svc.Validate(context.Background(), key, "")
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, ReasonNotActive, v.Reason)

	fresh, err := store.FindByID(context.Background(), l.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, fresh.Status)
	require.True(t, fresh.Bundle().ReadOnly)
}

func TestMeteredQuotaRefilledOnCheck(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store, newFakeClock(baseTime))
	key, _ := seedLicense(t, store, TypeYearly, baseTime.Add(-10*24*time.Hour), func(l *License) {
		l.RemainingSyncs = 0
		l.LastSyncReset = baseTime.Add(-25 * time.Hour)
	})

	v, err := svc.Sync(context.Background(), key, "")
	require.NoError(t, err)
	require.True(t, v.Valid)
	require.Equal(t, 4, v.License.Features.RemainingSyncs)
}

func TestMeteredQuotaNotRefilledInsideWindow(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(baseTime)
	svc := newTestService(t, store, clock)
	lastReset := baseTime.Add(-23 * time.Hour)
	key, _ := seedLicense(t, store, TypeMonthly, baseTime.Add(-10*24*time.Hour), func(l *License) {
		l.RemainingSyncs = 0
		l.LastSyncReset = lastReset
	})

	v, err := svc.Sync(context.Background(), key, "")
	require.NoError(t, err)
	require.Equal(t, ReasonQuotaExhausted, v.Reason)
	require.True(t, lastReset.Add(QuotaWindow).Equal(*v.NextResetTime))

	clock.Advance(time.Hour)
	v, err = svc.Sync(context.Background(), key, "")
	require.NoError(t, err)
	require.Equal(t, ReasonOK, v.Reason)
	require.Equal(t, 1, v.License.Features.RemainingSyncs)
}

func TestMachineBinding(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store, newFakeClock(baseTime.Add(time.Hour)))
	key, l := seedLicense(t, store, TypeYearly, baseTime, nil)

	v, err := svc.Validate(context.Background(), key, "M1")
	require.NoError(t, err)
	require.True(t, v.Valid)
	require.Equal(t, "M1", v.License.MachineID)

	v, err = svc.Sync(context.Background(), key, "M2")
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, ReasonMachineMismatch, v.Reason)

	v, err = svc.Sync(context.Background(), key, "M1")
	require.NoError(t, err)
	require.True(t, v.Valid)

	fresh, err := store.FindByID(context.Background(), l.ID)
	require.NoError(t, err)
	require.Equal(t, "M1", *fresh.MachineID)
	require.Equal(t, 4, fresh.RemainingSyncs, "the mismatched sync must not spend quota")
}

func TestMachineBindingRace(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store, newFakeClock(baseTime.Add(time.Hour)))
	key, l := seedLicense(t, store, TypeYearly, baseTime, nil)

	machines := []string{"M1", "M2", "M3", "M4"}
	results := make([]Verdict, len(machines))
	var wg sync.WaitGroup
	for i, m := range machines {
		wg.Add(1)
		go func(i int, m string) {
			defer wg.Done()
			v, err := svc.Validate(context.Background(), key, m)
			if err == nil {
				results[i] = v
			}
		}(i, m)
	}
	wg.Wait()

	fresh, err := store.FindByID(context.Background(), l.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.MachineID)

	winners := 0
	for i, v := range results {
		if v.Valid {
			winners++
			require.Equal(t, *fresh.MachineID, machines[i])
		} else {
			require.Equal(t, ReasonMachineMismatch, v.Reason)
		}
	}
	require.Equal(t, 1, winners)
}

func TestConcurrentSyncsNeverOverspend(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store, newFakeClock(baseTime.Add(time.Hour)))
	key, l := seedLicense(t, store, TypeYearly, baseTime, nil)

	const callers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		exhausted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := svc.Sync(context.Background(), key, "")
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch v.Reason {
			case ReasonOK:
				ok++
			case ReasonQuotaExhausted:
				exhausted++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 5, ok)
	require.Equal(t, callers-5, exhausted)

	fresh, err := store.FindByID(context.Background(), l.ID)
	require.NoError(t, err)
	require.Equal(t, 0, fresh.RemainingSyncs)
	require.EqualValues(t, ok, fresh.TotalSyncsUsed)
}

func TestStoreFailureIsRetryableVerdict(t *testing.T) {
	store := &mockStore{
		findByKeyHashFn: func(context.Context, string) (*License, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	svc := newTestService(t, store, newFakeClock(baseTime))
	key, err := GenerateKey()
	require.NoError(t, err)

	v, err := svc.Sync(context.Background(), key, "")
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, ReasonServiceUnavailable, v.Reason)
	require.True(t, v.Retryable)
}

func TestStoreTimeoutIsRetryableVerdict(t *testing.T) {
	store := &mockStore{
		findByKeyHashFn: func(ctx context.Context, _ string) (*License, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	clock := newFakeClock(baseTime)
	aging := NewAging(store, clock.Now)
	engine := NewEngine(store, testCodec(t), aging, clock.Now, 20*time.Millisecond)

	key, err := GenerateKey()
	require.NoError(t, err)

	v, err := engine.Evaluate(context.Background(), key, "", ModeValidate)
	require.NoError(t, err)
	require.Equal(t, ReasonServiceUnavailable, v.Reason)
}

func TestMissingCodecIsEscalated(t *testing.T) {
	store := &mockStore{}
	svc := New(store, nil, Options{Node: newTestNode(t), Now: newFakeClock(baseTime).Now})

	key, err := GenerateKey()
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), key, "")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCrypto)
}

func TestLostDecrementRaceReportsExhausted(t *testing.T) {
	clock := newFakeClock(baseTime.Add(time.Hour))
	l := &License{
		ID:             "lic-race",
		Type:           TypeMonthly,
		Status:         StatusActive,
		ValidFrom:      baseTime,
		ValidTo:        baseTime.Add(30 * 24 * time.Hour),
		RemainingSyncs: 1,
		LastSyncReset:  baseTime,
		CreatedAt:      baseTime,
	}
	store := &mockStore{
		findByKeyHashFn: func(context.Context, string) (*License, error) {
			cp := *l
			return &cp, nil
		},
		applyDeltaFn: func(context.Context, string, Delta) (*License, error) {
			return nil, ErrPreconditionFailed
		},
		findByIDFn: func(context.Context, string) (*License, error) {
			cp := *l
			cp.RemainingSyncs = 0
			return &cp, nil
		},
	}
	svc := newTestService(t, store, clock)
	key, err := GenerateKey()
	require.NoError(t, err)

	v, err := svc.Sync(context.Background(), key, "")
	require.NoError(t, err)
	require.Equal(t, ReasonQuotaExhausted, v.Reason)
	require.True(t, baseTime.Add(24*time.Hour).Equal(*v.NextResetTime))
}

func toLowerNoDashes(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		if r == '-' {
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}
