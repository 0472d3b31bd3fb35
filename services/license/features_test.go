package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestFeaturesFor(t *testing.T) {
	cases := []struct {
		typ      Type
		months   int
		machines int
		support  SupportLevel
		quota    int
		features int
	}{
		{TypeFree, 1, 1, SupportBasic, 1, 1},
		{TypeFreeTrial, 1, 1, SupportBasic, 1, 1},
		{TypeMonthly, 12, 3, SupportPriority, 2, 3},
		{TypeYearly, 24, 5, SupportPremium, 5, 4},
		{Type("enterprise"), 1, 1, SupportBasic, 1, 1},
	}

	for _, tc := range cases {
		f := FeaturesFor(tc.typ)
		require.Equalf(t, tc.months, f.MaxDataMonths, "type %s", tc.typ)
		require.Equalf(t, tc.machines, f.MaxMachines, "type %s", tc.typ)
		require.Equalf(t, tc.support, f.SupportLevel, "type %s", tc.typ)
		require.Equalf(t, tc.quota, f.DailySyncQuota, "type %s", tc.typ)
		require.Lenf(t, f.FeatureList, tc.features, "type %s", tc.typ)
		require.False(t, f.ReadOnly)
	}
}

func TestReadOnlyFeatures(t *testing.T) {
	f := ReadOnlyFeatures()
	require.True(t, f.ReadOnly)
	require.Zero(t, f.DailySyncQuota)
	require.Empty(t, f.FeatureList)
}

func TestParseType(t *testing.T) {
	require.Equal(t, TypeFreeTrial, ParseType("free trial"))
	require.Equal(t, TypeFreeTrial, ParseType(" Free-Trial "))
	require.Equal(t, TypeYearly, ParseType("YEARLY"))
	require.False(t, ParseType("lifetime").Known())

	require.True(t, TypeMonthly.Metered())
	require.True(t, TypeYearly.Metered())
	require.False(t, TypeFree.Metered())
	require.False(t, TypeFreeTrial.Metered())
}

func TestMergeFeaturesKeepsQuota(t *testing.T) {
	base := FeaturesFor(TypeMonthly)
	merged := mergeFeatures(base, &Features{
		MaxMachines:    10,
		FeatureList:    []string{"custom"},
		DailySyncQuota: 99,
	})

	require.Equal(t, 10, merged.MaxMachines)
	require.Equal(t, base.MaxDataMonths, merged.MaxDataMonths)
	require.Equal(t, []string{"custom"}, merged.FeatureList)
	require.Equal(t, 2, merged.DailySyncQuota)

	require.Equal(t, base, mergeFeatures(base, nil))
}

func TestProjectionAndSyncAllowed(t *testing.T) {
	now := baseTime
	machine := "M1"
	l := &License{
		ID:             "lic-1",
		KeyHash:        "hash",
		KeyCiphertext:  "v2:secret",
		Type:           TypeMonthly,
		Status:         StatusActive,
		ValidFrom:      now.Add(-time.Hour),
		ValidTo:        now.Add(time.Hour),
		MachineID:      &machine,
		Features:       datatypes.NewJSONType(FeaturesFor(TypeMonthly)),
		RemainingSyncs: 2,
		LastSyncReset:  now.Add(-time.Hour),
	}

	p := l.Project(now)
	require.Equal(t, "M1", p.MachineID)
	require.Equal(t, 2, p.Features.RemainingSyncs)
	require.True(t, p.Features.SyncAllowed)
	require.Empty(t, p.LicenseKey)
	require.Equal(t, now.Add(23*time.Hour), l.NextResetTime())

	l.RemainingSyncs = 0
	require.False(t, l.SyncAllowed(now))

	l.RemainingSyncs = 1
	require.False(t, l.SyncAllowed(now.Add(2*time.Hour)))

	l.Status = StatusSuspended
	require.False(t, l.SyncAllowed(now))
}
