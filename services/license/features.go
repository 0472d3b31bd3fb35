package license

import "time"

const (
	FeatureBasicDataExtraction = "basic_data_extraction"
	FeatureAdvancedAnalytics   = "advanced_analytics"
	FeaturePrioritySupport     = "priority_support"
	FeatureCustomIntegrations  = "custom_integrations"
)

const (
	// TrialWindow is how long a free license stays active before auto-downgrade.
	TrialWindow = 10 * 24 * time.Hour
	// QuotaWindow is the minimum gap between two quota refills.
	QuotaWindow = 24 * time.Hour
)

// FeaturesFor returns the bundle for a license type. Unknown types get the
// free bundle.
func FeaturesFor(t Type) Features {
	switch t {
	case TypeMonthly:
		return Features{
			MaxDataMonths:  12,
			MaxMachines:    3,
			SupportLevel:   SupportPriority,
			FeatureList:    []string{FeatureBasicDataExtraction, FeatureAdvancedAnalytics, FeaturePrioritySupport},
			DailySyncQuota: 2,
		}
	case TypeYearly:
		return Features{
			MaxDataMonths:  24,
			MaxMachines:    5,
			SupportLevel:   SupportPremium,
			FeatureList:    []string{FeatureBasicDataExtraction, FeatureAdvancedAnalytics, FeaturePrioritySupport, FeatureCustomIntegrations},
			DailySyncQuota: 5,
		}
	default:
		return Features{
			MaxDataMonths:  1,
			MaxMachines:    1,
			SupportLevel:   SupportBasic,
			FeatureList:    []string{FeatureBasicDataExtraction},
			DailySyncQuota: 1,
		}
	}
}

// ReadOnlyFeatures is what an auto-downgraded free license keeps.
func ReadOnlyFeatures() Features {
	return Features{
		MaxDataMonths: 1,
		MaxMachines:   1,
		SupportLevel:  SupportBasic,
		ReadOnly:      true,
	}
}

// mergeFeatures overlays the non-zero fields of override on base. The type
// bundle wins for the quota so an override cannot hand out extra syncs.
func mergeFeatures(base Features, override *Features) Features {
	if override == nil {
		return base
	}
	out := base
	if override.MaxDataMonths > 0 {
		out.MaxDataMonths = override.MaxDataMonths
	}
	if override.MaxMachines > 0 {
		out.MaxMachines = override.MaxMachines
	}
	if override.SupportLevel != "" {
		out.SupportLevel = override.SupportLevel
	}
	if len(override.FeatureList) > 0 {
		out.FeatureList = append([]string(nil), override.FeatureList...)
	}
	out.ReadOnly = override.ReadOnly
	return out
}

// defaultWindow is the entitlement length handed out when the caller does
// not pick one.
func defaultWindow(t Type) time.Duration {
	switch t {
	case TypeMonthly:
		return 30 * 24 * time.Hour
	case TypeYearly:
		return 365 * 24 * time.Hour
	default:
		return TrialWindow
	}
}
