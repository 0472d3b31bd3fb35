package taskname

const (
	// License tasks
	LicenseAgingSweep = "license:aging:sweep"
)
