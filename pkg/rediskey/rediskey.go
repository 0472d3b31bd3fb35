package rediskey

import "fmt"

// License keys (global convention across services)
const (
	LicensePrefix     = "license"
	LicenseLockPrefix = "license:lock"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildAgingSweepLockKey returns "license:lock:aging-sweep"
func BuildAgingSweepLockKey() string {
	return NamespaceKey(LicenseLockPrefix, "aging-sweep")
}

// BuildFreeTrialLockKey returns "license:lock:free-trial:{ownerID}"
func BuildFreeTrialLockKey(ownerID string) string {
	return NamespaceKey(LicenseLockPrefix, "free-trial:"+ownerID)
}
