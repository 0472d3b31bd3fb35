package license

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Type string

const (
	TypeFree      Type = "free"
	TypeFreeTrial Type = "free-trial"
	TypeMonthly   Type = "monthly"
	TypeYearly    Type = "yearly"
)

// ParseType accepts the canonical names plus the legacy "free trial" spelling.
// Unknown names are returned as-is so callers can decide how strict to be.
func ParseType(s string) Type {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "free trial", "free_trial", "freetrial":
		return TypeFreeTrial
	}
	return Type(v)
}

func (t Type) Known() bool {
	switch t {
	case TypeFree, TypeFreeTrial, TypeMonthly, TypeYearly:
		return true
	}
	return false
}

// Metered types get their quota refilled by the aging sweep.
func (t Type) Metered() bool {
	return t == TypeMonthly || t == TypeYearly
}

type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
)

type SupportLevel string

const (
	SupportBasic    SupportLevel = "basic"
	SupportPriority SupportLevel = "priority"
	SupportPremium  SupportLevel = "premium"
)

type Features struct {
	MaxDataMonths  int          `json:"maxDataMonths"`
	MaxMachines    int          `json:"maxMachines"`
	SupportLevel   SupportLevel `json:"supportLevel"`
	FeatureList    []string     `json:"features,omitempty"`
	DailySyncQuota int          `json:"dailySyncs"`
	ReadOnly       bool         `json:"readOnly,omitempty"`
}

type License struct {
	ID              string                       `gorm:"column:id;primaryKey"`
	KeyHash         string                       `gorm:"column:key_hash;uniqueIndex;not null"`
	KeyCiphertext   string                       `gorm:"column:key_ciphertext;uniqueIndex;not null"`
	Type            Type                         `gorm:"column:type;index;not null"`
	Status          Status                       `gorm:"column:status;index;default:'active';not null"`
	ValidFrom       time.Time                    `gorm:"column:valid_from;not null"`
	ValidTo         time.Time                    `gorm:"column:valid_to;not null"`
	OwnerID         string                       `gorm:"column:owner_id;index;not null"`
	MachineID       *string                      `gorm:"column:machine_id"`
	Features        datatypes.JSONType[Features] `gorm:"column:features"`
	RemainingSyncs  int                          `gorm:"column:remaining_syncs;not null;default:0"`
	LastSyncReset   time.Time                    `gorm:"column:last_sync_reset;not null"`
	TotalSyncsUsed  int64                        `gorm:"column:total_syncs_used;not null;default:0"`
	LastValidatedAt *time.Time                   `gorm:"column:last_validated_at"`
	CreatedAt       time.Time                    `gorm:"column:created_at;index;not null"`
	UpdatedAt       time.Time                    `gorm:"column:updated_at"`
}

func (License) TableName() string {
	return "licenses"
}

func (l *License) Bundle() Features {
	return l.Features.Data()
}

// NextResetTime is when the daily quota becomes eligible for refill.
func (l *License) NextResetTime() time.Time {
	return l.LastSyncReset.Add(QuotaWindow)
}

// Projection is the public view handed back to clients. It never carries
// the ciphertext or the lookup hash.
type Projection struct {
	ID             string      `json:"id"`
	Type           Type        `json:"type"`
	Status         Status      `json:"status"`
	ValidFrom      time.Time   `json:"validFrom"`
	ValidTo        time.Time   `json:"validTo"`
	OwnerID        string      `json:"ownerId"`
	MachineID      string      `json:"machineId,omitempty"`
	Features       FeatureView `json:"features"`
	TotalSyncsUsed int64       `json:"totalSyncsUsed"`
	CreatedAt      time.Time   `json:"createdAt"`
	LicenseKey     string      `json:"licenseKey,omitempty"`
}

type FeatureView struct {
	Features
	RemainingSyncs int  `json:"remainingSyncs"`
	SyncAllowed    bool `json:"syncAllowed"`
}

func (l *License) Project(now time.Time) Projection {
	p := Projection{
		ID:             l.ID,
		Type:           l.Type,
		Status:         l.Status,
		ValidFrom:      l.ValidFrom,
		ValidTo:        l.ValidTo,
		OwnerID:        l.OwnerID,
		TotalSyncsUsed: l.TotalSyncsUsed,
		CreatedAt:      l.CreatedAt,
		Features: FeatureView{
			Features:       l.Bundle(),
			RemainingSyncs: l.RemainingSyncs,
			SyncAllowed:    l.SyncAllowed(now),
		},
	}
	if l.MachineID != nil {
		p.MachineID = *l.MachineID
	}
	return p
}

func (l *License) SyncAllowed(now time.Time) bool {
	return l.Status == StatusActive && !now.After(l.ValidTo) && l.RemainingSyncs > 0
}
