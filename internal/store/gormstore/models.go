package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DeviceCredit mirrors the device_credits table.
type DeviceCredit struct {
	DeviceID        string                      `gorm:"primaryKey"`
	CreditsUsed     int64                       `gorm:"not null;default:0"`
	IsBanned        bool                        `gorm:"not null;default:false"`
	LinkedAccountID *string                     `gorm:"index"`
	EmailsSeen      datatypes.JSONSlice[string] `gorm:"not null"`
	AbuseSuspected  bool                        `gorm:"not null;default:false"`
	LinkageVersion  int64                       `gorm:"not null;default:0"`
	CreatedAt       time.Time                   `gorm:"not null"`
	UpdatedAt       time.Time                   `gorm:"not null"`
}

func (DeviceCredit) TableName() string { return "device_credits" }

// UnlockGrant mirrors the unlock_grants table.
type UnlockGrant struct {
	GrantID    string    `gorm:"type:uuid;primaryKey"`
	SubjectKey string    `gorm:"not null;index:uniq_unlock_grants_subject_product,unique,priority:1"`
	ProductID  string    `gorm:"not null;index:uniq_unlock_grants_subject_product,unique,priority:2"`
	GrantType  string    `gorm:"not null"`
	GrantedAt  time.Time `gorm:"not null"`
}

func (UnlockGrant) TableName() string { return "unlock_grants" }

func (grant *UnlockGrant) BeforeCreate(tx *gorm.DB) error {
	if grant.GrantID == "" {
		grant.GrantID = uuid.NewString()
	}
	return nil
}

// Product mirrors the products table.
type Product struct {
	ProductID string    `gorm:"primaryKey"`
	Title     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Product) TableName() string { return "products" }

// DemandRecord mirrors the demand_records table.
type DemandRecord struct {
	ProductKey                string     `gorm:"primaryKey"`
	WeightedScore             float64    `gorm:"not null;default:0"`
	SearchSignals             int64      `gorm:"not null;default:0"`
	PossessionSignals         int64      `gorm:"not null;default:0"`
	VerifiedPossessionSignals int64      `gorm:"not null;default:0"`
	PhotoSignals              int64      `gorm:"not null;default:0"`
	DistinctVoters            int64      `gorm:"not null;default:0"`
	FundingThreshold          float64    `gorm:"not null"`
	Status                    string     `gorm:"not null;index"`
	ThresholdReachedAt        *time.Time `gorm:""`
	VelocityScore             float64    `gorm:"not null;default:0;index:idx_demand_records_rank,priority:2"`
	UrgencyFlag               string     `gorm:"not null;default:normal"`
	UrgencyRank               int        `gorm:"not null;default:0;index:idx_demand_records_rank,priority:1"`
	ScansLast24h              int64      `gorm:"column:scans_last_24h;not null;default:0"`
	ScansLast7d               int64      `gorm:"column:scans_last_7d;not null;default:0"`
	Archived                  bool       `gorm:"not null;default:false"`
	CreatedAt                 time.Time  `gorm:"not null"`
	UpdatedAt                 time.Time  `gorm:"not null"`
}

func (DemandRecord) TableName() string { return "demand_records" }

// DemandScan mirrors the demand_scans table; rows older than the retention window are pruned on write.
type DemandScan struct {
	ScanID        uint64 `gorm:"primaryKey;autoIncrement"`
	ProductKey    string `gorm:"not null;index:idx_demand_scans_product_at,priority:1"`
	ScannedAtUnix int64  `gorm:"not null;index:idx_demand_scans_product_at,priority:2"`
	ScanCount     int64  `gorm:"not null"`
}

func (DemandScan) TableName() string { return "demand_scans" }

// DemandVoter mirrors the demand_voters table.
type DemandVoter struct {
	ProductKey  string    `gorm:"primaryKey"`
	Fingerprint string    `gorm:"primaryKey"`
	FirstSeenAt time.Time `gorm:"not null"`
}

func (DemandVoter) TableName() string { return "demand_voters" }

// DemandStatusChange mirrors the demand_status_changes table.
type DemandStatusChange struct {
	ChangeID   string    `gorm:"type:uuid;primaryKey"`
	ProductKey string    `gorm:"not null;index:uniq_demand_status_changes_position,unique,priority:1"`
	Position   int64     `gorm:"not null;index:uniq_demand_status_changes_position,unique,priority:2"`
	FromStatus string    `gorm:"not null"`
	ToStatus   string    `gorm:"not null"`
	ChangedAt  time.Time `gorm:"not null"`
}

func (DemandStatusChange) TableName() string { return "demand_status_changes" }

func (change *DemandStatusChange) BeforeCreate(tx *gorm.DB) error {
	if change.ChangeID == "" {
		change.ChangeID = uuid.NewString()
	}
	return nil
}

// Models lists every table managed by this package, in migration order.
func Models() []any {
	return []any{
		&Product{},
		&DeviceCredit{},
		&UnlockGrant{},
		&DemandRecord{},
		&DemandScan{},
		&DemandVoter{},
		&DemandStatusChange{},
	}
}

// AutoMigrate creates or updates the schema for every model.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
