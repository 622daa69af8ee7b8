package database

import "time"

// Site statuses.
const (
	SiteActive    = "active"
	SiteSuspended = "suspended"
	SiteDeleted   = "deleted"
)

// VPSConfig is the durable configuration record for one (user, host) pair.
type VPSConfig struct {
	ID            uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        string     `gorm:"not null;size:64;uniqueIndex:idx_vps_user_host" json:"user_id"`
	Host          string     `gorm:"not null;size:255;uniqueIndex:idx_vps_user_host" json:"host"`
	Port          int        `gorm:"not null;default:22" json:"port"`
	Username      string     `gorm:"not null;default:root" json:"username"`
	Domain        string     `json:"domain"`
	TemplateID    string     `json:"template_id"`
	Configured    bool       `gorm:"not null;default:false" json:"configured"`
	ConfiguredAt  *time.Time `json:"configured_at"`
	ResetAt       *time.Time `json:"reset_at"`
	LastCheckedAt *time.Time `json:"last_checked_at"`
	Features      string     `gorm:"type:text;default:'{}'" json:"-"` // JSON: {"nginx":true,...}
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Sites []VPSSite     `gorm:"foreignKey:VPSConfigID;constraint:OnDelete:CASCADE" json:"sites"`
	Logs  []VPSLogEntry `gorm:"foreignKey:VPSConfigID;constraint:OnDelete:CASCADE" json:"logs"`
}

// VPSSite is one site hosted on a configured VPS.
type VPSSite struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	VPSConfigID uint      `gorm:"not null;uniqueIndex:idx_site_domain" json:"-"`
	Domain      string    `gorm:"not null;size:255;uniqueIndex:idx_site_domain" json:"domain"`
	Type        string    `gorm:"not null;default:app" json:"type"`
	Status      string    `gorm:"not null;default:active" json:"status"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// VPSLogEntry is one line of the bounded per-VPS log.
type VPSLogEntry struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	VPSConfigID uint      `gorm:"not null;index" json:"-"`
	Level       string    `gorm:"not null;default:info" json:"level"`
	Message     string    `gorm:"type:text" json:"message"`
	Timestamp   time.Time `gorm:"not null;index" json:"timestamp"`
}

// ProvisionJob is the audit copy of a provisioning attempt.
type ProvisionJob struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	UserID     string     `gorm:"not null;size:64;index" json:"user_id"`
	Host       string     `gorm:"not null;index" json:"host"`
	Domain     string     `json:"domain"`
	TemplateID string     `json:"template_id"`
	Plan       string     `gorm:"not null" json:"plan"`
	Status     string     `gorm:"not null;index" json:"status"`
	Phases     string     `gorm:"type:text" json:"-"` // JSON: [{"name":..,"status":..}]
	ErrorPhase string     `json:"error_phase"`
	ErrorMsg   string     `gorm:"type:text" json:"error_message"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
