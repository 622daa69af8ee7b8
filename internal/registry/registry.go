// Package registry stores the durable per-(user, host) VPS configuration:
// configured flag, feature flags, site inventory and a bounded log.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gluk-w/vpsdeck/internal/database"
	"github.com/gluk-w/vpsdeck/internal/logutil"
)

// MaxLogEntries is the per-VPS log cap; older entries are evicted first.
const MaxLogEntries = 100

// Log levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

var (
	// ErrNotFound is returned when no record exists for the user and host.
	ErrNotFound = errors.New("vps configuration not found")
	// ErrHasActiveSites is returned by Delete while active sites remain.
	ErrHasActiveSites = errors.New("vps has active sites")
	// ErrInvalidStatus is returned for an unknown site status.
	ErrInvalidStatus = errors.New("invalid site status")
)

// Patch holds the user-editable fields of a record. Nil fields are left
// unchanged.
type Patch struct {
	Port       *int    `json:"port,omitempty"`
	Username   *string `json:"username,omitempty"`
	Domain     *string `json:"domain,omitempty"`
	TemplateID *string `json:"templateId,omitempty"`
}

// Record is the API view of a VPS configuration.
type Record struct {
	ID            uint                   `json:"id"`
	Host          string                 `json:"host"`
	Port          int                    `json:"port"`
	Username      string                 `json:"username"`
	Domain        string                 `json:"domain"`
	TemplateID    string                 `json:"templateId"`
	Configured    bool                   `json:"configured"`
	ConfiguredAt  *time.Time             `json:"configuredAt"`
	ResetAt       *time.Time             `json:"resetAt"`
	LastCheckedAt *time.Time             `json:"lastCheckedAt"`
	Features      map[string]bool        `json:"features"`
	Sites         []database.VPSSite     `json:"sites"`
	Logs          []database.VPSLogEntry `json:"logs,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

// Registry is the gorm-backed configuration store. Log appends are
// serialized and run in a transaction together with their trim.
type Registry struct {
	db    *gorm.DB
	mu    sync.Mutex
	nowFn func() time.Time
}

// New returns a registry on db.
func New(db *gorm.DB) *Registry {
	return &Registry{db: db, nowFn: time.Now}
}

// SetNowFunc replaces the clock, for tests.
func (r *Registry) SetNowFunc(fn func() time.Time) {
	r.nowFn = fn
}

func (r *Registry) now() time.Time {
	return r.nowFn().UTC()
}

func (r *Registry) find(tx *gorm.DB, userID, host string) (*database.VPSConfig, error) {
	var cfg database.VPSConfig
	err := tx.Where("user_id = ? AND host = ?", userID, host).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load vps %s: %w", host, err)
	}
	return &cfg, nil
}

// Upsert creates the record for (userID, host) if missing and applies p.
func (r *Registry) Upsert(userID, host string, p Patch) (*Record, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, fmt.Errorf("host is required")
	}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		cfg := database.VPSConfig{UserID: userID, Host: host}
		if err := tx.Where("user_id = ? AND host = ?", userID, host).
			Attrs(database.VPSConfig{Port: 22, Username: "root", Features: "{}"}).
			FirstOrCreate(&cfg).Error; err != nil {
			return fmt.Errorf("create vps %s: %w", host, err)
		}

		updates := map[string]any{}
		if p.Port != nil {
			updates["port"] = *p.Port
		}
		if p.Username != nil {
			updates["username"] = *p.Username
		}
		if p.Domain != nil {
			updates["domain"] = *p.Domain
		}
		if p.TemplateID != nil {
			updates["template_id"] = *p.TemplateID
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&cfg).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return r.Get(userID, host)
}

// Get returns the record with sites and log, oldest log entry first.
func (r *Registry) Get(userID, host string) (*Record, error) {
	var cfg database.VPSConfig
	err := r.db.
		Preload("Sites", func(db *gorm.DB) *gorm.DB { return db.Order("domain") }).
		Preload("Logs", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("user_id = ? AND host = ?", userID, host).
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load vps %s: %w", host, err)
	}
	return toRecord(&cfg), nil
}

// IsConfigured reports the configured flag; a missing record is not configured.
func (r *Registry) IsConfigured(userID, host string) (bool, error) {
	cfg, err := r.find(r.db, userID, host)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cfg.Configured, nil
}

// List returns all records of userID without their logs.
func (r *Registry) List(userID string) ([]Record, error) {
	var cfgs []database.VPSConfig
	if err := r.db.
		Preload("Sites", func(db *gorm.DB) *gorm.DB { return db.Order("domain") }).
		Where("user_id = ?", userID).
		Order("host").
		Find(&cfgs).Error; err != nil {
		return nil, fmt.Errorf("list vps: %w", err)
	}
	out := make([]Record, 0, len(cfgs))
	for i := range cfgs {
		out = append(out, *toRecord(&cfgs[i]))
	}
	return out, nil
}

// AppendLog adds an entry and evicts the oldest beyond MaxLogEntries.
func (r *Registry) AppendLog(userID, host, level, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.Transaction(func(tx *gorm.DB) error {
		cfg, err := r.find(tx, userID, host)
		if err != nil {
			return err
		}
		entry := database.VPSLogEntry{
			VPSConfigID: cfg.ID,
			Level:       level,
			Message:     message,
			Timestamp:   r.now(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("append log: %w", err)
		}

		keep := tx.Model(&database.VPSLogEntry{}).
			Select("id").
			Where("vps_config_id = ?", cfg.ID).
			Order("id DESC").
			Limit(MaxLogEntries)
		if err := tx.Where("vps_config_id = ? AND id NOT IN (?)", cfg.ID, keep).
			Delete(&database.VPSLogEntry{}).Error; err != nil {
			return fmt.Errorf("trim log: %w", err)
		}
		return nil
	})
}

// MarkConfigured sets the configured flag, merges detected features and
// records domain, when given, as an active site.
func (r *Registry) MarkConfigured(userID, host string, features map[string]bool, domain string) error {
	now := r.now()
	err := r.db.Transaction(func(tx *gorm.DB) error {
		cfg, err := r.find(tx, userID, host)
		if err != nil {
			return err
		}
		merged := decodeFeatures(cfg.Features)
		for k, v := range features {
			merged[k] = v
		}
		if err := tx.Model(cfg).Updates(map[string]any{
			"configured":    true,
			"configured_at": now,
			"features":      encodeFeatures(merged),
		}).Error; err != nil {
			return fmt.Errorf("mark configured: %w", err)
		}
		if domain == "" {
			return nil
		}
		return upsertSite(tx, cfg.ID, domain, database.SiteActive)
	})
	if err == nil {
		log.Printf("[registry] %s marked configured", logutil.SanitizeForLog(host))
	}
	return err
}

// MarkReset clears the configured flag, features and site inventory so the
// host can be provisioned again.
func (r *Registry) MarkReset(userID, host string) error {
	now := r.now()
	err := r.db.Transaction(func(tx *gorm.DB) error {
		cfg, err := r.find(tx, userID, host)
		if err != nil {
			return err
		}
		if err := tx.Where("vps_config_id = ?", cfg.ID).Delete(&database.VPSSite{}).Error; err != nil {
			return fmt.Errorf("clear sites: %w", err)
		}
		return tx.Model(cfg).Updates(map[string]any{
			"configured":    false,
			"configured_at": nil,
			"reset_at":      now,
			"features":      "{}",
		}).Error
	})
	if err == nil {
		log.Printf("[registry] %s reset", logutil.SanitizeForLog(host))
	}
	return err
}

// RecordCheck stores the outcome of a status check.
func (r *Registry) RecordCheck(userID, host string, features map[string]bool) error {
	cfg, err := r.find(r.db, userID, host)
	if err != nil {
		return err
	}
	return r.db.Model(cfg).Updates(map[string]any{
		"last_checked_at": r.now(),
		"features":        encodeFeatures(features),
	}).Error
}

// SetSiteStatus creates or updates a site.
func (r *Registry) SetSiteStatus(userID, host, domain, status string) error {
	if !validStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		cfg, err := r.find(tx, userID, host)
		if err != nil {
			return err
		}
		return upsertSite(tx, cfg.ID, domain, status)
	})
}

// RemoveSite deletes a site from the inventory.
func (r *Registry) RemoveSite(userID, host, domain string) error {
	cfg, err := r.find(r.db, userID, host)
	if err != nil {
		return err
	}
	res := r.db.Where("vps_config_id = ? AND domain = ?", cfg.ID, domain).Delete(&database.VPSSite{})
	if res.Error != nil {
		return fmt.Errorf("remove site: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a record by id. It is rejected while any site is active.
func (r *Registry) Delete(userID string, vpsID uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var cfg database.VPSConfig
		err := tx.Where("id = ? AND user_id = ?", vpsID, userID).First(&cfg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var active int64
		if err := tx.Model(&database.VPSSite{}).
			Where("vps_config_id = ? AND status = ?", cfg.ID, database.SiteActive).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%w: %d", ErrHasActiveSites, active)
		}

		if err := tx.Where("vps_config_id = ?", cfg.ID).Delete(&database.VPSLogEntry{}).Error; err != nil {
			return err
		}
		if err := tx.Where("vps_config_id = ?", cfg.ID).Delete(&database.VPSSite{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&cfg).Error; err != nil {
			return err
		}
		log.Printf("[registry] Deleted vps %d (%s)", cfg.ID, logutil.SanitizeForLog(cfg.Host))
		return nil
	})
}

func upsertSite(tx *gorm.DB, vpsID uint, domain, status string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return fmt.Errorf("domain is required")
	}
	site := database.VPSSite{VPSConfigID: vpsID, Domain: domain, Type: "app", Status: status}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vps_config_id"}, {Name: "domain"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(&site).Error
}

func validStatus(s string) bool {
	switch s {
	case database.SiteActive, database.SiteSuspended, database.SiteDeleted:
		return true
	}
	return false
}

func decodeFeatures(raw string) map[string]bool {
	out := map[string]bool{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		log.Printf("[registry] Ignoring malformed features %q: %v", logutil.Truncate(raw, 80), err)
		return map[string]bool{}
	}
	return out
}

func encodeFeatures(f map[string]bool) string {
	if len(f) == 0 {
		return "{}"
	}
	data, _ := json.Marshal(f)
	return string(data)
}

func toRecord(cfg *database.VPSConfig) *Record {
	sites := cfg.Sites
	if sites == nil {
		sites = []database.VPSSite{}
	}
	sort.SliceStable(cfg.Logs, func(i, j int) bool { return cfg.Logs[i].ID < cfg.Logs[j].ID })
	return &Record{
		ID:            cfg.ID,
		Host:          cfg.Host,
		Port:          cfg.Port,
		Username:      cfg.Username,
		Domain:        cfg.Domain,
		TemplateID:    cfg.TemplateID,
		Configured:    cfg.Configured,
		ConfiguredAt:  cfg.ConfiguredAt,
		ResetAt:       cfg.ResetAt,
		LastCheckedAt: cfg.LastCheckedAt,
		Features:      decodeFeatures(cfg.Features),
		Sites:         sites,
		Logs:          cfg.Logs,
		CreatedAt:     cfg.CreatedAt,
		UpdatedAt:     cfg.UpdatedAt,
	}
}
