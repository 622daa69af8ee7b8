package provision

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/gluk-w/vpsdeck/internal/database"
)

// Store keeps an audit copy of every job so finished jobs survive a
// restart.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Save inserts or replaces the row for snap.
func (s *Store) Save(snap Snapshot) error {
	phases, err := json.Marshal(snap.Phases)
	if err != nil {
		return err
	}
	row := database.ProvisionJob{
		ID:         snap.ID,
		UserID:     snap.UserID,
		Host:       snap.Host,
		Domain:     snap.Domain,
		TemplateID: snap.TemplateID,
		Plan:       snap.Plan,
		Status:     string(snap.Status),
		Phases:     string(phases),
		StartedAt:  snap.StartedAt,
		EndedAt:    snap.EndedAt,
	}
	if snap.LastError != nil {
		row.ErrorPhase = snap.LastError.Phase
		row.ErrorMsg = snap.LastError.Message
	}
	return s.db.Save(&row).Error
}

// Get loads a job owned by userID.
func (s *Store) Get(userID, jobID string) (Snapshot, error) {
	var row database.ProvisionJob
	err := s.db.Where("id = ? AND user_id = ?", jobID, userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, ErrJobNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	return fromRow(row), nil
}

// List returns up to limit jobs of userID, newest first.
func (s *Store) List(userID string, limit int) ([]Snapshot, error) {
	var rows []database.ProvisionJob
	if err := s.db.Where("user_id = ?", userID).Order("started_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// PruneBefore deletes finished jobs that ended before cutoff.
func (s *Store) PruneBefore(cutoff time.Time) (int64, error) {
	res := s.db.Where("ended_at IS NOT NULL AND ended_at < ?", cutoff).Delete(&database.ProvisionJob{})
	return res.RowsAffected, res.Error
}

// MarkInterrupted fails every job a previous process left unfinished.
func (s *Store) MarkInterrupted() (int64, error) {
	now := time.Now().UTC()
	res := s.db.Model(&database.ProvisionJob{}).
		Where("status IN ?", []string{string(StatusPending), string(StatusRunning)}).
		Updates(map[string]any{
			"status":    string(StatusError),
			"error_msg": "interrupted by restart",
			"ended_at":  now,
		})
	return res.RowsAffected, res.Error
}

func fromRow(row database.ProvisionJob) Snapshot {
	var phases []PhaseState
	if row.Phases != "" {
		json.Unmarshal([]byte(row.Phases), &phases)
	}
	snap := Snapshot{
		ID:         row.ID,
		UserID:     row.UserID,
		Host:       row.Host,
		Domain:     row.Domain,
		TemplateID: row.TemplateID,
		Plan:       row.Plan,
		Status:     Status(row.Status),
		Phases:     phases,
		StartedAt:  row.StartedAt,
		EndedAt:    row.EndedAt,
	}
	if row.ErrorMsg != "" {
		snap.LastError = &LastError{Phase: row.ErrorPhase, Message: row.ErrorMsg}
	}
	if snap.Status == StatusCompleted {
		snap.Percent = 100
	} else if len(phases) > 0 {
		done := 0
		for _, ph := range phases {
			if ph.Status == StatusCompleted {
				done++
			}
		}
		snap.Percent = done * 100 / len(phases)
	}
	return snap
}
