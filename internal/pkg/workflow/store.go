package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Vision/app/models"
)

// Claim identifies a due run handed to a resume job.
type Claim struct {
	RunID string
	Token string
}

// Store persists workflow runs.
type Store struct {
	db *gorm.DB
}

// NewStore creates a run store on db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Load returns the run with runID, or nil when it does not exist.
func (s *Store) Load(ctx context.Context, runID string) (*models.BillingWorkflowRun, error) {
	var run models.BillingWorkflowRun
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Create inserts a run. If another worker created it first, the stored run is returned.
func (s *Store) Create(ctx context.Context, run *models.BillingWorkflowRun) (*models.BillingWorkflowRun, error) {
	err := s.db.WithContext(ctx).Create(run).Error
	if err == nil {
		return run, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "Duplicate entry") {
		return s.Load(ctx, run.RunID)
	}
	return nil, err
}

// Save writes every column of run.
func (s *Store) Save(ctx context.Context, run *models.BillingWorkflowRun) error {
	return s.db.WithContext(ctx).Save(run).Error
}

// ClaimDue moves sleeping runs whose wake time has passed to queued, and
// re-claims queued runs whose claim is older than staleAfter. Each claim
// gets a fresh token; a conditional update guarantees one winner per run.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]Claim, error) {
	if limit <= 0 {
		limit = 100
	}
	now = now.UTC()

	var candidates []models.BillingWorkflowRun
	err := s.db.WithContext(ctx).
		Where("(status = ? AND wake_at <= ?) OR (status = ? AND claimed_at <= ?)",
			models.WorkflowStatusSleeping, now,
			models.WorkflowStatusQueued, now.Add(-staleAfter)).
		Order("wake_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claims := make([]Claim, 0, len(candidates))
	for _, c := range candidates {
		token := uuid.New().String()
		res := s.db.WithContext(ctx).Model(&models.BillingWorkflowRun{}).
			Where("id = ? AND status = ? AND claim_token = ?", c.ID, c.Status, c.ClaimToken).
			Updates(map[string]interface{}{
				"status":      models.WorkflowStatusQueued,
				"claim_token": token,
				"claimed_at":  now,
			})
		if res.Error != nil {
			return claims, res.Error
		}
		if res.RowsAffected == 1 {
			claims = append(claims, Claim{RunID: c.RunID, Token: token})
		}
	}
	return claims, nil
}

// BeginResume marks a claimed run as running and returns it. A run whose
// token no longer matches was re-claimed or already resumed; nil is returned.
// A running run with the same token is a retried resume and is returned as is.
func (s *Store) BeginResume(ctx context.Context, runID, token string) (*models.BillingWorkflowRun, error) {
	res := s.db.WithContext(ctx).Model(&models.BillingWorkflowRun{}).
		Where("run_id = ? AND claim_token = ? AND status IN ?", runID, token,
			[]string{models.WorkflowStatusQueued, models.WorkflowStatusRunning}).
		Updates(map[string]interface{}{
			"status":   models.WorkflowStatusRunning,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return s.Load(ctx, runID)
}

// MarkFailed records a run whose job exhausted its retries.
func (s *Store) MarkFailed(ctx context.Context, runID, errMsg string) error {
	return s.db.WithContext(ctx).Model(&models.BillingWorkflowRun{}).
		Where("run_id = ? AND status NOT IN ?", runID,
			[]string{models.WorkflowStatusCompleted, models.WorkflowStatusHalted}).
		Updates(map[string]interface{}{
			"status":     models.WorkflowStatusFailed,
			"last_error": errMsg,
		}).Error
}
