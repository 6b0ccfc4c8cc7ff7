package billing

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/Vision/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service. Find*
// methods return (nil, nil) when nothing matches.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	FindSubscriptionByPolarID(ctx context.Context, polarSubscriptionID string) (*models.BillingSubscription, error)
	FindSubscriptionByUserID(ctx context.Context, userID string) (*models.BillingSubscription, error)
	FindSubscriptionByID(ctx context.Context, id uint, forUpdate bool) (*models.BillingSubscription, error)
	FindSubscriptionByUserAndStatus(ctx context.Context, userID string, statuses []string, forUpdate bool) (*models.BillingSubscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]models.BillingSubscription, error)
	CreateSubscription(ctx context.Context, sub *models.BillingSubscription) error
	UpdateSubscriptionFields(ctx context.Context, id uint, fields map[string]interface{}) error
	UpdateSubscriptionCredits(ctx context.Context, id uint, balance int, cursor *string) error

	FindLedgerEntryByKey(ctx context.Context, idempotencyKey string) (*models.CreditLedgerEntry, error)
	CreateLedgerEntry(ctx context.Context, entry *models.CreditLedgerEntry) error
	ListLedgerByUser(ctx context.Context, userID string, limit int) ([]models.CreditLedgerEntry, error)

	FindUserIDByEmail(ctx context.Context, email string) (string, error)

	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, provider, providerEventID, outcome, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) first(q *gorm.DB, dest interface{}) (bool, error) {
	err := q.Order("id ASC").First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *gormRepository) FindSubscriptionByPolarID(ctx context.Context, polarSubscriptionID string) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	ok, err := r.first(r.db.WithContext(ctx).Where("polar_subscription_id = ?", polarSubscriptionID), &sub)
	if !ok {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindSubscriptionByUserID(ctx context.Context, userID string) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	ok, err := r.first(r.db.WithContext(ctx).Where("user_id = ?", userID), &sub)
	if !ok {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindSubscriptionByID(ctx context.Context, id uint, forUpdate bool) (*models.BillingSubscription, error) {
	q := r.db.WithContext(ctx).Where("id = ?", id)
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var sub models.BillingSubscription
	ok, err := r.first(q, &sub)
	if !ok {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindSubscriptionByUserAndStatus(ctx context.Context, userID string, statuses []string, forUpdate bool) (*models.BillingSubscription, error) {
	q := r.db.WithContext(ctx).Where("user_id = ? AND LOWER(status) IN ?", userID, statuses)
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var sub models.BillingSubscription
	ok, err := r.first(q, &sub)
	if !ok {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ListSubscriptionsByUser(ctx context.Context, userID string) ([]models.BillingSubscription, error) {
	var subs []models.BillingSubscription
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&subs).Error
	return subs, err
}

func (r *gormRepository) CreateSubscription(ctx context.Context, sub *models.BillingSubscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *gormRepository) UpdateSubscriptionFields(ctx context.Context, id uint, fields map[string]interface{}) error {
	delete(fields, "credits_balance")
	delete(fields, "last_grant_cursor")
	return r.db.WithContext(ctx).Model(&models.BillingSubscription{}).Where("id = ?", id).Updates(fields).Error
}

func (r *gormRepository) UpdateSubscriptionCredits(ctx context.Context, id uint, balance int, cursor *string) error {
	updates := map[string]interface{}{
		"credits_balance": balance,
	}
	if cursor != nil {
		updates["last_grant_cursor"] = *cursor
	}
	return r.db.WithContext(ctx).Model(&models.BillingSubscription{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) FindLedgerEntryByKey(ctx context.Context, idempotencyKey string) (*models.CreditLedgerEntry, error) {
	var entry models.CreditLedgerEntry
	ok, err := r.first(r.db.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey), &entry)
	if !ok {
		return nil, err
	}
	return &entry, nil
}

func (r *gormRepository) CreateLedgerEntry(ctx context.Context, entry *models.CreditLedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *gormRepository) ListLedgerByUser(ctx context.Context, userID string, limit int) ([]models.CreditLedgerEntry, error) {
	var entries []models.CreditLedgerEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *gormRepository) FindUserIDByEmail(ctx context.Context, email string) (string, error) {
	var user models.User
	ok, err := r.first(r.db.WithContext(ctx).Where("email = ?", models.NormalizeEmail(email)), &user)
	if !ok {
		return "", err
	}
	return user.ID, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	if !created {
		if err := db.Model(&models.BillingWebhookEvent{}).
			Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
			UpdateColumn("deliveries", gorm.Expr("deliveries + 1")).Error; err != nil {
			return false, nil, err
		}
	}

	var stored models.BillingWebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, provider, providerEventID, outcome, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"outcome":          outcome,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).
		Where("provider = ? AND provider_event_id = ?", provider, providerEventID).
		Updates(updates).Error
}
