package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"winedispense-backend/internal/model"
)

// SaveSubscription creates or replaces a push subscription and the terminals it follows.
func (s *gormStore) SaveSubscription(ctx context.Context, sub model.PushSubscription, terminalIDs []int64) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now()
	}
	return s.withTx(ctx, "save_subscription", func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Omit("Terminals").Create(&sub).Error; err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}

		var terminals []*model.Terminal
		if len(terminalIDs) > 0 {
			if err := tx.Find(&terminals, terminalIDs).Error; err != nil {
				return fmt.Errorf("failed to load terminals: %w", err)
			}
		}
		if err := tx.Model(&sub).Association("Terminals").Replace(&terminals); err != nil {
			return fmt.Errorf("failed to link terminals: %w", err)
		}
		return nil
	})
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.withTx(ctx, "delete_subscription", func(tx *gorm.DB) error {
		sub := model.PushSubscription{Endpoint: endpoint}
		if err := tx.Model(&sub).Association("Terminals").Clear(); err != nil {
			return fmt.Errorf("failed to unlink subscription: %w", err)
		}
		if err := tx.Delete(&sub).Error; err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
		return nil
	})
}

func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error) {
	var sub model.PushSubscription
	err := s.db.WithContext(ctx).Preload("Terminals").First(&sub, "endpoint = ?", endpoint).Error
	if err != nil {
		return model.PushSubscription{}, notFound(err, "subscription", endpoint)
	}
	return sub, nil
}

func (s *gormStore) SubscriptionsForTerminal(ctx context.Context, terminalID int64) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	err := s.db.WithContext(ctx).
		Joins("JOIN subscription_terminal_mapping stm ON stm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("stm.terminal_id = ?", terminalID).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions for terminal %d: %w", terminalID, err)
	}
	return subs, nil
}
