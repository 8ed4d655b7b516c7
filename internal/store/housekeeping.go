package store

import (
	"context"
	"fmt"
	"time"

	"winedispense-backend/internal/model"
)

// MarkStaleTerminals flags active terminals whose last heartbeat is older than cutoff.
// Terminals that never sent a heartbeat are left alone.
func (s *gormStore) MarkStaleTerminals(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Terminal{}).
		Where("status = ? AND last_seen_at IS NOT NULL AND last_seen_at < ?", model.TerminalActive, cutoff).
		Update("status", model.TerminalConnectionLost)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark stale terminals: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ReleaseRFIDLimits clears rate limits whose window ended before cutoff.
func (s *gormStore) ReleaseRFIDLimits(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.RFID{}).
		Where("rate_limited = ? AND last_used < ?", true, cutoff).
		Updates(map[string]any{"rate_limited": false, "usage_count": 0})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to release rfid limits: %w", res.Error)
	}
	return res.RowsAffected, nil
}
