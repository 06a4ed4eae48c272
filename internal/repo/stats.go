// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (e.g., ETag generation) in the HTTP
// layer. Each function is context-aware and safe to call from services or
// handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/laf070810/icbc-payment-gateway/internal/domain"
)

// TransactionsStats returns aggregate metadata for a registration's payment
// transactions: the total number of rows and the maximum UpdatedAt timestamp
// among those rows.
//
// It executes two lightweight queries against the payment_transactions table
// scoped to the provided registrationID. When the registration has no
// transactions, the returned count is 0 and maxUpdatedAt is nil.
//
// Return values:
//   - count:        total transactions for registrationID
//   - maxUpdatedAt: pointer to the greatest UpdatedAt, or nil if no rows
//   - err:          database error, if any
func TransactionsStats(ctx context.Context, db *gorm.DB, registrationID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.PaymentTransaction{}).Where("registration_id = ?", registrationID)

	// Count
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
