// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// PaymentTransaction model.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/laf070810/icbc-payment-gateway/internal/domain"
)

// RegisterTransaction appends a new transaction row for the registration.
// data, when non-nil, is stored as a JSON object (typically holding the raw
// gateway payload under "biz_content"). Rows are append-only; the latest row
// is the registration's current transaction.
func RegisterTransaction(ctx context.Context, db *gorm.DB, registrationID string, amount float64, currency string, action domain.TransactionAction, provider string, data map[string]string) (*domain.PaymentTransaction, error) {
	tx := &domain.PaymentTransaction{
		ID:             uuid.NewString(),
		RegistrationID: registrationID,
		Provider:       provider,
		Amount:         amount,
		Currency:       currency,
		Status:         action.Status(),
		CreatedAt:      time.Now().UTC(),
	}
	if data != nil {
		blob, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal transaction data: %w", err)
		}
		tx.Data = string(blob)
	}
	return tx, db.WithContext(ctx).Create(tx).Error
}

// CurrentTransaction returns the registration's latest transaction, or
// ErrNotFound when no payment was ever initiated.
func CurrentTransaction(ctx context.Context, db *gorm.DB, registrationID string) (*domain.PaymentTransaction, error) {
	var tx domain.PaymentTransaction
	err := db.WithContext(ctx).
		Where("registration_id = ?", registrationID).
		Order("created_at DESC, id DESC").
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListTransactions returns the registration's full transaction history,
// oldest first (the order the reconciliation scan walks it in).
func ListTransactions(ctx context.Context, db *gorm.DB, registrationID string) ([]domain.PaymentTransaction, error) {
	var out []domain.PaymentTransaction
	err := db.WithContext(ctx).
		Where("registration_id = ?", registrationID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// CountTransactions returns the total number of transaction rows for
// pagination.
func CountTransactions(ctx context.Context, db *gorm.DB, registrationID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.PaymentTransaction{}).
		Where("registration_id = ?", registrationID).
		Count(&total).Error
	return total, err
}

// ListTransactionsPage returns a paginated slice of the history, newest
// first (admin views care about recent outcomes).
func ListTransactionsPage(ctx context.Context, db *gorm.DB, registrationID string, offset, limit int) ([]domain.PaymentTransaction, error) {
	var out []domain.PaymentTransaction
	err := db.WithContext(ctx).
		Where("registration_id = ?", registrationID).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
