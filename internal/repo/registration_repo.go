// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for registrations
// and their event settings.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/laf070810/icbc-payment-gateway/internal/domain"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrMultipleFound indicates a lookup that must match exactly one record
// matched several, which the caller has to treat as a conflict.
var ErrMultipleFound = errors.New("multiple records found")

// GetRegistrationByToken fetches a registration by its callback token
// (primary key). Returns ErrNotFound for unknown tokens.
func GetRegistrationByToken(ctx context.Context, db *gorm.DB, token string) (*domain.Registration, error) {
	var reg domain.Registration
	err := db.WithContext(ctx).Where("id = ?", token).First(&reg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// GetEvent fetches an event with its gateway settings.
func GetEvent(ctx context.Context, db *gorm.DB, id uint) (*domain.Event, error) {
	var ev domain.Event
	err := db.WithContext(ctx).Where("id = ?", id).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// FindActiveRegistration looks up the single active registration with the
// given email on a specific form. It returns ErrNotFound when none exists
// and ErrMultipleFound when the email registered more than once, mirroring
// the one-result semantics the prerequisite checks depend on.
func FindActiveRegistration(ctx context.Context, db *gorm.DB, email string, formID int64) (*domain.Registration, error) {
	var regs []domain.Registration
	err := db.WithContext(ctx).
		Where("email = ? AND form_id = ?", email, formID).
		Limit(2).
		Find(&regs).Error
	if err != nil {
		return nil, err
	}
	switch len(regs) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &regs[0], nil
	default:
		return nil, ErrMultipleFound
	}
}
