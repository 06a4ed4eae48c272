// Package services – PaymentService
//
// This file implements checkout: deciding whether a registration may pay
// through the gateway (form allow/deny lists, prerequisite registrations),
// building the signed payment form, and recording the pending transaction
// pair that later notifications settle. It also wires the two callback entry
// points (async notify, sync success return) to the state machine with the
// appropriate response source.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"

	"gorm.io/gorm"

	"github.com/laf070810/icbc-payment-gateway/internal/domain"
	"github.com/laf070810/icbc-payment-gateway/internal/icbc"
	"github.com/laf070810/icbc-payment-gateway/internal/repo"
	"github.com/laf070810/icbc-payment-gateway/internal/utils"
)

// RegistrationRepo is the registration-store contract the payment flow
// needs. The registration domain itself is owned elsewhere; the engine only
// reads it and writes transactions through TransactionRepo.
type RegistrationRepo interface {
	GetByToken(ctx context.Context, db *gorm.DB, token string) (*domain.Registration, error)
	GetEvent(ctx context.Context, db *gorm.DB, id uint) (*domain.Event, error)
	FindActive(ctx context.Context, db *gorm.DB, email string, formID int64) (*domain.Registration, error)
}

// GatewayOptions is the service-level gateway configuration shared by all
// events. Per-event credentials live on the Event record.
type GatewayOptions struct {
	Endpoints         icbc.Endpoints
	ProviderPublicKey string

	// NotifySignPath is the API path the gateway signs asynchronous
	// notifications over.
	NotifySignPath string
	// VerifyPolicy selects the field set for notification verification,
	// per provider variant.
	VerifyPolicy icbc.SigningPolicy

	// Provider tags recorded transactions.
	Provider string
	// PublicBaseURL is this service's externally reachable base URL, used
	// to build the callback URLs embedded in payment forms.
	PublicBaseURL string

	// Client is used for outbound gateway queries; it must enforce its own
	// timeout.
	Client *http.Client
}

// CheckoutResult is a successfully built payment form plus the redirect
// target.
type CheckoutResult struct {
	Form *icbc.PaymentForm
}

// PaymentService owns the checkout flow and callback processing for one
// provider configuration.
type PaymentService struct {
	DB      *gorm.DB
	Regs    RegistrationRepo
	Txs     TransactionRepo
	Options GatewayOptions

	Processor *NotificationProcessor
}

// NewPaymentService constructs the service with a ready state machine.
func NewPaymentService(db *gorm.DB, regs RegistrationRepo, txs TransactionRepo, opts GatewayOptions) *PaymentService {
	return &PaymentService{
		DB:      db,
		Regs:    regs,
		Txs:     txs,
		Options: opts,
		Processor: &NotificationProcessor{
			DB:       db,
			Repo:     txs,
			Locks:    NewRegistrationLocks(),
			Notifier: LogAmountNotifier{},
			Provider: opts.Provider,
		},
	}
}

// Checkout validates that the registration may pay through the gateway,
// builds the signed payment form, and records the pending transaction pair
// whose payload later reconciliation and duplicate checks read.
func (s *PaymentService) Checkout(ctx context.Context, token string) (*CheckoutResult, error) {
	reg, ev, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if !ev.PaymentEnabled {
		return nil, ErrPaymentDisabled
	}
	if err := s.checkFormAllowed(reg, ev); err != nil {
		return nil, err
	}
	if err := s.checkPrerequisites(ctx, reg, ev); err != nil {
		return nil, err
	}

	builder, err := s.builderFor(ev)
	if err != nil {
		return nil, err
	}

	plainName := utils.RemoveAccents(reg.FullName)
	plainTitle := utils.RemoveAccents(ev.Title)
	if ev.CustomPaymentName != "" {
		plainTitle = utils.RemoveAccents(ev.CustomPaymentName)
	}

	form, err := builder.BuildPaymentForm(icbc.PaymentOrder{
		AmountMinor: int64(math.Round(reg.Price * 100)),
		GoodsID:     fmt.Sprintf("%d", reg.FriendlyID),
		GoodsName:   fmt.Sprintf("%s of %s", reg.FormTitle, plainTitle),
		Summary:     fmt.Sprintf("%s (%s) payment for %s of %s", plainName, reg.Email, reg.FormTitle, plainTitle),
		PayerEmail:  reg.Email,
		NotifyURL:   s.callbackURL(reg, "notify"),
		ReturnURL:   s.callbackURL(reg, "success"),
	})
	if err != nil {
		return nil, err
	}

	// Record the unfinished attempt: a bare pending marker, then a
	// data-bearing placeholder holding the outbound payload so that later
	// queries and duplicate checks know this attempt's out_trade_no.
	if _, err := s.Txs.Register(ctx, s.DB, reg.ID, reg.Price, reg.Currency,
		domain.ActionPending, s.Options.Provider, nil); err != nil {
		return nil, err
	}
	plain, err := json.Marshal(form.BizContent)
	if err != nil {
		return nil, err
	}
	if _, err := s.Txs.Register(ctx, s.DB, reg.ID, reg.Price, reg.Currency,
		domain.ActionReject, s.Options.Provider,
		map[string]string{icbc.FieldBizContent: string(plain)}); err != nil {
		return nil, err
	}

	return &CheckoutResult{Form: form}, nil
}

// HandleNotify processes an asynchronous gateway notification posted as a
// form. Verification failures are absorbed into the returned Outcome.
func (s *PaymentService) HandleNotify(ctx context.Context, token string, form url.Values) (Outcome, error) {
	reg, err := s.Regs.GetByToken(ctx, s.DB, token)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Outcome{}, ErrRegistrationNotFound
		}
		return Outcome{}, err
	}

	verifier, err := icbc.NewSigner("", s.Options.ProviderPublicKey)
	if err != nil {
		return Outcome{}, err
	}
	src := &FormSource{
		Verifier: verifier,
		Policy:   s.Options.VerifyPolicy,
		Path:     s.Options.NotifySignPath,
		Form:     form,
	}
	return s.Processor.Process(ctx, reg, src)
}

// HandleSuccess processes the synchronous success return: it reconciles via
// an order-status query (scanning prior attempts first) and feeds the result
// through the same state machine.
func (s *PaymentService) HandleSuccess(ctx context.Context, token string) (Outcome, error) {
	reg, ev, err := s.load(ctx, token)
	if err != nil {
		return Outcome{}, err
	}

	builder, err := s.builderFor(ev)
	if err != nil {
		return Outcome{}, err
	}
	src := &QuerySource{
		Poller: &ReconciliationPoller{DB: s.DB, Repo: s.Txs, Builder: builder},
	}
	return s.Processor.Process(ctx, reg, src)
}

// Transactions returns a page of the registration's transaction history,
// newest first, plus the total count.
func (s *PaymentService) Transactions(ctx context.Context, token string, page, pageSize int) ([]domain.PaymentTransaction, int64, error) {
	reg, err := s.Regs.GetByToken(ctx, s.DB, token)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, 0, ErrRegistrationNotFound
		}
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	total, err := repo.CountTransactions(ctx, s.DB, reg.ID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.PaymentTransaction{}, 0, nil
	}
	items, err := repo.ListTransactionsPage(ctx, s.DB, reg.ID, (page-1)*pageSize, pageSize)
	return items, total, err
}

// load resolves the token to its registration and event. Unknown tokens are
// boundary errors.
func (s *PaymentService) load(ctx context.Context, token string) (*domain.Registration, *domain.Event, error) {
	reg, err := s.Regs.GetByToken(ctx, s.DB, token)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil, ErrRegistrationNotFound
		}
		return nil, nil, err
	}
	ev, err := s.Regs.GetEvent(ctx, s.DB, reg.EventID)
	if err != nil {
		return nil, nil, err
	}
	return reg, ev, nil
}

// builderFor assembles a request builder from an event's credentials.
func (s *PaymentService) builderFor(ev *domain.Event) (*icbc.RequestBuilder, error) {
	return icbc.NewRequestBuilder(icbc.Credentials{
		AppID:      ev.AppID,
		MerID:      ev.MerID,
		MerPrtclNo: ev.MerPrtclNo,
		SignKey:    ev.SignKey,
		EncryptKey: ev.EncryptKey,
	}, s.Options.Endpoints, s.Options.ProviderPublicKey, s.Options.Client)
}

// callbackURL builds the externally reachable callback URL for a
// registration, kind being "notify" or "success".
func (s *PaymentService) callbackURL(reg *domain.Registration, kind string) string {
	return fmt.Sprintf("%s/events/%d/registrations/%d/icbc/%s?token=%s",
		s.Options.PublicBaseURL, reg.EventID, reg.FormID, kind, url.QueryEscape(reg.ID))
}

// checkFormAllowed applies the event's registration-form allow/deny lists.
func (s *PaymentService) checkFormAllowed(reg *domain.Registration, ev *domain.Event) error {
	allowed, err := parseFormIDs(ev.AllowedFormIDs)
	if err != nil {
		return fmt.Errorf("event %d allowed form ids: %w", ev.ID, err)
	}
	disallowed, err := parseFormIDs(ev.DisallowedFormIDs)
	if err != nil {
		return fmt.Errorf("event %d disallowed form ids: %w", ev.ID, err)
	}

	if allowed != nil && !containsID(allowed, reg.FormID) {
		return fmt.Errorf("%w: payment method not allowed in this registration form", ErrPaymentNotAllowed)
	}
	if containsID(disallowed, reg.FormID) {
		return fmt.Errorf("%w: payment method not allowed in this registration form", ErrPaymentNotAllowed)
	}
	return nil
}

// checkPrerequisites enforces the completed/uncompleted related-registration
// requirements, matched by email on the related form.
func (s *PaymentService) checkPrerequisites(ctx context.Context, reg *domain.Registration, ev *domain.Event) error {
	if id := ev.CompletedFormID; id != nil && *id != reg.FormID {
		related, err := s.Regs.FindActive(ctx, s.DB, reg.Email, *id)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return fmt.Errorf("%w: no related registration found, complete the related registration first", ErrPaymentNotAllowed)
		case errors.Is(err, repo.ErrMultipleFound):
			return fmt.Errorf("%w: multiple registrations with the same email found, contact the organizers", ErrPaymentNotAllowed)
		case err != nil:
			return err
		case related.State != domain.RegistrationStateComplete:
			return fmt.Errorf("%w: related registration has not been completed", ErrPaymentNotAllowed)
		}
	}

	if id := ev.UncompletedFormID; id != nil && *id != reg.FormID {
		related, err := s.Regs.FindActive(ctx, s.DB, reg.Email, *id)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			// No related registration means the requirement is satisfied.
		case errors.Is(err, repo.ErrMultipleFound):
			return fmt.Errorf("%w: multiple registrations with the same email found, contact the organizers", ErrPaymentNotAllowed)
		case err != nil:
			return err
		case related.State == domain.RegistrationStateComplete:
			return fmt.Errorf("%w: related registration has already been completed", ErrPaymentNotAllowed)
		}
	}
	return nil
}

// parseFormIDs decodes a JSON list of form IDs; "" means no restriction and
// decodes to nil.
func parseFormIDs(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// containsID reports whether ids contains id.
func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
