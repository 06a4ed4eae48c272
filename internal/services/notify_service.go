// Package services – NotificationProcessor
//
// This file implements the payment-outcome state machine. Every inbound
// gateway callback (asynchronous notification or synchronous success return)
// passes through the same sequence of checks:
//
//	received → signature-verified → duplicate-checked → status-checked →
//	amount-verified → recorded
//
// Any failed check short-circuits to a dropped outcome: logged, no
// transaction mutation, and no error surfaced to the caller. The gateway
// retries asynchronous notifications, so silently dropping an unverifiable
// or premature callback is safe; raising would only hand an attacker a
// feedback channel.
package services

import (
	"context"
	"math"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/laf070810/icbc-payment-gateway/internal/domain"
	"github.com/laf070810/icbc-payment-gateway/internal/icbc"
	"github.com/laf070810/icbc-payment-gateway/internal/repo"
)

// notificationsProcessed counts state-machine outcomes so that a burst of
// dropped notifications (key rotation gone wrong, replay attempts) is
// visible without log digging.
var notificationsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "payment_notifications_total",
		Help: "Total number of processed gateway notifications by outcome.",
	},
	[]string{"outcome"}, // recorded | signature_invalid | duplicate | not_successful
)

func init() {
	prometheus.MustRegister(notificationsProcessed)
}

// DropReason says why a notification was dropped without recording.
type DropReason string

// Drop reasons. None of these are errors: an invalid signature or a
// duplicate is an expected, quietly-absorbed event.
const (
	DropSignatureInvalid DropReason = "signature_invalid"
	DropDuplicate        DropReason = "duplicate"
	DropNotSuccessful    DropReason = "not_successful"
)

// Outcome is the result of running one notification through the state
// machine. Exactly one of Recorded / Reason is meaningful: Recorded true
// means a transaction row was written, otherwise Reason says why not.
// Callers and tests can distinguish "nothing to do" from "something broke"
// (the latter comes back as an error instead).
type Outcome struct {
	Recorded    bool
	Reason      DropReason
	Transaction *domain.PaymentTransaction
}

// Response is one inbound gateway callback in field form: the envelope
// fields as received (biz_content already in plaintext JSON) plus the parsed
// payload.
type Response struct {
	Fields     map[string]string
	BizContent icbc.BizContent
}

// ResponseSource abstracts how the callback envelope is obtained and how its
// signature is checked. The async path uses the posted form directly; the
// sync path first queries the gateway for the authoritative result. Both
// feed the same state machine.
type ResponseSource interface {
	// Fetch produces the response to process. Errors are boundary errors
	// (malformed payload, failed gateway query) and propagate to the caller.
	Fetch(ctx context.Context, reg *domain.Registration) (*Response, error)

	// Verify reports whether the response's signature is authentic.
	Verify(resp *Response) bool
}

// TransactionRepo is the persistence contract the processor needs. It
// matches the free functions in the repo package.
type TransactionRepo interface {
	Current(ctx context.Context, db *gorm.DB, registrationID string) (*domain.PaymentTransaction, error)
	List(ctx context.Context, db *gorm.DB, registrationID string) ([]domain.PaymentTransaction, error)
	Register(ctx context.Context, db *gorm.DB, registrationID string, amount float64, currency string, action domain.TransactionAction, provider string, data map[string]string) (*domain.PaymentTransaction, error)
}

// AmountNotifier receives advisory amount-inconsistency reports. A mismatch
// does not block recording; settling an under- or overpayment is a manual
// follow-up, so operators are notified instead.
type AmountNotifier interface {
	NotifyAmountInconsistency(ctx context.Context, reg *domain.Registration, amountMinor int64, currency string)
}

// LogAmountNotifier is the default AmountNotifier; it only logs.
type LogAmountNotifier struct{}

// NotifyAmountInconsistency logs the mismatch at warn level.
func (LogAmountNotifier) NotifyAmountInconsistency(_ context.Context, reg *domain.Registration, amountMinor int64, currency string) {
	log.Warn().
		Str("registration_id", reg.ID).
		Int64("amount_minor", amountMinor).
		Str("currency", currency).
		Msg("amount inconsistency reported to operators")
}

// NotificationProcessor drives the transaction state machine for one
// provider tag. It is safe for concurrent use; the per-registration lock
// store serializes the duplicate-check-then-record critical section.
type NotificationProcessor struct {
	DB       *gorm.DB
	Repo     TransactionRepo
	Locks    *RegistrationLocks
	Notifier AmountNotifier

	// Provider tags recorded transactions and scopes duplicate detection.
	Provider string
}

// Process runs one callback through the state machine. It returns an error
// only for boundary failures (the source could not produce a response);
// every verification failure is absorbed into a dropped Outcome.
func (p *NotificationProcessor) Process(ctx context.Context, reg *domain.Registration, src ResponseSource) (Outcome, error) {
	lg := log.With().Str("registration_id", reg.ID).Str("provider", p.Provider).Logger()

	resp, err := src.Fetch(ctx, reg)
	if err != nil {
		return Outcome{}, err
	}

	// received → signature-verified
	if !src.Verify(resp) {
		lg.Info().Interface("fields", redactedFields(resp.Fields)).
			Msg("signature verification failed, transaction not registered")
		return p.drop(DropSignatureInvalid), nil
	}

	// The remaining checks read and then write the registration's current
	// transaction; concurrent retries must not interleave here.
	unlock := p.Locks.Lock(reg.ID)
	defer unlock()

	// signature-verified → duplicate-checked
	dup, err := p.isDuplicate(ctx, reg, resp.BizContent)
	if err != nil {
		return Outcome{}, err
	}
	if dup {
		lg.Info().Str("out_trade_no", resp.BizContent.OutTradeNo).
			Msg("payment not recorded because transaction was duplicated")
		return p.drop(DropDuplicate), nil
	}

	// duplicate-checked → status-checked
	if !resp.BizContent.Successful() {
		lg.Info().Str("status", resp.BizContent.StatusCode()).
			Msg("payment not successful, nothing recorded")
		return p.drop(DropNotSuccessful), nil
	}

	// status-checked → amount-verified (advisory, never blocks recording)
	amountMinor := p.verifyAmount(ctx, reg, resp.BizContent, lg)

	// amount-verified → recorded. Amounts are stored in major units; the
	// wire carries minor units.
	tx, err := p.Repo.Register(ctx, p.DB, reg.ID,
		float64(amountMinor)/100, reg.Currency,
		domain.ActionComplete, p.Provider, resp.Fields)
	if err != nil {
		return Outcome{}, err
	}

	lg.Info().Str("transaction_id", tx.ID).Str("out_trade_no", resp.BizContent.OutTradeNo).
		Msg("payment recorded")
	notificationsProcessed.WithLabelValues("recorded").Inc()
	return Outcome{Recorded: true, Transaction: tx}, nil
}

// drop counts and wraps a dropped outcome.
func (p *NotificationProcessor) drop(reason DropReason) Outcome {
	notificationsProcessed.WithLabelValues(string(reason)).Inc()
	return Outcome{Reason: reason}
}

// isDuplicate compares the stored current transaction's payload with the
// inbound one on the (mer_id, out_trade_no) idempotency key. Only a
// successfully recorded transaction of the same provider counts: a pending
// or rejected attempt with the same trade number is the attempt being
// settled, not a replay.
func (p *NotificationProcessor) isDuplicate(ctx context.Context, reg *domain.Registration, inbound icbc.BizContent) (bool, error) {
	tx, err := p.Repo.Current(ctx, p.DB, reg.ID)
	if err != nil {
		if err == repo.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if tx.Provider != p.Provider || tx.Status != domain.TxStatusSuccessful {
		return false, nil
	}

	raw := tx.BizContentJSON()
	if raw == "" {
		return false, nil
	}
	stored, err := icbc.ParseBizContent([]byte(raw))
	if err != nil {
		// An unreadable stored payload cannot prove a duplicate.
		return false, nil
	}
	return stored.SameAttempt(inbound), nil
}

// verifyAmount compares the expected fee (registration price in minor
// units) against the notified total and reports mismatches to operators.
// It returns the notified amount either way.
func (p *NotificationProcessor) verifyAmount(ctx context.Context, reg *domain.Registration, bc icbc.BizContent, lg zerolog.Logger) int64 {
	amountMinor, err := bc.AmountMinor()
	if err != nil {
		lg.Warn().Err(err).Msg("notification carries an unparseable amount")
		p.Notifier.NotifyAmountInconsistency(ctx, reg, amountMinor, "CNY")
		return amountMinor
	}

	expected := int64(math.Round(reg.Price * 100))
	if amountMinor == expected {
		return amountMinor
	}

	lg.Warn().
		Int64("amount", amountMinor).Str("amount_currency", "CNY").
		Int64("expected", expected).Str("expected_currency", reg.Currency).
		Msg("payment doesn't match the event's fee")
	p.Notifier.NotifyAmountInconsistency(ctx, reg, amountMinor, "CNY")
	return amountMinor
}

// redactedFields copies envelope fields with the signature masked, safe for
// logs.
func redactedFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if k == icbc.FieldSign {
			v = "[REDACTED]"
		}
		out[k] = v
	}
	return out
}

// FormSource feeds the state machine from the fields the gateway posted
// directly, the asynchronous notification shape. biz_content arrives as
// plaintext JSON on this path.
type FormSource struct {
	Verifier *icbc.Signer
	Policy   icbc.SigningPolicy
	// Path is the API path the gateway signed the notification over.
	Path string
	Form url.Values
}

// Fetch flattens the form and parses its biz_content payload.
func (s *FormSource) Fetch(_ context.Context, _ *domain.Registration) (*Response, error) {
	fields := make(map[string]string, len(s.Form))
	for k := range s.Form {
		fields[k] = s.Form.Get(k)
	}
	bc, err := icbc.ParseBizContent([]byte(fields[icbc.FieldBizContent]))
	if err != nil {
		return nil, err
	}
	return &Response{Fields: fields, BizContent: bc}, nil
}

// Verify checks the form signature over the canonical string built with the
// configured field-selection policy.
func (s *FormSource) Verify(resp *Response) bool {
	canonical := icbc.Canonicalize(s.Path, icbc.SelectFields(s.Policy, resp.Fields))
	return s.Verifier.Verify(canonical, resp.Fields[icbc.FieldSign])
}

// QuerySource feeds the state machine from an order-status query, the
// synchronous success-return shape. The query response's embedded signature
// covers the quoted raw response_biz_content, so verification happens inside
// the poller and is only relayed here.
type QuerySource struct {
	Poller *ReconciliationPoller

	verified bool
}

// Fetch queries the gateway (scanning historical attempts first) and shapes
// the result like a posted form, with the decrypted payload under
// biz_content.
func (s *QuerySource) Fetch(ctx context.Context, reg *domain.Registration) (*Response, error) {
	res, err := s.Poller.QueryAllResults(ctx, reg)
	if err != nil {
		return nil, err
	}
	s.verified = res.Verified
	fields := map[string]string{
		icbc.FieldResponseBizContent: res.ResponseBizContent,
		icbc.FieldSign:               res.Sign,
		icbc.FieldBizContent:         string(res.BizContent.Raw),
	}
	return &Response{Fields: fields, BizContent: res.BizContent}, nil
}

// Verify relays the verification result computed against the query
// response.
func (s *QuerySource) Verify(*Response) bool { return s.verified }
