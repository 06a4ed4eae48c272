// Package services – ReconciliationPoller
//
// When the payer lands on the success return URL there may not have been a
// definitive asynchronous notification yet, and the browser may even be
// revisiting an older attempt's return URL after a newer attempt already
// succeeded. The poller therefore actively queries the gateway, walking the
// registration's whole transaction history before falling back to the
// current attempt.
package services

import (
	"context"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/laf070810/icbc-payment-gateway/internal/domain"
	"github.com/laf070810/icbc-payment-gateway/internal/icbc"
	"github.com/laf070810/icbc-payment-gateway/internal/repo"
)

// ReconciliationPoller resolves the authoritative order status for a
// registration by querying the gateway.
type ReconciliationPoller struct {
	DB      *gorm.DB
	Repo    TransactionRepo
	Builder *icbc.RequestBuilder
}

// QueryAllResults scans every historical transaction of the registration:
// for each one that recorded an outbound payload, it queries the gateway
// with that attempt's out_trade_no and returns the first response that
// reports success. If no historical attempt succeeded, it falls back to
// querying the current transaction's out_trade_no.
//
// A failed gateway call surfaces as *icbc.GatewayResponseError; no retry is
// attempted here, the caller owns retry policy.
func (p *ReconciliationPoller) QueryAllResults(ctx context.Context, reg *domain.Registration) (*icbc.QueryResult, error) {
	history, err := p.Repo.List(ctx, p.DB, reg.ID)
	if err != nil {
		return nil, err
	}

	for i := range history {
		outTradeNo := tradeNoOf(&history[i])
		if outTradeNo == "" {
			continue
		}
		res, err := p.Builder.OrderQuery(ctx, outTradeNo)
		if err != nil {
			return nil, err
		}
		if res.BizContent.Successful() {
			log.Info().
				Str("registration_id", reg.ID).
				Str("out_trade_no", outTradeNo).
				Msg("found a succeeded prior payment attempt during reconciliation")
			return res, nil
		}
	}

	current, err := p.Repo.Current(ctx, p.DB, reg.ID)
	if err != nil {
		if err == repo.ErrNotFound {
			return nil, ErrNoTransaction
		}
		return nil, err
	}
	outTradeNo := tradeNoOf(current)
	if outTradeNo == "" {
		return nil, ErrNoTransaction
	}
	return p.Builder.OrderQuery(ctx, outTradeNo)
}

// tradeNoOf reads the out_trade_no a transaction recorded at initiation
// time, "" when the row carries no payload.
func tradeNoOf(tx *domain.PaymentTransaction) string {
	raw := tx.BizContentJSON()
	if raw == "" {
		return ""
	}
	bc, err := icbc.ParseBizContent([]byte(raw))
	if err != nil {
		return ""
	}
	return bc.OutTradeNo
}
