// Payment HTTP handlers.
//
// This file exposes the gateway-facing and client-facing payment endpoints:
//   - GET       /events/{event}/registrations/{regform}/icbc/checkout  (build payment form)
//   - POST      /events/{event}/registrations/{regform}/icbc/notify    (async gateway callback)
//   - GET|POST  /events/{event}/registrations/{regform}/icbc/success   (sync return + reconcile)
//   - GET       /admin/registrations/{token}/transactions              (history, paginated)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. Callback verification failures
// never surface as errors here; the gateway always gets a 200 so it stops
// retrying, and the outcome says whether anything was recorded.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/laf070810/icbc-payment-gateway/internal/domain"
	"github.com/laf070810/icbc-payment-gateway/internal/icbc"
	"github.com/laf070810/icbc-payment-gateway/internal/repo"
	"github.com/laf070810/icbc-payment-gateway/internal/services"
	"github.com/laf070810/icbc-payment-gateway/internal/utils"
)

//
// Service contracts (context-aware)
//

// PaymentService defines the payment flow operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type PaymentService interface {
	// Checkout builds the signed payment form for a registration.
	Checkout(ctx context.Context, token string) (*services.CheckoutResult, error)
	// HandleNotify feeds an asynchronous gateway notification through the
	// processing state machine.
	HandleNotify(ctx context.Context, token string, form url.Values) (services.Outcome, error)
	// HandleSuccess reconciles a synchronous return via an order query.
	HandleSuccess(ctx context.Context, token string) (services.Outcome, error)
	// Transactions returns a page of the registration's transaction history.
	Transactions(ctx context.Context, token string, page, pageSize int) ([]domain.PaymentTransaction, int64, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints of the payment API behind an abstract
// service interface, keeping transport concerns separate from business logic.
type Handlers struct {
	paySvc PaymentService
}

// New constructs and returns a Handlers instance bound to the given service.
func New(paySvc PaymentService) *Handlers {
	return &Handlers{paySvc: paySvc}
}

// token extracts the registration token from the query string. The token is
// the registration's opaque identifier; an empty token is a client error.
func token(c *gin.Context) string {
	return strings.TrimSpace(c.Query("token"))
}

//
// DTOs
//

// CheckoutResponse is the signed payment form payload the client auto-posts
// to the gateway. Fields carries the envelope exactly as it must be
// submitted, sign included.
type CheckoutResponse struct {
	PaymentURL        string            `json:"payment_url"`
	ForeignPaymentURL string            `json:"foreign_payment_url,omitempty"`
	OutTradeNo        string            `json:"out_trade_no"`
	Fields            map[string]string `json:"fields"`
	ForeignBody       string            `json:"foreign_body,omitempty"`
	ForeignSign       string            `json:"foreign_sign,omitempty"`
}

// CallbackResponse reports what the state machine did with a callback.
type CallbackResponse struct {
	Received bool   `json:"received"`
	Recorded bool   `json:"recorded"`
	Reason   string `json:"reason,omitempty"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListTransactionsResponse wraps a page of transactions and pagination
// information.
type ListTransactionsResponse struct {
	Transactions []domain.PaymentTransaction `json:"transactions"`
	Pagination   Pagination                  `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// failFromServiceErr maps service-layer sentinel errors onto the HTTP error
// taxonomy. Unknown errors become 500s under defaultCode; gateway failures
// become 502s so the caller can tell "we broke" apart from "the bank broke".
func failFromServiceErr(c *gin.Context, err error, defaultCode string) {
	var gwErr *icbc.GatewayResponseError
	switch {
	case errors.Is(err, services.ErrRegistrationNotFound):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown registration token")
	case errors.Is(err, services.ErrPaymentDisabled):
		fail(c, http.StatusConflict, ErrCodePaymentDisabled, "payments are not enabled for this event")
	case errors.Is(err, services.ErrPaymentNotAllowed):
		fail(c, http.StatusForbidden, ErrCodePaymentNotAllowed, "this registration may not pay through this method")
	case errors.Is(err, services.ErrNoTransaction):
		fail(c, http.StatusConflict, ErrCodeConflict, "no payment attempt on record")
	case errors.As(err, &gwErr):
		fail(c, http.StatusBadGateway, ErrCodeGatewayError, "payment gateway error")
	default:
		fail(c, http.StatusInternalServerError, defaultCode, err.Error())
	}
}

//
// Handlers
//

// Checkout builds the signed payment form for the registration identified by
// the token query parameter and records the pending transaction pair.
//
//	GET /events/{event}/registrations/{regform}/icbc/checkout?token=...
func (h *Handlers) Checkout(c *gin.Context) {
	tok := token(c)
	if tok == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "token query parameter required")
		return
	}

	res, err := h.paySvc.Checkout(c.Request.Context(), tok)
	if err != nil {
		failFromServiceErr(c, err, ErrCodeCheckoutFailed)
		return
	}

	form := res.Form
	ok(c, http.StatusOK, CheckoutResponse{
		PaymentURL:        form.PaymentURL,
		ForeignPaymentURL: form.ForeignPaymentURL,
		OutTradeNo:        form.OutTradeNo,
		Fields:            form.Fields,
		ForeignBody:       form.ForeignBody,
		ForeignSign:       form.ForeignSign,
	})
}

// Notify receives the gateway's asynchronous, form-encoded payment
// notification. Signature, duplicate, and status failures are absorbed: the
// response is still 200 so the gateway stops re-delivering, and Recorded
// tells integration tests what happened.
//
//	POST /events/{event}/registrations/{regform}/icbc/notify?token=...
func (h *Handlers) Notify(c *gin.Context) {
	tok := token(c)
	if tok == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "token query parameter required")
		return
	}
	if err := c.Request.ParseForm(); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid form body")
		return
	}

	outcome, err := h.paySvc.HandleNotify(c.Request.Context(), tok, c.Request.PostForm)
	if err != nil {
		failFromServiceErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, CallbackResponse{
		Received: true,
		Recorded: outcome.Recorded,
		Reason:   string(outcome.Reason),
	})
}

// Success handles the synchronous return from the gateway's hosted page. The
// redirect carries no trustworthy payload, so the handler reconciles through
// an order-status query before reporting the result.
//
//	GET|POST /events/{event}/registrations/{regform}/icbc/success?token=...
func (h *Handlers) Success(c *gin.Context) {
	tok := token(c)
	if tok == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "token query parameter required")
		return
	}

	outcome, err := h.paySvc.HandleSuccess(c.Request.Context(), tok)
	if err != nil {
		failFromServiceErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, CallbackResponse{
		Received: true,
		Recorded: outcome.Recorded,
		Reason:   string(outcome.Reason),
	})
}

// ListTransactions returns the registration's transaction history, newest
// first, with pagination metadata. Supports weak ETag via If-None-Match and
// may return 304.
//
//	GET /admin/registrations/{token}/transactions
func (h *Handlers) ListTransactions(c *gin.Context) {
	ctx := c.Request.Context()
	tok := strings.TrimSpace(c.Param("token"))
	if tok == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "registration token required")
		return
	}
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, ok := h.paySvc.(*services.PaymentService); ok {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, err := repo.TransactionsStats(ctx, db, tok)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"txs:%s:%d:%d"`, tok, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.paySvc.Transactions(ctx, tok, page, pageSize)
	if err != nil {
		failFromServiceErr(c, err, ErrCodeListFailed)
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListTransactionsResponse{
		Transactions: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
