// Outbound request assembly: payment-initiation forms (domestic and
// foreign-card) and the order-status query, including the one HTTP round
// trip the query variant performs.
package icbc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// gatewayQueries counts order-status queries by result, so stuck
// reconciliation shows up on dashboards before users report it.
var gatewayQueries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "icbc_gateway_queries_total",
		Help: "Total number of order-status queries sent to the gateway.",
	},
	[]string{"result"}, // ok | http_error | bad_response
)

func init() {
	prometheus.MustRegister(gatewayQueries)
}

// GatewayResponseError reports an outbound gateway call that failed or
// returned something that cannot be decrypted or parsed. It is surfaced to
// the caller rather than retried internally; a response that cannot be
// verified must never be treated as a success.
type GatewayResponseError struct {
	Endpoint string
	Status   int // HTTP status, 0 when the request itself failed
	Err      error
}

// Error implements the error interface.
func (e *GatewayResponseError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("icbc: gateway %s returned %d: %v", e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("icbc: gateway %s: %v", e.Endpoint, e.Err)
}

// Unwrap returns the underlying cause.
func (e *GatewayResponseError) Unwrap() error { return e.Err }

// Credentials is the per-event key material and merchant identity used to
// talk to the gateway. Keys are stored the way event settings keep them:
// the RSA private key as a PEM body without armor lines, the AES key
// base64-encoded.
type Credentials struct {
	AppID      string
	MerID      string
	MerPrtclNo string
	SignKey    string // merchant RSA private key (PEM body)
	EncryptKey string // AES key, base64
}

// Endpoints holds the gateway URLs one builder talks to.
type Endpoints struct {
	PaymentURL        string // e-pay PC consumption endpoint
	ForeignPaymentURL string // foreign-card payment endpoint
	OrderQueryURL     string // order-status query endpoint
}

// PaymentOrder is the caller-supplied order data for payment initiation.
type PaymentOrder struct {
	AmountMinor int64  // total in minor units (fen)
	GoodsID     string // merchant-side goods identifier
	GoodsName   string // clipped to 20 runes by the builder
	Summary     string // order remark, clipped to 150 runes
	PayerEmail  string
	NotifyURL   string // async notification callback
	ReturnURL   string // browser return URL
}

// PaymentForm is a complete, self-contained payment-initiation request: the
// signed envelope the payer's browser posts to the gateway, plus the
// foreign-card variant and the plaintext payload for local recording.
type PaymentForm struct {
	Fields      Envelope // common fields + encrypted biz_content + sign
	ForeignBody string   // encrypted foreign-card biz content
	ForeignSign string

	PaymentURL        string
	ForeignPaymentURL string

	OutTradeNo string
	BizContent OrderBizContent // plaintext, persisted for reconciliation
}

// QueryResult is a parsed, decrypted order-status query response. Verified
// is true only when the embedded signature checked out against the provider
// public key.
type QueryResult struct {
	ResponseBizContent string // raw encrypted payload, as signed by the gateway
	Sign               string
	BizContent         BizContent
	Verified           bool
}

// RequestBuilder assembles outbound gateway requests for one event's
// credentials. Apart from OrderQuery it performs no network I/O, which keeps
// form building trivially testable.
type RequestBuilder struct {
	creds     Credentials
	endpoints Endpoints
	signer    *Signer
	verifier  *Signer
	client    *http.Client
	now       func() time.Time
}

// NewRequestBuilder constructs a builder. providerPublicKey is the gateway's
// provider-issued verification key; client must enforce its own timeout and
// falls back to a bounded default when nil.
func NewRequestBuilder(creds Credentials, endpoints Endpoints, providerPublicKey string, client *http.Client) (*RequestBuilder, error) {
	signer, err := NewSigner(creds.SignKey, "")
	if err != nil {
		return nil, err
	}
	verifier, err := NewSigner("", providerPublicKey)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &RequestBuilder{
		creds:     creds,
		endpoints: endpoints,
		signer:    signer,
		verifier:  verifier,
		client:    client,
		now:       time.Now,
	}, nil
}

// BuildPaymentForm assembles the domestic and foreign-card payment envelopes
// for one order. The returned form is fully self-contained and verifiable by
// the provider; nothing is sent on the network here.
func (b *RequestBuilder) BuildPaymentForm(order PaymentOrder) (*PaymentForm, error) {
	now := b.now()
	tradeNo := MsgID(now)

	biz := OrderBizContent{
		ICBCFlag:         "1",
		ICBCAppid:        b.creds.AppID,
		OrderDate:        now.Format(CompactTimeLayout),
		OutTradeNo:       tradeNo,
		Amount:           strconv.FormatInt(order.AmountMinor, 10),
		InstallmentTimes: "1",
		CurType:          "001", // CNY
		MerID:            b.creds.MerID,
		MerPrtclNo:       b.creds.MerPrtclNo,
		GoodsID:          order.GoodsID,
		GoodsName:        clipRunes(order.GoodsName, 20),
		MerReference:     hostnameOf(order.NotifyURL),
		MerURL:           order.ReturnURL,
		ReturnURL:        order.ReturnURL,
		CreditType:       "2",
		ExpireTime:       now.Add(15 * time.Minute).Format(CompactTimeLayout),
		VerifyJoinFlag:   "0",
		MerCustomID:      order.PayerEmail,
		MerOrderRemark:   clipRunes(order.Summary, 150),
		PageLinkageFlag:  "1",
	}

	fields := CommonFields(b.creds.AppID, now, true)
	fields[FieldMsgID] = tradeNo

	encrypted, err := b.encryptPayload(biz)
	if err != nil {
		return nil, err
	}
	fields[FieldBizContent] = encrypted

	sign, err := b.signEnvelope(b.endpoints.PaymentURL, fields)
	if err != nil {
		return nil, err
	}
	fields[FieldSign] = sign

	form := &PaymentForm{
		Fields:            fields,
		PaymentURL:        b.endpoints.PaymentURL,
		ForeignPaymentURL: b.endpoints.ForeignPaymentURL,
		OutTradeNo:        tradeNo,
		BizContent:        biz,
	}

	foreign := ForeignBizContent{
		ClientType:       "0",
		ICBCAppid:        b.creds.AppID,
		OutTradeNo:       tradeNo,
		Amount:           strconv.FormatInt(order.AmountMinor, 10),
		InstallmentTimes: "1",
		CurType:          "001",
		MerID:            b.creds.MerID,
		MerPrtclNo:       b.creds.MerPrtclNo,
		MerURL:           order.ReturnURL,
		ReturnURL:        order.ReturnURL,
		Attach:           order.PayerEmail,
		IsApplepay:       "0",
		OrderApdInf:      clipRunes(order.Summary, 70),
	}
	form.ForeignBody, err = b.encryptPayload(foreign)
	if err != nil {
		return nil, err
	}

	// The foreign envelope reuses the common fields with its own payload
	// under the biz_content signing name, over the foreign endpoint's path.
	foreignFields := make(Envelope, len(fields))
	for k, v := range fields {
		if k != FieldSign && k != FieldBizContent {
			foreignFields[k] = v
		}
	}
	foreignFields[FieldBizContent] = form.ForeignBody
	form.ForeignSign, err = b.signEnvelope(b.endpoints.ForeignPaymentURL, foreignFields)
	if err != nil {
		return nil, err
	}

	return form, nil
}

// OrderQuery asks the gateway for the authoritative status of outTradeNo.
// It builds and signs the query envelope, POSTs it form-encoded, then parses
// the response, verifies the embedded signature over the quoted raw
// response_biz_content, and decrypts the payload. Any malformed or
// undecryptable response surfaces as *GatewayResponseError.
func (b *RequestBuilder) OrderQuery(ctx context.Context, outTradeNo string) (*QueryResult, error) {
	now := b.now()

	biz := QueryBizContent{
		MerID:      b.creds.MerID,
		OutTradeNo: outTradeNo,
		DealFlag:   "0",
		ICBCAppID:  b.creds.AppID,
		MerPrtclNo: b.creds.MerPrtclNo,
	}

	// The query endpoint does not send a format field.
	fields := CommonFields(b.creds.AppID, now, false)

	encrypted, err := b.encryptPayload(biz)
	if err != nil {
		return nil, err
	}
	fields[FieldBizContent] = encrypted

	sign, err := b.signEnvelope(b.endpoints.OrderQueryURL, fields, PolicyAllButSign)
	if err != nil {
		return nil, err
	}
	fields[FieldSign] = sign

	body, err := b.postForm(ctx, b.endpoints.OrderQueryURL, fields)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ResponseBizContent string `json:"response_biz_content"`
		Sign               string `json:"sign"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		gatewayQueries.WithLabelValues("bad_response").Inc()
		return nil, &GatewayResponseError{Endpoint: b.endpoints.OrderQueryURL, Err: fmt.Errorf("parse response: %w", err)}
	}
	if resp.ResponseBizContent == "" {
		gatewayQueries.WithLabelValues("bad_response").Inc()
		return nil, &GatewayResponseError{Endpoint: b.endpoints.OrderQueryURL, Err: fmt.Errorf("response has no response_biz_content")}
	}

	plaintext, err := Decrypt(resp.ResponseBizContent, b.creds.EncryptKey)
	if err != nil {
		gatewayQueries.WithLabelValues("bad_response").Inc()
		return nil, &GatewayResponseError{Endpoint: b.endpoints.OrderQueryURL, Err: err}
	}
	bc, err := ParseBizContent(plaintext)
	if err != nil {
		gatewayQueries.WithLabelValues("bad_response").Inc()
		return nil, &GatewayResponseError{Endpoint: b.endpoints.OrderQueryURL, Err: err}
	}

	gatewayQueries.WithLabelValues("ok").Inc()
	return &QueryResult{
		ResponseBizContent: resp.ResponseBizContent,
		Sign:               resp.Sign,
		BizContent:         bc,
		// Query responses are signed over the quoted raw payload, not over a
		// canonical string.
		Verified: b.verifier.Verify(`"`+resp.ResponseBizContent+`"`, resp.Sign),
	}, nil
}

// VerifyNotification checks an inbound notification envelope's signature
// using the provider public key and the given field-selection policy over
// path.
func (b *RequestBuilder) VerifyNotification(path string, fields map[string]string, policy SigningPolicy) bool {
	canonical := Canonicalize(path, SelectFields(policy, fields))
	return b.verifier.Verify(canonical, fields[FieldSign])
}

// Verifier exposes the provider-key verifier for callers that build their
// own canonical strings.
func (b *RequestBuilder) Verifier() *Signer { return b.verifier }

// encryptPayload compact-serializes and encrypts one biz content payload.
func (b *RequestBuilder) encryptPayload(v any) (string, error) {
	plain, err := compactJSON(v)
	if err != nil {
		return "", fmt.Errorf("icbc: serialize biz_content: %w", err)
	}
	return Encrypt(plain, b.creds.EncryptKey)
}

// signEnvelope canonicalizes fields over the endpoint's URL path and signs.
// The default policy is the fixed common-field list.
func (b *RequestBuilder) signEnvelope(endpoint string, fields Envelope, policy ...SigningPolicy) (string, error) {
	p := PolicyFixedFields
	if len(policy) > 0 {
		p = policy[0]
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("icbc: endpoint %q: %w", endpoint, err)
	}
	return b.signer.Sign(Canonicalize(u.Path, SelectFields(p, fields)))
}

// postForm sends one form-encoded POST and returns the response body.
func (b *RequestBuilder) postForm(ctx context.Context, endpoint string, fields Envelope) ([]byte, error) {
	values := make(url.Values, len(fields))
	for k, v := range fields {
		values.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, &GatewayResponseError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")

	resp, err := b.client.Do(req)
	if err != nil {
		gatewayQueries.WithLabelValues("http_error").Inc()
		return nil, &GatewayResponseError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		gatewayQueries.WithLabelValues("http_error").Inc()
		return nil, &GatewayResponseError{Endpoint: endpoint, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		gatewayQueries.WithLabelValues("http_error").Inc()
		return nil, &GatewayResponseError{Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status")}
	}
	return body, nil
}

// hostnameOf extracts the hostname of a URL, empty when unparseable.
func hostnameOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// clipRunes truncates s to at most n runes.
func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
