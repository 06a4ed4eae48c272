// Envelope field names, timestamp formats, and the structured payloads
// ("biz content") exchanged with the gateway.
package icbc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Exact wire names of the outer envelope fields. They are order-insensitive
// on the wire but order-sensitive inside the canonical string, which sorts
// them itself.
const (
	FieldAppID              = "app_id"
	FieldMsgID              = "msg_id"
	FieldFormat             = "format"
	FieldCharset            = "charset"
	FieldEncryptType        = "encrypt_type"
	FieldSignType           = "sign_type"
	FieldTimestamp          = "timestamp"
	FieldBizContent         = "biz_content"
	FieldResponseBizContent = "response_biz_content"
	FieldSign               = "sign"
)

// Fixed envelope field values used by every request.
const (
	FormatJSON     = "json"
	CharsetUTF8    = "UTF-8"
	EncryptTypeAES = "AES"
	SignTypeRSA2   = "RSA2"

	// StatusSuccess is the only status code the protocol defines as success;
	// every other value is a non-success.
	StatusSuccess = "0"

	// TimestampLayout is the envelope timestamp format.
	TimestampLayout = "2006-01-02 15:04:05"
	// CompactTimeLayout is used inside biz content (order_date, expire_time).
	CompactTimeLayout = "20060102150405"
)

// Envelope is the outer field set of one gateway request or response. The
// payload stays opaque until decrypted.
type Envelope map[string]string

// MsgID derives the message identifier for an outbound request from t, as
// unix seconds with a fractional part. IDs are unique per request under
// normal clock granularity; collision within the same instant is an accepted
// limitation of timestamp-derived ids. The same value doubles as the
// merchant order number (out_trade_no) on payment initiation.
func MsgID(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 7, 64)
}

// CommonFields returns the envelope fields shared by every outbound request,
// stamped at t. The format field is omitted when withFormat is false because
// the order-status query endpoint does not send it.
func CommonFields(appID string, t time.Time, withFormat bool) Envelope {
	env := Envelope{
		FieldAppID:       appID,
		FieldMsgID:       MsgID(t),
		FieldCharset:     CharsetUTF8,
		FieldEncryptType: EncryptTypeAES,
		FieldSignType:    SignTypeRSA2,
		FieldTimestamp:   t.Format(TimestampLayout),
	}
	if withFormat {
		env[FieldFormat] = FormatJSON
	}
	return env
}

// TradeKey identifies one payment attempt. Two payloads sharing the same key
// refer to the same attempt and must never be recorded twice.
type TradeKey struct {
	MerID      string
	OutTradeNo string
}

// BizContent is the decrypted structured payload of a gateway notification or
// query response. Only the fields the engine acts on are modeled; Raw keeps
// the full JSON for persistence and later duplicate comparison.
type BizContent struct {
	MerID      string `json:"mer_id"`
	OutTradeNo string `json:"out_trade_no"`
	TotalAmt   string `json:"total_amt,omitempty"`
	Amount     string `json:"amount,omitempty"`
	ReturnCode string `json:"return_code,omitempty"`
	PayStatus  string `json:"pay_status,omitempty"`
	ICBCAppID  string `json:"icbc_app_id,omitempty"`
	ICBCAppid  string `json:"icbc_appid,omitempty"`
	MerPrtclNo string `json:"mer_prtcl_no,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseBizContent decodes a biz content JSON document, keeping the raw bytes.
func ParseBizContent(raw []byte) (BizContent, error) {
	var bc BizContent
	if err := json.Unmarshal(raw, &bc); err != nil {
		return BizContent{}, fmt.Errorf("icbc: biz_content: %w", err)
	}
	bc.Raw = append(json.RawMessage(nil), raw...)
	return bc, nil
}

// StatusCode returns pay_status when present, falling back to return_code.
// The newer gateway generation reports pay_status on query responses while
// notifications carry return_code.
func (b BizContent) StatusCode() string {
	if b.PayStatus != "" {
		return b.PayStatus
	}
	return b.ReturnCode
}

// Successful reports whether the payload indicates a completed payment.
func (b BizContent) Successful() bool { return b.StatusCode() == StatusSuccess }

// AmountMinor returns the transaction total in minor units, read from
// total_amt with amount as fallback.
func (b BizContent) AmountMinor() (int64, error) {
	s := b.TotalAmt
	if s == "" {
		s = b.Amount
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("icbc: amount %q: %w", s, err)
	}
	return n, nil
}

// Key returns the idempotency key of this payment attempt.
func (b BizContent) Key() TradeKey {
	return TradeKey{MerID: b.MerID, OutTradeNo: b.OutTradeNo}
}

// SameAttempt reports whether both payloads refer to the same payment
// attempt, i.e. share the (mer_id, out_trade_no) pair.
func (b BizContent) SameAttempt(other BizContent) bool { return b.Key() == other.Key() }

// OrderBizContent is the plaintext payload of a payment-initiation request.
// Struct field order is the serialized field order; it mirrors the order the
// gateway's examples use and must stay compact-encoded (no indentation, no
// spaces) before encryption.
type OrderBizContent struct {
	ICBCFlag         string `json:"icbc_flag"`
	ICBCAppid        string `json:"icbc_appid"`
	OrderDate        string `json:"order_date"`
	OutTradeNo       string `json:"out_trade_no"`
	Amount           string `json:"amount"`
	InstallmentTimes string `json:"installment_times"`
	CurType          string `json:"cur_type"`
	MerID            string `json:"mer_id"`
	MerPrtclNo       string `json:"mer_prtcl_no"`
	GoodsID          string `json:"goods_id"`
	GoodsName        string `json:"goods_name"`
	MerReference     string `json:"mer_reference"`
	MerURL           string `json:"mer_url"`
	ReturnURL        string `json:"return_url"`
	CreditType       string `json:"credit_type"`
	ExpireTime       string `json:"expire_time"`
	VerifyJoinFlag   string `json:"verify_join_flag"`
	MerCustomID      string `json:"mer_custom_id"`
	MerOrderRemark   string `json:"mer_order_remark"`
	PageLinkageFlag  string `json:"page_linkage_flag"`
}

// ForeignBizContent is the plaintext payload of the foreign-card variant of
// payment initiation.
type ForeignBizContent struct {
	ClientType       string `json:"client_type"`
	ICBCAppid        string `json:"icbc_appid"`
	OutTradeNo       string `json:"out_trade_no"`
	Amount           string `json:"amount"`
	InstallmentTimes string `json:"installment_times"`
	CurType          string `json:"cur_type"`
	MerID            string `json:"mer_id"`
	MerPrtclNo       string `json:"mer_prtcl_no"`
	MerURL           string `json:"mer_url"`
	ReturnURL        string `json:"return_url"`
	Attach           string `json:"attach"`
	IsApplepay       string `json:"is_applepay"`
	OrderApdInf      string `json:"order_apd_inf"`
}

// QueryBizContent is the plaintext payload of an order-status query.
type QueryBizContent struct {
	MerID      string `json:"mer_id"`
	OutTradeNo string `json:"out_trade_no"`
	DealFlag   string `json:"deal_flag"`
	ICBCAppID  string `json:"icbc_app_id"`
	MerPrtclNo string `json:"mer_prtcl_no"`
}

// compactJSON serializes v without HTML escaping or trailing newline, the
// compact form the cipher and the signature both cover. Plain json.Marshal
// would escape the "&" inside callback URLs, which the gateway rejects.
func compactJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
