package icbc

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// testBuilder wires a RequestBuilder with fresh keys and a frozen clock.
// It returns the merchant key (to verify outbound signatures) and the
// provider key (to forge inbound ones).
func testBuilder(t *testing.T, endpoints Endpoints) (b *RequestBuilder, merchant *rsa.PrivateKey, provider *rsa.PrivateKey, encKey string) {
	t.Helper()
	merchant, merchantPEM, _ := newKeyPair(t)
	provider, _, providerPubPEM := newKeyPair(t)
	encKey = newAESKey(t, 16)

	b, err := NewRequestBuilder(Credentials{
		AppID:      "app-1",
		MerID:      "mer-1",
		MerPrtclNo: "prtcl-1",
		SignKey:    merchantPEM,
		EncryptKey: encKey,
	}, endpoints, providerPubPEM, nil)
	if err != nil {
		t.Fatalf("NewRequestBuilder: %v", err)
	}
	b.now = func() time.Time { return time.Date(2026, 8, 30, 10, 0, 0, 500, time.UTC) }
	return b, merchant, provider, encKey
}

func verifySHA256(t *testing.T, pub *rsa.PublicKey, canonical, sigB64 string) {
	t.Helper()
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		t.Fatalf("signature not base64: %v", err)
	}
	digest := sha256.Sum256([]byte(canonical))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("signature over %q does not verify: %v", canonical, err)
	}
}

func TestBuildPaymentForm(t *testing.T) {
	endpoints := Endpoints{
		PaymentURL:        "https://gw.example/ui/cardbusiness/epaypc/consumption/V1",
		ForeignPaymentURL: "https://gw.example/ui/foreignpay/V1",
		OrderQueryURL:     "https://gw.example/api/orderqry/V1",
	}
	b, merchant, _, encKey := testBuilder(t, endpoints)

	form, err := b.BuildPaymentForm(PaymentOrder{
		AmountMinor: 12050,
		GoodsID:     "evt-7",
		GoodsName:   "Conference registration with a deliberately long name",
		Summary:     "Alice Example / early bird",
		PayerEmail:  "alice@example.org",
		NotifyURL:   "https://events.example.org/notify?token=abc&x=1",
		ReturnURL:   "https://events.example.org/success?token=abc",
	})
	if err != nil {
		t.Fatalf("BuildPaymentForm: %v", err)
	}

	// Envelope basics.
	f := form.Fields
	if f[FieldAppID] != "app-1" || f[FieldFormat] != FormatJSON || f[FieldSignType] != SignTypeRSA2 {
		t.Fatalf("unexpected envelope: %v", f)
	}
	if f[FieldMsgID] != form.OutTradeNo {
		t.Fatalf("msg_id %q must equal out_trade_no %q", f[FieldMsgID], form.OutTradeNo)
	}
	if form.PaymentURL != endpoints.PaymentURL || form.ForeignPaymentURL != endpoints.ForeignPaymentURL {
		t.Fatalf("unexpected target URLs: %+v", form)
	}

	// Payload decrypts back to the recorded plaintext.
	plain, err := Decrypt(f[FieldBizContent], encKey)
	if err != nil {
		t.Fatalf("decrypt biz_content: %v", err)
	}
	var biz OrderBizContent
	if err := json.Unmarshal(plain, &biz); err != nil {
		t.Fatalf("parse biz_content: %v", err)
	}
	if biz != form.BizContent {
		t.Fatalf("recorded plaintext differs from encrypted payload:\n%+v\n%+v", biz, form.BizContent)
	}
	if biz.Amount != "12050" || biz.CurType != "001" || biz.CreditType != "2" {
		t.Fatalf("unexpected order payload: %+v", biz)
	}
	if len([]rune(biz.GoodsName)) > 20 {
		t.Fatalf("goods name not clipped: %q", biz.GoodsName)
	}
	if biz.MerReference != "events.example.org" {
		t.Fatalf("mer_reference should be the notify hostname, got %q", biz.MerReference)
	}
	if biz.OrderDate != "20260830100000" || biz.ExpireTime != "20260830101500" {
		t.Fatalf("order_date/expire_time unexpected: %q %q", biz.OrderDate, biz.ExpireTime)
	}

	// The signature covers the fixed field list over the endpoint path.
	canonical := Canonicalize("/ui/cardbusiness/epaypc/consumption/V1", SelectFields(PolicyFixedFields, f))
	verifySHA256(t, &merchant.PublicKey, canonical, f[FieldSign])

	// Foreign variant: same envelope, own payload, own signature over the
	// foreign path.
	foreignPlain, err := Decrypt(form.ForeignBody, encKey)
	if err != nil {
		t.Fatalf("decrypt foreign body: %v", err)
	}
	var foreign ForeignBizContent
	if err := json.Unmarshal(foreignPlain, &foreign); err != nil {
		t.Fatalf("parse foreign body: %v", err)
	}
	if foreign.OutTradeNo != form.OutTradeNo || foreign.Amount != "12050" || foreign.ClientType != "0" {
		t.Fatalf("unexpected foreign payload: %+v", foreign)
	}

	foreignFields := make(Envelope, len(f))
	for k, v := range f {
		if k != FieldSign && k != FieldBizContent {
			foreignFields[k] = v
		}
	}
	foreignFields[FieldBizContent] = form.ForeignBody
	foreignCanonical := Canonicalize("/ui/foreignpay/V1", SelectFields(PolicyFixedFields, foreignFields))
	verifySHA256(t, &merchant.PublicKey, foreignCanonical, form.ForeignSign)
}

func TestOrderQuery_Success(t *testing.T) {
	var (
		b        *RequestBuilder
		provider *rsa.PrivateKey
		encKey   string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		// Query envelope must omit format and carry an encrypted payload.
		if r.PostForm.Get(FieldFormat) != "" {
			t.Errorf("query must not send format field")
		}
		if r.PostForm.Get(FieldSign) == "" || r.PostForm.Get(FieldBizContent) == "" {
			t.Errorf("missing sign or biz_content: %v", r.PostForm)
		}
		plain, err := Decrypt(r.PostForm.Get(FieldBizContent), encKey)
		if err != nil {
			t.Errorf("decrypt query payload: %v", err)
		}
		var q QueryBizContent
		if err := json.Unmarshal(plain, &q); err != nil {
			t.Errorf("parse query payload: %v", err)
		}
		if q.OutTradeNo != "1756548000.0000005" || q.MerID != "mer-1" || q.DealFlag != "0" {
			t.Errorf("unexpected query payload: %+v", q)
		}

		// Respond the way the gateway does: encrypted payload signed over
		// its quoted raw form.
		respPlain := `{"mer_id":"mer-1","out_trade_no":"1756548000.0000005","pay_status":"0","total_amt":"12050"}`
		ct, err := Encrypt([]byte(respPlain), encKey)
		if err != nil {
			t.Errorf("encrypt response: %v", err)
		}
		sign := providerSign(t, provider, `"`+ct+`"`)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"response_biz_content": ct,
			"sign":                 sign,
		})
	}))
	defer srv.Close()

	b, _, provider, encKey = testBuilder(t, Endpoints{OrderQueryURL: srv.URL + "/api/orderqry/V1"})

	res, err := b.OrderQuery(context.Background(), "1756548000.0000005")
	if err != nil {
		t.Fatalf("OrderQuery: %v", err)
	}
	if !res.Verified {
		t.Fatalf("expected the response signature to verify")
	}
	if !res.BizContent.Successful() || res.BizContent.OutTradeNo != "1756548000.0000005" {
		t.Fatalf("unexpected payload: %+v", res.BizContent)
	}
	if got, _ := res.BizContent.AmountMinor(); got != 12050 {
		t.Fatalf("amount: got %d", got)
	}
}

func TestOrderQuery_BadSignatureIsNotVerified(t *testing.T) {
	var encKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct, _ := Encrypt([]byte(`{"mer_id":"m","out_trade_no":"1","pay_status":"0"}`), encKey)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"response_biz_content": ct,
			"sign":                 base64.StdEncoding.EncodeToString([]byte("forged")),
		})
	}))
	defer srv.Close()

	b, _, _, key := testBuilder(t, Endpoints{OrderQueryURL: srv.URL + "/q"})
	encKey = key

	res, err := b.OrderQuery(context.Background(), "1")
	if err != nil {
		t.Fatalf("OrderQuery: %v", err)
	}
	if res.Verified {
		t.Fatalf("forged signature must not verify")
	}
}

func TestOrderQuery_GatewayErrors(t *testing.T) {
	t.Run("http error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer srv.Close()
		b, _, _, _ := testBuilder(t, Endpoints{OrderQueryURL: srv.URL + "/q"})

		_, err := b.OrderQuery(context.Background(), "1")
		var gwErr *GatewayResponseError
		if !errors.As(err, &gwErr) || gwErr.Status != http.StatusBadGateway {
			t.Fatalf("expected GatewayResponseError with status 502, got %v", err)
		}
	})
	t.Run("unparseable body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>not json</html>"))
		}))
		defer srv.Close()
		b, _, _, _ := testBuilder(t, Endpoints{OrderQueryURL: srv.URL + "/q"})

		var gwErr *GatewayResponseError
		if _, err := b.OrderQuery(context.Background(), "1"); !errors.As(err, &gwErr) {
			t.Fatalf("expected GatewayResponseError, got %v", err)
		}
	})
	t.Run("missing response_biz_content", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"sign":"x"}`))
		}))
		defer srv.Close()
		b, _, _, _ := testBuilder(t, Endpoints{OrderQueryURL: srv.URL + "/q"})

		var gwErr *GatewayResponseError
		if _, err := b.OrderQuery(context.Background(), "1"); !errors.As(err, &gwErr) {
			t.Fatalf("expected GatewayResponseError, got %v", err)
		}
	})
	t.Run("undecryptable payload", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"response_biz_content":"bm90IGEgdmFsaWQgY2lwaGVydGV4dA==","sign":"x"}`))
		}))
		defer srv.Close()
		b, _, _, _ := testBuilder(t, Endpoints{OrderQueryURL: srv.URL + "/q"})

		var gwErr *GatewayResponseError
		if _, err := b.OrderQuery(context.Background(), "1"); !errors.As(err, &gwErr) {
			t.Fatalf("expected GatewayResponseError, got %v", err)
		}
	})
	t.Run("unreachable host", func(t *testing.T) {
		b, _, _, _ := testBuilder(t, Endpoints{OrderQueryURL: "http://127.0.0.1:1/q"})
		var gwErr *GatewayResponseError
		if _, err := b.OrderQuery(context.Background(), "1"); !errors.As(err, &gwErr) {
			t.Fatalf("expected GatewayResponseError, got %v", err)
		}
	})
}

func TestVerifyNotification(t *testing.T) {
	b, _, provider, _ := testBuilder(t, Endpoints{})

	fields := map[string]string{
		FieldAppID:      "app-1",
		FieldMsgID:      "1756548000.0000005",
		FieldFormat:     FormatJSON,
		FieldCharset:    CharsetUTF8,
		FieldBizContent: `{"mer_id":"mer-1","out_trade_no":"1756548000.0000005","return_code":"0"}`,
	}
	canonical := Canonicalize("/notifyUrlServlet", SelectFields(PolicyAllButSign, fields))
	fields[FieldSign] = providerSign(t, provider, canonical)

	if !b.VerifyNotification("/notifyUrlServlet", fields, PolicyAllButSign) {
		t.Fatalf("valid notification must verify")
	}
	if b.VerifyNotification("/otherPath", fields, PolicyAllButSign) {
		t.Fatalf("wrong path must not verify")
	}

	fields[FieldBizContent] = `{"mer_id":"mer-1","out_trade_no":"1756548000.0000005","return_code":"1"}`
	if b.VerifyNotification("/notifyUrlServlet", fields, PolicyAllButSign) {
		t.Fatalf("tampered payload must not verify")
	}
}

func TestHostnameOfAndClipRunes(t *testing.T) {
	if hostnameOf("https://pay.example.org:8443/cb?x=1") != "pay.example.org" {
		t.Fatalf("hostnameOf failed")
	}
	if hostnameOf("://bad") != "" {
		t.Fatalf("expected empty hostname for unparseable URL")
	}
	if clipRunes("金额金额金额", 3) != "金额金" {
		t.Fatalf("clipRunes must clip by runes, not bytes")
	}
	if clipRunes("short", 20) != "short" {
		t.Fatalf("clipRunes must not alter short strings")
	}
}

func TestSignEnvelope_UsesPathOnly(t *testing.T) {
	b, merchant, _, _ := testBuilder(t, Endpoints{})
	fields := Envelope{FieldAppID: "app-1", FieldMsgID: "m"}
	sig, err := b.signEnvelope("https://host.example/api/deep/path/V1?ignored=1", fields, PolicyAllButSign)
	if err != nil {
		t.Fatalf("signEnvelope: %v", err)
	}
	u, _ := url.Parse("https://host.example/api/deep/path/V1?ignored=1")
	if !strings.HasPrefix(u.Path, "/api") {
		t.Fatalf("sanity: %q", u.Path)
	}
	verifySHA256(t, &merchant.PublicKey, Canonicalize(u.Path, map[string]string(fields)), sig)
}
