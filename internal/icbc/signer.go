// Signer/verifier for the gateway's RSA envelope signature.
//
// The canonical string is the signing contract: lexicographically key-sorted
// "key=value" pairs joined with "&", prefixed with the API path and "?", and
// never URL-encoded. It must match the provider byte-for-byte.
package icbc

import (
	"crypto"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// SigningPolicy selects which envelope fields participate in the canonical
// string. The gateway changed its convention between integration generations,
// so both policies remain supported and are chosen per provider variant.
type SigningPolicy int

const (
	// PolicyFixedFields signs the fixed list of common envelope fields
	// (CommonSignedFields), ignoring anything else the peer sent.
	PolicyFixedFields SigningPolicy = iota
	// PolicyAllButSign signs every field the peer sent except "sign" itself.
	PolicyAllButSign
)

// CommonSignedFields is the fixed envelope field list used by
// PolicyFixedFields, in wire-name form. Order is irrelevant here; the
// canonical string sorts keys itself.
var CommonSignedFields = []string{
	FieldAppID,
	FieldMsgID,
	FieldFormat,
	FieldCharset,
	FieldEncryptType,
	FieldSignType,
	FieldTimestamp,
	FieldBizContent,
}

// SelectFields applies a SigningPolicy to a full envelope field set and
// returns the subset that participates in signing.
func SelectFields(policy SigningPolicy, fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	switch policy {
	case PolicyAllButSign:
		for k, v := range fields {
			if k != FieldSign {
				out[k] = v
			}
		}
	default:
		for _, k := range CommonSignedFields {
			if v, ok := fields[k]; ok {
				out[k] = v
			}
		}
	}
	return out
}

// Canonicalize builds the canonical string over path and fields: keys sorted
// lexicographically, joined as key=value with "&", prefixed with "path?".
// The result is a pure function of the key-sorted content, invariant under
// the map's insertion or iteration order.
func Canonicalize(path string, fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(path)
	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return b.String()
}

// Signer holds the key material for one direction of the protocol: an
// optional merchant private key (outbound signing) and an optional provider
// public key (inbound verification). At least one must be present.
type Signer struct {
	priv *rsa.PrivateKey
	pub  *rsa.PublicKey
}

// NewSigner builds a Signer from PEM key bodies as stored in event settings,
// i.e. without the BEGIN/END armor lines (full PEM blocks are also accepted).
// Pass an empty string for the side that is not needed. When only a private
// key is given, its public half is used for verification.
func NewSigner(privateKey, publicKey string) (*Signer, error) {
	s := &Signer{}

	if strings.TrimSpace(privateKey) != "" {
		priv, err := parsePrivateKey(privateKey)
		if err != nil {
			return nil, fmt.Errorf("icbc: private key: %w", err)
		}
		s.priv = priv
	}
	if strings.TrimSpace(publicKey) != "" {
		pub, err := parsePublicKey(publicKey)
		if err != nil {
			return nil, fmt.Errorf("icbc: public key: %w", err)
		}
		s.pub = pub
	}

	if s.priv == nil && s.pub == nil {
		return nil, errors.New("icbc: signer needs a private or a public key")
	}
	if s.pub == nil && s.priv != nil {
		s.pub = &s.priv.PublicKey
	}
	return s, nil
}

// Sign hashes the UTF-8 bytes of canonical with SHA-256 and signs the digest
// with RSA PKCS#1 v1.5, returning the signature base64-encoded.
func (s *Signer) Sign(canonical string) (string, error) {
	if s.priv == nil {
		return "", errors.New("icbc: no private key configured for signing")
	}
	digest := sha256.Sum256([]byte(canonical))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("icbc: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks signature (base64) over canonical against the public key,
// hashing with MD5. It returns false on any mismatch or malformed input and
// never returns an error: a failed verification is an expected outcome for
// hostile or corrupted notifications, not an exceptional one.
//
// Note the asymmetry with Sign: the gateway signs its own messages over an
// MD5 digest while expecting SHA-256 from merchants. All three historical
// integration generations observed this behavior, so it is preserved as the
// interoperability contract rather than "fixed" locally.
func (s *Signer) Verify(canonical, signature string) bool {
	if s.pub == nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		log.Debug().Err(err).Msg("icbc: signature is not valid base64")
		return false
	}
	digest := md5.Sum([]byte(canonical))
	if err := rsa.VerifyPKCS1v15(s.pub, crypto.MD5, digest[:], sig); err != nil {
		log.Debug().Err(err).Msg("icbc: signature verification failed")
		return false
	}
	return true
}

// CanVerify reports whether a public key is available.
func (s *Signer) CanVerify() bool { return s.pub != nil }

// parsePrivateKey accepts a PKCS#1 or PKCS#8 RSA private key, with or
// without PEM armor lines.
func parsePrivateKey(body string) (*rsa.PrivateKey, error) {
	der, err := decodeKeyBody(body, "RSA PRIVATE KEY")
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return key, nil
}

// parsePublicKey accepts a PKIX or PKCS#1 RSA public key, with or without
// PEM armor lines.
func parsePublicKey(body string) (*rsa.PublicKey, error) {
	der, err := decodeKeyBody(body, "PUBLIC KEY")
	if err != nil {
		return nil, err
	}
	if parsed, err := x509.ParsePKIXPublicKey(der); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return key, nil
	}
	return x509.ParsePKCS1PublicKey(der)
}

// decodeKeyBody turns a key body (armored or bare base64) into DER bytes.
// Bare bodies are wrapped with the given PEM type before decoding so that
// settings can store just the base64 payload.
func decodeKeyBody(body, pemType string) ([]byte, error) {
	body = strings.TrimSpace(body)
	if !strings.Contains(body, "-----") {
		body = "-----BEGIN " + pemType + "-----\n" + body + "\n-----END " + pemType + "-----"
	}
	block, _ := pem.Decode([]byte(body))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	return block.Bytes, nil
}
