package icbc

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

// newAESKey returns a fresh base64-encoded AES key of the given byte size.
func newAESKey(t *testing.T, size int) string {
	t.Helper()
	kb := make([]byte, size)
	if _, err := rand.Read(kb); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return base64.StdEncoding.EncodeToString(kb)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := newAESKey(t, 16)

	cases := [][]byte{
		[]byte(`{"mer_id":"12345","out_trade_no":"1693392000.1234567"}`),
		[]byte(""),                      // empty plaintext still pads to one block
		[]byte("short"),                 // sub-block
		bytes.Repeat([]byte{0xAB}, 16),  // exactly one block (full padding block appended)
		bytes.Repeat([]byte("x"), 1000), // multi-block
		[]byte("UTF-8 содержимое 金额"),   // non-ASCII
	}
	for _, plain := range cases {
		ct, err := Encrypt(plain, key)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plain, err)
		}
		got, err := Decrypt(ct, key)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, plain) {
			t.Fatalf("round trip mismatch: got %q want %q", got, plain)
		}
	}
}

func TestEncrypt_Deterministic(t *testing.T) {
	// Fixed IV means identical plaintext encrypts identically. That is the
	// gateway's convention; the test pins it so nobody "fixes" it to a
	// random IV and silently breaks interop.
	key := newAESKey(t, 16)
	a, err := Encrypt([]byte("same input"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := Encrypt([]byte("same input"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a != b {
		t.Fatalf("expected deterministic ciphertext, got %q vs %q", a, b)
	}
}

func TestEncrypt_KeyErrors(t *testing.T) {
	if _, err := Encrypt([]byte("x"), "not base64!!!"); err == nil {
		t.Fatalf("expected error for malformed base64 key")
	}
	// 10 bytes is not a valid AES key size.
	badSize := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 10))
	if _, err := Encrypt([]byte("x"), badSize); err == nil {
		t.Fatalf("expected error for invalid key size")
	}
}

func TestDecrypt_Errors(t *testing.T) {
	key := newAESKey(t, 16)

	t.Run("malformed base64 ciphertext", func(t *testing.T) {
		_, err := Decrypt("@@@not-base64@@@", key)
		var ce *CryptoError
		if !errors.As(err, &ce) || ce.Op != "decrypt" {
			t.Fatalf("expected decrypt CryptoError, got %v", err)
		}
	})
	t.Run("not block aligned", func(t *testing.T) {
		short := base64.StdEncoding.EncodeToString([]byte("12345"))
		if _, err := Decrypt(short, key); err == nil {
			t.Fatalf("expected error for non-aligned ciphertext")
		}
	})
	t.Run("empty ciphertext", func(t *testing.T) {
		if _, err := Decrypt("", key); err == nil {
			t.Fatalf("expected error for empty ciphertext")
		}
	})
	t.Run("wrong key yields padding error", func(t *testing.T) {
		ct, err := Encrypt([]byte(`{"k":"v"}`), key)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		other := newAESKey(t, 16)
		if _, err := Decrypt(ct, other); err == nil {
			// A wrong key yields garbage; valid-looking padding is a ~1/255
			// fluke we accept rather than flake on.
			t.Skip("wrong key produced coincidentally valid padding")
		}
	})
}

func TestCryptoError_Message(t *testing.T) {
	err := &CryptoError{Op: "decrypt", Err: errors.New("invalid padding")}
	if !strings.Contains(err.Error(), "decrypt") || !strings.Contains(err.Error(), "invalid padding") {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if errors.Unwrap(err) == nil {
		t.Fatalf("expected unwrap to return cause")
	}
}

func TestPKCS7_PadUnpad(t *testing.T) {
	for n := 0; n <= 40; n++ {
		data := bytes.Repeat([]byte{7}, n)
		padded := pkcs7Pad(data, 16)
		if len(padded)%16 != 0 {
			t.Fatalf("pad(%d) not block aligned: %d", n, len(padded))
		}
		got, err := pkcs7Unpad(padded, 16)
		if err != nil {
			t.Fatalf("unpad(%d): %v", n, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("pad/unpad mismatch at n=%d", n)
		}
	}

	if _, err := pkcs7Unpad([]byte{}, 16); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if _, err := pkcs7Unpad(bytes.Repeat([]byte{0}, 16), 16); err == nil {
		t.Fatalf("expected error for zero padding byte")
	}
	if _, err := pkcs7Unpad([]byte{1, 2, 3, 17}, 16); err == nil {
		t.Fatalf("expected error for padding larger than block")
	}
	if _, err := pkcs7Unpad([]byte{9, 9, 3, 3, 2}, 16); err == nil {
		t.Fatalf("expected error for inconsistent padding bytes")
	}
}
