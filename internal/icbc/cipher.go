// Package icbc implements the ICBC open-platform payment gateway wire
// protocol: the AES payload cipher, the RSA signer/verifier with its
// canonical-string rules, envelope assembly for outbound requests, and the
// order-status query client.
//
// The package is deliberately faithful to the gateway's published conventions
// even where they look unusual (fixed all-zero IV, bare key=value canonical
// strings, the hash asymmetry between signing and verification). Changing any
// of them would break interoperability with the provider.
package icbc

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
)

// CryptoError wraps any failure while encrypting or decrypting a gateway
// payload. A decrypt failure means the payload cannot be trusted at all;
// callers must abort processing rather than fall back to partial data.
type CryptoError struct {
	Op  string // "encrypt" or "decrypt"
	Err error
}

// Error implements the error interface.
func (e *CryptoError) Error() string { return fmt.Sprintf("icbc: %s: %v", e.Op, e.Err) }

// Unwrap returns the underlying cause.
func (e *CryptoError) Unwrap() error { return e.Err }

// zeroIV is the fixed initialization vector mandated by the gateway. The IV
// being public and constant means confidentiality rests entirely on key
// secrecy; this is a protocol constraint, not something to fix locally.
var zeroIV = make([]byte, aes.BlockSize)

// Encrypt encrypts plaintext with AES-CBC using the base64-encoded key and a
// fixed all-zero IV, applying PKCS#7 padding. The ciphertext is returned
// base64-encoded for transport in the biz_content envelope field.
func Encrypt(plaintext []byte, key string) (string, error) {
	block, err := newBlock(key)
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, zeroIV).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It fails with *CryptoError on malformed base64,
// a ciphertext that is not block-aligned, or invalid padding (which is what a
// wrong key typically produces).
func Decrypt(ciphertext string, key string) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("base64 ciphertext: %w", err)}
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("ciphertext length %d not a multiple of the block size", len(raw))}
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, zeroIV).CryptBlocks(out, raw)

	unpadded, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}
	return unpadded, nil
}

// newBlock decodes the base64 key material and builds the AES block cipher.
func newBlock(key string) (cipher.Block, error) {
	kb, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("base64 key: %w", err)
	}
	block, err := aes.NewCipher(kb)
	if err != nil {
		return nil, err
	}
	return block, nil
}

// pkcs7Pad appends PKCS#7 padding up to the next blockSize boundary.
func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// pkcs7Unpad validates and strips PKCS#7 padding.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
