package gateway

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// SignHMAC returns the hex encoded HMAC-SHA256 of body under secret.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks signature against the raw body in constant time.
func VerifyHMAC(secret string, body []byte, signature string) error {
	if secret == "" || signature == "" {
		return ErrInvalidSignature
	}
	given, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(signature, "sha256=")))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), given) {
		return ErrInvalidSignature
	}
	return nil
}

// RequestSigner signs outbound provider requests with the merchant's RSA key
// (SHA-256, PKCS#1 v1.5, base64).
type RequestSigner struct {
	key *rsa.PrivateKey
}

// LoadRequestSigner reads a PEM encoded PKCS#8 or PKCS#1 key. The path must
// come from configuration, never from request input.
func LoadRequestSigner(privateKeyPath string) (*RequestSigner, error) {
	if privateKeyPath == "" || strings.Contains(privateKeyPath, "..") {
		return nil, errors.New("invalid private key path")
	}
	keyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return ParseRequestSigner(keyBytes)
}

func ParseRequestSigner(pemBytes []byte) (*RequestSigner, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &RequestSigner{key: key}, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSA private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not an RSA key")
	}
	return &RequestSigner{key: key}, nil
}

// Sign concatenates the fields in provider order and signs the result.
func (s *RequestSigner) Sign(fields ...string) (string, error) {
	hashed := sha256.Sum256([]byte(strings.Join(fields, "")))
	signature, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, hashed[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign data: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

func (s *RequestSigner) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}
