// Package vapid converts the stored VAPID secrets (raw P-256 coordinate and
// scalar bytes) into the structured key the push signer consumes.
package vapid

import (
	"bytes"
	"crypto/ecdh"
	"encoding/base64"
	"fmt"
	"strings"

	"barberloyalty/internal/domain"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	uncompressedPointPrefix = 0x04
	coordinateLen           = 32
	publicKeyLen            = 1 + 2*coordinateLen
	privateKeyLen           = 32
)

// JWK is the RFC 7517 representation of the VAPID signing key.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	D   string `json:"d,omitempty"`
}

// KeyPair holds the validated key material.
type KeyPair struct {
	JWK JWK

	public  []byte
	private []byte
}

// FromRaw decodes base64url public (65 bytes) and private (32 bytes) keys.
// Any length, prefix or pairing problem is reported as ErrMalformedKey.
func FromRaw(publicKey, privateKey string) (*KeyPair, error) {
	pub, err := decode(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", domain.ErrMalformedKey, err)
	}
	if len(pub) != publicKeyLen {
		return nil, fmt.Errorf("%w: public key is %d bytes, want %d", domain.ErrMalformedKey, len(pub), publicKeyLen)
	}
	if pub[0] != uncompressedPointPrefix {
		return nil, fmt.Errorf("%w: public key prefix 0x%02x, want 0x04", domain.ErrMalformedKey, pub[0])
	}

	priv, err := decode(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", domain.ErrMalformedKey, err)
	}
	if len(priv) != privateKeyLen {
		return nil, fmt.Errorf("%w: private key is %d bytes, want %d", domain.ErrMalformedKey, len(priv), privateKeyLen)
	}

	// The scalar must produce the stored point, otherwise every signature
	// is rejected by the push service.
	sk, err := ecdh.P256().NewPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", domain.ErrMalformedKey, err)
	}
	if !bytes.Equal(sk.PublicKey().Bytes(), pub) {
		return nil, fmt.Errorf("%w: private key does not match public key", domain.ErrMalformedKey)
	}

	x := pub[1 : 1+coordinateLen]
	y := pub[1+coordinateLen:]

	return &KeyPair{
		JWK: JWK{
			Kty: "EC",
			Crv: "P-256",
			X:   base64.RawURLEncoding.EncodeToString(x),
			Y:   base64.RawURLEncoding.EncodeToString(y),
			D:   base64.RawURLEncoding.EncodeToString(priv),
		},
		public:  pub,
		private: priv,
	}, nil
}

// Generate creates a fresh key pair.
func Generate() (*KeyPair, error) {
	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("generate vapid keys: %w", err)
	}
	return FromRaw(publicKey, privateKey)
}

// PublicKey returns the 65-byte point, base64url without padding. This is
// the applicationServerKey handed to browsers.
func (k *KeyPair) PublicKey() string {
	return base64.RawURLEncoding.EncodeToString(k.public)
}

// PrivateKey returns the 32-byte scalar, base64url without padding.
func (k *KeyPair) PrivateKey() string {
	return base64.RawURLEncoding.EncodeToString(k.private)
}

// PublicJWK is the JWK without the private scalar.
func (k *KeyPair) PublicJWK() JWK {
	j := k.JWK
	j.D = ""
	return j
}

func decode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty")
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
