// Package e2ee provides the primitives of the transfer protocol: P-256 keys in JWK form,
// ECDH-derived AES-256-GCM sealing and the provider-scoping key.
package e2ee

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	keyTypeEC   = "EC"
	curveP256   = "P-256"
	coordLength = 32
)

// JWK is an elliptic curve JSON Web Key as exported by WebCrypto.
// D is only set for private keys.
type JWK struct {
	Kty    string   `json:"kty"`
	Crv    string   `json:"crv"`
	X      string   `json:"x"`
	Y      string   `json:"y"`
	D      string   `json:"d,omitempty"`
	Ext    *bool    `json:"ext,omitempty"`
	KeyOps []string `json:"key_ops,omitempty"`
}

// IsPrivate ...
func (k JWK) IsPrivate() bool {
	return k.D != ""
}

// Public returns the key without its private component.
func (k JWK) Public() JWK {
	return JWK{Kty: k.Kty, Crv: k.Crv, X: k.X, Y: k.Y}
}

// ParseJWK decodes a JWK from its JSON text.
func ParseJWK(data []byte) (JWK, error) {
	var k JWK
	if err := json.Unmarshal(bytes.TrimSpace(data), &k); err != nil {
		return JWK{}, fmt.Errorf("decode jwk: %w", err)
	}
	return k, nil
}

// PublicKey imports the public part of the JWK.
func (k JWK) PublicKey() (*ecdh.PublicKey, error) {
	if k.Kty != keyTypeEC || k.Crv != curveP256 {
		return nil, fmt.Errorf("unsupported key: kty=%q crv=%q", k.Kty, k.Crv)
	}
	x, err := decodeCoordinate("x", k.X)
	if err != nil {
		return nil, err
	}
	y, err := decodeCoordinate("y", k.Y)
	if err != nil {
		return nil, err
	}

	point := make([]byte, 0, 1+2*coordLength)
	point = append(point, 0x04)
	point = append(point, x...)
	point = append(point, y...)

	pub, err := ecdh.P256().NewPublicKey(point)
	if err != nil {
		return nil, fmt.Errorf("import public key: %w", err)
	}
	return pub, nil
}

// PrivateKey imports the private key. When the JWK carries x and y they must match the
// public key derived from d.
func (k JWK) PrivateKey() (*ecdh.PrivateKey, error) {
	if k.Kty != keyTypeEC || k.Crv != curveP256 {
		return nil, fmt.Errorf("unsupported key: kty=%q crv=%q", k.Kty, k.Crv)
	}
	if !k.IsPrivate() {
		return nil, errors.New("jwk has no private component")
	}
	d, err := decodeCoordinate("d", k.D)
	if err != nil {
		return nil, err
	}
	priv, err := ecdh.P256().NewPrivateKey(d)
	if err != nil {
		return nil, fmt.Errorf("import private key: %w", err)
	}

	if k.X != "" || k.Y != "" {
		pub, err := k.PublicKey()
		if err != nil {
			return nil, err
		}
		if !pub.Equal(priv.PublicKey()) {
			return nil, errors.New("jwk public coordinates do not match private key")
		}
	}
	return priv, nil
}

// PublicJWK exports a P-256 public key.
func PublicJWK(pub *ecdh.PublicKey) JWK {
	point := pub.Bytes()
	return JWK{
		Kty: keyTypeEC,
		Crv: curveP256,
		X:   base64.RawURLEncoding.EncodeToString(point[1 : 1+coordLength]),
		Y:   base64.RawURLEncoding.EncodeToString(point[1+coordLength:]),
	}
}

// PrivateJWK exports a P-256 private key including its public coordinates.
func PrivateJWK(priv *ecdh.PrivateKey) JWK {
	k := PublicJWK(priv.PublicKey())
	k.D = base64.RawURLEncoding.EncodeToString(priv.Bytes())
	return k
}

// GenerateKey creates a static recipient key pair.
func GenerateKey() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate p-256 key: %w", err)
	}
	return priv, nil
}

func decodeCoordinate(name, value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("jwk %s is empty", name)
	}
	b, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode jwk %s: %w", name, err)
	}
	if len(b) > coordLength {
		return nil, fmt.Errorf("jwk %s is %d bytes, expected %d", name, len(b), coordLength)
	}
	if len(b) < coordLength {
		padded := make([]byte, coordLength)
		copy(padded[coordLength-len(b):], b)
		b = padded
	}
	return b, nil
}
