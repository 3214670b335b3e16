package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// NonceSize is the AES-GCM IV length.
const NonceSize = 12

// Sealed is one ECDH+AES-GCM envelope. The ephemeral private key that produced it is
// never retained.
type Sealed struct {
	EphemeralPublicKey JWK
	IV                 []byte
	Ciphertext         []byte
}

// DecryptionError reports a key/IV mismatch or corrupted ciphertext.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed: %s", e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// Seal encrypts plaintext for the recipient with a fresh ephemeral key pair and a fresh IV.
func Seal(recipient *ecdh.PublicKey, plaintext []byte) (Sealed, error) {
	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return Sealed{}, fmt.Errorf("generate ephemeral key: %w", err)
	}

	secret, err := ephemeral.ECDH(recipient)
	if err != nil {
		return Sealed{}, fmt.Errorf("ecdh: %w", err)
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return Sealed{}, err
	}

	iv := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Sealed{}, fmt.Errorf("generate iv: %w", err)
	}

	return Sealed{
		EphemeralPublicKey: PublicJWK(ephemeral.PublicKey()),
		IV:                 iv,
		Ciphertext:         gcm.Seal(nil, iv, plaintext, nil),
	}, nil
}

// Open decrypts an envelope with the recipient's static private key.
func Open(key *ecdh.PrivateKey, ephemeralPublicKey JWK, iv, ciphertext []byte) ([]byte, error) {
	if len(iv) != NonceSize {
		return nil, &DecryptionError{Err: fmt.Errorf("invalid iv size %d", len(iv))}
	}

	ephemeral, err := ephemeralPublicKey.PublicKey()
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}

	secret, err := key.ECDH(ephemeral)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	return plaintext, nil
}

// ProviderKey identifies one provider's chunk stream to the transport. It is a truncated
// one-way hash and carries no key material.
func ProviderKey(sessionID, connectionID string) string {
	sum := sha256.Sum256([]byte(sessionID + ":" + connectionID))
	return hex.EncodeToString(sum[:8])
}

// The raw 32-byte P-256 shared secret is used as the AES-256 key, matching WebCrypto's
// ECDH deriveKey into AES-GCM.
func newGCM(secret []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("create aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
