package codec

import (
	"bytes"
	"crypto/ecdh"
	"fmt"
	"io"

	"github.com/ehrlink/go-ehrtransfer/e2ee"
	"github.com/ehrlink/go-ehrtransfer/payload"
	"github.com/klauspost/compress/gzip"
)

// EncryptLegacy produces a single-shot payload. Version 2 gzip-wraps the plaintext, version 1
// encrypts it as is.
func EncryptLegacy(recipient *ecdh.PublicKey, plaintext []byte, version int) (payload.LegacyPayload, error) {
	var body []byte
	switch version {
	case payload.VersionRaw:
		body = plaintext
	case payload.VersionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(plaintext); err != nil {
			return payload.LegacyPayload{}, fmt.Errorf("compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return payload.LegacyPayload{}, fmt.Errorf("close gzip writer: %w", err)
		}
		body = buf.Bytes()
	default:
		return payload.LegacyPayload{}, fmt.Errorf("unsupported legacy version %d", version)
	}

	sealed, err := e2ee.Seal(recipient, body)
	if err != nil {
		return payload.LegacyPayload{}, err
	}
	return payload.LegacyPayload{
		Version:            version,
		EphemeralPublicKey: sealed.EphemeralPublicKey,
		IV:                 sealed.IV,
		Ciphertext:         sealed.Ciphertext,
	}, nil
}

// DecryptLegacy reverses EncryptLegacy.
func DecryptLegacy(key *ecdh.PrivateKey, p payload.LegacyPayload) ([]byte, error) {
	body, err := e2ee.Open(key, p.EphemeralPublicKey, p.IV, p.Ciphertext)
	if err != nil {
		return nil, err
	}

	switch p.Version {
	case payload.VersionRaw:
		return body, nil
	case payload.VersionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer zr.Close() //nolint:errcheck
		plaintext, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
		return plaintext, nil
	default:
		return nil, fmt.Errorf("unsupported legacy version %d", p.Version)
	}
}
