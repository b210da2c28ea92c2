package wechat

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// gcmTagLength is the trailing authentication tag the platform appends to
// every ciphertext.
const gcmTagLength = 16

// DecryptCiphertext opens an AES-256-GCM payload using the shared APIv3 key.
// The base64 ciphertext carries the 16-byte GCM tag at its tail, which is
// exactly the framing cipher.AEAD consumes.
func DecryptCiphertext(apiV3Key []byte, associatedData, nonce, ciphertextB64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) <= gcmTagLength {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(raw))
	}

	block, err := aes.NewCipher(apiV3Key)
	if err != nil {
		return nil, fmt.Errorf("apiv3 key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, []byte(nonce), raw, []byte(associatedData))
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}

// DecryptToValue decrypts and JSON-parses a resource payload, falling back
// to the raw plaintext string when it is not JSON.
func DecryptToValue(apiV3Key []byte, associatedData, nonce, ciphertextB64 string) (interface{}, error) {
	plaintext, err := DecryptCiphertext(apiV3Key, associatedData, nonce, ciphertextB64)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(plaintext, &v); err != nil {
		return string(plaintext), nil
	}
	return v, nil
}
