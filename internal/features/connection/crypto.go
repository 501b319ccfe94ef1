package connection

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// TokenCipher encrypts secrets at rest. Implementations must be
// authenticated: Decrypt fails on any tampering or on a wrong key.
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AESGCMCipher seals each value with AES-256-GCM and a fresh random nonce.
// Stored form: "<key id>:<base64(nonce | ciphertext | tag)>". The key id
// lets old rows keep decrypting after the active key is rotated.
type AESGCMCipher struct {
	activeID string
	aeads    map[string]cipher.AEAD
}

// NewAESGCMCipher takes a comma separated list of hex keys; the first is
// used for new values, the rest only for decryption.
func NewAESGCMCipher(hexKeys string) (*AESGCMCipher, error) {
	c := &AESGCMCipher{aeads: make(map[string]cipher.AEAD)}

	for i, raw := range strings.Split(hexKeys, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, errors.New("invalid TOKEN_ENCRYPTION_KEY format")
		}
		if len(key) != 32 {
			return nil, errors.New("TOKEN_ENCRYPTION_KEY must be 32 bytes (64 hex chars) for AES-256")
		}

		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}

		id := keyID(key)
		c.aeads[id] = aead
		if i == 0 {
			c.activeID = id
		}
	}

	if c.activeID == "" {
		return nil, errors.New("TOKEN_ENCRYPTION_KEY is empty")
	}
	return c, nil
}

func (c *AESGCMCipher) Encrypt(plaintext string) (string, error) {
	aead := c.aeads[c.activeID]

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return c.activeID + ":" + base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (c *AESGCMCipher) Decrypt(ciphertext string) (string, error) {
	id, encoded, ok := strings.Cut(ciphertext, ":")
	if !ok {
		return "", fmt.Errorf("%w: malformed value", ErrTokenCorrupted)
	}
	aead, ok := c.aeads[id]
	if !ok {
		return "", fmt.Errorf("%w: unknown key %s", ErrTokenCorrupted, id)
	}

	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil || len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: malformed value", ErrTokenCorrupted)
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: invalid auth tag or corrupted data", ErrTokenCorrupted)
	}
	return string(plaintext), nil
}

func keyID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}
