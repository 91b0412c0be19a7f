// Package crypto provides end-to-end encryption of application messages
// with a key derived from the room's shared secret. The coordinator only
// ever sees the resulting opaque blobs.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/mossy-p/clipboard-sync/internal/protocol"
)

// ErrDecryption is returned when a blob cannot be decrypted: wrong room
// secret, tampered ciphertext, or a malformed blob. Consumers drop the
// message and carry on.
var ErrDecryption = errors.New("crypto: decryption failed")

// Cipher encrypts and decrypts application payloads.
type Cipher interface {
	Encrypt(plaintext []byte) (protocol.EncryptedBlob, error)
	Decrypt(blob protocol.EncryptedBlob) ([]byte, error)
}

const (
	saltSize         = 16
	nonceSize        = 12
	keySize          = 32
	pbkdf2Iterations = 100_000
)

// SecretCipher is an AES-256-GCM Cipher keyed by PBKDF2 over the shared
// room secret. Each message carries its own random salt and nonce, so two
// clients only need to agree on the secret string.
type SecretCipher struct {
	secret []byte
}

var _ Cipher = (*SecretCipher)(nil)

// NewSecretCipher creates a cipher from the room's shared secret.
func NewSecretCipher(secret string) *SecretCipher {
	return &SecretCipher{secret: []byte(secret)}
}

// Encrypt seals plaintext into an EncryptedBlob with a fresh salt and nonce.
func (c *SecretCipher) Encrypt(plaintext []byte) (protocol.EncryptedBlob, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return protocol.EncryptedBlob{}, fmt.Errorf("generating salt: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return protocol.EncryptedBlob{}, fmt.Errorf("generating nonce: %w", err)
	}

	aead, err := c.aead(salt)
	if err != nil {
		return protocol.EncryptedBlob{}, err
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return protocol.EncryptedBlob{
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Salt:       base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// Decrypt opens an EncryptedBlob. Any failure (bad base64, wrong key,
// tampered ciphertext) is reported as ErrDecryption.
func (c *SecretCipher) Decrypt(blob protocol.EncryptedBlob) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(blob.IV)
	if err != nil || len(nonce) != nonceSize {
		return nil, ErrDecryption
	}

	salt, err := base64.StdEncoding.DecodeString(blob.Salt)
	if err != nil || len(salt) != saltSize {
		return nil, ErrDecryption
	}

	ciphertext, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil {
		return nil, ErrDecryption
	}

	aead, err := c.aead(salt)
	if err != nil {
		return nil, ErrDecryption
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

func (c *SecretCipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.secret, salt, pbkdf2Iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
