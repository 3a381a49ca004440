package satchel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	gcmNonceSize     = 12
	keySaltSize      = 32
	archiveKeySize   = 32
	pbkdf2Iterations = 100000
)

// EncryptionConfig configures backup archive encryption.
type EncryptionConfig struct {
	// Enabled turns on encryption for backup archives.
	Enabled bool
	// Key is a raw AES-256 key (32 bytes). When empty, KeyPassword is
	// used to derive one.
	Key []byte
	// KeyPassword derives the key via PBKDF2 with a per-archive salt.
	KeyPassword string
}

// Encryptor seals and opens backup archive bytes with AES-GCM. Password
// encryptors carry the derivation salt so another instance can open the
// archive; raw-key encryptors have none.
type Encryptor struct {
	gcm  cipher.AEAD
	salt []byte
}

// NewEncryptor creates an encryptor from the configured key or password.
// A disabled config yields a nil encryptor.
func NewEncryptor(cfg EncryptionConfig) (*Encryptor, error) {
	switch {
	case !cfg.Enabled:
		return nil, nil
	case len(cfg.Key) > 0:
		if len(cfg.Key) != archiveKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		return newGCMEncryptor(cfg.Key, nil)
	case cfg.KeyPassword != "":
		salt := make([]byte, keySaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		return newGCMEncryptor(deriveKey(cfg.KeyPassword, salt), salt)
	default:
		return nil, errors.New("encryption enabled but no key or password provided")
	}
}

// NewEncryptorWithSalt re-derives a password encryptor from an archive's
// recorded salt.
func NewEncryptorWithSalt(password string, salt []byte) (*Encryptor, error) {
	if len(salt) != keySaltSize {
		return nil, errors.New("invalid salt size")
	}
	return newGCMEncryptor(deriveKey(password, salt), salt)
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, archiveKeySize, sha256.New)
}

func newGCMEncryptor(key, salt []byte) (*Encryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm, salt: salt}, nil
}

// Salt returns the key derivation salt, nil for raw-key encryptors.
func (e *Encryptor) Salt() []byte {
	return e.salt
}

// Encrypt seals plaintext, prepending the nonce to the ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < gcmNonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:gcmNonceSize]
	return e.gcm.Open(nil, nonce, ciphertext[gcmNonceSize:], nil)
}
