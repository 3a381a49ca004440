package satchel

import (
	"bytes"
	"testing"
)

func TestEncryptorDisabledIsNil(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{})
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	if enc != nil {
		t.Fatal("disabled config should yield a nil encryptor")
	}
}

func TestEncryptorRawKeyHasNoSalt(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, Key: key})
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	if enc.Salt() != nil {
		t.Fatal("raw-key encryptor should carry no derivation salt")
	}

	sealed, err := enc.Encrypt([]byte("market data"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// A separate encryptor over the same key opens the archive.
	other, err := NewEncryptor(EncryptionConfig{Enabled: true, Key: key})
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	plain, err := other.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plain) != "market data" {
		t.Fatalf("round trip mismatch: %q", plain)
	}
}

func TestEncryptorPasswordRoundTripAcrossInstances(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "hunter2"})
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	if len(enc.Salt()) == 0 {
		t.Fatal("password encryptor must record its salt")
	}

	sealed, err := enc.Encrypt([]byte("deal ledger"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	reopened, err := NewEncryptorWithSalt("hunter2", enc.Salt())
	if err != nil {
		t.Fatalf("NewEncryptorWithSalt: %v", err)
	}
	plain, err := reopened.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plain) != "deal ledger" {
		t.Fatalf("round trip mismatch: %q", plain)
	}

	wrong, err := NewEncryptorWithSalt("hunter3", enc.Salt())
	if err != nil {
		t.Fatalf("NewEncryptorWithSalt: %v", err)
	}
	if _, err := wrong.Decrypt(sealed); err == nil {
		t.Fatal("wrong password must fail authentication")
	}
}

func TestEncryptorRejectsBadInputs(t *testing.T) {
	if _, err := NewEncryptor(EncryptionConfig{Enabled: true}); err == nil {
		t.Fatal("enabled config without key material must error")
	}
	if _, err := NewEncryptor(EncryptionConfig{Enabled: true, Key: []byte("short")}); err == nil {
		t.Fatal("short key must error")
	}
	if _, err := NewEncryptorWithSalt("pw", []byte("tiny")); err == nil {
		t.Fatal("short salt must error")
	}

	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "pw"})
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	if _, err := enc.Decrypt([]byte("x")); err == nil {
		t.Fatal("truncated ciphertext must error")
	}
}
