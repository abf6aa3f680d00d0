package cryptor

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestGCMEncryptDecrypt(t *testing.T) {
	key := DeriveKey("correct horse battery staple", 32)
	iv := make([]byte, 12)
	if _, err := rand.Read(iv); err != nil {
		t.Fatal(err)
	}

	c, err := New(CipherAESGCM, key, iv)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	plaintext := make([]byte, 40000)
	if _, err := rand.Read(plaintext); err != nil {
		t.Fatal(err)
	}

	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(ciphertext) != len(plaintext)+ICVLength() {
		t.Fatalf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+ICVLength())
	}

	got, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch")
	}
}

func TestStreamCipherRoundTrip(t *testing.T) {
	key := DeriveKey("hunter2", 32)
	iv := make([]byte, 16)

	c, err := New(CipherAESCFB, key, iv)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if len(ciphertext) != len(plaintext) {
		t.Fatalf("stream cipher changed length")
	}

	c2, err := New(CipherAESCFB, key, iv)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c2.Decrypt(ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey("password", 16)
	b := DeriveKey("password", 16)
	if !bytes.Equal(a, b) {
		t.Fatalf("DeriveKey not deterministic")
	}
	if len(a) != 16 {
		t.Fatalf("len = %d", len(a))
	}
}

func TestDefaultIVDeterministic(t *testing.T) {
	a := DefaultIV("password", 12)
	b := DefaultIV("password", 12)
	if !bytes.Equal(a, b) {
		t.Fatalf("DefaultIV not deterministic")
	}
	if len(a) != 12 {
		t.Fatalf("len = %d", len(a))
	}
}
