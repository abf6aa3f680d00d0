// Package cryptor implements the symmetric encrypt/decrypt pair used to
// protect connections, grounded on the AES-GCM buffer layout in
// pkg/nspkt/r2crypto.go of the teacher codebase, generalized to the overlay's
// pluggable-cipher contract.
package cryptor

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher identifies a supported symmetric cipher.
type Cipher string

const (
	CipherAESGCM              Cipher = "aes-gcm"
	CipherChaCha20Poly1305    Cipher = "chacha20-poly1305"
	CipherAESCFB              Cipher = "aes-cfb"
	CipherAESOFB              Cipher = "aes-ofb"
	CipherChaCha20            Cipher = "chacha20"
)

// MaxKeyLength bounds the key length accepted by any supported cipher.
const MaxKeyLength = 32

const (
	aeadAADLength = 16
	aeadICVLength = 16
	gcmIVLength   = 12
)

// DeriveKey implements the source's deterministic key construction:
// SHA-256(password) truncated (from the right) to keyLen bytes, rendered as
// the raw bytes of its hex encoding truncated to keyLen. This mirrors the
// "SHA-256(password)[-key_len:]" description in the spec; it is only used to
// derive the bootstrap key, never for per-connection keys.
func DeriveKey(password string, keyLen int) []byte {
	sum := sha256.Sum256([]byte(password))
	h := hex.EncodeToString(sum[:])
	return lastN([]byte(h), keyLen)
}

// DefaultIV implements the source's deterministic bootstrap IV:
// SHA-256(SHA-256(password) hex) truncated to ivLen bytes. It seeds the
// first connection to a peer and never rotates afterwards.
func DefaultIV(password string, ivLen int) []byte {
	sum1 := sha256.Sum256([]byte(password))
	sum2 := sha256.Sum256([]byte(hex.EncodeToString(sum1[:])))
	h := hex.EncodeToString(sum2[:])
	return lastN([]byte(h), ivLen)
}

func lastN(b []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	if n >= len(b) {
		out := make([]byte, n)
		copy(out[n-len(b):], b)
		return out
	}
	return append([]byte(nil), b[len(b)-n:]...)
}

// AADLength and ICVLength report the fixed AEAD framing sizes used by this
// package's AEAD ciphers.
func AADLength() int { return aeadAADLength }
func ICVLength() int { return aeadICVLength }

// Cryptor encrypts/decrypts under a fixed (cipher, key, iv). It owns no
// external OS handles, so it needs no destructor, but [Cryptor.Reset] mirrors
// the source's CTX-reset contract for implementations that do (e.g., a future
// AF_ALG-backed cryptor).
type Cryptor struct {
	cipherName Cipher
	key        []byte
	iv         []byte

	aead   cipher.AEAD
	stream func(iv []byte) (cipher.Stream, cipher.Stream, error) // encrypt, decrypt
}

// New constructs a Cryptor for the given cipher, key, and iv. For GCM, iv
// must be exactly 12 bytes; all other cipher IV lengths are whatever the
// caller configured (validated against the underlying block/stream size).
func New(name Cipher, key, iv []byte) (*Cryptor, error) {
	if len(key) > MaxKeyLength {
		return nil, fmt.Errorf("cryptor: key length %d exceeds MAX_KEY_LENGTH %d", len(key), MaxKeyLength)
	}
	c := &Cryptor{cipherName: name, key: append([]byte(nil), key...), iv: append([]byte(nil), iv...)}

	switch name {
	case CipherAESGCM:
		if len(iv) != gcmIVLength {
			return nil, fmt.Errorf("cryptor: aes-gcm iv must be %d bytes, got %d", gcmIVLength, len(iv))
		}
		block, err := aes.NewCipher(c.key)
		if err != nil {
			return nil, fmt.Errorf("cryptor: aes-gcm: %w", err)
		}
		aead, err := cipher.NewGCMWithTagSize(block, aeadICVLength)
		if err != nil {
			return nil, fmt.Errorf("cryptor: aes-gcm: %w", err)
		}
		c.aead = aead
	case CipherChaCha20Poly1305:
		aead, err := chacha20poly1305.New(c.key)
		if err != nil {
			return nil, fmt.Errorf("cryptor: chacha20-poly1305: %w", err)
		}
		if len(iv) != aead.NonceSize() {
			return nil, fmt.Errorf("cryptor: chacha20-poly1305 iv must be %d bytes, got %d", aead.NonceSize(), len(iv))
		}
		c.aead = aead
	case CipherAESCFB:
		block, err := aes.NewCipher(c.key)
		if err != nil {
			return nil, fmt.Errorf("cryptor: aes-cfb: %w", err)
		}
		if len(iv) != block.BlockSize() {
			return nil, fmt.Errorf("cryptor: aes-cfb iv must be %d bytes, got %d", block.BlockSize(), len(iv))
		}
		c.stream = func(iv []byte) (cipher.Stream, cipher.Stream, error) {
			return cipher.NewCFBEncrypter(block, iv), cipher.NewCFBDecrypter(block, iv), nil
		}
	case CipherAESOFB:
		block, err := aes.NewCipher(c.key)
		if err != nil {
			return nil, fmt.Errorf("cryptor: aes-ofb: %w", err)
		}
		if len(iv) != block.BlockSize() {
			return nil, fmt.Errorf("cryptor: aes-ofb iv must be %d bytes, got %d", block.BlockSize(), len(iv))
		}
		c.stream = func(iv []byte) (cipher.Stream, cipher.Stream, error) {
			return cipher.NewOFB(block, iv), cipher.NewOFB(block, iv), nil
		}
	case CipherChaCha20:
		if len(iv) != chacha20.NonceSize {
			return nil, fmt.Errorf("cryptor: chacha20 iv must be %d bytes, got %d", chacha20.NonceSize, len(iv))
		}
		c.stream = func(iv []byte) (cipher.Stream, cipher.Stream, error) {
			enc, err := chacha20.NewUnauthenticatedCipher(c.key, iv)
			if err != nil {
				return nil, nil, err
			}
			dec, err := chacha20.NewUnauthenticatedCipher(c.key, iv)
			if err != nil {
				return nil, nil, err
			}
			return enc, dec, nil
		}
	default:
		return nil, fmt.Errorf("cryptor: unsupported cipher %q", name)
	}
	return c, nil
}

// Encrypt encrypts plaintext. For AEAD ciphers the result is
// ciphertext||tag; a fixed 16-byte AAD (matching r2crypto's AAD constant) is
// authenticated but not appended, so the output is the input length plus
// the 16-byte tag. For stream ciphers the result is the same length as the
// input.
func (c *Cryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if c.aead != nil {
		return c.aead.Seal(nil, c.iv, plaintext, aad()), nil
	}
	enc, _, err := c.stream(c.iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	enc.XORKeyStream(out, plaintext)
	return out, nil
}

// Decrypt decrypts ciphertext produced by Encrypt.
func (c *Cryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if c.aead != nil {
		return c.aead.Open(nil, c.iv, ciphertext, aad())
	}
	_, dec, err := c.stream(c.iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	dec.XORKeyStream(out, ciphertext)
	return out, nil
}

// Reset returns the cipher state to its initial IV. Stream cipher state is
// derived fresh from c.iv on every call to Encrypt/Decrypt, so this is a
// no-op for them; it exists so callers needing a CTX-reset contract (per the
// source's OpenSSL/AF_ALG design notes) have one stable entry point.
func (c *Cryptor) Reset() {}

// Overhead reports how many extra bytes an encrypted buffer carries over the
// plaintext: 0 for stream ciphers, the ICV (tag) length for AEAD ciphers.
// The AAD is authenticated but not appended, so it adds no length.
func (c *Cryptor) Overhead() int {
	if c.aead != nil {
		return c.aead.Overhead()
	}
	return 0
}

func aad() []byte {
	return []byte("\x01\x02\x03\x04\x05\x06\x07\x08\t\n\x0b\x0c\r\x0e\x0f\x10")
}
