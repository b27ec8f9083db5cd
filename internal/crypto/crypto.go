package crypto

import (
	stdcrypto "crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const (
	// SessionKeySize is the length of the per-session AES-256 key.
	SessionKeySize = 32
	// NonceSize is the AES-GCM nonce length on the wire.
	NonceSize = 12
	// TagSize is the GCM authentication tag appended to every ciphertext.
	TagSize = 16

	pssSaltLength = 32
)

// ErrDecrypt is returned for any authenticated-decryption failure. Callers
// must not reveal the distinction between tag and format failures.
var ErrDecrypt = errors.New("decryption failed")

// NewSessionKey generates a random 32-byte AES session key.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// NewRandomID returns a 32-character hex identifier (16 random bytes), used
// for session, user, room and message IDs.
func NewRandomID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

// NewNonce builds a 12-byte outbound nonce: 8 bytes of big-endian nanosecond
// timestamp followed by 4 random bytes. The timestamp prefix keeps nonces
// unique across restarts; the suffix covers same-nanosecond sends.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint64(nonce[:8], uint64(time.Now().UnixNano()))
	if _, err := rand.Read(nonce[8:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// OAEPEncrypt wraps plaintext to the peer's RSA key with OAEP-SHA256.
func OAEPEncrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("oaep encrypt: %w", err)
	}
	return ct, nil
}

// OAEPDecrypt unwraps an OAEP-SHA256 ciphertext with the server key.
func OAEPDecrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// PSSSign signs message with RSA-PSS, SHA-256, salt length 32.
func PSSSign(priv *rsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPSS(rand.Reader, priv, stdcrypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: pssSaltLength,
		Hash:       stdcrypto.SHA256,
	})
	if err != nil {
		return nil, fmt.Errorf("pss sign: %w", err)
	}
	return sig, nil
}

// PSSVerify checks an RSA-PSS signature produced by PSSSign. It exists for
// the client side of the handshake and for tests.
func PSSVerify(pub *rsa.PublicKey, message, signature []byte) error {
	digest := sha256.Sum256(message)
	opts := &rsa.PSSOptions{SaltLength: pssSaltLength, Hash: stdcrypto.SHA256}
	if err := rsa.VerifyPSS(pub, stdcrypto.SHA256, digest[:], signature, opts); err != nil {
		return ErrDecrypt
	}
	return nil
}

// Seal encrypts plaintext with AES-256-GCM. The 16-byte tag is appended to
// the returned ciphertext.
func Seal(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts a Seal-produced ciphertext. A bad nonce
// length, a short ciphertext or a failed tag check is reported as ErrDecrypt;
// a key of the wrong size is reported as a separate error.
func Open(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize || len(ciphertext) < TagSize {
		return nil, ErrDecrypt
	}
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", SessionKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}

// ZeroBytes overwrites key material in place.
func ZeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
