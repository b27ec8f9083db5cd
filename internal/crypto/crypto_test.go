package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := NewSessionKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t)
	nonce, err := NewNonce()
	if err != nil {
		t.Fatalf("generate nonce: %v", err)
	}

	plaintext := []byte(`{"type":"HELLO","data":{}}`)
	ciphertext, err := Seal(key, nonce, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(ciphertext) != len(plaintext)+TagSize {
		t.Fatalf("expected %d byte ciphertext, got %d", len(plaintext)+TagSize, len(ciphertext))
	}

	opened, err := Open(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	key := testKey(t)
	nonce, _ := NewNonce()
	ciphertext, err := Seal(key, nonce, []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	for i := range ciphertext {
		mutated := append([]byte(nil), ciphertext...)
		mutated[i] ^= 0x01
		if _, err := Open(key, nonce, mutated); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("expected ErrDecrypt for byte %d, got %v", i, err)
		}
	}

	otherKey := testKey(t)
	if _, err := Open(otherKey, nonce, ciphertext); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for wrong key, got %v", err)
	}
}

func TestOAEPWrapUnwrap(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}

	sessionKey := testKey(t)
	wrapped, err := OAEPEncrypt(&priv.PublicKey, sessionKey)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	unwrapped, err := OAEPDecrypt(priv, wrapped)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(unwrapped, sessionKey) {
		t.Fatal("unwrapped key differs from original")
	}

	wrapped[0] ^= 0x01
	if _, err := OAEPDecrypt(priv, wrapped); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for corrupted ciphertext, got %v", err)
	}
}

func TestPSSSignVerify(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}

	message := []byte("session key bytes")
	sig, err := PSSSign(priv, message)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := PSSVerify(&priv.PublicKey, message, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := PSSVerify(&priv.PublicKey, []byte("other message"), sig); err == nil {
		t.Fatal("expected verification failure for wrong message")
	}
}

func TestNonceFormat(t *testing.T) {
	before := time.Now().UnixNano()
	nonce, err := NewNonce()
	if err != nil {
		t.Fatalf("generate nonce: %v", err)
	}
	after := time.Now().UnixNano()

	if len(nonce) != NonceSize {
		t.Fatalf("expected %d byte nonce, got %d", NonceSize, len(nonce))
	}
	ts := int64(binary.BigEndian.Uint64(nonce[:8]))
	if ts < before || ts > after {
		t.Fatalf("nonce timestamp %d outside [%d, %d]", ts, before, after)
	}
}

func TestNewRandomID(t *testing.T) {
	a, err := NewRandomID()
	if err != nil {
		t.Fatalf("generate id: %v", err)
	}
	b, err := NewRandomID()
	if err != nil {
		t.Fatalf("generate id: %v", err)
	}
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("expected 32-char hex ids, got %q and %q", a, b)
	}
	if a == b {
		t.Fatal("expected distinct ids")
	}
}
