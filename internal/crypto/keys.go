package crypto

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agonych/udp-chat/internal/keystore"
)

const (
	rsaKeyBits = 2048

	privateKeyFile = "server_private_key.pem"
	publicKeyFile  = "server_public_key.pem"

	identitySecretID = "server_identity"
)

// ServerKeys holds the server's long-term RSA identity.
type ServerKeys struct {
	Private     *rsa.PrivateKey
	Public      *rsa.PublicKey
	PublicDER   []byte
	Fingerprint string
}

// LoadOrCreateKeys loads the server keypair from dir, generating and
// persisting a fresh one on first start. With a non-empty passphrase the
// private key lives inside a sealed keystore file instead of plain PEM.
func LoadOrCreateKeys(dir, passphrase string) (*ServerKeys, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if passphrase != "" {
		return loadOrCreateSealed(dir, passphrase)
	}
	return loadOrCreatePEM(dir)
}

func loadOrCreatePEM(dir string) (*ServerKeys, error) {
	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	if fileExists(privPath) && fileExists(pubPath) {
		raw, err := os.ReadFile(privPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("no PEM block in %s", privPath)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		priv, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key in %s is not RSA", privPath)
		}
		return newServerKeys(priv)
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	if err := writePEMPair(privPath, pubPath, priv); err != nil {
		return nil, err
	}
	return newServerKeys(priv)
}

func loadOrCreateSealed(dir, passphrase string) (*ServerKeys, error) {
	backend := keystore.NewFileBackend(filepath.Join(dir, "keys.json"))
	ctx := context.Background()

	if err := backend.Unlock(ctx, passphrase); err != nil {
		if !errors.Is(err, keystore.ErrNotInitialized) {
			return nil, fmt.Errorf("unlock keystore: %w", err)
		}
		if err := backend.Initialize(ctx, passphrase); err != nil {
			return nil, fmt.Errorf("initialize keystore: %w", err)
		}
	}

	raw, err := backend.LoadSecret(ctx, identitySecretID)
	if err == nil {
		parsed, perr := x509.ParsePKCS8PrivateKey(raw)
		if perr != nil {
			return nil, fmt.Errorf("parse sealed private key: %w", perr)
		}
		priv, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("sealed identity is not an RSA key")
		}
		return newServerKeys(priv)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load identity secret: %w", err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	if err := backend.StoreSecret(ctx, identitySecretID, der); err != nil {
		return nil, fmt.Errorf("store identity secret: %w", err)
	}
	return newServerKeys(priv)
}

func newServerKeys(priv *rsa.PrivateKey) (*ServerKeys, error) {
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return &ServerKeys{
		Private:     priv,
		Public:      &priv.PublicKey,
		PublicDER:   der,
		Fingerprint: Fingerprint(der),
	}, nil
}

func writePEMPair(privPath, pubPath string, priv *rsa.PrivateKey) error {
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// ParseClientKey parses a DER-encoded SubjectPublicKeyInfo RSA public key.
func ParseClientKey(der []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse client key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("client key is not RSA")
	}
	return pub, nil
}

// Fingerprint returns the lowercase hex SHA-256 of a DER-encoded public key.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
