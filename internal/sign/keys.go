package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// GenerateKey creates a new Ed25519 signing key.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	return priv, err
}

// PublicKeyHex returns the hex-encoded public half of key.
func PublicKeyHex(key ed25519.PrivateKey) string {
	return hex.EncodeToString(key.Public().(ed25519.PublicKey))
}

// EncryptedKeyFile is the on-disk format for the signer key.
type EncryptedKeyFile struct {
	Version    int       `json:"version"`
	Algorithm  string    `json:"algorithm"`
	KDF        string    `json:"kdf"`
	KDFParams  KDFParams `json:"kdf_params"`
	PublicKey  string    `json:"public_key"`
	Nonce      string    `json:"nonce"`
	Ciphertext string    `json:"ciphertext"`
}

// KDFParams holds Argon2id parameters.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
	Salt    string `json:"salt"`
}

// DefaultKDFParams returns the Argon2id parameters used for new key files.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Time:    3,
		Memory:  64 * 1024,
		Threads: 4,
	}
}

// EncryptPrivateKey seals key with a passphrase-derived XChaCha20-Poly1305 key.
func EncryptPrivateKey(key ed25519.PrivateKey, passphrase []byte, params KDFParams) (*EncryptedKeyFile, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	params.Salt = base64.StdEncoding.EncodeToString(salt)

	derived := argon2.IDKey(passphrase, salt, params.Time, params.Memory, params.Threads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, []byte(key), nil)
	return &EncryptedKeyFile{
		Version:    1,
		Algorithm:  "xchacha20-poly1305",
		KDF:        "argon2id",
		KDFParams:  params,
		PublicKey:  PublicKeyHex(key),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// DecryptPrivateKey opens an encrypted key file with passphrase.
func DecryptPrivateKey(ekf *EncryptedKeyFile, passphrase []byte) (ed25519.PrivateKey, error) {
	if ekf.Version != 1 {
		return nil, fmt.Errorf("unsupported key file version: %d", ekf.Version)
	}
	if ekf.Algorithm != "xchacha20-poly1305" {
		return nil, fmt.Errorf("unsupported algorithm: %s", ekf.Algorithm)
	}
	if ekf.KDF != "argon2id" {
		return nil, fmt.Errorf("unsupported KDF: %s", ekf.KDF)
	}

	salt, err := base64.StdEncoding.DecodeString(ekf.KDFParams.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	derived := argon2.IDKey(passphrase, salt, ekf.KDFParams.Time, ekf.KDFParams.Memory, ekf.KDFParams.Threads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(ekf.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ekf.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w (wrong passphrase?)", err)
	}
	if len(plaintext) != ed25519.PrivateKeySize {
		return nil, errors.New("decrypted key has wrong size")
	}
	return ed25519.PrivateKey(plaintext), nil
}

// SaveKeyFile encrypts key and writes it to path with owner-only permissions.
func SaveKeyFile(path string, key ed25519.PrivateKey, passphrase []byte, params KDFParams) error {
	ekf, err := EncryptPrivateKey(key, passphrase, params)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(ekf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("key file already exists: %s", path)
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// LoadKeyFile reads and decrypts the key at path.
func LoadKeyFile(path string, passphrase []byte) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var ekf EncryptedKeyFile
	if err := json.Unmarshal(data, &ekf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	return DecryptPrivateKey(&ekf, passphrase)
}
