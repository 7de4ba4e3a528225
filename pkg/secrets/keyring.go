// Package secrets resolves connector credential references so workspace
// source configs never embed credentials. A reference names where the
// material lives (environment, sealed file); sealed material is encrypted
// with a per-workspace key derived from one master key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// keySize is the AES-256 key length in bytes.
const keySize = 32

// kdfInfo namespaces the derivation so the same master key can serve
// other purposes later without key reuse.
const kdfInfo = "gantry-workspace-secrets"

// Keyring derives per-workspace encryption keys from a master key with
// HKDF-SHA256. The same master key and workspace id always yield the same
// workspace key, so sealed values survive restarts.
type Keyring struct {
	master []byte
}

// NewKeyring builds a keyring from hex-encoded master key material. The
// decoded key must be 32 bytes.
func NewKeyring(masterHex string) (*Keyring, error) {
	if masterHex == "" {
		return nil, fmt.Errorf("master key is empty")
	}
	master, err := hex.DecodeString(masterHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not hex: %w", err)
	}
	if len(master) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(master))
	}
	return &Keyring{master: master}, nil
}

// GenerateMasterKey returns fresh hex-encoded master key material.
func GenerateMasterKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// DeriveKey returns the 32-byte key for a workspace.
func (k *Keyring) DeriveKey(workspaceID string) ([]byte, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace id is empty")
	}
	r := hkdf.New(sha256.New, k.master, []byte(kdfInfo), []byte(workspaceID))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key for workspace %s: %w", workspaceID, err)
	}
	return key, nil
}

// Seal encrypts plaintext under the workspace key with AES-256-GCM and
// returns base64(nonce || ciphertext).
func (k *Keyring) Seal(workspaceID string, plaintext []byte) (string, error) {
	key, err := k.DeriveKey(workspaceID)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("seal: generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts material produced by Seal for the same workspace.
func (k *Keyring) Open(workspaceID, sealed string) ([]byte, error) {
	key, err := k.DeriveKey(workspaceID)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("open: decode base64: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("open: sealed value too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return plaintext, nil
}
