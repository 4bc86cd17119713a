// Package secrets decrypts integration credentials.
//
// Each customer's configs are sealed with a data key derived from the active
// master key via HKDF, so one customer's ciphertext never opens under another
// customer's identity. Master keys are versioned; old versions stay available
// for decryption after rotation.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
)

// ErrDecrypt is returned when a stored config cannot be opened.
var ErrDecrypt = errors.New("secrets: cannot decrypt integration config")

// Decrypter is the collaborator the pipeline uses to read integration credentials.
type Decrypter interface {
	DecryptConfig(ctx context.Context, in *compliance.Integration) (map[string]string, error)
}

// Keystore is the on-disk JSON format for persisted master keys.
type Keystore struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"` // version -> base64-encoded 32-byte key
}

// LocalKMS is a file-backed key manager using AES-256-GCM.
type LocalKMS struct {
	mu    sync.RWMutex
	store Keystore
	path  string // empty keeps keys in memory only
	keys  map[int][]byte
}

// NewLocalKMS loads or creates a keystore at the given path.
// If the file does not exist, a new key (version 1) is generated.
func NewLocalKMS(keystorePath string) (*LocalKMS, error) {
	k := &LocalKMS{path: keystorePath, keys: make(map[int][]byte)}

	if _, err := os.Stat(keystorePath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(keystorePath), 0700); err != nil {
			return nil, fmt.Errorf("kms: create dir: %w", err)
		}
		if err := k.generate(); err != nil {
			return nil, err
		}
		return k, nil
	}

	data, err := os.ReadFile(keystorePath) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("kms: read keystore: %w", err)
	}
	if err := json.Unmarshal(data, &k.store); err != nil {
		return nil, fmt.Errorf("kms: parse keystore: %w", err)
	}

	for vStr, encoded := range k.store.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("kms: invalid version %q: %w", vStr, err)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("kms: decode key v%d: %w", v, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("kms: key v%d invalid length %d (need 32)", v, len(key))
		}
		k.keys[v] = key
	}
	if _, ok := k.keys[k.store.ActiveVersion]; !ok {
		return nil, fmt.Errorf("kms: active version %d not in keystore", k.store.ActiveVersion)
	}
	return k, nil
}

// NewEphemeralKMS creates an in-memory manager with a fresh key.
func NewEphemeralKMS() (*LocalKMS, error) {
	k := &LocalKMS{keys: make(map[int][]byte)}
	if err := k.generate(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *LocalKMS) generate() error {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("kms: generate key: %w", err)
	}
	k.store = Keystore{
		ActiveVersion: 1,
		Keys:          map[string]string{"1": base64.StdEncoding.EncodeToString(key)},
	}
	k.keys[1] = key
	return k.persist()
}

// Rotate generates a new key version and persists the updated keystore.
func (k *LocalKMS) Rotate() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	newVersion := k.store.ActiveVersion + 1
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return 0, fmt.Errorf("kms: generate key: %w", err)
	}
	k.store.Keys[strconv.Itoa(newVersion)] = base64.StdEncoding.EncodeToString(key)
	k.store.ActiveVersion = newVersion
	k.keys[newVersion] = key

	if err := k.persist(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// ActiveVersion returns the current active key version.
func (k *LocalKMS) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.store.ActiveVersion
}

// Seal encrypts plaintext for a customer, returning "v<N>:<base64(nonce+ciphertext)>".
func (k *LocalKMS) Seal(customerID string, plaintext []byte) (string, error) {
	k.mu.RLock()
	version := k.store.ActiveVersion
	master := k.keys[version]
	k.mu.RUnlock()

	key, err := deriveKey(master, customerID)
	if err != nil {
		return "", err
	}
	ct, err := aesGCMEncrypt(key, plaintext, []byte(customerID))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d:%s", version, base64.StdEncoding.EncodeToString(ct)), nil
}

// Open decrypts ciphertext produced by Seal for the same customer.
func (k *LocalKMS) Open(customerID, ciphertext string) ([]byte, error) {
	version, payload, err := parseVersioned(ciphertext)
	if err != nil {
		return nil, err
	}

	k.mu.RLock()
	master, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kms: unknown key version %d", version)
	}

	ct, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("kms: decode ciphertext: %w", err)
	}
	key, err := deriveKey(master, customerID)
	if err != nil {
		return nil, err
	}
	return aesGCMDecrypt(key, ct, []byte(customerID))
}

// SealConfig encrypts an integration config map for storage.
func (k *LocalKMS) SealConfig(customerID string, cfg map[string]string) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("kms: marshal config: %w", err)
	}
	return k.Seal(customerID, raw)
}

// DecryptConfig opens an integration's stored config. An empty config yields an empty map.
func (k *LocalKMS) DecryptConfig(_ context.Context, in *compliance.Integration) (map[string]string, error) {
	cfg := map[string]string{}
	if in.EncryptedConfig == "" {
		return cfg, nil
	}
	raw, err := k.Open(in.CustomerID, in.EncryptedConfig)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrDecrypt, in.ID, err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrDecrypt, in.ID, err)
	}
	return cfg, nil
}

// persist writes the keystore to disk with restricted permissions.
func (k *LocalKMS) persist() error {
	if k.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(k.store, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keystore: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0600); err != nil {
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	return nil
}

func deriveKey(master []byte, customerID string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte("assure/integration-config/"+customerID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("kms: derive key: %w", err)
	}
	return key, nil
}

// --- AES-256-GCM helpers ---

func aesGCMEncrypt(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("kms: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func aesGCMDecrypt(key, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("kms: ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, aad)
}

// parseVersioned splits "v<N>:<payload>" into (N, payload).
func parseVersioned(s string) (int, string, error) {
	if !strings.HasPrefix(s, "v") {
		return 0, "", fmt.Errorf("kms: missing version prefix")
	}
	idx := strings.Index(s, ":")
	if idx < 2 {
		return 0, "", fmt.Errorf("kms: malformed versioned string")
	}
	v, err := strconv.Atoi(s[1:idx])
	if err != nil {
		return 0, "", fmt.Errorf("kms: parse version: %w", err)
	}
	return v, s[idx+1:], nil
}
