// Package crypto implements the vault's authenticated encryption.
//
// Records are sealed with AES-256-GCM under a versioned data key derived
// from the master key via HKDF-SHA256. The nonce is generated per record and
// prepended to the ciphertext. Key rotation introduces a new version; old
// versions stay readable until their records are rewritten.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// AlgorithmAESGCM is stamped on every sealed record.
	AlgorithmAESGCM = "aes-256-gcm"

	minMasterKeyLen = 32
	dataKeyLen      = 32

	hkdfSalt = "umbrix.credential-vault"
)

// SealedBlob is one encrypted payload plus the parameters needed to open it.
type SealedBlob struct {
	Ciphertext  []byte    `json:"ciphertext"` // nonce || sealed
	Algorithm   string    `json:"algorithm"`
	KeyVersion  int       `json:"keyVersion"`
	EncryptedAt time.Time `json:"encryptedAt"`
}

// Cipher seals and opens vault records. Safe for concurrent use.
type Cipher struct {
	mu            sync.RWMutex
	keys          map[int][]byte // version -> derived 32-byte data key
	activeVersion int
}

// NewCipher derives the v1 data key from the given master key.
func NewCipher(masterKey string) (*Cipher, error) {
	c := &Cipher{keys: make(map[int][]byte)}
	if err := c.AddKeyVersion(1, masterKey); err != nil {
		return nil, err
	}
	c.activeVersion = 1
	return c, nil
}

// NewCipherFromEnv builds a cipher from UMBRIX_MASTER_KEY plus any historical
// UMBRIX_MASTER_KEY_V<n> variables. The highest version becomes active.
func NewCipherFromEnv() (*Cipher, error) {
	c := &Cipher{keys: make(map[int][]byte)}

	versions := []int{}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if !strings.HasPrefix(name, "UMBRIX_MASTER_KEY_V") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, "UMBRIX_MASTER_KEY_V"))
		if err != nil || n < 1 {
			continue
		}
		if err := c.AddKeyVersion(n, value); err != nil {
			return nil, fmt.Errorf("master key v%d: %w", n, err)
		}
		versions = append(versions, n)
	}

	if base := os.Getenv("UMBRIX_MASTER_KEY"); base != "" {
		next := 1
		if len(versions) > 0 {
			sort.Ints(versions)
			next = versions[len(versions)-1] + 1
		}
		if err := c.AddKeyVersion(next, base); err != nil {
			return nil, fmt.Errorf("master key: %w", err)
		}
		versions = append(versions, next)
	}

	if len(versions) == 0 {
		return nil, fmt.Errorf("no master key configured (set UMBRIX_MASTER_KEY)")
	}
	sort.Ints(versions)
	c.activeVersion = versions[len(versions)-1]
	return c, nil
}

// AddKeyVersion derives and registers the data key for one version.
func (c *Cipher) AddKeyVersion(version int, masterKey string) error {
	if len(masterKey) < minMasterKeyLen {
		return fmt.Errorf("master key too short: need at least %d bytes, got %d", minMasterKeyLen, len(masterKey))
	}

	info := fmt.Sprintf("data-key-v%d", version)
	r := hkdf.New(sha256.New, []byte(masterKey), []byte(hkdfSalt), []byte(info))
	key := make([]byte, dataKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return fmt.Errorf("derive data key v%d: %w", version, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[version] = key
	if version > c.activeVersion {
		c.activeVersion = version
	}
	return nil
}

// ActiveVersion returns the version new records are sealed under.
func (c *Cipher) ActiveVersion() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeVersion
}

// Encrypt seals plaintext under the active key version.
func (c *Cipher) Encrypt(plaintext []byte) (*SealedBlob, error) {
	c.mu.RLock()
	version := c.activeVersion
	key := c.keys[version]
	c.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return &SealedBlob{
		Ciphertext:  sealed,
		Algorithm:   AlgorithmAESGCM,
		KeyVersion:  version,
		EncryptedAt: time.Now().UTC(),
	}, nil
}

// Decrypt opens a sealed blob using the key version it was written under.
func (c *Cipher) Decrypt(blob *SealedBlob) ([]byte, error) {
	if blob.Algorithm != AlgorithmAESGCM {
		return nil, fmt.Errorf("unsupported algorithm %q", blob.Algorithm)
	}

	c.mu.RLock()
	key, ok := c.keys[blob.KeyVersion]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no key registered for version %d", blob.KeyVersion)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob.Ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}

	nonce, sealed := blob.Ciphertext[:gcm.NonceSize()], blob.Ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptString seals a string and returns base64 for text columns.
func (c *Cipher) EncryptString(plaintext string) (string, *SealedBlob, error) {
	blob, err := c.Encrypt([]byte(plaintext))
	if err != nil {
		return "", nil, err
	}
	return base64.StdEncoding.EncodeToString(blob.Ciphertext), blob, nil
}

// DecryptString reverses EncryptString.
func (c *Cipher) DecryptString(encoded string, algorithm string, keyVersion int) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	plain, err := c.Decrypt(&SealedBlob{Ciphertext: raw, Algorithm: algorithm, KeyVersion: keyVersion})
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}

// IntegrityHash computes the tamper-evidence hash stored beside each record.
// Fields are length-prefixed before hashing so adjacent values cannot be
// reshuffled into a colliding concatenation.
func IntegrityHash(fields ...[]byte) string {
	h := sha256.New()
	var lenBuf [8]byte
	for _, f := range fields {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(f)))
		h.Write(lenBuf[:])
		h.Write(f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyIntegrity recomputes the hash and compares in constant length terms.
func VerifyIntegrity(expected string, fields ...[]byte) bool {
	return expected != "" && IntegrityHash(fields...) == expected
}
