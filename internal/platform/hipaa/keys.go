package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
)

// ErrUnknownKeyVersion is returned when ciphertext names a key version the
// service no longer holds.
var ErrUnknownKeyVersion = errors.New("unknown key version")

// Ciphertext produced by KeyService is "v{version}:{base64(nonce|sealed)}".
const keyVersionPrefix = "v"

// KeyServiceConfig configures a KeyService.
type KeyServiceConfig struct {
	// MasterKey is a 64-character hex string (32 bytes). When empty, a random
	// key is generated and encrypted data does not survive a restart.
	MasterKey string
	// RotationInterval is the minimum age of the current data key before
	// RotateKeys derives a new one.
	RotationInterval time.Duration
	// RSABits sets the size of the generated RSA key pair. Defaults to 2048.
	RSABits int
}

// KeyService derives versioned AES-256-GCM data keys from a master key with
// HKDF and holds an RSA-OAEP key pair for key wrapping.
type KeyService struct {
	mu        sync.RWMutex
	master    []byte
	current   int
	ciphers   map[int]cipher.AEAD
	rotatedAt time.Time
	interval  time.Duration
	rsaKey    *rsa.PrivateKey
	now       func() time.Time
	logger    zerolog.Logger
	ephemeral bool
}

// KeyServiceOption configures a KeyService.
type KeyServiceOption func(*KeyService)

// WithKeyClock overrides the time source used for rotation decisions.
func WithKeyClock(now func() time.Time) KeyServiceOption {
	return func(k *KeyService) { k.now = now }
}

// NewKeyService creates a key service with data key version 1.
func NewKeyService(cfg KeyServiceConfig, logger zerolog.Logger, opts ...KeyServiceOption) (*KeyService, error) {
	k := &KeyService{
		ciphers:  make(map[int]cipher.AEAD),
		interval: cfg.RotationInterval,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("component", "key-service").Logger(),
	}
	for _, o := range opts {
		o(k)
	}

	if cfg.MasterKey == "" {
		k.master = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, k.master); err != nil {
			return nil, fmt.Errorf("key service: generate master key: %w", err)
		}
		k.ephemeral = true
		k.logger.Warn().Msg("HIPAA_ENCRYPTION_KEY is not set, using an ephemeral master key")
	} else {
		master, err := hex.DecodeString(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("key service: master key is not valid hex: %w", err)
		}
		if len(master) != 32 {
			return nil, fmt.Errorf("key service: master key must be 32 bytes, got %d", len(master))
		}
		k.master = master
	}

	bits := cfg.RSABits
	if bits == 0 {
		bits = 2048
	}
	rsaKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("key service: generate rsa key: %w", err)
	}
	k.rsaKey = rsaKey

	if err := k.addVersion(1); err != nil {
		return nil, err
	}
	k.current = 1
	k.rotatedAt = k.now()
	return k, nil
}

func (k *KeyService) addVersion(version int) error {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, k.master, nil, []byte("phi-data-key-v"+strconv.Itoa(version)))
	if _, err := io.ReadFull(r, key); err != nil {
		return fmt.Errorf("key service: derive v%d: %w", version, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("key service: create cipher v%d: %w", version, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("key service: create GCM v%d: %w", version, err)
	}
	k.ciphers[version] = aead
	return nil
}

// Ephemeral reports whether the master key was generated at startup.
func (k *KeyService) Ephemeral() bool {
	return k.ephemeral
}

// CurrentVersion returns the data key version used for new ciphertext.
func (k *KeyService) CurrentVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// EncryptWithAES seals plaintext with the current data key.
func (k *KeyService) EncryptWithAES(plaintext string) (string, error) {
	k.mu.RLock()
	version := k.current
	aead := k.ciphers[version]
	k.mu.RUnlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("aes encrypt: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return keyVersionPrefix + strconv.Itoa(version) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptWithAES opens ciphertext produced by EncryptWithAES under any key
// version the service still holds.
func (k *KeyService) DecryptWithAES(ciphertext string) (string, error) {
	version, payload, err := parseVersioned(ciphertext)
	if err != nil {
		return "", fmt.Errorf("aes decrypt: %w", err)
	}

	k.mu.RLock()
	aead, ok := k.ciphers[version]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("aes decrypt: %w: v%d", ErrUnknownKeyVersion, version)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("aes decrypt: base64 decode: %w", err)
	}
	if len(data) < aead.NonceSize() {
		return "", fmt.Errorf("aes decrypt: ciphertext too short")
	}
	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("aes decrypt: %w", err)
	}
	return string(plain), nil
}

// EncryptWithRSA encrypts a short payload (such as a wrapped data key) with
// RSA-OAEP-SHA256.
func (k *KeyService) EncryptWithRSA(plaintext []byte) ([]byte, error) {
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &k.rsaKey.PublicKey, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa encrypt: %w", err)
	}
	return out, nil
}

// DecryptWithRSA reverses EncryptWithRSA.
func (k *KeyService) DecryptWithRSA(ciphertext []byte) ([]byte, error) {
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.rsaKey, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa decrypt: %w", err)
	}
	return out, nil
}

// RotateKeys derives the next data key version when the current one is older
// than the rotation interval, or unconditionally when force is set. Earlier
// versions stay available for decryption. It reports whether a rotation
// happened.
func (k *KeyService) RotateKeys(force bool) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if !force && (k.interval <= 0 || now.Sub(k.rotatedAt) < k.interval) {
		return false, nil
	}

	next := k.current + 1
	if err := k.addVersion(next); err != nil {
		return false, err
	}
	k.current = next
	k.rotatedAt = now
	k.logger.Info().Int("version", next).Msg("data key rotated")
	return true, nil
}

// NeedsReEncryption reports whether ciphertext was sealed with an older key.
func (k *KeyService) NeedsReEncryption(ciphertext string) bool {
	version, _, err := parseVersioned(ciphertext)
	if err != nil {
		return true
	}
	return version != k.CurrentVersion()
}

func parseVersioned(s string) (int, string, error) {
	if !strings.HasPrefix(s, keyVersionPrefix) {
		return 0, "", fmt.Errorf("no version prefix")
	}
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return 0, "", fmt.Errorf("no version separator")
	}
	version, err := strconv.Atoi(s[len(keyVersionPrefix):idx])
	if err != nil {
		return 0, "", fmt.Errorf("invalid version: %w", err)
	}
	return version, s[idx+1:], nil
}
