package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/canopy/pkg/domain"
	"github.com/aretw0/canopy/pkg/ports"
)

// envelopeField is the single key left in a sealed checkpoint's state map.
const envelopeField = "__encrypted__"

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new checkpoints.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys is a list of old keys to try when decryption with the
	// active key fails. This enables zero-downtime key rotation.
	FallbackKeys [][]byte
}

type encryptionMiddleware struct {
	next   ports.CheckpointStore
	config EncryptionConfig
}

// NewEncryption creates a middleware that encrypts checkpoint state at rest
// using AES-GCM. Run content lives in the state document, so only that field
// is sealed; step, status, cursor and history stay readable for indexing
// and monitoring.
func NewEncryption(config EncryptionConfig) Middleware {
	if len(config.ActiveKey) != 32 {
		panic("active key must be 32 bytes (AES-256)")
	}
	return func(next ports.CheckpointStore) ports.CheckpointStore {
		return &encryptionMiddleware{
			next:   next,
			config: config,
		}
	}
}

func (m *encryptionMiddleware) Save(ctx context.Context, ckpt *domain.Checkpoint) error {
	plaintext, err := json.Marshal(ckpt.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	ciphertext, err := encrypt(plaintext, m.config.ActiveKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	sealed := ckpt.Clone()
	sealed.State = map[string]any{
		envelopeField: base64.StdEncoding.EncodeToString(ciphertext),
	}
	return m.next.Save(ctx, sealed)
}

func (m *encryptionMiddleware) Latest(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	ckpt, err := m.next.Latest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.open(ckpt)
}

func (m *encryptionMiddleware) Step(ctx context.Context, sessionID string, step int) (*domain.Checkpoint, error) {
	ckpt, err := m.next.Step(ctx, sessionID, step)
	if err != nil {
		return nil, err
	}
	return m.open(ckpt)
}

// open unseals the state envelope. A record without one fails secure: once
// encryption is configured, a plaintext checkpoint is treated as corruption
// rather than silently passed through.
func (m *encryptionMiddleware) open(ckpt *domain.Checkpoint) (*domain.Checkpoint, error) {
	encoded, ok := ckpt.State[envelopeField].(string)
	if !ok {
		return nil, errors.New("checkpoint state is missing its encryption envelope")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}

	plaintext, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state: %w", err)
	}

	var state map[string]any
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decrypted state: %w", err)
	}
	ckpt.State = state
	return ckpt, nil
}

func (m *encryptionMiddleware) Steps(ctx context.Context, sessionID string) ([]int, error) {
	return m.next.Steps(ctx, sessionID)
}

func (m *encryptionMiddleware) Sessions(ctx context.Context) ([]string, error) {
	return m.next.Sessions(ctx)
}

func (m *encryptionMiddleware) Delete(ctx context.Context, sessionID string) error {
	return m.next.Delete(ctx, sessionID)
}

// Helpers

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}

	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}

	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	rest := ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, rest, nil)
}
