package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotSealed marks a value that is not an envelope at all, as opposed to an
// envelope that fails to decrypt.
var ErrNotSealed = errors.New("value is not a sealed envelope")

type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Sealer encrypts secrets with the current key and decrypts with any known key,
// so keys can be rotated without rewriting stored data up front.
type Sealer struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewSealer(currentKeyID string, keys map[string][]byte) (*Sealer, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		cp[id] = append([]byte(nil), key...)
	}
	return &Sealer{currentKeyID: currentKeyID, keys: cp}, nil
}

// ParseKeys builds the key set from a JSON object of id -> base64 key plus an
// optional single key registered under currentID (or "default").
func ParseKeys(keysJSON, singleB64, currentID string) (string, map[string][]byte, error) {
	keysB64 := map[string]string{}
	if raw := strings.TrimSpace(keysJSON); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return "", nil, fmt.Errorf("parse master keys json: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}
	if singleB64 = strings.TrimSpace(singleB64); singleB64 != "" {
		if currentID == "" {
			currentID = "default"
		}
		keysB64[currentID] = singleB64
	}
	if len(keysB64) == 0 {
		return "", nil, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return "", nil, fmt.Errorf("decode master key %q: %w", id, err)
		}
		keys[id] = raw
	}
	if currentID == "" {
		if len(keys) > 1 {
			return "", nil, fmt.Errorf("current key id is required when several keys are configured")
		}
		for id := range keys {
			currentID = id
		}
	}
	return currentID, keys, nil
}

func (s *Sealer) aead(keyID string) (cipher.AEAD, error) {
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

func (s *Sealer) Encrypt(plaintext []byte) (Envelope, error) {
	aead, err := s.aead(s.currentKeyID)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	return Envelope{
		KeyID:      s.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
	}, nil
}

func (s *Sealer) Decrypt(env Envelope) ([]byte, error) {
	aead, err := s.aead(env.KeyID)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Seal returns the JSON envelope for value. Empty values stay empty.
func (s *Sealer) Seal(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	env, err := s.Encrypt([]byte(value))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

// Open reverses Seal. A value that is not an envelope yields ErrNotSealed.
func (s *Sealer) Open(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.KeyID == "" || env.Ciphertext == "" {
		return "", ErrNotSealed
	}
	pt, err := s.Decrypt(env)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
