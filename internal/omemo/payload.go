package omemo

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/prose-im/prose-core-client-sub004/internal/messages"
)

// sealPayload AES-128-GCM-encrypts plaintext under a freshly generated
// 16-byte key and 12-byte IV, per spec §4.5. It returns the ciphertext (tag
// stripped) and the key||tag 32-byte material that gets wrapped separately
// per recipient device, matching the wire shape §4.5 describes.
func sealPayload(plaintext []byte) (ciphertext []byte, iv []byte, keyMaterial [32]byte, err error) {
	var key [16]byte
	if _, err = io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, nil, keyMaterial, fmt.Errorf("omemo: generating content key: %w", err)
	}
	iv = make([]byte, 12)
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, keyMaterial, fmt.Errorf("omemo: generating iv: %w", err)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, keyMaterial, fmt.Errorf("omemo: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, keyMaterial, fmt.Errorf("omemo: gcm: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext = sealed[:tagStart]
	tag := sealed[tagStart:]

	copy(keyMaterial[:16], key[:])
	copy(keyMaterial[16:], tag)
	return ciphertext, iv, keyMaterial, nil
}

// openPayload reverses sealPayload given the unwrapped (key, iv) and the
// reconstructed ciphertext||tag.
func openPayload(key []byte, iv []byte, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("omemo: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("omemo: gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("omemo: payload mac verification failed: %w", err)
	}
	return plaintext, nil
}

// Recipient is one destination device for EncryptMessage: an established
// or to-be-established session address, plus the device's bundle (nil if a
// session already exists and no bundle is needed).
type Recipient struct {
	Addr   Address
	Bundle *Bundle
}

// EncryptMessage implements spec §4.5's send path end to end: seal the
// plaintext body once under a random AES-128-GCM key, then wrap that
// 32-byte key material separately for every recipient device (including
// the sender's own other devices, which callers include in recipients).
func (e *Engine) EncryptMessage(plaintext string, recipients []Recipient) (messages.EncryptedPayload, error) {
	ciphertext, iv, keyMaterial, err := sealPayload([]byte(plaintext))
	if err != nil {
		return messages.EncryptedPayload{}, err
	}

	keys := make([]messages.EncryptionKey, 0, len(recipients))
	for _, r := range recipients {
		key, err := e.EncryptForRecipient(r.Addr, r.Bundle, keyMaterial)
		if err != nil {
			return messages.EncryptedPayload{}, fmt.Errorf("omemo: encrypting for device %d: %w", r.Addr.Device, err)
		}
		keys = append(keys, key)
	}

	return messages.EncryptedPayload{
		SenderDeviceId: e.Store.LocalDeviceId(),
		Keys:           keys,
		IV:             iv,
		Payload:        ciphertext,
	}, nil
}
