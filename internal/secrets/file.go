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
)

var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// FileKeyring reads secrets from an AES-GCM encrypted JSON file, for local
// single-user deployments without a secrets service. The file is decrypted
// once at open; rotation means rewriting the file and restarting.
type FileKeyring struct {
	secrets map[string]string
}

func NewFileKeyring(path, passphrase string) (*FileKeyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyring file: %w", err)
	}

	plaintext, err := decrypt(passphrase, string(data))
	if err != nil {
		return nil, fmt.Errorf("decrypt keyring file: %w", err)
	}

	secrets := make(map[string]string)
	if err := json.Unmarshal([]byte(plaintext), &secrets); err != nil {
		return nil, fmt.Errorf("parse keyring file: %w", err)
	}

	return &FileKeyring{secrets: secrets}, nil
}

func (k *FileKeyring) Resolve(_ context.Context, name string) (string, error) {
	value, ok := k.secrets[name]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return value, nil
}

// WriteFile encrypts secrets to path. Used by the setup flow to create the
// keyring file a FileKeyring later opens.
func WriteFile(path, passphrase string, secrets map[string]string) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}

	ciphertext, err := encrypt(passphrase, string(plaintext))
	if err != nil {
		return fmt.Errorf("encrypt secrets: %w", err)
	}

	if err := os.WriteFile(path, []byte(ciphertext), 0600); err != nil {
		return fmt.Errorf("write keyring file: %w", err)
	}
	return nil
}

func deriveKey(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}

func encrypt(passphrase, plaintext string) (string, error) {
	block, err := aes.NewCipher(deriveKey(passphrase))
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decrypt(passphrase, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(deriveKey(passphrase))
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
