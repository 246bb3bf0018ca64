// Package secrets provides AES-256-GCM blob encryption for the secret
// values handed to sandboxed workers. The master key lives in the OS
// keyring with a key-file fallback.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyFileName    = "master.key"
	keyringService = "coreclaw.secrets"
	keyringUser    = "master-key"
)

type encryptedBlob struct {
	Version    string `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Store keeps an encrypted map of named secrets on disk and hands out
// allow-listed subsets for worker stdin frames.
type Store struct {
	path string
}

// NewStore creates a secret store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, "secrets.json.enc")}
}

// Save encrypts and writes the full secret map.
func (s *Store) Save(values map[string]string) error {
	plain, err := json.Marshal(values)
	if err != nil {
		return err
	}
	blob, err := EncryptBlob(plain)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, blob, 0o600)
}

// Load decrypts the full secret map. A missing file is an empty map.
func (s *Store) Load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	plain, err := DecryptBlob(data)
	if err != nil {
		return nil, err
	}
	var values map[string]string
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("parse secret store: %w", err)
	}
	return values, nil
}

// AllowListed returns only the named keys. Unknown names are skipped.
func (s *Store) AllowListed(names []string) (map[string]string, error) {
	all, err := s.Load()
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, name := range names {
		if v, ok := all[name]; ok {
			out[name] = v
		}
	}
	clear(all)
	return out, nil
}

// EncryptBlob encrypts plain bytes using AES-256-GCM with the master key.
func EncryptBlob(plain []byte) ([]byte, error) {
	key, err := loadOrCreateMasterKey()
	if err != nil {
		return nil, err
	}
	return EncryptBlobWithKey(plain, key)
}

// EncryptBlobWithKey encrypts plain bytes using the given 32-byte key.
func EncryptBlobWithKey(plain, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, plain, nil)
	out := encryptedBlob{
		Version:    "v1",
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecryptBlob decrypts an encrypted blob using the master key.
func DecryptBlob(data []byte) ([]byte, error) {
	key, err := loadOrCreateMasterKey()
	if err != nil {
		return nil, err
	}
	return DecryptBlobWithKey(data, key)
}

// DecryptBlobWithKey decrypts an encrypted blob using the given key.
func DecryptBlobWithKey(data, key []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty encrypted blob")
	}
	var wrapped encryptedBlob
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse encrypted blob: %w", err)
	}
	if wrapped.Version != "v1" {
		return nil, fmt.Errorf("unsupported blob version: %s", wrapped.Version)
	}
	nonce, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(wrapped.Nonce))
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(wrapped.Ciphertext))
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// loadOrCreateMasterKey returns the 32-byte master key. Priority:
// OS keyring, then a key file under the user config dir.
func loadOrCreateMasterKey() ([]byte, error) {
	if encoded, err := keyring.Get(keyringService, keyringUser); err == nil {
		if key, decErr := decodeMasterKey(encoded); decErr == nil {
			return key, nil
		}
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	encoded := base64.RawStdEncoding.EncodeToString(key)
	if err := keyring.Set(keyringService, keyringUser, encoded); err == nil {
		return key, nil
	}
	return loadOrCreateKeyFile(key, encoded)
}

func loadOrCreateKeyFile(fresh []byte, freshEncoded string) ([]byte, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "coreclaw", keyFileName)
	if data, err := os.ReadFile(path); err == nil {
		return decodeMasterKey(string(data))
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(freshEncoded), 0o600); err != nil {
		return nil, err
	}
	return fresh, nil
}

func decodeMasterKey(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	decoded, err := base64.RawStdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, err
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("invalid master key length: %d", len(decoded))
	}
	return decoded, nil
}
