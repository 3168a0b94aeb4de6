package kis

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/scrypt"
)

// tokenCache persists the broker token (never the credentials) to a local
// file so restarts reuse a still-valid token. When an encryption key is
// configured the file is AES-GCM sealed with an scrypt-derived key;
// otherwise it is stored as plain JSON with restrictive permissions.
type tokenCache struct {
	path          string
	encryptionKey string
}

type cachedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sealedFile struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

func newTokenCache(path, encryptionKey string) *tokenCache {
	return &tokenCache{path: path, encryptionKey: encryptionKey}
}

func (c *tokenCache) save(token string, expiresAt time.Time) error {
	plain, err := json.Marshal(cachedToken{Token: token, ExpiresAt: expiresAt})
	if err != nil {
		return err
	}

	data := plain
	if c.encryptionKey != "" {
		data, err = c.seal(plain)
		if err != nil {
			return fmt.Errorf("seal token cache: %w", err)
		}
	}
	return os.WriteFile(c.path, data, 0600)
}

func (c *tokenCache) load() (string, time.Time, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return "", time.Time{}, err
	}

	if c.encryptionKey != "" {
		data, err = c.open(data)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("open token cache: %w", err)
		}
	}

	var ct cachedToken
	if err := json.Unmarshal(data, &ct); err != nil {
		return "", time.Time{}, err
	}
	if ct.Token == "" {
		return "", time.Time{}, fmt.Errorf("empty token in cache file")
	}
	return ct.Token, ct.ExpiresAt, nil
}

func (c *tokenCache) seal(plain []byte) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	sealed := sealedFile{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plain, nil)),
	}
	return json.Marshal(sealed)
}

func (c *tokenCache) open(data []byte) ([]byte, error) {
	var sealed sealedFile
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(sealed.Salt)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return nil, err
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (c *tokenCache) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(c.encryptionKey), salt, 32768, 8, 1, 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
