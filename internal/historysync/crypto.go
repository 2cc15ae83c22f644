package historysync

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/places-core/internal/places"
)

// encryptedPayload is the envelope stored in a record's payload field.
// HMAC is computed over the base64 ciphertext string.
type encryptedPayload struct {
	IV         string `json:"IV"`
	Ciphertext string `json:"ciphertext"`
	HMAC       string `json:"hmac"`
}

// seal encrypts plaintext with AES-256-CBC and returns the JSON envelope.
func seal(keys places.KeyBundle, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(keys.EncKey)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	ct := base64.StdEncoding.EncodeToString(ciphertext)
	env := encryptedPayload{
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: ct,
		HMAC:       hex.EncodeToString(mac(keys.HMACKey, ct)),
	}

	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	return string(out), nil
}

// open verifies and decrypts a JSON envelope.
func open(keys places.KeyBundle, payload string) ([]byte, error) {
	var env encryptedPayload
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	want, err := hex.DecodeString(env.HMAC)
	if err != nil {
		return nil, fmt.Errorf("%w: hmac: %v", ErrBadPayload, err)
	}
	if !hmac.Equal(want, mac(keys.HMACKey, env.Ciphertext)) {
		return nil, ErrBadHMAC
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: bad IV", ErrBadPayload)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrBadPayload)
	}

	block, err := aes.NewCipher(keys.EncKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext, aes.BlockSize)
}

func mac(key []byte, ciphertext string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(ciphertext))
	return h.Sum(nil)
}

// pad applies PKCS#7 padding.
func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrBadPayload)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrBadPayload)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrBadPayload)
		}
	}
	return b[:len(b)-n], nil
}
