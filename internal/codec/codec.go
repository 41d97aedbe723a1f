// Package codec turns session identifiers into opaque external handles.
//
// Handles are AES-256-CBC ciphertexts in the form ivHex:cipherHex with a fresh
// random IV per call. Holding a handle that decrypts is the only proof of
// authorization for the session behind it.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

// ErrDecode is returned when a handle cannot be decrypted.
var ErrDecode = errors.New("failed to decode handle")

// Codec encrypts and decrypts session handles with a single process-wide key.
type Codec struct {
	block cipher.Block
}

// New creates a codec from a 32 byte key.
func New(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &Codec{block: block}, nil
}

// LoadKey resolves the secret key from a file or an inline value.
// The file takes precedence; surrounding whitespace in the file is ignored.
func LoadKey(secret, secretFile string) ([]byte, error) {
	if secretFile != "" {
		data, err := os.ReadFile(secretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret key file: %w", err)
		}
		secret = strings.TrimSpace(string(data))
	}

	if secret == "" {
		return nil, errors.New("secret key is required (SECRET_KEY or SECRET_KEY_FILE)")
	}

	return []byte(secret), nil
}

// Encrypt returns ivHex:cipherHex for plaintext.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. All failures wrap ErrDecode.
func (c *Codec) Decrypt(handle string) (string, error) {
	ivHex, dataHex, ok := strings.Cut(handle, ":")
	if !ok {
		return "", fmt.Errorf("%w: missing separator", ErrDecode)
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", fmt.Errorf("%w: malformed iv: %v", ErrDecode, err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: iv must be %d bytes", ErrDecode, aes.BlockSize)
	}

	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext: %v", ErrDecode, err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext is not a whole number of blocks", ErrDecode)
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, data)

	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return string(plain), nil
}

// pad applies PKCS#7 padding.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("bad padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("bad padding")
		}
	}
	return data[:len(data)-n], nil
}
