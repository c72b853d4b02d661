package wc

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
)

const keySize = 32

var errBadPayload = errors.New("bad encrypted payload")

// EncryptedPayload is the relay envelope: AES-256-CBC ciphertext, its IV and
// an HMAC-SHA256 over ciphertext||iv, all hex encoded.
type EncryptedPayload struct {
	Data string `json:"data"`
	HMAC string `json:"hmac"`
	IV   string `json:"iv"`
}

func Encrypt(key, plaintext []byte) (EncryptedPayload, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return EncryptedPayload{}, errors.Wrap(err, "iv")
	}
	return encryptWithIV(key, iv, plaintext)
}

func encryptWithIV(key, iv, plaintext []byte) (EncryptedPayload, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return EncryptedPayload{}, errors.Wrap(err, "cipher")
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	data := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(data, padded)

	return EncryptedPayload{
		Data: hex.EncodeToString(data),
		HMAC: hex.EncodeToString(payloadMAC(key, data, iv)),
		IV:   hex.EncodeToString(iv),
	}, nil
}

// Decrypt verifies the HMAC before touching the ciphertext.
func Decrypt(key []byte, p EncryptedPayload) ([]byte, error) {
	data, err := hex.DecodeString(p.Data)
	if err != nil {
		return nil, errors.Wrap(errBadPayload, "data")
	}
	iv, err := hex.DecodeString(p.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, errors.Wrap(errBadPayload, "iv")
	}
	mac, err := hex.DecodeString(p.HMAC)
	if err != nil || !hmac.Equal(mac, payloadMAC(key, data, iv)) {
		return nil, errors.Wrap(errBadPayload, "hmac mismatch")
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.Wrap(errBadPayload, "ciphertext length")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "cipher")
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)
	return pkcs7Unpad(plain, aes.BlockSize)
}

func payloadMAC(key, data, iv []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	m.Write(iv)
	return m.Sum(nil)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.Wrap(errBadPayload, "empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errors.Wrap(errBadPayload, "padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.Wrap(errBadPayload, "padding")
		}
	}
	return b[:len(b)-n], nil
}
