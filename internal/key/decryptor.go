package key

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedMethod = errors.New("unable to decrypt cipher")
	ErrBlockLength       = errors.New("data must be padded to 16 byte boundary in CBC mode")
	ErrPaddingLength     = errors.New("padding is incorrect")
	ErrPaddingContent    = errors.New("PKCS#7 padding is incorrect")
)

// Decryptor decrypts AES-128-CBC payloads with PKCS#7 padding.
type Decryptor struct {
	block cipher.Block
	iv    []byte
}

// NewDecryptor builds a decryptor for method. A NONE method yields a nil decryptor and no error.
func NewDecryptor(method string, key, iv []byte) (*Decryptor, error) {
	switch strings.ToUpper(method) {
	case "NONE", "":
		return nil, nil
	case "AES-128":
	default:
		return nil, fmt.Errorf("%w %s", ErrUnsupportedMethod, method)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid IV length %d", len(iv))
	}

	return &Decryptor{block: block, iv: append([]byte(nil), iv...)}, nil
}

// SequenceIV derives the default IV from a media sequence number.
func SequenceIV(seq int64) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], uint64(seq))
	return iv
}

// Decrypt returns the unpadded plaintext. The input is not modified.
func (d *Decryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBlockLength
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(d.block, d.iv).CryptBlocks(plaintext, ciphertext)
	return unpad(plaintext)
}

func unpad(data []byte) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, ErrPaddingLength
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrPaddingContent
		}
	}
	return data[:len(data)-n], nil
}
