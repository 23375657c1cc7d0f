// Package crypt decrypts AES-128 HLS segments.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/snapetech/hlsfetch/internal/hls"
)

// ErrUnsupportedMethod is returned for SAMPLE-AES, which needs per-sample decryption inside the container.
var ErrUnsupportedMethod = errors.New("crypt: unsupported encryption method")

// DecryptError reports a segment that could not be decrypted. Index is -2 when not tied to a segment.
type DecryptError struct {
	Index int
	Err   error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("crypt: segment %d: %v", e.Index, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// DecryptAES128CBC decrypts data with key and iv and strips PKCS#7 padding.
func DecryptAES128CBC(data, key, iv []byte) ([]byte, error) {
	if len(key) != aes.BlockSize {
		return nil, &DecryptError{Index: -2, Err: fmt.Errorf("key is %d bytes", len(key))}
	}
	if len(iv) != aes.BlockSize {
		return nil, &DecryptError{Index: -2, Err: fmt.Errorf("iv is %d bytes", len(iv))}
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, &DecryptError{Index: -2, Err: fmt.Errorf("ciphertext length %d is not a positive multiple of %d", len(data), aes.BlockSize)}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &DecryptError{Index: -2, Err: err}
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	n, err := unpad(out)
	if err != nil {
		return nil, &DecryptError{Index: -2, Err: err}
	}
	return out[:n], nil
}

func unpad(b []byte) (int, error) {
	p := int(b[len(b)-1])
	if p == 0 || p > aes.BlockSize || p > len(b) {
		return 0, errors.New("invalid PKCS#7 padding")
	}
	for _, c := range b[len(b)-p:] {
		if int(c) != p {
			return 0, errors.New("invalid PKCS#7 padding")
		}
	}
	return len(b) - p, nil
}

// ParseIV decodes a 0x-prefixed or bare 32-digit hex IV.
func ParseIV(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if len(s) != 2*aes.BlockSize {
		return nil, fmt.Errorf("crypt: iv %q: want %d hex digits", s, 2*aes.BlockSize)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("crypt: iv: %w", err)
	}
	return b, nil
}

// SequenceIV is the IV implied by a media sequence number: 16 bytes, big-endian, zero-padded on the left.
func SequenceIV(seq int) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], uint64(seq))
	return iv
}

// Decryptor turns downloaded segment bytes into clear media for one playlist.
type Decryptor struct {
	Method        hls.EncryptionMethod
	Key           []byte
	IV            []byte // from the playlist; nil when absent
	MediaSequence int
	// DeriveIV ignores IV and always uses SequenceIV(MediaSequence+index).
	DeriveIV bool
}

// NewDecryptor builds a Decryptor from a parsed playlist and its loaded key.
func NewDecryptor(pl *hls.Playlist, key []byte, deriveIV bool) (*Decryptor, error) {
	d := &Decryptor{Method: pl.Method, Key: key, MediaSequence: pl.MediaSequence, DeriveIV: deriveIV}
	if pl.Method == hls.MethodSampleAES {
		return nil, &DecryptError{Index: -2, Err: ErrUnsupportedMethod}
	}
	if pl.IV != "" && !deriveIV {
		iv, err := ParseIV(pl.IV)
		if err != nil {
			return nil, &DecryptError{Index: -2, Err: err}
		}
		d.IV = iv
	}
	return d, nil
}

// IVFor returns the IV for the segment at index (0-based within the playlist).
func (d *Decryptor) IVFor(index int) []byte {
	if d.IV != nil && !d.DeriveIV {
		return d.IV
	}
	return SequenceIV(d.MediaSequence + index)
}

// Decrypt returns clear bytes for the segment at index.
func (d *Decryptor) Decrypt(index int, data []byte) ([]byte, error) {
	switch d.Method {
	case hls.MethodNone:
		return data, nil
	case hls.MethodAES128:
		out, err := DecryptAES128CBC(data, d.Key, d.IVFor(index))
		if err != nil {
			var de *DecryptError
			if errors.As(err, &de) {
				de.Index = index
				return nil, de
			}
			return nil, &DecryptError{Index: index, Err: err}
		}
		return out, nil
	case hls.MethodSampleAES:
		return nil, &DecryptError{Index: index, Err: ErrUnsupportedMethod}
	default:
		return nil, &DecryptError{Index: index, Err: fmt.Errorf("%w: %v", ErrUnsupportedMethod, d.Method)}
	}
}
