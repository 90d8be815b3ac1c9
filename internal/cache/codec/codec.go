// Package codec turns payloads into their stored form according to a category policy:
// zstd compression first, then AES-GCM sealing.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"github.com/Borislavv/go-ash-tiers/internal/cache/db/model"
	"github.com/klauspost/compress/zstd"
)

var (
	ErrNoCipher    = errors.New("encryption requested but no key configured")
	ErrShortSealed = errors.New("sealed payload is shorter than nonce")
)

type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	aead    cipher.AEAD // nil when no key is configured
}

// New builds a codec. key may be nil; encryption then fails with ErrNoCipher.
func New(key []byte) (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	c := &Codec{encoder: encoder, decoder: decoder}
	if len(key) > 0 {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create aes cipher: %w", err)
		}
		if c.aead, err = cipher.NewGCM(block); err != nil {
			return nil, fmt.Errorf("create gcm: %w", err)
		}
	}
	return c, nil
}

// Encode returns the stored form of data and the flags describing it.
// Compression is kept only when it actually shrinks the payload.
func (c *Codec) Encode(data []byte, compress, encrypt bool) (stored []byte, flags model.Flags, err error) {
	stored = data
	if compress {
		if packed := c.encoder.EncodeAll(data, make([]byte, 0, len(data))); len(packed) < len(data) {
			stored = packed
			flags |= model.FlagCompressed
		}
	}
	if encrypt {
		if c.aead == nil {
			return nil, 0, ErrNoCipher
		}
		nonce := make([]byte, c.aead.NonceSize())
		if _, err = rand.Read(nonce); err != nil {
			return nil, 0, fmt.Errorf("read nonce: %w", err)
		}
		stored = c.aead.Seal(nonce, nonce, stored, nil)
		flags |= model.FlagEncrypted
	}
	if flags == 0 {
		// never alias caller memory
		stored = append([]byte(nil), data...)
	}
	return stored, flags, nil
}

// Decode reverses Encode.
func (c *Codec) Decode(stored []byte, flags model.Flags) ([]byte, error) {
	data := stored
	if flags.Has(model.FlagEncrypted) {
		if c.aead == nil {
			return nil, ErrNoCipher
		}
		n := c.aead.NonceSize()
		if len(data) < n {
			return nil, ErrShortSealed
		}
		opened, err := c.aead.Open(nil, data[:n], data[n:], nil)
		if err != nil {
			return nil, fmt.Errorf("open sealed payload: %w", err)
		}
		data = opened
	}
	if flags.Has(model.FlagCompressed) {
		plain, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return plain, nil
	}
	if !flags.Has(model.FlagEncrypted) {
		return append([]byte(nil), data...), nil
	}
	return data, nil
}

func (c *Codec) Close() error {
	c.decoder.Close()
	return c.encoder.Close()
}
