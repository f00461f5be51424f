package cdn

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

const (
	// KeySize is the AES-256 key length carried by a redirect.
	KeySize = 32
	// IVSize is the CTR initial counter block length.
	IVSize = aes.BlockSize
)

// Cipher applies AES-256-CTR at arbitrary block-aligned file offsets. The
// last four bytes of the IV are replaced by the big-endian block index
// offset/16, so any part can be processed independently.
type Cipher struct {
	block cipher.Block
	iv    [IVSize]byte
}

// NewCipher validates key material from a redirect.
func NewCipher(key, iv []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cdn key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("cdn iv must be %d bytes, got %d", IVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	c := &Cipher{block: block}
	copy(c.iv[:], iv)
	return c, nil
}

// XORKeyStream encrypts or decrypts src into dst starting at file offset.
// dst and src may overlap entirely.
func (c *Cipher) XORKeyStream(dst, src []byte, offset int64) error {
	if offset < 0 || offset%aes.BlockSize != 0 {
		return fmt.Errorf("cdn offset %d is not block aligned", offset)
	}
	iv := c.iv
	binary.BigEndian.PutUint32(iv[12:], uint32(offset/aes.BlockSize))
	cipher.NewCTR(c.block, iv[:]).XORKeyStream(dst, src)
	return nil
}
