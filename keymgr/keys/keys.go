// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keys implements the X25519 public key value used to address
// peers, its textual encodings and the anonymous cryptobox envelope.
package keys

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/curve25519"

	"github.com/Nekotekina/TODOKANAI/serialize"
)

// Size is the size of a public or private key in bytes.
const Size = 32

// Overhead is the number of bytes a cryptobox adds to its plaintext:
// the ephemeral public key and the authentication tag.
const Overhead = Size + 16

// maxBoxSize is the plaintext size limit for a cryptobox.
const maxBoxSize = 1 << 28

var (
	// ErrBoxTooLarge is returned when a cryptobox plaintext exceeds
	// the size limit.
	ErrBoxTooLarge = errors.New("cryptobox payload too large")

	// ErrBoxInvalid is returned when a cryptobox fails to open. This
	// covers truncation, tampering and a wrong private key alike.
	ErrBoxInvalid = errors.New("cryptobox authentication failed")
)

// Base57 uses: numbers, latin uppercase without 'B', 'D', 'I', 'O',
// latin lowercase without 'l'.
const base57Palette = "0123456789ACEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// base57LUT maps a character back to its palette index; invalid
// characters map to 57.
var base57LUT [256]byte

func init() {
	for i := range base57LUT {
		base57LUT[i] = 57
	}
	for i := 0; i < len(base57Palette); i++ {
		base57LUT[base57Palette[i]] = byte(i)
	}
}

// PubKey is an X25519 public key. It is comparable and usable as a map
// key directly; ordering is lexicographic over the raw bytes.
type PubKey [Size]byte

// FromPrivate computes the public key of a private key by base-point
// multiplication.
func FromPrivate(priv *[Size]byte) (PubKey, error) {
	var key PubKey
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return key, err
	}
	copy(key[:], pub)
	return key, nil
}

// Shared computes the 64-byte shared secret for the key pair: X25519
// followed by SHA-512 over the raw shared point.
func (k *PubKey) Shared(priv *[Size]byte) ([]byte, error) {
	raw, err := curve25519.X25519(priv[:], k[:])
	if err != nil {
		return nil, err
	}
	sum := sha512.Sum512(raw)
	zero(raw)
	return sum[:], nil
}

// boxAEAD builds the AES-256-GCM instance for a cryptobox from a
// 64-byte shared secret. Only the first 32 bytes key the cipher.
func boxAEAD(shared []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(shared[:32])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plain into an anonymous cryptobox for the key's owner.
// The box is laid out as the ephemeral public key (32 bytes) followed
// by the ciphertext and a 16-byte tag. The nonce is all zero because
// the derived key is used exactly once; the ephemeral public key is
// bound as additional authenticated data. The result is
// len(plain)+48 bytes.
func (k *PubKey) Encrypt(plain []byte) ([]byte, error) {
	if len(plain) > maxBoxSize {
		return nil, ErrBoxTooLarge
	}

	var priv [Size]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, err
	}
	defer zero(priv[:])

	ephemeral, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := k.Shared(&priv)
	if err != nil {
		return nil, err
	}
	defer zero(shared)

	aead, err := boxAEAD(shared)
	if err != nil {
		return nil, err
	}

	var nonce [12]byte
	out := make([]byte, 0, len(plain)+Overhead)
	out = append(out, ephemeral...)
	return aead.Seal(out, nonce[:], plain, ephemeral), nil
}

// Decrypt opens a cryptobox with the recipient's private key and
// returns the plaintext.
func Decrypt(priv *[Size]byte, box []byte) ([]byte, error) {
	if len(box) < Overhead {
		return nil, ErrBoxInvalid
	}
	if len(box) > maxBoxSize+Overhead {
		return nil, ErrBoxTooLarge
	}

	var ephemeral PubKey
	copy(ephemeral[:], box[:Size])

	shared, err := ephemeral.Shared(priv)
	if err != nil {
		return nil, ErrBoxInvalid
	}
	defer zero(shared)

	aead, err := boxAEAD(shared)
	if err != nil {
		return nil, err
	}

	var nonce [12]byte
	plain, err := aead.Open(make([]byte, 0, len(box)-Overhead), nonce[:], box[Size:], box[:Size])
	if err != nil {
		return nil, ErrBoxInvalid
	}
	return plain, nil
}

// Hex returns the lowercase hexadecimal form of the key.
func (k *PubKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// Base57 returns the base-57 form of the key: each 8-byte big-endian
// block becomes exactly 11 characters, 44 characters total.
func (k *PubKey) Base57() string {
	var out [Size / 8 * 11]byte
	for i, p := 0, 0; i < Size; i, p = i+8, p+11 {
		value := beUint64(k[i : i+8])
		for j := 10; j >= 0; j-- {
			out[p+j] = base57Palette[value%57]
			value /= 57
		}
	}
	return string(out[:])
}

// SetBase57 sets the key from its base-57 form. It returns false
// without modifying the key when the string has the wrong length or
// contains a character outside the palette.
func (k *PubKey) SetBase57(s string) bool {
	if len(s) != Size/8*11 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if base57LUT[s[i]] >= 57 {
			return false
		}
	}

	for i, p := 0, 0; i < Size; i, p = i+8, p+11 {
		var value uint64
		for j := 0; j < 11; j++ {
			value = value*57 + uint64(base57LUT[s[p+j]])
		}
		putBeUint64(k[i:i+8], value)
	}
	return true
}

// Less reports whether the key orders before rhs.
func (k *PubKey) Less(rhs *PubKey) bool {
	return bytes.Compare(k[:], rhs[:]) < 0
}

// Serialize traverses the key as a fixed copy type.
func (k *PubKey) Serialize(c *serialize.Context) {
	c.Fixed(k[:])
}

func beUint64(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 |
		uint64(b[3])<<32 | uint64(b[4])<<24 | uint64(b[5])<<16 |
		uint64(b[6])<<8 | uint64(b[7])
}

func putBeUint64(b []byte, v uint64) {
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}

// zero wipes secret material in place.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
