// Package blockcipher implements the project's from-scratch 128-bit block
// cipher: a 10-round substitution–permutation network over a 4×4 byte state,
// with PKCS#7-style padding for arbitrary-length inputs.
//
// Multi-block inputs are processed block-independently, with no chaining.
// This mirrors the behavior of the data already produced by existing
// deployments: at-rest message history and wire payloads are only readable
// if every block is decryptable in isolation. Changing the mode would break
// that compatibility, so it is deliberately left as is.
package blockcipher

import (
	"fmt"

	"github.com/dmitrijs2005/cipherchat/internal/common"
)

const (
	// BlockSize is the cipher block size in bytes.
	BlockSize = 16
	// KeySize is the required key length in bytes.
	KeySize = 16

	rounds = 10
)

// Cipher holds the expanded key schedule for one 128-bit key.
type Cipher struct {
	roundKeys [rounds + 1][BlockSize]byte
}

// New expands key into the per-round subkeys and returns a ready Cipher.
// The key must be exactly KeySize bytes.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("blockcipher: key must be %d bytes, got %d", KeySize, len(key))
	}
	c := &Cipher{}
	c.expandKey(key)
	return c, nil
}

// expandKey derives the 11 round subkeys: the last column of the previous
// subkey is rotated, substituted and XORed with a round constant, then
// cascaded through the remaining columns by XOR.
func (c *Cipher) expandKey(key []byte) {
	copy(c.roundKeys[0][:], key)

	for r := 1; r <= rounds; r++ {
		prev := &c.roundKeys[r-1]

		// transform the previous subkey's final column
		var col [4]byte
		col[0] = sbox[prev[13]] ^ rcon[r-1]
		col[1] = sbox[prev[14]]
		col[2] = sbox[prev[15]]
		col[3] = sbox[prev[12]]

		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				col[j] ^= prev[4*i+j]
				c.roundKeys[r][4*i+j] = col[j]
			}
		}
	}
}

// gfMult multiplies a and b in GF(2^8) modulo the field polynomial 0x11b.
func gfMult(a, b byte) byte {
	var result byte
	aa := int(a)
	for i := 0; i < 8; i++ {
		if b&1 == 1 {
			result ^= byte(aa)
		}
		carry := aa & 0x80
		aa = (aa << 1) & 0xff
		if carry != 0 {
			aa ^= 0x1b
		}
		b >>= 1
	}
	return result
}

func (c *Cipher) addRoundKey(s *[BlockSize]byte, round int) {
	for i := 0; i < BlockSize; i++ {
		s[i] ^= c.roundKeys[round][i]
	}
}

func subBytes(s *[BlockSize]byte) {
	for i := range s {
		s[i] = sbox[s[i]]
	}
}

func invSubBytes(s *[BlockSize]byte) {
	for i := range s {
		s[i] = invSbox[s[i]]
	}
}

// shiftRows rotates row r of the state left by r positions. The state is
// laid out column-major: s[4*c+r] is row r of column c.
func shiftRows(s *[BlockSize]byte) {
	var t [BlockSize]byte
	for r := 0; r < 4; r++ {
		for col := 0; col < 4; col++ {
			t[4*col+r] = s[4*((col+r)%4)+r]
		}
	}
	*s = t
}

func invShiftRows(s *[BlockSize]byte) {
	var t [BlockSize]byte
	for r := 0; r < 4; r++ {
		for col := 0; col < 4; col++ {
			t[4*((col+r)%4)+r] = s[4*col+r]
		}
	}
	*s = t
}

// column mixing matrices (Galois-field matrix multiplication per column)
var mixMatrix = [4][4]byte{
	{0x02, 0x03, 0x01, 0x01},
	{0x01, 0x02, 0x03, 0x01},
	{0x01, 0x01, 0x02, 0x03},
	{0x03, 0x01, 0x01, 0x02},
}

var invMixMatrix = [4][4]byte{
	{0x0e, 0x0b, 0x0d, 0x09},
	{0x09, 0x0e, 0x0b, 0x0d},
	{0x0d, 0x09, 0x0e, 0x0b},
	{0x0b, 0x0d, 0x09, 0x0e},
}

func mixColumns(s *[BlockSize]byte, m *[4][4]byte) {
	var t [BlockSize]byte
	for col := 0; col < 4; col++ {
		for j := 0; j < 4; j++ {
			var v byte
			for k := 0; k < 4; k++ {
				v ^= gfMult(s[4*col+k], m[j][k])
			}
			t[4*col+j] = v
		}
	}
	*s = t
}

// EncryptBlock encrypts exactly one BlockSize block from src into dst.
// dst and src may overlap.
func (c *Cipher) EncryptBlock(dst, src []byte) {
	var s [BlockSize]byte
	copy(s[:], src)

	c.addRoundKey(&s, 0)
	for round := 1; round < rounds; round++ {
		subBytes(&s)
		shiftRows(&s)
		mixColumns(&s, &mixMatrix)
		c.addRoundKey(&s, round)
	}
	subBytes(&s)
	shiftRows(&s)
	c.addRoundKey(&s, rounds)

	copy(dst, s[:])
}

// DecryptBlock decrypts exactly one BlockSize block from src into dst.
func (c *Cipher) DecryptBlock(dst, src []byte) {
	var s [BlockSize]byte
	copy(s[:], src)

	c.addRoundKey(&s, rounds)
	invShiftRows(&s)
	invSubBytes(&s)
	for round := rounds - 1; round >= 1; round-- {
		c.addRoundKey(&s, round)
		mixColumns(&s, &invMixMatrix)
		invShiftRows(&s)
		invSubBytes(&s)
	}
	c.addRoundKey(&s, 0)

	copy(dst, s[:])
}

// pad appends PKCS#7-style padding: the pad byte value equals the pad
// length, so it is always 1..BlockSize bytes and unambiguously removable.
func pad(data []byte) []byte {
	n := BlockSize - len(data)%BlockSize
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	for i := 0; i < n; i++ {
		out = append(out, byte(n))
	}
	return out
}

// unpad strips the padding by reading the trailing byte as the count.
func unpad(data []byte) ([]byte, error) {
	n := int(data[len(data)-1])
	if n < 1 || n > BlockSize || n > len(data) {
		return nil, common.ErrInvalidPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, common.ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}

// Encrypt pads data to a multiple of BlockSize and encrypts each block
// independently under key.
func Encrypt(data, key []byte) ([]byte, error) {
	c, err := New(key)
	if err != nil {
		return nil, err
	}
	padded := pad(data)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += BlockSize {
		c.EncryptBlock(out[i:i+BlockSize], padded[i:i+BlockSize])
	}
	return out, nil
}

// Decrypt decrypts data under key and removes the padding. A ciphertext
// whose length is zero or not a multiple of BlockSize is rejected with
// common.ErrInvalidCiphertextLength.
func Decrypt(data, key []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%BlockSize != 0 {
		return nil, common.ErrInvalidCiphertextLength
	}
	c, err := New(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += BlockSize {
		c.DecryptBlock(out[i:i+BlockSize], data[i:i+BlockSize])
	}
	return unpad(out)
}
