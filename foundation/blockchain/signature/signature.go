// Package signature provides the hashing primitive that binds blocks
// together. SHA-256 is implemented from first principles (FIPS 180-4) so the
// cost of hashing in the mining loop is part of the simulation rather than
// hidden behind an optimized library call.
package signature

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ZeroHash represents a hash code of zeros, used as the previous hash of
// every genesis block.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Fractional parts of the cube roots of the first 64 primes.
var roundConstants = [64]uint32{
	0x428a2f98, 0x71374491, 0xb5c0fbcf, 0xe9b5dba5, 0x3956c25b, 0x59f111f1, 0x923f82a4, 0xab1c5ed5,
	0xd807aa98, 0x12835b01, 0x243185be, 0x550c7dc3, 0x72be5d74, 0x80deb1fe, 0x9bdc06a7, 0xc19bf174,
	0xe49b69c1, 0xefbe4786, 0x0fc19dc6, 0x240ca1cc, 0x2de92c6f, 0x4a7484aa, 0x5cb0a9dc, 0x76f988da,
	0x983e5152, 0xa831c66d, 0xb00327c8, 0xbf597fc7, 0xc6e00bf3, 0xd5a79147, 0x06ca6351, 0x14292967,
	0x27b70a85, 0x2e1b2138, 0x4d2c6dfc, 0x53380d13, 0x650a7354, 0x766a0abb, 0x81c2c92e, 0x92722c85,
	0xa2bfe8a1, 0xa81a664b, 0xc24b8b70, 0xc76c51a3, 0xd192e819, 0xd6990624, 0xf40e3585, 0x106aa070,
	0x19a4c116, 0x1e376c08, 0x2748774c, 0x34b0bcb5, 0x391c0cb3, 0x4ed8aa4a, 0x5b9cca4f, 0x682e6ff3,
	0x748f82ee, 0x78a5636f, 0x84c87814, 0x8cc70208, 0x90befffa, 0xa4506ceb, 0xbef9a3f7, 0xc67178f2,
}

// Hash returns the SHA-256 digest of data as 64 lowercase hex characters.
func Hash(data string) string {

	// Fractional parts of the square roots of the first 8 primes.
	digest := [8]uint32{0x6a09e667, 0xbb67ae85, 0x3c6ef372, 0xa54ff53a, 0x510e527f, 0x9b05688c, 0x1f83d9ab, 0x5be0cd19}

	// Pad the message to a multiple of 512 bits, then compress it in
	// 64-byte chunks.
	msg := pad([]byte(data))
	for i := 0; i < len(msg); i += 64 {
		process(msg[i:i+64], &digest)
	}

	var sb strings.Builder
	for _, v := range digest {
		fmt.Fprintf(&sb, "%08x", v)
	}
	return sb.String()
}

// pad appends a 1 bit, enough zero bits, and the original bit length so the
// padded message length is a multiple of 512 bits.
func pad(data []byte) []byte {
	bitLen := uint64(len(data)) * 8

	data = append(data, 0x80)
	for len(data)%64 != 56 {
		data = append(data, 0x00)
	}

	var length [8]byte
	binary.BigEndian.PutUint64(length[:], bitLen)
	return append(data, length[:]...)
}

func rightRotate(x uint32, n uint) uint32 {
	return x>>n | x<<(32-n)
}

// process runs the compression function over one 512-bit chunk, folding the
// result into digest.
func process(chunk []byte, digest *[8]uint32) {

	// The first 16 words of the message schedule are the chunk itself.
	var w [64]uint32
	for i := 0; i < 16; i++ {
		w[i] = binary.BigEndian.Uint32(chunk[i*4:])
	}
	for i := 16; i < 64; i++ {
		s0 := rightRotate(w[i-15], 7) ^ rightRotate(w[i-15], 18) ^ w[i-15]>>3
		s1 := rightRotate(w[i-2], 17) ^ rightRotate(w[i-2], 19) ^ w[i-2]>>10
		w[i] = w[i-16] + s0 + w[i-7] + s1
	}

	a, b, c, d := digest[0], digest[1], digest[2], digest[3]
	e, f, g, h := digest[4], digest[5], digest[6], digest[7]

	for i := 0; i < 64; i++ {
		s1 := rightRotate(e, 6) ^ rightRotate(e, 11) ^ rightRotate(e, 25)
		ch := (e & f) ^ (^e & g)
		t1 := h + s1 + ch + roundConstants[i] + w[i]

		s0 := rightRotate(a, 2) ^ rightRotate(a, 13) ^ rightRotate(a, 22)
		maj := (a & b) ^ (a & c) ^ (b & c)
		t2 := s0 + maj

		h = g
		g = f
		f = e
		e = d + t1
		d = c
		c = b
		b = a
		a = t1 + t2
	}

	digest[0] += a
	digest[1] += b
	digest[2] += c
	digest[3] += d
	digest[4] += e
	digest[5] += f
	digest[6] += g
	digest[7] += h
}
