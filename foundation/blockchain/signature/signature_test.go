package signature_test

import (
	"strings"
	"testing"

	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Standard FIPS 180-4 test vectors.
func TestHashVectors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "empty",
			in:   "",
			want: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name: "abc",
			in:   "abc",
			want: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		},
		{
			name: "two blocks",
			in:   "abcdbcdecdefdefgefghfghighijhijkijkljklmklmnlmnomnopnopq",
			want: "248d6a61d20638b8e5c026930c3e6039a33ce45964ff2167f6ecedd419db06c1",
		},
		{
			name: "pangram",
			in:   "The quick brown fox jumps over the lazy dog",
			want: "d7a8fbb307d7809469ca9abcb0082e4f8d5651e46d3cdb762d02d0bf37c9e592",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, signature.Hash(tt.in))
		})
	}
}

// The padding path around the 55/56 byte boundary forces an extra chunk.
func TestHashBoundaryLengths(t *testing.T) {
	for _, n := range []int{55, 56, 63, 64, 65, 119, 120} {
		in := strings.Repeat("a", n)
		got := signature.Hash(in)
		assert.Len(t, got, 64)
		assert.Equal(t, got, signature.Hash(in), "length %d not deterministic", n)
	}

	require.Equal(t,
		"b35439a4ac6f0948b6d6f9e3c6af0f5f590ce20f1bde7090ef7970686ec6738a",
		signature.Hash(strings.Repeat("a", 56)))
}

func TestZeroHash(t *testing.T) {
	require.Len(t, signature.ZeroHash, 64)
	require.Equal(t, strings.Repeat("0", 64), signature.ZeroHash)
}
