package sha256

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/harvest"
)

var _ harvest.Hasher = New()

func TestHashDigests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"empty object", nil, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"short payload", []byte("abc"), "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{"hello world", []byte("hello world"), "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}
	h := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := h.Hash(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestIdenticalMediaSharesKey is what lets repeated uploads collapse onto one object.
func TestIdenticalMediaSharesKey(t *testing.T) {
	t.Parallel()

	h := New()
	img := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0x00}
	first, err := h.Hash(img)
	require.NoError(t, err)
	again, err := h.Hash(append([]byte(nil), img...))
	require.NoError(t, err)
	other, err := h.Hash(append(img[:len(img)-1:len(img)-1], 0x01))
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.NotEqual(t, first, other)
	assert.Len(t, first, 64)
	assert.Regexp(t, `^[0-9a-f]{64}$`, first)
}
