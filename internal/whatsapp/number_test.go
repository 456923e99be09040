package whatsapp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeNumber(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"9876543210", "919876543210"},
		{"919876543210", "919876543210"},
		{"+91 98765-43210", "919876543210"},
		{"09876543210", "919876543210"},
		{"(987) 654 3210", "919876543210"},
		{"14155550123", "14155550123"},
	}
	for _, c := range cases {
		got, err := NormalizeNumber(c.in, "91")
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestNormalizeNumberIdempotent(t *testing.T) {
	for _, in := range []string{"9876543210", "+919876543210", "09876543210", "447700900123"} {
		once, err := NormalizeNumber(in, "91")
		require.NoError(t, err)
		twice, err := NormalizeNumber(once, "91")
		require.NoError(t, err)
		assert.Equal(t, once, twice, in)
	}
}

func TestNormalizeNumberInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "12345", "1234567890123456"} {
		_, err := NormalizeNumber(in, "91")
		assert.ErrorIs(t, err, ErrInvalidNumber, in)
	}
}
