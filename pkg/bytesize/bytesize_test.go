package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"1024", 1024},
		{"100B", 100},
		{"1KB", 1024},
		{"1K", 1024},
		{"1Ki", 1024},
		{"4MB", 4 * 1024 * 1024},
		{"1.5MB", 1572864},
		{"2GB", 2 * 1024 * 1024 * 1024},
		{"1TB", 1024 * 1024 * 1024 * 1024},
		{" 10 MB ", 10 * 1024 * 1024},
		{"0", 0},
	}

	for _, tt := range tests {
		got, err := Parse(tt.input)
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.expected, got, "input %q", tt.input)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, input := range []string{"", "abc", "10XB", "MB", "10.5.5MB", "-5MB"} {
		_, err := Parse(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestMustParsePanics(t *testing.T) {
	assert.Panics(t, func() { MustParse("nonsense") })
	assert.Equal(t, int64(1024), MustParse("1KB"))
}

func TestFormat(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{4 * 1024 * 1024, "4.00 MB"},
		{3 * 1024 * 1024 * 1024, "3.00 GB"},
		{2 * 1024 * 1024 * 1024 * 1024, "2.00 TB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Format(tt.bytes))
	}
}
