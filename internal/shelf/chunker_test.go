package shelf

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkerSplitsFixedSize(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 25)
	chunker, err := NewChunker(bytes.NewReader(data), 10)
	require.NoError(t, err)

	var chunks [][]byte
	for {
		chunk, err := chunker.Next()
		require.NoError(t, err)
		if chunk == nil {
			break
		}
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 10)
	assert.Len(t, chunks[1], 10)
	assert.Len(t, chunks[2], 5)
}

func TestChunkerExactMultiple(t *testing.T) {
	chunker, err := NewChunker(strings.NewReader("abcdefghij"), 5)
	require.NoError(t, err)

	first, err := chunker.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("abcde"), first)

	second, err := chunker.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("fghij"), second)

	third, err := chunker.Next()
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestChunkerEmptyInput(t *testing.T) {
	chunker, err := NewChunker(strings.NewReader(""), 10)
	require.NoError(t, err)

	chunk, err := chunker.Next()
	require.NoError(t, err)
	assert.Nil(t, chunk)
}

func TestChunkerInvalidSize(t *testing.T) {
	_, err := NewChunker(strings.NewReader("x"), 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewChunker(strings.NewReader("x"), -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestChunkerReassembly(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	chunker, err := NewChunker(bytes.NewReader(data), 7)
	require.NoError(t, err)

	var rebuilt []byte
	for {
		chunk, err := chunker.Next()
		require.NoError(t, err)
		if chunk == nil {
			break
		}
		rebuilt = append(rebuilt, chunk...)
	}
	assert.Equal(t, data, rebuilt)
}
