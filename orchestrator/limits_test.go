package orchestrator

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLimitedReaderAllowsExactSizeBody(t *testing.T) {
	lr := &limitedReader{r: bytes.NewReader([]byte("hello")), remaining: 5}

	data, err := io.ReadAll(lr)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestLimitedReaderRejectsOversizedBody(t *testing.T) {
	lr := &limitedReader{r: bytes.NewReader([]byte("hello world")), remaining: 5}

	_, err := io.ReadAll(lr)
	require.True(t, ErrPayloadTooLarge.Has(err))
}
