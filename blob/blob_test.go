package blob_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectvault/storage-gateway/blob"
)

func TestConditionsHasRange(t *testing.T) {
	require.False(t, blob.Conditions{}.HasRange())
	require.True(t, blob.Conditions{RangeStart: 10}.HasRange())
	require.True(t, blob.Conditions{RangeEnd: 100}.HasRange())
}
