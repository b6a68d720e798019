package assert

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type store interface{ Close() error }

type sqlStore struct{}

func (*sqlStore) Close() error { return nil }

func TestNotNil(t *testing.T) {
	require.NotPanics(t, func() { NotNil(&sqlStore{}) })
	require.NotPanics(t, func() { NotNil(0) })
	require.Panics(t, func() { NotNil(nil) })

	var typed *sqlStore
	var s store = typed
	require.Panics(t, func() { NotNil(s) })
}
