package batch

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryStore_DoesNotSurviveNewInstance(t *testing.T) {
	t.Parallel()

	store := NewMemory(&stubProcessor{}, nil, zap.NewNop())
	job, err := store.Create([]Item{{ID: "1", URL: "https://a.example.com", Width: 100, Height: 100, Format: "png"}}, Config{Parallel: 1})
	require.NoError(t, err)

	_, ok := store.Get(job.ID)
	require.True(t, ok)

	fresh := NewMemory(&stubProcessor{}, nil, zap.NewNop())
	require.NoError(t, fresh.LoadAll())
	_, ok = fresh.Get(job.ID)
	require.False(t, ok)
}
