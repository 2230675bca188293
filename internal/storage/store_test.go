package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"matchchat/internal/models"
)

func TestMemoryStoreEmpty(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	token, err := s.Token(ctx)
	require.NoError(t, err)
	require.Empty(t, token)

	identity, err := s.Identity(ctx)
	require.NoError(t, err)
	require.Nil(t, identity)
}

func TestMemoryStoreRoundTripAndClear(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetToken(ctx, "abc"))
	require.NoError(t, s.SetIdentity(ctx, models.Identity{UserID: 1}))

	token, _ := s.Token(ctx)
	require.Equal(t, "abc", token)
	identity, _ := s.Identity(ctx)
	require.EqualValues(t, 1, identity.UserID)

	require.NoError(t, s.Clear(ctx))
	token, _ = s.Token(ctx)
	require.Empty(t, token)
	identity, _ = s.Identity(ctx)
	require.Nil(t, identity)
}
