package users

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
	"github.com/fathima-sithara/chat-sync/internal/domain"
	"github.com/fathima-sithara/chat-sync/internal/store"
)

func seed(t *testing.T) (*Directory, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	d := NewDirectory(mem, nil)
	for _, u := range []domain.User{{ID: "a", Username: "ann"}, {ID: "b", Username: "bob"}} {
		created, err := d.Register(context.Background(), u)
		require.NoError(t, err)
		require.True(t, created)
	}
	return d, mem
}

func TestRegisterIsCreateIfAbsent(t *testing.T) {
	d, _ := seed(t)
	created, err := d.Register(context.Background(), domain.User{ID: "a", Username: "other"})
	require.NoError(t, err)
	assert.False(t, created)

	u, err := d.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "ann", u.Username)
	assert.Equal(t, domain.StatusOffline, u.Status)

	_, err = d.Register(context.Background(), domain.User{ID: "x.y"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestFindByUsername(t *testing.T) {
	d, _ := seed(t)
	u, err := d.FindByUsername(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "b", u.ID)

	_, err = d.FindByUsername(context.Background(), "nobody")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestBlockUnblockTouchesOnlyOwnDocument(t *testing.T) {
	d, _ := seed(t)
	ctx := context.Background()

	require.NoError(t, d.Block(ctx, "a", "b"))
	bySelf, byOther, err := d.BlockRelation(ctx, "a", "b")
	require.NoError(t, err)
	assert.True(t, bySelf)
	assert.False(t, byOther)

	bySelf, byOther, err = d.BlockRelation(ctx, "b", "a")
	require.NoError(t, err)
	assert.False(t, bySelf)
	assert.True(t, byOther)

	require.NoError(t, d.Unblock(ctx, "a", "b"))
	bySelf, _, err = d.BlockRelation(ctx, "a", "b")
	require.NoError(t, err)
	assert.False(t, bySelf)
}

func TestBlockRelationMissingUser(t *testing.T) {
	d, _ := seed(t)
	_, _, err := d.BlockRelation(context.Background(), "a", "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSetStatus(t *testing.T) {
	d, _ := seed(t)
	ctx := context.Background()
	at := time.UnixMilli(1700000000000)

	require.NoError(t, d.SetStatus(ctx, "a", domain.StatusOnline, at))
	u, _ := d.Get(ctx, "a")
	assert.Equal(t, domain.StatusOnline, u.Status)
	assert.Zero(t, u.LastSeen)

	require.NoError(t, d.SetStatus(ctx, "a", domain.StatusOffline, at))
	u, _ = d.Get(ctx, "a")
	assert.Equal(t, domain.StatusOffline, u.Status)
	assert.Equal(t, at.UnixMilli(), u.LastSeen)
}
