package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalIsPerUser(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(0.001, 2)

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "a")
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "b")
	assert.True(t, ok)
}

type fixed struct {
	ok  bool
	err error
}

func (f fixed) Allow(context.Context, string) (bool, error) { return f.ok, f.err }

func TestChain(t *testing.T) {
	ctx := context.Background()
	ok, err := Chain{fixed{ok: true}, fixed{ok: true}}.Allow(ctx, "a")
	assert.True(t, ok)
	assert.NoError(t, err)

	ok, _ = Chain{fixed{ok: true}, fixed{ok: false}}.Allow(ctx, "a")
	assert.False(t, ok)

	boom := errors.New("redis down")
	_, err = Chain{fixed{err: boom}}.Allow(ctx, "a")
	assert.ErrorIs(t, err, boom)

	ok, _ = Chain{}.Allow(ctx, "a")
	assert.True(t, ok)
}
