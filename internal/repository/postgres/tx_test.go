package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTxManager_PlainContext(t *testing.T) {
	m := NewTxManager(nil)
	ctx := context.Background()

	assert.False(t, m.InTransaction(ctx))
	called := false
	assert.False(t, m.AfterCommit(ctx, func(context.Context) { called = true }))
	assert.False(t, called)
}

func TestTxManager_JoinsExistingTransaction(t *testing.T) {
	m := NewTxManager(nil)
	state := &txState{}
	ctx := context.WithValue(context.Background(), txKey, state)

	var inner context.Context
	err := m.WithTransaction(ctx, func(c context.Context) error {
		inner = c
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, ctx, inner)
	assert.True(t, m.InTransaction(inner))
}

func TestTxManager_AfterCommitQueuesHooks(t *testing.T) {
	m := NewTxManager(nil)
	state := &txState{}
	ctx := context.WithValue(context.Background(), txKey, state)

	assert.True(t, m.AfterCommit(ctx, func(context.Context) {}))
	assert.True(t, m.AfterCommit(ctx, func(context.Context) {}))
	assert.Len(t, state.hooks, 2)
}
