package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/models"
)

func directPair(t *testing.T, env *testEnv) (a, b *models.Account, conv *models.Conversation) {
	t.Helper()
	a = env.login(t, 1, "alice")
	b = env.login(t, 2, "bob")
	conv, err := env.conversations.GetOrCreateDirect(context.Background(), a.ID, b.ID)
	require.NoError(t, err)
	return a, b, conv
}

func TestSendAppearsAtTailOfList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b, conv := directPair(t, env)

	_, err := env.messages.Send(ctx, conv.ID, b.ID, "first")
	require.NoError(t, err)

	// A clock step backwards must not reorder the conversation.
	env.clock.Advance(-time.Minute)
	sent, err := env.messages.Send(ctx, conv.ID, a.ID, "  hi  ")
	require.NoError(t, err)
	assert.Equal(t, "hi", sent.Content)
	require.NotNil(t, sent.Sender)
	assert.Equal(t, "alice", sent.Sender.Username)

	list, err := env.messages.List(ctx, conv.ID, b.ID, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	last := list[len(list)-1]
	assert.Equal(t, sent.ID, last.ID)
	assert.False(t, last.CreatedAt.Before(list[0].CreatedAt))
	assert.Equal(t, a.ID, last.Sender.ID)
}

func TestSendPublishesAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, _, conv := directPair(t, env)

	sent, err := env.messages.Send(ctx, conv.ID, a.ID, "hi")
	require.NoError(t, err)

	require.Len(t, env.publisher.messages, 1)
	published := env.publisher.messages[0]
	assert.Equal(t, sent.ID, published.ID)
	assert.Equal(t, int64(1), published.Seq)
	assert.Equal(t, "hi", published.Content)
	require.NotNil(t, published.Sender)
	assert.Equal(t, a.ID, published.Sender.ID)

	stored, err := env.store.GetMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, published.ID, stored[0].ID)
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, _, conv := directPair(t, env)
	outsider := env.login(t, 3, "carol")

	_, err := env.messages.Send(ctx, conv.ID, a.ID, " \n\t ")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = env.messages.Send(ctx, conv.ID, a.ID, strings.Repeat("é", MaxContentLength+1))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = env.messages.Send(ctx, conv.ID, a.ID, strings.Repeat("é", MaxContentLength))
	assert.NoError(t, err)

	_, err = env.messages.Send(ctx, conv.ID, outsider.ID, "let me in")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, err = env.messages.Send(ctx, "missing", a.ID, "hello?")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	assert.Len(t, env.publisher.messages, 1)
}

func TestListLimitAndPermission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, _, conv := directPair(t, env)
	outsider := env.login(t, 3, "carol")

	for i := 0; i < 5; i++ {
		_, err := env.messages.Send(ctx, conv.ID, a.ID, strings.Repeat("x", i+1))
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}

	tail, err := env.messages.List(ctx, conv.ID, a.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "xxxx", tail[0].Content)
	assert.Equal(t, "xxxxx", tail[1].Content)

	_, err = env.messages.List(ctx, conv.ID, outsider.ID, 10)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestMarkReadIsIdempotentAndPublishesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b, conv := directPair(t, env)

	_, err := env.messages.Send(ctx, conv.ID, b.ID, "one")
	require.NoError(t, err)
	_, err = env.messages.Send(ctx, conv.ID, b.ID, "two")
	require.NoError(t, err)

	n, err := env.messages.MarkRead(ctx, conv.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = env.messages.MarkRead(ctx, conv.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.Len(t, env.publisher.events, 1)
	evt := env.publisher.events[0]
	assert.Equal(t, models.EventRead, evt.Type)
	assert.Equal(t, conv.ID, evt.ConversationID)
	assert.Equal(t, a.ID, evt.ReaderID)

	outsider := env.login(t, 3, "carol")
	_, err = env.messages.MarkRead(ctx, conv.ID, outsider.ID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestNilPublisherIsAllowed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, _, conv := directPair(t, env)

	svc := NewMessageService(env.store, nil, WithClock(env.clock.Now))
	_, err := svc.Send(ctx, conv.ID, a.ID, "quiet")
	assert.NoError(t, err)
}
