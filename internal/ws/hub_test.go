package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/metrics"
	"github.com/pliu/chatty/internal/models"
)

func startHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	opts = append([]Option{WithMetrics(metrics.New(prometheus.NewRegistry()))}, opts...)
	hub := NewHub(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func connect(t *testing.T, hub *Hub, accountID string) *Client {
	t.Helper()
	client := NewClient(hub, nil, accountID)
	hub.Register(client)
	return client
}

type frame struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	AfterSeq       int64           `json:"after_seq"`
	Message        *models.Message `json:"message"`
	ReaderID       string          `json:"reader_id"`
	Error          *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// errorCode returns the code of an error frame, or "" for other frames.
func (f frame) errorCode() string {
	if f.Error == nil {
		return ""
	}
	return f.Error.Code
}

func readFrame(t *testing.T, client *Client) frame {
	t.Helper()
	select {
	case data, ok := <-client.send:
		require.True(t, ok, "client send queue closed")
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

func expectNoFrame(t *testing.T, client *Client, wait time.Duration) {
	t.Helper()
	select {
	case data, ok := <-client.send:
		if ok {
			t.Fatalf("unexpected frame: %s", data)
		}
	case <-time.After(wait):
	}
}

func message(convID string, seq int64, content string) models.Message {
	return models.Message{
		ID:             convID + "-" + content,
		ConversationID: convID,
		SenderID:       "sender",
		Content:        content,
		Seq:            seq,
	}
}

func TestHubDeliversToSubscribers(t *testing.T) {
	hub := startHub(t)
	alice := connect(t, hub, "alice")
	bob := connect(t, hub, "bob")

	require.NotNil(t, hub.Subscribe(bob, "conv-x", 0))
	assert.Equal(t, frameSubscribed, readFrame(t, bob).Type)

	hub.Publish(message("conv-x", 1, "hi"))

	f := readFrame(t, bob)
	assert.Equal(t, models.EventMessage, f.Type)
	assert.Equal(t, "conv-x", f.ConversationID)
	require.NotNil(t, f.Message)
	assert.Equal(t, "hi", f.Message.Content)

	expectNoFrame(t, bob, 50*time.Millisecond)
	expectNoFrame(t, alice, 0)
}

func TestHubDoesNotDeliverOtherConversations(t *testing.T) {
	hub := startHub(t)
	bob := connect(t, hub, "bob")

	hub.Subscribe(bob, "conv-x", 0)
	readFrame(t, bob)

	hub.Publish(message("conv-y", 1, "elsewhere"))
	hub.Publish(message("conv-x", 1, "here"))

	f := readFrame(t, bob)
	assert.Equal(t, "here", f.Message.Content)
	expectNoFrame(t, bob, 50*time.Millisecond)
}

func TestHubDropsDuplicates(t *testing.T) {
	hub := startHub(t)
	bob := connect(t, hub, "bob")
	hub.Subscribe(bob, "conv-x", 0)
	readFrame(t, bob)

	m := message("conv-x", 1, "once")
	hub.Publish(m)
	hub.Publish(m)

	assert.Equal(t, "once", readFrame(t, bob).Message.Content)
	expectNoFrame(t, bob, 50*time.Millisecond)
}

func TestHubReordersBySequence(t *testing.T) {
	hub := startHub(t)
	bob := connect(t, hub, "bob")
	hub.Subscribe(bob, "conv-x", 0)
	readFrame(t, bob)

	hub.Publish(message("conv-x", 3, "three"))
	hub.Publish(message("conv-x", 2, "two"))
	hub.Publish(message("conv-x", 1, "one"))

	for _, want := range []string{"one", "two", "three"} {
		assert.Equal(t, want, readFrame(t, bob).Message.Content)
	}
	expectNoFrame(t, bob, 50*time.Millisecond)
}

func TestHubFlushesGapAfterTimeout(t *testing.T) {
	hub := startHub(t, WithGapTimeout(50*time.Millisecond))
	bob := connect(t, hub, "bob")
	hub.Subscribe(bob, "conv-x", 0)
	readFrame(t, bob)

	hub.Publish(message("conv-x", 3, "three"))
	hub.Publish(message("conv-x", 2, "two"))
	expectNoFrame(t, bob, 20*time.Millisecond)

	assert.Equal(t, "two", readFrame(t, bob).Message.Content)
	assert.Equal(t, "three", readFrame(t, bob).Message.Content)

	// The missing message is now stale and must not be delivered late.
	hub.Publish(message("conv-x", 1, "one"))
	hub.Publish(message("conv-x", 4, "four"))
	assert.Equal(t, "four", readFrame(t, bob).Message.Content)
}

func TestHubSubscribeStartsAfterCursor(t *testing.T) {
	hub := startHub(t)
	bob := connect(t, hub, "bob")

	hub.Subscribe(bob, "conv-x", 5)
	assert.Equal(t, int64(5), readFrame(t, bob).AfterSeq)

	hub.Publish(message("conv-x", 5, "old"))
	hub.Publish(message("conv-x", 6, "new"))
	assert.Equal(t, "new", readFrame(t, bob).Message.Content)
}

func TestHubTracksSequenceWithoutSubscribers(t *testing.T) {
	hub := startHub(t, WithGapTimeout(time.Hour))
	bob := connect(t, hub, "bob")

	hub.Publish(message("conv-x", 1, "one"))
	hub.Publish(message("conv-x", 2, "two"))

	// A cursor read before message 2 committed must not stall delivery of 3.
	hub.Subscribe(bob, "conv-x", 1)
	readFrame(t, bob)
	hub.Publish(message("conv-x", 3, "three"))
	assert.Equal(t, "three", readFrame(t, bob).Message.Content)
}

func TestHubResubscribeReplaces(t *testing.T) {
	hub := startHub(t)
	bob := connect(t, hub, "bob")

	first := hub.Subscribe(bob, "conv-x", 0)
	readFrame(t, bob)
	second := hub.Subscribe(bob, "conv-x", 0)
	readFrame(t, bob)
	assert.NotSame(t, first, second)

	hub.Publish(message("conv-x", 1, "hi"))
	readFrame(t, bob)
	expectNoFrame(t, bob, 50*time.Millisecond)

	// The replaced handle is stale.
	hub.Unsubscribe(first)
	hub.Publish(message("conv-x", 2, "still here"))
	assert.Equal(t, "still here", readFrame(t, bob).Message.Content)
}

func TestHubUnsubscribeIsIdempotent(t *testing.T) {
	hub := startHub(t)
	bob := connect(t, hub, "bob")

	sub := hub.Subscribe(bob, "conv-x", 0)
	readFrame(t, bob)

	hub.Unsubscribe(sub)
	assert.Equal(t, frameUnsubscribed, readFrame(t, bob).Type)
	hub.Unsubscribe(sub)
	hub.Unsubscribe(nil)

	hub.Publish(message("conv-x", 1, "hi"))
	expectNoFrame(t, bob, 50*time.Millisecond)
}

func TestHubDisconnectRemovesSubscriptions(t *testing.T) {
	hub := startHub(t)
	bob := connect(t, hub, "bob")
	carol := connect(t, hub, "carol")

	sub := hub.Subscribe(bob, "conv-x", 0)
	readFrame(t, bob)
	hub.Subscribe(carol, "conv-x", 0)
	readFrame(t, carol)

	hub.Disconnect(bob)
	_, ok := <-bob.send
	assert.False(t, ok, "send queue closed on disconnect")

	hub.Unsubscribe(sub)
	hub.Disconnect(bob)

	hub.Publish(message("conv-x", 1, "hi"))
	assert.Equal(t, "hi", readFrame(t, carol).Message.Content)

	assert.Nil(t, hub.Subscribe(bob, "conv-x", 0), "disconnected clients cannot subscribe")
}

func TestHubEvictsSlowConsumer(t *testing.T) {
	hub := startHub(t, WithSendBuffer(2))
	slow := connect(t, hub, "slow")
	fast := connect(t, hub, "fast")

	hub.Subscribe(slow, "conv-x", 0)
	hub.Subscribe(fast, "conv-x", 0)
	readFrame(t, fast)

	for i := int64(1); i <= 3; i++ {
		hub.Publish(message("conv-x", i, "m"))
		readFrame(t, fast)
	}

	// subscribed + message 1 filled the queue; message 2 evicted the client.
	var drained int
	for range slow.send {
		drained++
	}
	assert.Equal(t, 2, drained)
}

func TestHubPublishRead(t *testing.T) {
	hub := startHub(t)
	bob := connect(t, hub, "bob")
	hub.Subscribe(bob, "conv-x", 0)
	readFrame(t, bob)

	hub.PublishRead(models.Event{Type: models.EventRead, ConversationID: "conv-x", ReaderID: "alice"})
	f := readFrame(t, bob)
	assert.Equal(t, models.EventRead, f.Type)
	assert.Equal(t, "alice", f.ReaderID)
}

func TestHubReplyOnlyToRegistered(t *testing.T) {
	hub := startHub(t)
	bob := connect(t, hub, "bob")

	hub.Reply(bob, errorFrame("", apperr.InvalidArgument("bad frame")))
	assert.Equal(t, "INVALID_ARGUMENT", readFrame(t, bob).errorCode())

	stranger := NewClient(hub, nil, "stranger")
	hub.Reply(stranger, []byte(`{"type":"error"}`))
	expectNoFrame(t, stranger, 50*time.Millisecond)
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub := NewHub(WithMetrics(metrics.New(prometheus.NewRegistry())))
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	bob := connect(t, hub, "bob")
	cancel()
	<-stopped

	_, ok := <-bob.send
	assert.False(t, ok)

	// Calls after shutdown return instead of blocking.
	hub.Publish(message("conv-x", 1, "late"))
	assert.Nil(t, hub.Subscribe(bob, "conv-x", 0))
	hub.Disconnect(bob)
}
