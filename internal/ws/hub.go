package ws

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/pliu/chatty/internal/metrics"
	"github.com/pliu/chatty/internal/models"
)

const (
	DefaultSendBuffer = 256
	DefaultGapTimeout = 2 * time.Second

	publishBuffer = 1024
)

// Subscription is the handle of one client's subscription to one
// conversation.
type Subscription struct {
	client         *Client
	conversationID string
	afterSeq       int64
}

func (s *Subscription) ConversationID() string { return s.conversationID }

// topic is the fan-out state of a conversation with at least one subscriber.
type topic struct {
	subscribers map[*Client]*Subscription
	// pending holds messages that arrived ahead of a missing sequence number.
	pending  map[int64]models.Event
	gapTimer *time.Timer
	gapGen   uint64
}

type subscribeRequest struct {
	client         *Client
	conversationID string
	afterSeq       int64
	reply          chan *Subscription
}

type unsubscribeRequest struct {
	sub  *Subscription
	done chan struct{}
}

type clientRequest struct {
	client *Client
	done   chan struct{}
}

type directMessage struct {
	client *Client
	data   []byte
}

type gapFlush struct {
	conversationID string
	gen            uint64
}

// Hub pushes committed conversation events to subscribed clients. All
// registry state is owned by the Run goroutine.
type Hub struct {
	// Registered clients and their subscriptions by conversation id.
	clients map[*Client]map[string]*Subscription

	topics map[string]*topic

	// seqs is the highest message sequence seen per conversation.
	seqs map[string]int64

	register    chan clientRequest
	unregister  chan clientRequest
	subscribe   chan subscribeRequest
	unsubscribe chan unsubscribeRequest
	publish     chan models.Event
	direct      chan directMessage
	flush       chan gapFlush

	done chan struct{}

	sendBuffer int
	gapTimeout time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Hub)

func WithLogger(logger zerolog.Logger) Option {
	return func(h *Hub) { h.logger = logger.With().Str("component", "hub").Logger() }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithSendBuffer sets the per-client queue length. A client whose queue is
// full when an event arrives is disconnected.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithGapTimeout sets how long out-of-order messages wait for a missing
// predecessor before they are delivered anyway.
func WithGapTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.gapTimeout = d
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:     make(map[*Client]map[string]*Subscription),
		topics:      make(map[string]*topic),
		seqs:        make(map[string]int64),
		register:    make(chan clientRequest),
		unregister:  make(chan clientRequest),
		subscribe:   make(chan subscribeRequest),
		unsubscribe: make(chan unsubscribeRequest),
		publish:     make(chan models.Event, publishBuffer),
		direct:      make(chan directMessage, publishBuffer),
		flush:       make(chan gapFlush),
		done:        make(chan struct{}),
		sendBuffer:  DefaultSendBuffer,
		gapTimeout:  DefaultGapTimeout,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = metrics.Default()
	}
	return h
}

// Run processes hub commands until ctx is cancelled, then closes every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-h.register:
			if _, ok := h.clients[req.client]; !ok {
				h.clients[req.client] = make(map[string]*Subscription)
				h.metrics.HubClients.Inc()
			}
			close(req.done)
		case req := <-h.unregister:
			h.removeClient(req.client)
			close(req.done)
		case req := <-h.subscribe:
			h.drainPublished()
			req.reply <- h.addSubscription(req)
		case req := <-h.unsubscribe:
			h.drainPublished()
			if h.removeSubscription(req.sub) {
				h.sendTo(req.sub.client, controlFrame(frameUnsubscribed, req.sub.conversationID, 0))
			}
			close(req.done)
		case evt := <-h.publish:
			h.dispatch(evt)
		case msg := <-h.direct:
			if _, ok := h.clients[msg.client]; ok {
				h.sendTo(msg.client, msg.data)
			}
		case f := <-h.flush:
			h.flushGap(f)
		}
	}
}

// drainPublished dispatches events whose Publish call already returned, so
// a subscription change never overtakes them.
func (h *Hub) drainPublished() {
	for {
		select {
		case evt := <-h.publish:
			h.dispatch(evt)
		default:
			return
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	for client := range h.clients {
		h.removeClient(client)
	}
	for _, t := range h.topics {
		if t.gapTimer != nil {
			t.gapTimer.Stop()
		}
	}
	h.logger.Info().Msg("hub stopped")
}

// Register adds a client. It returns once the hub has applied it.
func (h *Hub) Register(client *Client) {
	req := clientRequest{client: client, done: make(chan struct{})}
	select {
	case h.register <- req:
		<-req.done
	case <-h.done:
	}
}

// Disconnect removes a client and all of its subscriptions before returning,
// and closes its send queue.
func (h *Hub) Disconnect(client *Client) {
	req := clientRequest{client: client, done: make(chan struct{})}
	select {
	case h.unregister <- req:
		<-req.done
	case <-h.done:
	}
}

// Subscribe registers client for events of conversationID with a sequence
// number above afterSeq. An existing subscription of the client to the same
// conversation is replaced. It returns nil if the client is not registered.
func (h *Hub) Subscribe(client *Client, conversationID string, afterSeq int64) *Subscription {
	req := subscribeRequest{
		client:         client,
		conversationID: conversationID,
		afterSeq:       afterSeq,
		reply:          make(chan *Subscription, 1),
	}
	select {
	case h.subscribe <- req:
		return <-req.reply
	case <-h.done:
		return nil
	}
}

// Unsubscribe removes sub. Stale or nil handles are ignored.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	req := unsubscribeRequest{sub: sub, done: make(chan struct{})}
	select {
	case h.unsubscribe <- req:
		<-req.done
	case <-h.done:
	}
}

// Publish queues a committed message for delivery. Calls for the same
// conversation are delivered in sequence order.
func (h *Hub) Publish(msg models.Message) {
	h.enqueue(models.Event{
		Type:           models.EventMessage,
		ConversationID: msg.ConversationID,
		Message:        &msg,
	})
}

// PublishRead queues a read receipt for delivery.
func (h *Hub) PublishRead(evt models.Event) {
	h.enqueue(evt)
}

func (h *Hub) enqueue(evt models.Event) {
	select {
	case h.publish <- evt:
	case <-h.done:
	}
}

// Reply queues a frame for a single client.
func (h *Hub) Reply(client *Client, data []byte) {
	select {
	case h.direct <- directMessage{client: client, data: data}:
	case <-h.done:
	}
}

func (h *Hub) addSubscription(req subscribeRequest) *Subscription {
	subs, ok := h.clients[req.client]
	if !ok {
		return nil
	}

	if old, ok := subs[req.conversationID]; ok {
		h.removeSubscription(old)
	}

	t, ok := h.topics[req.conversationID]
	if !ok {
		t = &topic{
			subscribers: make(map[*Client]*Subscription),
			pending:     make(map[int64]models.Event),
		}
		h.topics[req.conversationID] = t
		if req.afterSeq > h.seqs[req.conversationID] {
			h.seqs[req.conversationID] = req.afterSeq
		}
	}

	sub := &Subscription{client: req.client, conversationID: req.conversationID, afterSeq: req.afterSeq}
	t.subscribers[req.client] = sub
	subs[req.conversationID] = sub
	h.metrics.HubSubscriptions.Inc()

	h.sendTo(req.client, controlFrame(frameSubscribed, req.conversationID, req.afterSeq))
	return sub
}

// removeSubscription reports whether sub was active.
func (h *Hub) removeSubscription(sub *Subscription) bool {
	subs, ok := h.clients[sub.client]
	if !ok || subs[sub.conversationID] != sub {
		return false
	}
	delete(subs, sub.conversationID)
	h.metrics.HubSubscriptions.Dec()

	if t, ok := h.topics[sub.conversationID]; ok {
		delete(t.subscribers, sub.client)
		if len(t.subscribers) == 0 {
			h.dropTopic(sub.conversationID, t)
		}
	}
	return true
}

func (h *Hub) dropTopic(conversationID string, t *topic) {
	if t.gapTimer != nil {
		t.gapTimer.Stop()
	}
	for seq := range t.pending {
		if seq > h.seqs[conversationID] {
			h.seqs[conversationID] = seq
		}
	}
	delete(h.topics, conversationID)
}

func (h *Hub) removeClient(client *Client) {
	subs, ok := h.clients[client]
	if !ok {
		return
	}
	for _, sub := range subs {
		h.removeSubscription(sub)
	}
	delete(h.clients, client)
	close(client.send)
	h.metrics.HubClients.Dec()
}

func (h *Hub) dispatch(evt models.Event) {
	t, subscribed := h.topics[evt.ConversationID]

	if evt.Type != models.EventMessage || evt.Message == nil {
		if subscribed {
			h.deliver(t, evt)
		}
		return
	}

	seq := evt.Message.Seq
	last := h.seqs[evt.ConversationID]
	if !subscribed {
		if seq > last {
			h.seqs[evt.ConversationID] = seq
		}
		return
	}

	switch {
	case seq <= last:
		h.metrics.HubDropped.WithLabelValues("duplicate").Inc()
		h.logger.Debug().Str("conversation_id", evt.ConversationID).Int64("seq", seq).Msg("dropping already delivered message")
	case seq == last+1:
		h.deliver(t, evt)
		h.seqs[evt.ConversationID] = seq
		h.drainPending(evt.ConversationID, t)
	default:
		if _, ok := t.pending[seq]; ok {
			h.metrics.HubDropped.WithLabelValues("duplicate").Inc()
			return
		}
		t.pending[seq] = evt
		if t.gapTimer == nil {
			h.armGapTimer(evt.ConversationID, t)
		}
	}
}

// drainPending delivers buffered messages that are now contiguous.
func (h *Hub) drainPending(conversationID string, t *topic) {
	for {
		next := h.seqs[conversationID] + 1
		evt, ok := t.pending[next]
		if !ok {
			break
		}
		delete(t.pending, next)
		h.deliver(t, evt)
		h.seqs[conversationID] = next
	}
	if len(t.pending) == 0 && t.gapTimer != nil {
		t.gapTimer.Stop()
		t.gapTimer = nil
	}
}

func (h *Hub) armGapTimer(conversationID string, t *topic) {
	t.gapGen++
	f := gapFlush{conversationID: conversationID, gen: t.gapGen}
	t.gapTimer = time.AfterFunc(h.gapTimeout, func() {
		select {
		case h.flush <- f:
		case <-h.done:
		}
	})
}

// flushGap gives up on a missing sequence number and delivers everything
// buffered in order.
func (h *Hub) flushGap(f gapFlush) {
	t, ok := h.topics[f.conversationID]
	if !ok || t.gapTimer == nil || t.gapGen != f.gen {
		return
	}
	t.gapTimer = nil

	seqs := make([]int64, 0, len(t.pending))
	for seq := range t.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	h.logger.Warn().
		Str("conversation_id", f.conversationID).
		Int64("last_seq", h.seqs[f.conversationID]).
		Int("buffered", len(seqs)).
		Msg("sequence gap timed out, flushing buffered messages")

	for _, seq := range seqs {
		evt := t.pending[seq]
		delete(t.pending, seq)
		h.deliver(t, evt)
		h.seqs[f.conversationID] = seq
	}
}

func (h *Hub) deliver(t *topic, evt models.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error().Err(err).Str("conversation_id", evt.ConversationID).Msg("failed to encode event")
		return
	}

	for client, sub := range t.subscribers {
		if evt.Message != nil && evt.Message.Seq <= sub.afterSeq {
			continue
		}
		if h.sendTo(client, data) {
			h.metrics.HubDeliveries.Inc()
		}
	}
}

// sendTo queues data for client, disconnecting it if its queue is full.
func (h *Hub) sendTo(client *Client, data []byte) bool {
	select {
	case client.send <- data:
		return true
	default:
		h.metrics.HubDropped.WithLabelValues("slow_consumer").Inc()
		h.logger.Warn().Str("account_id", client.accountID).Msg("client send queue full, disconnecting")
		h.removeClient(client)
		return false
	}
}
