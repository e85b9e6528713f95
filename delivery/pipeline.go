package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rtchat/chaterr"
	"rtchat/db"
	"rtchat/metrics"
	"rtchat/models"
	"rtchat/protocol"
	"rtchat/session"
)

const (
	opSend          = protocol.EventSendMessage
	opMarkDelivered = "mark-delivered"
	opRedeliver     = "deliver-pending"

	// DefaultMaxContentLength applies when the pipeline is built with a
	// non-positive limit.
	DefaultMaxContentLength = 4096

	pendingBatch = 100

	// pendingPushWait bounds how long one backlog push may wait for room
	// in the receiver's send queue.
	pendingPushWait = 5 * time.Second
)

// Ack is what the sender learns about a persisted message.
type Ack struct {
	MessageID     string
	ReceiverID    string
	CreatedAt     time.Time
	DeliveryState models.DeliveryState
}

// Pipeline persists messages and pushes them to live receivers.
type Pipeline struct {
	store      db.Store
	registry   *session.Registry
	logger     zerolog.Logger
	maxContent int
	now        func() time.Time
	newID      func() (string, error)
}

func NewPipeline(store db.Store, registry *session.Registry, logger zerolog.Logger, maxContent int) *Pipeline {
	if maxContent <= 0 {
		maxContent = DefaultMaxContentLength
	}
	return &Pipeline{
		store:      store,
		registry:   registry,
		logger:     logger.With().Str("component", "delivery").Logger(),
		maxContent: maxContent,
		now:        time.Now,
		newID:      newMessageID,
	}
}

// uuid v7 ids sort by creation time.
func newMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Send validates and persists a message, then pushes it if the receiver was
// live when the state was decided. The push is best-effort: a failed push
// leaves the persisted Delivered state in place.
func (p *Pipeline) Send(ctx context.Context, senderID, receiverID, content string) (Ack, error) {
	if strings.TrimSpace(content) == "" {
		return Ack{}, chaterr.Validation(opSend, "message content is empty")
	}
	if len(content) > p.maxContent {
		return Ack{}, chaterr.Validation(opSend, "message content exceeds %d bytes", p.maxContent)
	}
	if receiverID == "" {
		return Ack{}, chaterr.Validation(opSend, "receiver id is required")
	}

	exists, err := p.store.UserExists(ctx, receiverID)
	if err != nil {
		return Ack{}, chaterr.Persistence(opSend, err)
	}
	if !exists {
		return Ack{}, chaterr.NotFound(opSend, "user %s not found", receiverID)
	}

	conn, live := p.registry.LookupByUser(receiverID)
	state := models.Pending
	if live {
		state = models.Delivered
	}

	id, err := p.newID()
	if err != nil {
		return Ack{}, chaterr.Persistence(opSend, err)
	}
	msg := &models.Message{
		ID:            id,
		SenderID:      senderID,
		ReceiverID:    receiverID,
		Content:       content,
		CreatedAt:     p.now().UTC(),
		DeliveryState: state,
	}
	if err := p.store.SaveMessage(ctx, msg); err != nil {
		return Ack{}, chaterr.Persistence(opSend, err)
	}
	metrics.MessagesSent.WithLabelValues(state.String()).Inc()

	if live {
		if err := conn.Push(protocol.MessageReceivedFrom(msg)); err != nil {
			metrics.PushFailures.WithLabelValues(protocol.EventMessageReceived).Inc()
			p.logger.Warn().Err(err).
				Str("message", msg.ID).
				Str("receiver", receiverID).
				Msg("live push failed, message stays delivered")
		}
	}

	p.logger.Debug().
		Str("message", msg.ID).
		Str("sender", senderID).
		Str("receiver", receiverID).
		Stringer("state", state).
		Msg("message persisted")

	return Ack{
		MessageID:     msg.ID,
		ReceiverID:    receiverID,
		CreatedAt:     msg.CreatedAt,
		DeliveryState: state,
	}, nil
}

// MarkDelivered advances a Pending message to Delivered. Messages already
// Delivered or Read are left unchanged.
func (p *Pipeline) MarkDelivered(ctx context.Context, messageID string) error {
	_, _, err := p.store.AdvanceDeliveryState(ctx, messageID, models.Delivered)
	if errors.Is(err, db.ErrNotFound) {
		return chaterr.NotFound(opMarkDelivered, "message %s not found", messageID)
	}
	if err != nil {
		return chaterr.Persistence(opMarkDelivered, err)
	}
	return nil
}

// DeliverPending pushes userID's Pending messages oldest first, marking each
// one Delivered once it is queued on the user's live connection. A backlog
// larger than the send queue waits for the writer to drain it. The flush
// stops at the first push that fails or times out and returns how many
// messages were delivered.
func (p *Pipeline) DeliverPending(ctx context.Context, userID string) (int, error) {
	conn, ok := p.registry.LookupByUser(userID)
	if !ok {
		return 0, nil
	}

	delivered := 0
	for {
		pending, err := p.store.PendingMessages(ctx, userID, pendingBatch)
		if err != nil {
			return delivered, chaterr.Persistence(opRedeliver, err)
		}
		if len(pending) == 0 {
			return delivered, nil
		}

		for i := range pending {
			msg := &pending[i]
			if err := p.pushPending(ctx, conn, msg); err != nil {
				metrics.PushFailures.WithLabelValues(protocol.EventMessageReceived).Inc()
				p.logger.Warn().Err(err).
					Str("receiver", userID).
					Int("delivered", delivered).
					Msg("pending delivery interrupted")
				return delivered, nil
			}
			if err := p.MarkDelivered(ctx, msg.ID); err != nil {
				return delivered, err
			}
			delivered++
			metrics.PendingRedelivered.Inc()
		}

		if len(pending) < pendingBatch {
			return delivered, nil
		}
	}
}

func (p *Pipeline) pushPending(ctx context.Context, conn session.Conn, msg *models.Message) error {
	ev := protocol.MessageReceivedFrom(msg)
	wc, ok := conn.(session.WaitingConn)
	if !ok {
		return conn.Push(ev)
	}

	waitCtx, cancel := context.WithTimeout(ctx, pendingPushWait)
	defer cancel()
	return wc.PushWait(waitCtx, ev)
}
