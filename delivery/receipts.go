package delivery

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"rtchat/chaterr"
	"rtchat/db"
	"rtchat/metrics"
	"rtchat/models"
	"rtchat/protocol"
)

const opMarkRead = protocol.EventMarkRead

// Receipts moves messages to Read. The sender is not notified.
type Receipts struct {
	store  db.Store
	logger zerolog.Logger
}

func NewReceipts(store db.Store, logger zerolog.Logger) *Receipts {
	return &Receipts{
		store:  store,
		logger: logger.With().Str("component", "receipts").Logger(),
	}
}

// MarkRead moves messageID to Read. Marking a Read message again is a no-op.
func (r *Receipts) MarkRead(ctx context.Context, messageID string) error {
	if messageID == "" {
		return chaterr.Validation(opMarkRead, "message id is required")
	}

	state, changed, err := r.store.AdvanceDeliveryState(ctx, messageID, models.Read)
	switch {
	case errors.Is(err, db.ErrNotFound):
		metrics.ReadReceipts.WithLabelValues("not_found").Inc()
		return chaterr.NotFound(opMarkRead, "message %s not found", messageID)
	case err != nil:
		metrics.ReadReceipts.WithLabelValues("error").Inc()
		return chaterr.Persistence(opMarkRead, err)
	}

	if changed {
		metrics.ReadReceipts.WithLabelValues("advanced").Inc()
	} else {
		metrics.ReadReceipts.WithLabelValues("noop").Inc()
	}
	r.logger.Debug().Str("message", messageID).Stringer("state", state).Bool("changed", changed).Msg("read receipt")
	return nil
}

// MarkReadAs is MarkRead on behalf of readerID. Messages addressed to
// someone else are reported as not found.
func (r *Receipts) MarkReadAs(ctx context.Context, readerID, messageID string) error {
	if messageID == "" {
		return chaterr.Validation(opMarkRead, "message id is required")
	}

	msg, err := r.store.GetMessage(ctx, messageID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && msg.ReceiverID != readerID) {
		metrics.ReadReceipts.WithLabelValues("not_found").Inc()
		return chaterr.NotFound(opMarkRead, "message %s not found", messageID)
	}
	if err != nil {
		metrics.ReadReceipts.WithLabelValues("error").Inc()
		return chaterr.Persistence(opMarkRead, err)
	}

	return r.MarkRead(ctx, messageID)
}
