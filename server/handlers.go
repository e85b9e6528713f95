package server

import (
	"errors"
	"fmt"

	"rtchat/chaterr"
	"rtchat/metrics"
	"rtchat/protocol"
)

// handle dispatches one inbound event. It returns false when the connection
// must be closed.
func (s *Server) handle(c *conn, in protocol.Inbound, decodeErr error) bool {
	if decodeErr != nil {
		if c.userID == "" {
			return s.rejectAuth(c, chaterr.Authentication(protocol.EventAuthenticate, decodeErr))
		}
		c.logger.Debug().Err(decodeErr).Msg("malformed frame")
		s.reply(c, protocol.NewError("", chaterr.Validation("", "invalid packet format")))
		return true
	}

	switch in.Type {
	case protocol.EventPing:
		s.reply(c, protocol.Pong{})
		return true
	case protocol.EventBye:
		s.reply(c, protocol.Bye{})
		return false
	case protocol.EventAuthenticate:
		return s.handleAuthenticate(c, in.Authenticate)
	}

	if c.userID == "" {
		return s.rejectAuth(c, chaterr.Authentication(in.Type, errors.New("not authenticated")))
	}

	switch in.Type {
	case protocol.EventSendMessage:
		s.handleSendMessage(c, in.SendMessage)
	case protocol.EventMarkRead:
		s.handleMarkRead(c, in.MarkRead)
	default:
		s.reply(c, protocol.NewError(in.Type, chaterr.Validation(in.Type, "unknown event type")))
	}
	return true
}

func (s *Server) handleAuthenticate(c *conn, payload protocol.AuthenticatePayload) bool {
	const op = protocol.EventAuthenticate

	userID, err := s.verifier.Verify(s.ctx, payload.Token)
	if err != nil {
		return s.rejectAuth(c, err)
	}

	if c.userID != "" {
		if c.userID != userID {
			return s.rejectAuth(c, chaterr.Authentication(op, fmt.Errorf("connection already authenticated as %s", c.userID)))
		}
		if _, live := s.registry.LookupByConnection(c.id); live {
			s.reply(c, protocol.Authenticated{UserID: userID})
			return true
		}
		// superseded by a newer connection; authenticating again takes the
		// session back
	}

	exists, err := s.store.UserExists(s.ctx, userID)
	if err != nil {
		s.reply(c, protocol.NewError(op, chaterr.Persistence(op, err)))
		return true
	}
	if !exists {
		return s.rejectAuth(c, chaterr.Authentication(op, fmt.Errorf("unknown user %s", userID)))
	}

	if replaced := s.registry.Register(userID, c); replaced != nil {
		c.logger.Info().Str("user", userID).Str("replaced", replaced.ID()).Msg("session replaced")
	}
	c.userID = userID
	c.logger.Info().Str("user", userID).Msg("authenticated")

	s.reply(c, protocol.Authenticated{UserID: userID})

	if err := s.presence.AnnounceOnline(s.ctx, userID); err != nil {
		c.logger.Error().Err(err).Str("user", userID).Msg("online announcement failed")
	}

	if s.config.RedeliverPending {
		n, err := s.pipeline.DeliverPending(s.ctx, userID)
		if err != nil {
			c.logger.Error().Err(err).Str("user", userID).Msg("pending delivery failed")
		} else if n > 0 {
			c.logger.Info().Str("user", userID).Int("messages", n).Msg("pending messages delivered")
		}
	}
	return true
}

// rejectAuth reports an authentication failure and ends the connection.
func (s *Server) rejectAuth(c *conn, err error) bool {
	metrics.AuthFailures.Inc()
	c.logger.Warn().Err(err).Msg("authentication failed")
	s.reply(c, protocol.NewError(protocol.EventAuthenticate, err))
	return false
}

func (s *Server) handleSendMessage(c *conn, payload protocol.SendMessagePayload) {
	ack, err := s.pipeline.Send(s.ctx, c.userID, payload.ReceiverID, payload.Content)
	if err != nil {
		s.logRequestError(c, protocol.EventSendMessage, err)
		s.reply(c, protocol.NewError(protocol.EventSendMessage, err))
		return
	}

	s.reply(c, protocol.MessageSent{
		MessageID:     ack.MessageID,
		ReceiverID:    ack.ReceiverID,
		CreatedAt:     ack.CreatedAt,
		DeliveryState: ack.DeliveryState,
	})
}

func (s *Server) handleMarkRead(c *conn, payload protocol.MarkReadPayload) {
	if err := s.receipts.MarkReadAs(s.ctx, c.userID, payload.MessageID); err != nil {
		s.logRequestError(c, protocol.EventMarkRead, err)
		s.reply(c, protocol.NewError(protocol.EventMarkRead, err))
		return
	}
	s.reply(c, protocol.ReadAck{MessageID: payload.MessageID})
}

// reply queues a direct response to the client's own request.
func (s *Server) reply(c *conn, ev protocol.Outbound) {
	if err := c.Push(ev); err != nil {
		metrics.PushFailures.WithLabelValues(ev.EventType()).Inc()
		c.logger.Warn().Err(err).Str("event", ev.EventType()).Msg("reply dropped")
	}
}

func (s *Server) logRequestError(c *conn, op string, err error) {
	if chaterr.KindOf(err) == chaterr.KindPersistence {
		c.logger.Error().Err(err).Str("user", c.userID).Str("op", op).Msg("request failed")
		return
	}
	c.logger.Debug().Err(err).Str("user", c.userID).Str("op", op).Msg("request rejected")
}
