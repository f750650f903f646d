package service

import (
	"context"

	apperrors "sessionchat/internal/errors"
	"sessionchat/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Client wires the coordinators together behind the operations the UI
// (or the control API) calls.
type Client struct {
	LocalID     string
	Presence    *PresenceCoordinator
	Typing      *TypingCoordinator
	Delivery    *DeliveryPipeline
	KeyExchange *KeyExchange
	Blocklist   *Blocklist
	Router      *EventRouter
	Hub         *Hub

	logger *logrus.Logger
}

func NewClient(cfg *models.Config, deps Deps) *Client {
	deps = deps.withDefaults()
	if deps.Hub == nil {
		deps.Hub = NewHub(0, deps.Logger)
	}

	blocks := NewBlocklist(deps)
	presence := NewPresenceCoordinator(cfg.Presence, deps)
	typing := NewTypingCoordinator(cfg.Typing, deps)
	delivery := NewDeliveryPipeline(cfg.Delivery, blocks, deps)
	keys := NewKeyExchange(cfg.KeyExchange, cfg.Identity.DisplayName, blocks, deps)
	keys.OnKeyAvailable(delivery.OnKeyAvailable)

	return &Client{
		LocalID:     deps.LocalID,
		Presence:    presence,
		Typing:      typing,
		Delivery:    delivery,
		KeyExchange: keys,
		Blocklist:   blocks,
		Router:      NewEventRouter(cfg.Router, presence, typing, delivery, keys, blocks, deps),
		Hub:         deps.Hub,
		logger:      deps.Logger,
	}
}

// Restore reloads persisted state after a restart.
func (c *Client) Restore(ctx context.Context) error {
	if err := c.Blocklist.Restore(ctx); err != nil {
		return err
	}
	requests, err := c.KeyExchange.Restore(ctx)
	if err != nil {
		return err
	}
	messages, err := c.Delivery.Restore(ctx)
	if err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"requests": requests,
		"messages": messages,
	}).Info("Client state restored")
	return nil
}

// SendText sends text to a peer under a fresh message id, ending any local
// typing indicator first.
func (c *Client) SendText(ctx context.Context, to, text string) (*models.MessageRecord, error) {
	if to == "" {
		return nil, apperrors.NewValidationError("to", "recipient is required")
	}
	conv := models.ConversationID(c.LocalID, to)
	c.Typing.StopTyping(ctx, conv)

	return c.Delivery.Send(ctx, &models.MessageRecord{
		ID:             uuid.NewString(),
		ConversationID: conv,
		RecipientID:    to,
		Plaintext:      text,
	})
}

// StartTyping reports a keystroke in the conversation with peerID.
func (c *Client) StartTyping(ctx context.Context, peerID string) error {
	if peerID == "" {
		return apperrors.NewValidationError("peer", "peer is required")
	}
	return c.Typing.OnTextInput(ctx, models.ConversationID(c.LocalID, peerID), []string{peerID})
}

// StopTyping ends the local typing indicator in the conversation with peerID.
func (c *Client) StopTyping(ctx context.Context, peerID string) {
	c.Typing.StopTyping(ctx, models.ConversationID(c.LocalID, peerID))
}

// Close stops every timer owned by the coordinators.
func (c *Client) Close() {
	c.Typing.Close()
	c.Presence.Close()
	c.Delivery.Close()
	c.KeyExchange.Close()
	c.Hub.Close()
}
