package status

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Nikunj-TUM/tyke/internal/queue"
	"github.com/Nikunj-TUM/tyke/internal/services"

	"github.com/rs/zerolog"
)

// DeliveryLog is the part of the message log the listener updates.
type DeliveryLog interface {
	MarkSent(ctx context.Context, messageID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, messageID, reason string) error
}

// Listener consumes the status queue and folds delivery outcomes into the message log.
type Listener struct {
	log   zerolog.Logger
	store DeliveryLog
}

func NewListener(log zerolog.Logger, store DeliveryLog) *Listener {
	return &Listener{log: log, store: store}
}

// Run processes deliveries until ctx is done or src closes.
func (l *Listener) Run(ctx context.Context, src queue.Source) error {
	for {
		d, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		l.Process(ctx, d)
	}
}

// Process handles one status delivery. Undecodable payloads and store failures are rejected without requeue.
func (l *Listener) Process(ctx context.Context, d queue.Delivery) {
	var ev Event
	if err := json.Unmarshal(d.Body(), &ev); err != nil {
		l.log.Error().Err(err).Msg("undecodable status event")
		l.nack(d)
		return
	}

	if !ev.IsDelivery() || ev.MessageID == "" {
		l.log.Info().
			Str("status", string(ev.Status)).
			Str("instance_id", ev.InstanceID).
			Msg("session status")
		l.ack(d)
		return
	}

	var err error
	switch ev.Status {
	case KindMessageSent:
		sentAt := ev.Timestamp
		if ev.SentAt != nil {
			sentAt = *ev.SentAt
		}
		err = l.store.MarkSent(ctx, ev.MessageID, sentAt)
	case KindMessageFailed:
		err = l.store.MarkFailed(ctx, ev.MessageID, ev.Error)
	}

	if errors.Is(err, services.ErrMessageNotFound) {
		l.log.Warn().Str("message_id", ev.MessageID).Msg("status for unknown message")
		l.ack(d)
		return
	}
	if err != nil {
		l.log.Error().Err(err).Str("message_id", ev.MessageID).Msg("failed to record delivery status")
		l.nack(d)
		return
	}

	l.log.Info().
		Str("message_id", ev.MessageID).
		Str("status", string(ev.Status)).
		Msg("delivery status recorded")
	l.ack(d)
}

func (l *Listener) ack(d queue.Delivery) {
	if err := d.Ack(); err != nil {
		l.log.Error().Err(err).Msg("failed to ack status delivery")
	}
}

func (l *Listener) nack(d queue.Delivery) {
	if err := d.Nack(false); err != nil {
		l.log.Error().Err(err).Msg("failed to nack status delivery")
	}
}
