package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/Nikunj-TUM/tyke/internal/queue"
	"github.com/Nikunj-TUM/tyke/internal/status"
	"github.com/Nikunj-TUM/tyke/internal/whatsapp"

	"github.com/rs/zerolog"
)

const (
	DefaultSendTimeout = 30 * time.Second
	DefaultSendDelay   = time.Second

	persistTimeout = 5 * time.Second
)

// Failure texts carried in message_failed events.
const (
	reasonMalformed = "malformed request"
	reasonNotReady  = "session not ready"
	reasonQuota     = "daily message limit reached"
)

// Outcome is what happened to one delivery.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeMalformed
	OutcomeNotReady
	OutcomeQuotaExceeded
	OutcomeSendFailed
	// OutcomeInterrupted means the consumer stopped while the request was waiting on the limiter.
	OutcomeInterrupted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeNotReady:
		return "not_ready"
	case OutcomeQuotaExceeded:
		return "quota_exceeded"
	case OutcomeSendFailed:
		return "send_failed"
	case OutcomeInterrupted:
		return "interrupted"
	}
	return "unknown"
}

// Sessions is the read side of the session registry plus the in-memory send counter.
type Sessions interface {
	Get(id string) (whatsapp.Session, bool)
	RecordSend(id string, at time.Time) bool
}

// Counter persists per-instance send counts.
type Counter interface {
	IncrementSent(ctx context.Context, sessionID string, at time.Time) error
}

// Quota reports whether a session may send more messages today.
type Quota interface {
	WithinQuota(ctx context.Context, sessionID string) (bool, error)
}

type Options struct {
	Sessions Sessions
	Status   status.Emitter
	// Counter, Quota and Limiter are optional.
	Counter Counter
	Quota   Quota
	Limiter Limiter

	// SingleSession routes every request to the default session and ignores instance_id.
	SingleSession bool
	CountryCode   string
	SendTimeout   time.Duration
	Delay         time.Duration
	Logger        zerolog.Logger
}

// Consumer processes send requests one at a time.
type Consumer struct {
	sessions    Sessions
	status      status.Emitter
	counter     Counter
	quota       Quota
	limiter     Limiter
	single      bool
	countryCode string
	sendTimeout time.Duration
	delay       time.Duration
	log         zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewConsumer(opts Options) *Consumer {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	return &Consumer{
		sessions:    opts.Sessions,
		status:      opts.Status,
		counter:     opts.Counter,
		quota:       opts.Quota,
		limiter:     opts.Limiter,
		single:      opts.SingleSession,
		countryCode: opts.CountryCode,
		sendTimeout: opts.SendTimeout,
		delay:       opts.Delay,
		log:         opts.Logger,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Run processes deliveries from src until ctx ends or the source closes.
// It returns nil when ctx ended and the source error otherwise.
func (c *Consumer) Run(ctx context.Context, src queue.Source) error {
	for {
		d, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.Process(ctx, d)
		if !c.sleep(ctx, c.delay) {
			return nil
		}
	}
}

// Process handles one delivery and acknowledges it. A send that has started runs to
// completion or to the send timeout even if ctx is cancelled.
func (c *Consumer) Process(ctx context.Context, d queue.Delivery) Outcome {
	req, err := DecodeRequest(d.Body(), !c.single)
	if err != nil {
		c.log.Warn().Err(err).Str("message_id", req.MessageID).Msg("rejecting malformed request")
		c.reject(d, false)
		c.failed(ctx, req, "", reasonMalformed)
		return OutcomeMalformed
	}

	sessionID := string(req.InstanceID)
	if c.single {
		sessionID = whatsapp.DefaultSessionID
	}
	log := c.log.With().Str("message_id", req.MessageID).Str("instance_id", sessionID).Logger()

	sess, ok := c.sessions.Get(sessionID)
	if !ok || !sess.Ready() || sess.Handle() == nil {
		log.Debug().Msg("session not ready, requeueing")
		c.reject(d, true)
		c.failed(ctx, req, sessionID, reasonNotReady)
		return OutcomeNotReady
	}

	to, err := whatsapp.NormalizePhone(req.PhoneNumber, c.countryCode)
	if err != nil {
		log.Warn().Err(err).Str("phone_number", req.PhoneNumber).Msg("rejecting request with invalid destination")
		c.reject(d, false)
		c.failed(ctx, req, sessionID, reasonMalformed)
		return OutcomeMalformed
	}

	if c.quota != nil && !c.single {
		allowed, err := c.quota.WithinQuota(ctx, sessionID)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("quota check failed, sending anyway")
		case !allowed:
			log.Info().Msg("daily message limit reached, requeueing")
			c.reject(d, true)
			c.failed(ctx, req, sessionID, reasonQuota)
			return OutcomeQuotaExceeded
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, sessionID); err != nil {
			log.Debug().Err(err).Msg("stopped while rate limited, requeueing")
			c.reject(d, true)
			return OutcomeInterrupted
		}
	}

	// Readiness may have changed during the quota check or the limiter wait.
	handle := sess.Handle()
	if cur, ok := c.sessions.Get(sessionID); !ok || !cur.Ready() || cur.Handle() != handle {
		log.Info().Msg("session left ready before send, requeueing")
		c.reject(d, true)
		c.failed(ctx, req, sessionID, reasonNotReady)
		return OutcomeNotReady
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.sendTimeout)
	receipt, err := handle.Send(sendCtx, to, req.Message)
	cancel()
	if errors.Is(err, whatsapp.ErrNotConnected) {
		log.Warn().Err(err).Msg("connection dropped during send, requeueing")
		c.reject(d, true)
		c.failed(ctx, req, sessionID, reasonNotReady)
		return OutcomeNotReady
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Error().Err(err).Dur("timeout", c.sendTimeout).Msg("send timed out")
		} else {
			log.Error().Err(err).Msg("send failed")
		}
		c.reject(d, false)
		c.failed(ctx, req, sessionID, err.Error())
		return OutcomeSendFailed
	}

	if err := d.Ack(); err != nil {
		log.Error().Err(err).Msg("failed to ack delivered message")
	}
	sentAt := receipt.Timestamp
	if sentAt.IsZero() {
		sentAt = c.now()
	}
	sentAt = sentAt.UTC()
	c.sessions.RecordSend(sessionID, sentAt)
	c.persistCount(ctx, log, sessionID, sentAt)

	log.Info().Str("to", to).Str("wa_message_id", receipt.MessageID).Msg("message sent")
	c.status.Emit(ctx, status.Event{
		Status:         status.KindMessageSent,
		MessageID:      req.MessageID,
		InstanceID:     sessionID,
		OrganizationID: sess.Meta.OrganizationID,
		PhoneNumber:    to,
		ContactName:    req.ContactName,
		SentAt:         &sentAt,
	})
	return OutcomeSent
}

func (c *Consumer) persistCount(ctx context.Context, log zerolog.Logger, sessionID string, at time.Time) {
	if c.counter == nil || c.single {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := c.counter.IncrementSent(pctx, sessionID, at); err != nil {
		log.Warn().Err(err).Msg("failed to persist send counter")
	}
}

func (c *Consumer) reject(d queue.Delivery, requeue bool) {
	if err := d.Nack(requeue); err != nil {
		c.log.Error().Err(err).Bool("requeue", requeue).Msg("failed to nack message")
	}
}

func (c *Consumer) failed(ctx context.Context, req Request, sessionID, reason string) {
	if sessionID == "" {
		sessionID = string(req.InstanceID)
	}
	c.status.Emit(ctx, status.Event{
		Status:      status.KindMessageFailed,
		MessageID:   req.MessageID,
		InstanceID:  sessionID,
		PhoneNumber: req.PhoneNumber,
		ContactName: req.ContactName,
		Error:       reason,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
