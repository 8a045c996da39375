package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Nikunj-TUM/tyke/internal/config"
	"github.com/Nikunj-TUM/tyke/internal/database"
	"github.com/Nikunj-TUM/tyke/internal/dispatch"
	"github.com/Nikunj-TUM/tyke/internal/logging"
	"github.com/Nikunj-TUM/tyke/internal/models"
	"github.com/Nikunj-TUM/tyke/internal/queue"
	"github.com/Nikunj-TUM/tyke/internal/services"
	"github.com/Nikunj-TUM/tyke/internal/status"
	"github.com/Nikunj-TUM/tyke/internal/whatsapp"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const listenRetryDelay = 5 * time.Second

func openDB(cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	db, err := database.Open(cfg.Database, logging.Component(log, "database"))
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		database.Close(db)
		return nil, err
	}
	return db, nil
}

// ResetCounters zeroes messages_sent_today for every instance once.
func ResetCounters(ctx context.Context, cfg *config.Config, log zerolog.Logger) (int64, error) {
	db, err := openDB(cfg, log)
	if err != nil {
		return 0, err
	}
	defer database.Close(db)
	return resetCounters(ctx, services.NewInstanceService(db), log)
}

// Enqueue publishes one send request to the work queue and records it as queued.
func Enqueue(ctx context.Context, cfg *config.Config, log zerolog.Logger, req dispatch.Request) (dispatch.Request, error) {
	broker, err := queue.Dial(cfg.AMQPURL, logging.Component(log, "amqp"))
	if err != nil {
		return req, fmt.Errorf("failed to connect to message broker: %w", err)
	}
	defer broker.Close()
	if err := broker.Declare(cfg.MessageQueue); err != nil {
		return req, err
	}

	if cfg.Single() {
		req.InstanceID = ""
	}
	if req.ContactName == "" {
		req.ContactName = req.PhoneNumber
	}
	queued, err := dispatch.NewEnqueuer(broker, cfg.MessageQueue, !cfg.Single()).Enqueue(ctx, req)
	if err != nil {
		return queued, err
	}

	db, err := openDB(cfg, log)
	if err != nil {
		log.Warn().Err(err).Str("message_id", queued.MessageID).Msg("message queued but not recorded")
		return queued, nil
	}
	defer database.Close(db)

	row := &models.WhatsAppMessage{
		MessageID:   queued.MessageID,
		PhoneNumber: queued.PhoneNumber,
		ContactName: queued.ContactName,
		Message:     queued.Message,
		Direction:   models.DirectionOutbound,
		Status:      models.MessageQueued,
		SentBy:      "cli",
	}
	if !cfg.Single() {
		instances := services.NewInstanceService(db)
		if id, err := whatsapp.InstanceID(string(queued.InstanceID)); err == nil {
			row.WhatsAppInstanceID = &id
			if inst, err := instances.GetInstance(ctx, id); err == nil {
				row.OrganizationID = inst.OrganizationID
			}
		}
	}
	if err := services.NewMessageLogService(db).RecordQueued(ctx, row); err != nil {
		log.Warn().Err(err).Str("message_id", queued.MessageID).Msg("message queued but not recorded")
	}
	return queued, nil
}

// ListenStatus consumes the status queue and updates the message log until ctx ends.
// The subscription is reopened after a broker disconnect.
func ListenStatus(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	db, err := openDB(cfg, log)
	if err != nil {
		return err
	}
	defer database.Close(db)

	broker, err := queue.Dial(cfg.AMQPURL, logging.Component(log, "amqp"))
	if err != nil {
		return fmt.Errorf("failed to connect to message broker: %w", err)
	}
	defer broker.Close()
	if err := broker.Declare(cfg.StatusQueue); err != nil {
		return err
	}

	listenLog := logging.Component(log, "status-listener")
	listener := status.NewListener(listenLog, services.NewMessageLogService(db))
	listenLog.Info().Str("queue", cfg.StatusQueue).Msg("listening for status events")
	for {
		consumer, err := broker.Consume(cfg.StatusQueue, "tyke-status-listener", 10)
		if err == nil {
			err = listener.Run(ctx, consumer)
			consumer.Close()
			if err == nil {
				return nil
			}
		}
		if !errors.Is(err, queue.ErrClosed) {
			listenLog.Error().Err(err).Msg("status consumer failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(listenRetryDelay):
		}
	}
}
