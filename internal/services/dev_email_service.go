package services

import (
	"context"

	"github.com/rs/zerolog"
)

// DevEmailService logs mail instead of sending it. Used when SMTP credentials are absent.
type DevEmailService struct {
	log zerolog.Logger
}

func NewDevEmailService(log zerolog.Logger) *DevEmailService {
	return &DevEmailService{log: log}
}

func (s *DevEmailService) SendEmail(_ context.Context, to string, subject string, htmlBody string) error {
	s.log.Info().
		Str("to", to).
		Str("subject", subject).
		Str("body", htmlBody).
		Msg("email (not sent, SMTP not configured)")
	return nil
}
