package whatsapp

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDiscoveryInterval is how often the desired session list is reconciled.
const DefaultDiscoveryInterval = 30 * time.Second

// DesiredSource lists the sessions that should be running.
type DesiredSource interface {
	Desired(ctx context.Context) ([]Desired, error)
}

// StaticSource always wants the same sessions. Single-session mode uses it for DefaultSessionID.
type StaticSource []Desired

func (s StaticSource) Desired(context.Context) ([]Desired, error) {
	return s, nil
}

// Ensurer starts a session if it is not already running.
type Ensurer interface {
	Ensure(ctx context.Context, d Desired) (bool, error)
}

// Discovery periodically starts every desired session that is not registered.
// It never stops sessions that disappear from the desired list.
type Discovery struct {
	source   DesiredSource
	ensurer  Ensurer
	interval time.Duration
	log      zerolog.Logger
}

func NewDiscovery(source DesiredSource, ensurer Ensurer, interval time.Duration, log zerolog.Logger) *Discovery {
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}
	return &Discovery{source: source, ensurer: ensurer, interval: interval, log: log}
}

// Run reconciles immediately and then on every tick until ctx is done.
func (d *Discovery) Run(ctx context.Context) error {
	d.Reconcile(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Reconcile(ctx)
		}
	}
}

// Reconcile runs one discovery pass and returns how many sessions it started.
func (d *Discovery) Reconcile(ctx context.Context) int {
	desired, err := d.source.Desired(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to list desired sessions, retrying next tick")
		return 0
	}

	started := 0
	for _, want := range desired {
		if ctx.Err() != nil {
			break
		}
		ok, err := d.ensurer.Ensure(ctx, want)
		if err != nil {
			d.log.Error().Err(err).Str("session_id", want.SessionID).Msg("failed to start session")
			continue
		}
		if ok {
			started++
		}
	}
	if started > 0 {
		d.log.Info().Int("started", started).Int("desired", len(desired)).Msg("discovery started sessions")
	}
	return started
}
