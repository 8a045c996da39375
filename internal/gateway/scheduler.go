package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const counterResetTimeout = time.Minute

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CounterResetter zeroes every instance's daily send counter.
type CounterResetter interface {
	ResetDailyCounts(ctx context.Context) (int64, error)
}

// newCounterSchedule returns a stopped cron that runs the daily counter reset on expr.
func newCounterSchedule(expr string, resetter CounterResetter, log zerolog.Logger) (*cron.Cron, error) {
	if _, err := cronParser.Parse(expr); err != nil {
		return nil, fmt.Errorf("invalid COUNTER_RESET_CRON %q: %w", expr, err)
	}
	c := cron.New(cron.WithParser(cronParser))
	_, err := c.AddFunc(expr, func() {
		resetCounters(context.Background(), resetter, log)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func resetCounters(ctx context.Context, resetter CounterResetter, log zerolog.Logger) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, counterResetTimeout)
	defer cancel()
	n, err := resetter.ResetDailyCounts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to reset daily message counters")
		return 0, err
	}
	log.Info().Int64("instances", n).Msg("daily message counters reset")
	return n, nil
}
