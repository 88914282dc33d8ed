package instance

import (
	"context"
	"time"

	"cislave/internal/config"
	"cislave/internal/logging"
	"cislave/internal/provisioning"

	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultPollTimeout  = 300 * time.Second
)

// Poller waits for provider operations to finish
type Poller struct {
	client   provisioning.Client
	interval time.Duration
	timeout  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a poller querying client. Zero durations in cfg fall
// back to the defaults.
func NewPoller(client provisioning.Client, cfg config.PollerConfig) *Poller {
	p := &Poller{
		client:   client,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		now:      time.Now,
		sleep:    sleepContext,
	}
	if p.interval <= 0 {
		p.interval = DefaultPollInterval
	}
	if p.timeout <= 0 {
		p.timeout = DefaultPollTimeout
	}
	return p
}

// Wait polls op until it is DONE or the timeout has elapsed and returns the
// last snapshot either way. Running past the timeout is not an error: the
// caller must check the snapshot status. Errors from the provider are
// returned as is.
func (p *Poller) Wait(ctx context.Context, op *provisioning.Operation) (*provisioning.Operation, error) {
	start := p.now()
	for {
		latest, err := p.client.GetOperation(ctx, op)
		if err != nil {
			return nil, err
		}
		if latest.Done() {
			return latest, nil
		}

		elapsed := p.now().Sub(start)
		if elapsed > p.timeout {
			logging.Logger().Warn("gave up waiting for operation",
				zap.String("operation", latest.Name),
				zap.String("kind", string(latest.Kind)),
				zap.String("status", latest.Status),
				zap.Duration("elapsed", elapsed))
			return latest, nil
		}

		logging.Logger().Info("waiting for operation",
			zap.String("operation", latest.Name),
			zap.String("kind", string(latest.Kind)),
			zap.String("target", latest.Target),
			zap.String("status", latest.Status))

		if err := p.sleep(ctx, p.interval); err != nil {
			return nil, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
