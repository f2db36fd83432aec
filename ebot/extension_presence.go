package ebot

import (
	"context"
	"github.com/lmittmann/tint"
	"sync"
)

const presenceExtensionName = "presence"

// presenceExtension rotates the bot's custom status through the
// configured statuses
type presenceExtension struct {
	host     *Host
	statuses []string

	mu   sync.Mutex
	next int
}

func (p *presenceExtension) Init(ctx context.Context, ec *ExtensionContext) error {
	p.host = ec.Host
	cfg := ec.Host.Config().Presence
	p.statuses = cfg.Statuses
	if len(p.statuses) == 0 {
		ec.Logger.InfoContext(ctx, "no statuses configured")
		return nil
	}

	_, err := ec.Schedule("rotate", Every(cfg.Interval), p.rotate)
	return err
}

func (*presenceExtension) Teardown(context.Context) error {
	return nil
}

// rotate sets the next status, wrapping around at the end of the list
func (p *presenceExtension) rotate(ctx context.Context) {
	p.mu.Lock()
	status := p.statuses[p.next%len(p.statuses)]
	p.next = (p.next + 1) % len(p.statuses)
	p.mu.Unlock()

	if err := p.host.Gateway().SetStatus(ctx, status); err != nil {
		contextLoggerOr(ctx, p.host.Logger()).WarnContext(ctx, "error setting status", tint.Err(err))
	}
}
