// Package poller drives the fetch cycle: on a fixed interval it walks every
// active mailbox, opens a session, and drains unread mail into the pipeline.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hivedesk/hivedesk/internal/email/connector"
	"github.com/hivedesk/hivedesk/internal/email/credentials"
	"github.com/hivedesk/hivedesk/internal/models"
)

type mailboxLister interface {
	GetActive(ctx context.Context) ([]*models.Mailbox, error)
}

type sessionBuilder interface {
	BuildSession(ctx context.Context, mb *models.Mailbox) (*connector.Session, error)
}

type fetcher interface {
	Fetch(ctx context.Context, mailboxID int, mailboxName string, session *connector.Session, handler connector.Handler) error
}

const (
	defaultInterval       = 30 * time.Second
	defaultMailboxTimeout = 2 * time.Minute
)

// Poller runs fetch cycles on a fixed interval. At most one cycle runs at a
// time: if a cycle is still busy when the next tick fires, the tick is
// skipped. Mailboxes within a cycle are visited sequentially, and one
// mailbox failing never stops the others.
type Poller struct {
	mailboxes mailboxLister
	sessions  sessionBuilder
	fetcher   fetcher
	handler   connector.Handler

	interval       time.Duration
	mailboxTimeout time.Duration
	logger         *log.Logger
	metrics        *pollMetrics

	cron    *cron.Cron
	running atomic.Bool
}

// PollerOption customizes a Poller.
type PollerOption func(*Poller)

// NewPoller builds a poller over the given collaborators.
func NewPoller(mailboxes mailboxLister, sessions sessionBuilder, f fetcher, handler connector.Handler, opts ...PollerOption) *Poller {
	p := &Poller{
		mailboxes:      mailboxes,
		sessions:       sessions,
		fetcher:        f,
		handler:        handler,
		interval:       defaultInterval,
		mailboxTimeout: defaultMailboxTimeout,
		logger:         log.Default(),
		metrics:        globalPollMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// WithPollInterval overrides the cycle interval.
func WithPollInterval(interval time.Duration) PollerOption {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithMailboxTimeout bounds how long a single mailbox may take per cycle.
func WithMailboxTimeout(timeout time.Duration) PollerOption {
	return func(p *Poller) {
		if timeout > 0 {
			p.mailboxTimeout = timeout
		}
	}
}

// WithPollerLogger overrides the logger used for diagnostics.
func WithPollerLogger(logger *log.Logger) PollerOption {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Run schedules poll cycles and blocks until the context is cancelled. The
// first cycle runs immediately rather than waiting a full interval.
func (p *Poller) Run(ctx context.Context) error {
	p.cron = cron.New()
	if _, err := p.cron.AddFunc(fmt.Sprintf("@every %s", p.interval), func() {
		p.Poll(ctx)
	}); err != nil {
		return fmt.Errorf("schedule poll cycle: %w", err)
	}

	p.Poll(ctx)
	p.cron.Start()

	<-ctx.Done()
	stopCtx := p.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		p.logger.Printf("poller: timed out waiting for cycle to finish")
	}
	return nil
}

// Poll runs one fetch cycle. Returns false when a cycle was already in
// flight and this one was skipped.
func (p *Poller) Poll(ctx context.Context) bool {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Printf("poller: previous cycle still running, skipping")
		p.metrics.cyclesSkipped.Inc()
		return false
	}
	defer p.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Printf("poller: cycle panicked: %v", r)
		}
	}()

	start := time.Now()
	mailboxes, err := p.mailboxes.GetActive(ctx)
	if err != nil {
		p.logger.Printf("poller: list active mailboxes failed: %v", err)
		return true
	}

	for _, mb := range mailboxes {
		if ctx.Err() != nil {
			return true
		}
		p.pollMailbox(ctx, mb)
	}

	p.metrics.cycles.Inc()
	p.metrics.cycleDuration.Observe(time.Since(start).Seconds())
	return true
}

func (p *Poller) pollMailbox(ctx context.Context, mb *models.Mailbox) {
	mbCtx, cancel := context.WithTimeout(ctx, p.mailboxTimeout)
	defer cancel()

	session, err := p.sessions.BuildSession(mbCtx, mb)
	if err != nil {
		p.recordMailboxError(mb, err)
		return
	}

	if err := p.fetcher.Fetch(mbCtx, mb.ID, mb.Name, session, p.handler); err != nil {
		p.recordMailboxError(mb, err)
		return
	}
	p.metrics.mailboxesOK.Inc()
}

func (p *Poller) recordMailboxError(mb *models.Mailbox, err error) {
	switch {
	case errors.Is(err, credentials.ErrReauthRequired):
		p.metrics.reauthRequired.Inc()
		p.logger.Printf("poller: mailbox %s (%d) needs re-authentication, skipping until reauthorized", mb.Name, mb.ID)
	case errors.Is(err, connector.ErrMissingPassword), errors.Is(err, connector.ErrUnknownProvider):
		p.metrics.mailboxErrors.Inc()
		p.logger.Printf("poller: mailbox %s (%d) misconfigured: %v", mb.Name, mb.ID, err)
	case errors.Is(err, context.DeadlineExceeded):
		p.metrics.mailboxErrors.Inc()
		p.logger.Printf("poller: mailbox %s (%d) timed out after %s", mb.Name, mb.ID, p.mailboxTimeout)
	default:
		p.metrics.mailboxErrors.Inc()
		p.logger.Printf("poller: mailbox %s (%d) fetch failed: %v", mb.Name, mb.ID, err)
	}
}
