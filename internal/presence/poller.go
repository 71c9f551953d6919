// Package presence polls WhatsApp presence for leads one vendor call at a time.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"leadhub/internal/apperr"
	"leadhub/internal/evolution"
	"leadhub/internal/metrics"
	"leadhub/internal/repo"
)

// Defaults for Options.
const (
	DefaultInterval = 2000 * time.Millisecond
	DefaultRefresh  = 30 * time.Second
)

// Fetcher is the bridge call used for each poll.
type Fetcher interface {
	FetchPresence(ctx context.Context, instance, number string) (*evolution.Profile, error)
}

// Info is the latest known presence of a lead.
type Info struct {
	LeadID      string     `json:"lead_id"`
	Online      bool       `json:"is_online"`
	Presence    string     `json:"presence,omitempty"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	Picture     string     `json:"profile_picture_url,omitempty"`
	RateLimited bool       `json:"rate_limited"`
	Error       string     `json:"error,omitempty"`
	CheckedAt   time.Time  `json:"checked_at"`
}

// Options tunes a Poller. Zero fields take the defaults.
type Options struct {
	Interval time.Duration
	Refresh  time.Duration
	Sleep    func(ctx context.Context, d time.Duration) error
	Now      func() time.Time
	Metrics  *metrics.Metrics
}

type request struct {
	leadID   string
	phone    string
	instance string
}

// Poller serialises presence lookups through a FIFO drained by a single goroutine.
type Poller struct {
	fetcher  Fetcher
	logger   *slog.Logger
	metrics  *metrics.Metrics
	interval time.Duration
	refresh  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    []request
	draining bool
	info     map[string]Info

	selected     string
	stopSelected context.CancelFunc
}

// NewPoller returns an idle poller. Close releases its goroutines.
func NewPoller(fetcher Fetcher, logger *slog.Logger, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Refresh <= 0 {
		opts.Refresh = DefaultRefresh
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		fetcher:  fetcher,
		logger:   logger.With("component", "presence"),
		metrics:  opts.Metrics,
		interval: opts.Interval,
		refresh:  opts.Refresh,
		sleep:    opts.Sleep,
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
		info:     make(map[string]Info),
	}
}

// Fetch queues a lookup for lead and starts the drain loop when idle.
func (p *Poller) Fetch(lead repo.Lead, instance string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return
	}
	p.queue = append(p.queue, request{leadID: lead.ID, phone: lead.Phone, instance: instance})
	if p.draining {
		return
	}
	p.draining = true
	p.wg.Add(1)
	go p.drain()
}

// Select makes lead the auto-refreshed lead: it is queued now and then every
// refresh period until another lead is selected, ctx ends or the poller closes.
// Lookups already queued for the previous lead still run.
func (p *Poller) Select(ctx context.Context, lead repo.Lead, instance string) {
	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	if p.stopSelected != nil {
		p.stopSelected()
	}
	loopCtx, stop := context.WithCancel(p.ctx)
	p.selected = lead.ID
	p.stopSelected = stop
	p.wg.Add(1)
	p.mu.Unlock()

	p.Fetch(lead, instance)

	go func() {
		defer p.wg.Done()
		defer stop()
		ticker := time.NewTicker(p.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Fetch(lead, instance)
			}
		}
	}()
}

// Selected returns the lead currently auto-refreshed, if any.
func (p *Poller) Selected() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected
}

// Get returns the latest presence recorded for leadID.
func (p *Poller) Get(leadID string) (Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.info[leadID]
	return info, ok
}

// Pending reports how many lookups are waiting.
func (p *Poller) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops the refresh loop and waits for the drain goroutine.
func (p *Poller) Close() {
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) drain() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(p.queue) == 0 || p.ctx.Err() != nil {
			p.draining = false
			p.mu.Unlock()
			return
		}
		req := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.poll(req)

		// Sleep after every call, the last one included: two vendor calls are
		// never closer than interval.
		if err := p.sleep(p.ctx, p.interval); err != nil {
			p.mu.Lock()
			p.draining = false
			p.mu.Unlock()
			return
		}
	}
}

func (p *Poller) poll(req request) {
	profile, err := p.fetcher.FetchPresence(p.ctx, req.instance, req.phone)
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	info := p.info[req.leadID]
	info.LeadID = req.leadID
	info.CheckedAt = now

	switch {
	case err == nil:
		info.Online = profile.IsOnline()
		info.Presence = profile.Presence
		info.LastSeen = profile.LastSeen
		info.Picture = profile.Picture
		info.RateLimited = false
		info.Error = ""
		p.record("ok")
	case apperr.Is(err, apperr.KindRateLimited), apperr.Is(err, apperr.KindNotFound):
		info.RateLimited = true
		p.record("rate_limited")
		p.logger.Debug("presence lookup throttled", "lead_id", req.leadID, "instance", req.instance)
	default:
		info.Error = apperr.Message(err)
		p.record("error")
		p.logger.Warn("presence lookup failed", "lead_id", req.leadID, "instance", req.instance, "error", err)
	}
	p.info[req.leadID] = info
}

func (p *Poller) record(outcome string) {
	if p.metrics != nil {
		p.metrics.PresencePolls.WithLabelValues(outcome).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
