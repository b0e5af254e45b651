package abuse

import (
	"context"
	"errors"
	"time"

	"example/mixreport-api/app/logging"
	"example/mixreport-api/app/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Kind string

const (
	Allow    Kind = "ALLOW"
	DenyVPN  Kind = "DENY_VPN"
	DenyRate Kind = "DENY_RATE"
)

// Path says how an allowed request reached us.
type Path string

const (
	PathDirect  Path = "direct"
	PathProxied Path = "proxied"
)

type Verdict struct {
	Kind Kind
	Path Path
	// Service names the anonymizer for DenyVPN when the lookup knew it.
	Service string
	// Unverified is set when DenyRate comes from a failed lookup rather than
	// from throttling.
	Unverified bool
}

func (v Verdict) Allowed() bool { return v.Kind == Allow }

var errNoReputation = errors.New("abuse: no reputation source configured")

type Gate struct {
	rep      Reputation
	cache    Cache
	ttl      time.Duration
	limiters *Limiters
	timeout  time.Duration
	group    singleflight.Group
	log      *zap.Logger
	metrics  *metrics.Metrics
}

type GateOptions struct {
	Cache    Cache
	CacheTTL time.Duration
	Limiters *Limiters
	// LookupTimeout bounds one reputation lookup. Defaults to 5s.
	LookupTimeout time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// NewGate builds a gate. A nil Reputation makes every lookup fail, so the
// gate denies all anonymous traffic.
func NewGate(rep Reputation, opts GateOptions) *Gate {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 5 * time.Second
	}
	return &Gate{
		rep:      rep,
		cache:    opts.Cache,
		ttl:      opts.CacheTTL,
		limiters: opts.Limiters,
		timeout:  opts.LookupTimeout,
		log:      logging.OrNop(opts.Logger),
		metrics:  opts.Metrics,
	}
}

// Classify never returns an error: anything it cannot verify is DenyRate.
func (g *Gate) Classify(ctx context.Context, o Origin) Verdict {
	v, cached := g.classify(ctx, o)
	g.metrics.Verdict(string(v.Kind), cached)
	return v
}

func (g *Gate) classify(ctx context.Context, o Origin) (Verdict, bool) {
	if o.IP == "" {
		return Verdict{Kind: DenyRate, Unverified: true}, false
	}
	if !g.limiters.Allow(o.IP) {
		return Verdict{Kind: DenyRate}, false
	}

	r, cached, err := g.report(ctx, o.IP)
	if err != nil {
		g.log.Warn("reputation lookup failed, denying", zap.Error(err))
		return Verdict{Kind: DenyRate, Unverified: true}, false
	}

	switch {
	case r.Anonymizer():
		return Verdict{Kind: DenyVPN, Service: r.Service}, cached
	case r.Relay:
		return Verdict{Kind: Allow, Path: PathProxied}, cached
	default:
		return Verdict{Kind: Allow, Path: PathDirect}, cached
	}
}

func (g *Gate) report(ctx context.Context, ip string) (Report, bool, error) {
	if g.cache != nil {
		r, ok, err := g.cache.Get(ctx, ip)
		if err != nil {
			g.log.Warn("reputation cache read failed", zap.Error(err))
		} else if ok {
			return r, true, nil
		}
	}
	if g.rep == nil {
		return Report{}, false, errNoReputation
	}

	v, err, _ := g.group.Do(ip, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		r, err := g.rep.Lookup(lctx, ip)
		if err != nil {
			return Report{}, err
		}
		if g.cache != nil && g.ttl > 0 {
			if err := g.cache.Set(lctx, ip, r, g.ttl); err != nil {
				g.log.Warn("reputation cache write failed", zap.Error(err))
			}
		}
		return r, nil
	})
	if err != nil {
		return Report{}, false, err
	}
	return v.(Report), false, nil
}
