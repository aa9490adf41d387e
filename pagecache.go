// Package pagecache is a full-page HTTP response cache on Redis.
//
// Entries are tagged with flags so whole groups of pages can be expired or
// deleted at once. Stale entries are served while one request regenerates
// them in the background.
package pagecache

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/always-cache/pagecache/cache"
	"github.com/always-cache/pagecache/config"
	cacheentry "github.com/always-cache/pagecache/pkg/cache-entry"
	cachekey "github.com/always-cache/pagecache/pkg/cache-key"
	cachetags "github.com/always-cache/pagecache/pkg/cache-tags"
	"github.com/always-cache/pagecache/pkg/invalidation"
	requestfilter "github.com/always-cache/pagecache/pkg/request-filter"
	"github.com/always-cache/pagecache/sites"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Config struct {
	Settings config.Settings
	// Backend connection. Ignored if Index is set.
	// If both are nil, every lookup is a miss.
	Client redis.UniversalClient
	Index  cache.FlagIndex
	// Optional site directory for multisite setups.
	Sites sites.Directory
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Metrics are registered here if not nil.
	Registerer prometheus.Registerer
	// Serve stale entries only if the caller cannot regenerate in the background.
	DisableBackground bool
	// Clock, time.Now if nil.
	Now func() time.Time
}

// Engine wires the cache components together. It is safe for concurrent use.
type Engine struct {
	Reader *Reader
	Writer *Writer

	settings config.Settings
	index    cache.FlagIndex
	keyer    cachekey.Keyer
	filter   requestfilter.Rules
	resolver *invalidation.Resolver
	sites    sites.Directory
	metrics  *Metrics
	log      zerolog.Logger
	now      func() time.Time

	// background regenerations in flight
	wg sync.WaitGroup
}

// New assembles an engine from the config.
func New(cfg Config) *Engine {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if cfg.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *cfg.Logger
	}
	settings := cfg.Settings
	if settings.Prefix == "" && settings.TTL == 0 {
		settings = config.Default()
	} else if settings.Prefix == "" {
		settings.Prefix = config.Default().Prefix
	}
	logger = logger.With().Str("prefix", settings.Prefix).Logger()

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	index := cfg.Index
	if index == nil {
		index = cache.NewRedisIndex(cfg.Client, cachekey.NewCodec(settings.Prefix), logger).WithClock(now)
	}

	var metrics *Metrics
	if cfg.Registerer != nil {
		metrics = NewMetrics(cfg.Registerer)
	}

	policy := cacheentry.Policy{
		TTL:   settings.TTL,
		Grace: settings.Grace,
		Gzip:  settings.Gzip,
	}

	return &Engine{
		Reader: &Reader{
			index:      index,
			policy:     policy,
			background: !cfg.DisableBackground,
			debug:      settings.Debug,
			metrics:    metrics,
			log:        logger.With().Str("component", "reader").Logger(),
			now:        now,
		},
		Writer: &Writer{
			index:         index,
			policy:        policy,
			ignoreCookies: settings.IgnoreCookies,
			debug:         settings.Debug,
			metrics:       metrics,
			log:           logger.With().Str("component", "writer").Logger(),
			now:           now,
		},
		settings: settings,
		index:    index,
		keyer:    cachekey.NewKeyer(settings),
		filter:   requestfilter.New(settings),
		resolver: invalidation.NewResolver(cfg.Sites, logger),
		sites:    cfg.Sites,
		metrics:  metrics,
		log:      logger,
		now:      now,
	}
}

// Index returns the flag index the engine works on.
func (e *Engine) Index() cache.FlagIndex {
	return e.index
}

// Resolver returns the unscoped target resolver.
func (e *Engine) Resolver() *invalidation.Resolver {
	return e.resolver
}

// NewQueue returns an empty invalidation queue using the configured TTL.
func (e *Engine) NewQueue() *invalidation.Queue {
	q := invalidation.NewQueue(e.index, e.settings.TTL, e.log)
	q.OnFlush = e.metrics.observeFlush
	return q
}

// ErrUnknownSite is returned when an invalidation scope names no known site.
var ErrUnknownSite = errors.New("Unknown site")

// Scope names the site whose flags content and flag targets refer to.
// The zero Scope leaves them unprefixed, as stored by single site setups.
type Scope struct {
	Host   string
	SiteID int64
}

// Invalidate resolves the targets and clears the resulting flags right away.
// URL targets are scoped to the site serving their host.
// It returns the flags that were cleared.
func (e *Engine) Invalidate(ctx context.Context, targets []invalidation.Target, mode cachetags.Mode) ([]string, error) {
	return e.InvalidateIn(ctx, Scope{}, targets, mode)
}

// InvalidateIn is Invalidate with content and flag targets scoped to a site.
func (e *Engine) InvalidateIn(ctx context.Context, scope Scope, targets []invalidation.Target, mode cachetags.Mode) ([]string, error) {
	prefix, err := e.scopePrefix(ctx, scope)
	if err != nil {
		return nil, err
	}
	flags, err := e.resolveTargets(ctx, prefix, targets)
	if err != nil {
		return nil, err
	}
	q := e.NewQueue()
	q.Add(mode, flags...)
	return flags, q.Flush(ctx)
}

// resolveTargets resolves targets to flags carrying the given site prefix.
// A URL target takes the prefix of the site serving its host, if known.
func (e *Engine) resolveTargets(ctx context.Context, prefix string, targets []invalidation.Target) ([]string, error) {
	flags := make([]string, 0, len(targets)*2)
	for _, target := range targets {
		scope := prefix
		if u, ok := target.(invalidation.URLTarget); ok {
			if p, found := e.hostPrefix(ctx, urlHost(string(u))); found {
				scope = p
			}
		}
		resolved, err := e.resolver.WithScope(scope).Resolve(ctx, []invalidation.Target{target})
		if err != nil {
			return flags, err
		}
		flags = append(flags, resolved...)
	}
	return flags, nil
}

func (e *Engine) scopePrefix(ctx context.Context, scope Scope) (string, error) {
	if scope == (Scope{}) {
		return "", nil
	}
	if e.sites == nil {
		return "", errors.Wrap(ErrUnknownSite, "no site directory configured")
	}
	if scope.Host != "" {
		prefix, found := e.hostPrefix(ctx, scope.Host)
		if !found {
			return "", errors.Wrapf(ErrUnknownSite, "host %s", scope.Host)
		}
		return prefix, nil
	}
	site, ok, err := e.sites.Site(ctx, scope.SiteID)
	if err != nil {
		return "", errors.Wrapf(err, "site %d", scope.SiteID)
	}
	if !ok {
		return "", errors.Wrapf(ErrUnknownSite, "site %d", scope.SiteID)
	}
	return sites.PrefixFor(ctx, e.sites, site)
}

// hostPrefix returns the flag prefix of the site serving host.
// It returns false for single site setups and unknown hosts.
func (e *Engine) hostPrefix(ctx context.Context, host string) (string, bool) {
	if e.sites == nil || host == "" {
		return "", false
	}
	site, ok, err := e.sites.Lookup(ctx, host)
	if err != nil {
		e.log.Warn().Err(err).Str("host", host).Msg("Site lookup failed")
		return "", false
	}
	if !ok {
		return "", false
	}
	prefix, err := sites.PrefixFor(ctx, e.sites, site)
	if err != nil {
		e.log.Warn().Err(err).Str("host", host).Msg("Site lookup failed")
		return "", false
	}
	return prefix, true
}

func urlHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// RunMaintenance sweeps dangling flag set members every interval until ctx is done.
func (e *Engine) RunMaintenance(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// errors are logged by the index, the next run retries
			if removed, err := e.index.CleanupExpiredFlags(ctx); err == nil {
				e.log.Debug().Int("removed", removed).Msg("Maintenance done")
			}
		}
	}
}

// Wait blocks until all background regenerations are done.
func (e *Engine) Wait() {
	e.wg.Wait()
}
