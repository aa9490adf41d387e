package invalidation

import (
	"context"
	"fmt"
	"strings"

	cachekey "github.com/always-cache/pagecache/pkg/cache-key"
	"github.com/always-cache/pagecache/sites"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// FlagFeed is carried by every page listing many content items.
	FlagFeed = "feed"
	// FlagHome is carried by the front page.
	FlagHome = "home"
)

// URLFlag returns the flag of an absolute URL.
func URLFlag(rawURL string) string {
	return "url:" + cachekey.URLHash(rawURL)
}

// ContentFlag returns the flag of a content item.
func ContentFlag(id uint64) string {
	return fmt.Sprintf("post:%d", id)
}

// Resolver maps targets to flags.
type Resolver struct {
	// Sites is needed for site and network targets. Nil means a single site.
	sites sites.Directory
	// Prepended to every resolved flag except site wildcards.
	scope string
	log   zerolog.Logger
}

func NewResolver(directory sites.Directory, logger zerolog.Logger) *Resolver {
	return &Resolver{
		sites: directory,
		log:   logger.With().Str("component", "resolver").Logger(),
	}
}

// WithScope returns a resolver that prefixes flags with the given site flag prefix.
func (r *Resolver) WithScope(prefix string) *Resolver {
	scoped := *r
	scoped.scope = prefix
	return &scoped
}

// Resolve returns the flags for the targets, in target order.
// Duplicates may occur; the index handles them.
func (r *Resolver) Resolve(ctx context.Context, targets []Target) ([]string, error) {
	flags := make([]string, 0, len(targets)*2)
	for _, target := range targets {
		resolved, err := r.resolve(ctx, target)
		if err != nil {
			return flags, err
		}
		r.log.Trace().Str("target", target.String()).Strs("flags", resolved).Msg("Resolved target")
		flags = append(flags, resolved...)
	}
	return flags, nil
}

func (r *Resolver) resolve(ctx context.Context, target Target) ([]string, error) {
	switch t := target.(type) {
	case URLTarget:
		// both variants, the trailing slash is not normalized everywhere
		withSlash, withoutSlash := slashVariants(string(t))
		return r.scoped(URLFlag(withSlash), URLFlag(withoutSlash)), nil
	case ContentTarget:
		return r.scoped(ContentFlag(uint64(t)), FlagFeed), nil
	case FlagTarget:
		if t == "" {
			return nil, nil
		}
		return r.scoped(string(t)), nil
	case SiteTarget:
		flag, err := r.siteFlag(ctx, int64(t))
		if err != nil || flag == "" {
			return nil, err
		}
		return []string{flag}, nil
	case NetworkTarget:
		ids, err := r.ResolveNetwork(ctx, int64(t))
		if err != nil {
			return nil, err
		}
		flags := make([]string, 0, len(ids))
		for _, id := range ids {
			flag, err := r.siteFlag(ctx, id)
			if err != nil {
				return flags, err
			}
			if flag != "" {
				flags = append(flags, flag)
			}
		}
		return flags, nil
	}
	return nil, errors.Errorf("unknown target type %T", target)
}

// ResolveNetwork returns the IDs of the sites in the network.
func (r *Resolver) ResolveNetwork(ctx context.Context, networkID int64) ([]int64, error) {
	if r.sites == nil {
		return nil, errors.New("network targets need a site directory")
	}
	ids, err := r.sites.SitesInNetwork(ctx, networkID)
	return ids, errors.Wrapf(err, "resolve network %d", networkID)
}

// siteFlag returns the wildcard flag matching every flag of the site.
func (r *Resolver) siteFlag(ctx context.Context, siteID int64) (string, error) {
	if r.sites == nil {
		return sites.FlagPrefix(sites.Site{ID: siteID}, false) + "*", nil
	}
	site, ok, err := r.sites.Site(ctx, siteID)
	if err != nil {
		return "", errors.Wrapf(err, "resolve site %d", siteID)
	}
	if !ok {
		r.log.Warn().Int64("site", siteID).Msg("Unknown site, nothing to invalidate")
		return "", nil
	}
	prefix, err := sites.PrefixFor(ctx, r.sites, site)
	if err != nil {
		return "", errors.Wrapf(err, "resolve site %d", siteID)
	}
	return prefix + "*", nil
}

func (r *Resolver) scoped(flags ...string) []string {
	if r.scope == "" {
		return flags
	}
	for i := range flags {
		flags[i] = r.scope + flags[i]
	}
	return flags
}

// slashVariants returns the URL with and without a trailing slash on its path.
func slashVariants(rawURL string) (string, string) {
	base := rawURL
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	trimmed := strings.TrimSuffix(base, "/")
	return trimmed + "/", trimmed
}
