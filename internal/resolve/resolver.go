package resolve

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/idna"
	"golang.org/x/sync/errgroup"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/utils"
)

// Resolver answers "does this host still resolve" for discovered assets.
// NXDOMAIN is an answer, not an error.
type Resolver struct {
	servers   []string
	timeout   time.Duration
	retries   int
	udpClient *mdns.Client
	tcpClient *mdns.Client
	logger    *logrus.Logger

	mu          sync.Mutex
	rotateIndex int
	cache       map[string]cacheEntry
	cacheTTL    time.Duration
	now         func() time.Time
}

type cacheEntry struct {
	addrs   []string
	expires time.Time
}

func New(servers []string, timeout time.Duration, retries int, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	if len(servers) == 0 {
		servers = systemResolvers()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}

	return &Resolver{
		servers: normalized,
		timeout: timeout,
		retries: retries,
		udpClient: &mdns.Client{
			Net:     "udp",
			Timeout: timeout,
			UDPSize: 1232,
		},
		tcpClient: &mdns.Client{
			Net:     "tcp",
			Timeout: timeout,
		},
		logger:   logger,
		cache:    make(map[string]cacheEntry),
		cacheTTL: 5 * time.Minute,
		now:      time.Now,
	}
}

// Lookup returns the A and AAAA addresses of host. An empty slice with a nil
// error means the name does not exist or has no address records.
func (r *Resolver) Lookup(ctx context.Context, host string) ([]string, error) {
	name, err := idna.Lookup.ToASCII(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if err != nil || name == "" {
		return nil, fmt.Errorf("invalid host %q: %w", host, err)
	}
	name = strings.ToLower(name)

	if addrs, ok := r.cached(name); ok {
		return addrs, nil
	}

	var (
		mu    sync.Mutex
		addrs []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		qtype := qtype
		g.Go(func() error {
			recs, err := r.queryWithRetry(gctx, name, qtype)
			if err != nil {
				return err
			}
			mu.Lock()
			addrs = append(addrs, recs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	addrs = utils.SortedUnique(addrs)
	r.store(name, addrs)
	return addrs, nil
}

// Alive reports whether host resolves to at least one address. IP literals
// are always alive. Lookup errors count as alive so a flaky resolver never
// drops assets.
func (r *Resolver) Alive(ctx context.Context, host string) bool {
	if net.ParseIP(host) != nil {
		return true
	}
	addrs, err := r.Lookup(ctx, host)
	if err != nil {
		r.logger.Debugf("resolve %s: %v", host, err)
		return true
	}
	return len(addrs) > 0
}

// FilterAlive keeps the assets whose host resolves, preserving order.
func (r *Resolver) FilterAlive(ctx context.Context, assets []models.Asset, concurrency int) []models.Asset {
	if concurrency <= 0 {
		concurrency = 10
	}
	keep := make([]bool, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, a := range assets {
		i, a := i, a
		g.Go(func() error {
			keep[i] = r.Alive(gctx, a.Host())
			return nil
		})
	}
	_ = g.Wait()

	out := make([]models.Asset, 0, len(assets))
	for i, a := range assets {
		if keep[i] {
			out = append(out, a)
		}
	}
	if dropped := len(assets) - len(out); dropped > 0 {
		r.logger.Debugf("dropped %d unresolvable assets", dropped)
	}
	return out
}

func (r *Resolver) queryWithRetry(ctx context.Context, name string, qtype uint16) ([]string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		addrs, err := r.query(ctx, name, qtype)
		if err == nil {
			return addrs, nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == r.retries {
			break
		}
		select {
		case <-time.After(utils.JitteredBackoff(attempt+1, 200*time.Millisecond, 2*time.Second, 0.3)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]string, error) {
	msg := new(mdns.Msg)
	msg.SetQuestion(mdns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	server := r.selectServer()
	resp, _, err := r.udpClient.ExchangeContext(ctx, msg, server)
	if err == nil && resp != nil && resp.Truncated {
		resp, _, err = r.tcpClient.ExchangeContext(ctx, msg, server)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s %s via %s: %w", name, mdns.TypeToString[qtype], server, err)
	}
	switch resp.Rcode {
	case mdns.RcodeSuccess:
	case mdns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("query %s: %s", name, mdns.RcodeToString[resp.Rcode])
	}

	var out []string
	for _, rr := range resp.Answer {
		switch rr := rr.(type) {
		case *mdns.A:
			out = append(out, rr.A.String())
		case *mdns.AAAA:
			out = append(out, rr.AAAA.String())
		}
	}
	return out, nil
}

func (r *Resolver) selectServer() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	server := r.servers[r.rotateIndex%len(r.servers)]
	r.rotateIndex = (r.rotateIndex + 1) % len(r.servers)
	return server
}

func (r *Resolver) cached(name string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[name]
	if !ok || r.now().After(e.expires) {
		return nil, false
	}
	return e.addrs, true
}

func (r *Resolver) store(name string, addrs []string) {
	r.mu.Lock()
	r.cache[name] = cacheEntry{addrs: addrs, expires: r.now().Add(r.cacheTTL)}
	r.mu.Unlock()
}

func systemResolvers() []string {
	cfg, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		return []string{"1.1.1.1:53", "8.8.8.8:53"}
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return servers
}
