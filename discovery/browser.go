package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// Candidate is one service instance reported by a scan. Addresses may mix
// IPv4 and IPv6; the resolver filters them.
type Candidate struct {
	Name      string
	Host      string
	Port      int
	Addresses []string
	Meta      map[string]string
}

// Browser starts a local-network service scan. Implementations must deliver
// candidates on entries until ctx is done and then close the channel. A
// non-nil error means the scan could not start at all.
type Browser interface {
	Browse(ctx context.Context, entries chan<- Candidate) error
}

// Service type and domain for the backend's Bonjour advertisement.
const (
	mdnsService = "_http._tcp"
	mdnsDomain  = "local."
)

var _ Browser = (*MDNSBrowser)(nil)

// MDNSBrowser browses multicast DNS for _http._tcp services in local.
type MDNSBrowser struct {
	logger *zap.Logger
}

func NewMDNSBrowser(logger *zap.Logger) *MDNSBrowser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MDNSBrowser{logger: logger}
}

func (b *MDNSBrowser) Browse(ctx context.Context, entries chan<- Candidate) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mdns resolver: %w", err)
	}

	raw := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(ctx, mdnsService, mdnsDomain, raw); err != nil {
		return fmt.Errorf("mdns browse: %w", err)
	}

	// zeroconf closes raw when ctx is done; forward until then.
	go func() {
		defer close(entries)
		for entry := range raw {
			if entry == nil {
				continue
			}
			cand := toCandidate(entry)
			b.logger.Debug("mDNS candidate",
				zap.String("instance", cand.Name),
				zap.String("host", cand.Host),
				zap.Int("port", cand.Port),
				zap.Strings("addresses", cand.Addresses))
			select {
			case entries <- cand:
			case <-ctx.Done():
			}
		}
	}()
	return nil
}

func toCandidate(e *zeroconf.ServiceEntry) Candidate {
	addrs := make([]string, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	for _, ip := range e.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}

	meta := make(map[string]string, len(e.Text))
	for _, txt := range e.Text {
		if txt == "" {
			continue
		}
		key, value, _ := strings.Cut(txt, "=")
		meta[key] = value
	}

	return Candidate{
		Name:      e.Instance,
		Host:      e.HostName,
		Port:      e.Port,
		Addresses: addrs,
		Meta:      meta,
	}
}
