package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SIDN/pathvis/internal/domain"
	"github.com/SIDN/pathvis/internal/metrics"
)

const (
	defaultWorkers = 5
	defaultTTL     = time.Hour
	defaultRDAPURL = "https://rdap.org/ip"

	httpTimeout  = 10 * time.Second
	maxRDAPBody  = 1 << 20
	disPrefix    = "v=DIS1"
	originZone4  = "origin.asn.cymru.com"
	originZone6  = "origin6.asn.cymru.com"
	asNumberZone = "asn.cymru.com"
)

// ROAChecker validates an announced (origin asn, prefix) pair.
type ROAChecker interface {
	Valid(asn, prefix string) domain.ROA
}

// Options tunes the enricher. Zero values fall back to the defaults.
type Options struct {
	// TTL bounds how long a cached enrichment is reused.
	TTL time.Duration
	// Workers caps the concurrent lookups per trace.
	Workers int
	// RDAPURL is the RDAP base; the hop address is appended as a path
	// element.
	RDAPURL string
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.RDAPURL == "" {
		o.RDAPURL = defaultRDAPURL
	}
	return o
}

// Enricher fills hop metadata from reverse DNS, the origin AS zone,
// RDAP and the VRP set. All lookups are best effort: a hop that cannot
// be enriched keeps its placeholder fields.
type Enricher struct {
	cache  *Cache
	roa    ROAChecker
	opts   Options
	client *http.Client
	log    *zap.Logger

	lookupAddr func(ctx context.Context, addr string) ([]string, error)
	lookupTXT  func(ctx context.Context, name string) ([]string, error)
}

// New creates an enricher. Both cache and roa may be nil, disabling
// caching and route origin validation respectively.
func New(cache *Cache, roa ROAChecker, opts Options, log *zap.Logger) *Enricher {
	if log == nil {
		log = zap.NewNop()
	}
	resolver := &net.Resolver{}

	return &Enricher{
		cache:      cache,
		roa:        roa,
		opts:       opts.withDefaults(),
		client:     &http.Client{Timeout: httpTimeout},
		log:        log,
		lookupAddr: resolver.LookupAddr,
		lookupTXT:  resolver.LookupTXT,
	}
}

// Trace enriches every resolved hop of tr, a bounded number of lookups
// at a time, and returns the enriched copy.
func (e *Enricher) Trace(ctx context.Context, tr domain.Trace) domain.Trace {
	out := tr.Clone()

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for i := range out {
		if !out[i].Resolved() {
			continue
		}
		hop := &out[i]
		g.Go(func() error {
			e.enrich(ctx, hop)
			return nil
		})
	}
	g.Wait()

	return out
}

func (e *Enricher) enrich(ctx context.Context, h *domain.Hop) {
	if domain.IsPrivateIP(h.IP) {
		// No registry or PTR data to look up in private space.
		h.MarkPrivate()
		h.Hostname = h.IP
		h.Domain = h.IP
		return
	}

	if e.cache != nil {
		cached, err := e.cache.Get(ctx, h.IP, e.opts.TTL)
		if err == nil {
			metrics.EnrichCacheTotal.WithLabelValues("hit").Inc()
			applyEnrichment(h, *cached)
			return
		}
		if errors.Is(err, ErrNotFound) {
			metrics.EnrichCacheTotal.WithLabelValues("miss").Inc()
		} else {
			metrics.EnrichCacheTotal.WithLabelValues("error").Inc()
			e.log.Warn("hop cache read failed", zap.String("ip", h.IP), zap.Error(err))
		}
	}

	start := time.Now()
	e.lookup(ctx, h)
	e.log.Debug("enriched hop",
		zap.String("ip", h.IP),
		zap.String("asn", h.ASN),
		zap.Duration("took", time.Since(start)))

	if e.cache != nil {
		if err := e.cache.Put(ctx, *h); err != nil {
			e.log.Warn("hop cache write failed", zap.String("ip", h.IP), zap.Error(err))
		}
	}
}

func (e *Enricher) lookup(ctx context.Context, h *domain.Hop) {
	h.Hostname = e.hostname(ctx, h.IP)
	h.Domain = registrableDomain(h.Hostname, h.IP)
	e.originInfo(ctx, h)
	e.rdapFill(ctx, h)
	if dis := e.disAddress(ctx, h.IP); dis != "" {
		h.DIS = dis
	}
	if e.roa != nil && h.ASN != domain.Unset {
		h.ROA = e.roa.Valid(h.ASN, h.CIDR)
	}
}

// hostname resolves the PTR name for ip. An address without one keeps
// the address itself as its hostname.
func (e *Enricher) hostname(ctx context.Context, ip string) string {
	names, err := e.lookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ip
	}
	name := strings.TrimSuffix(names[0], ".")
	if name == "" {
		return ip
	}
	return name
}

// originInfo fills asn, cidr and country from the origin AS zone and
// the description from the matching AS number record.
func (e *Enricher) originInfo(ctx context.Context, h *domain.Hop) {
	name := originName(h.IP)
	if name == "" {
		return
	}

	records, err := e.lookupTXT(ctx, name)
	if err != nil || len(records) == 0 {
		return
	}

	// "15133 | 93.184.216.0/24 | US | ripencc | 2008-06-02"
	fields := splitRecord(records[0])
	if len(fields) < 3 {
		return
	}
	// A multihomed prefix lists several origins; the first names the
	// operator.
	asns := strings.Fields(fields[0])
	if len(asns) == 0 || asns[0] == "" {
		return
	}
	h.ASN = asns[0]
	if fields[1] != "" {
		h.CIDR = fields[1]
	}
	if fields[2] != "" {
		h.Country = fields[2]
	}

	// "15133 | US | arin | 2006-12-04 | EDGECAST, US"
	records, err = e.lookupTXT(ctx, "AS"+h.ASN+"."+asNumberZone)
	if err != nil || len(records) == 0 {
		return
	}
	fields = splitRecord(records[0])
	if len(fields) >= 5 && fields[4] != "" {
		h.Description = fields[4]
	}
}

// rdapNetwork is the subset of an RDAP IP network object the enricher
// reads.
type rdapNetwork struct {
	Name    string `json:"name"`
	Country string `json:"country"`
	CIDRs   []struct {
		V4Prefix string `json:"v4prefix"`
		V6Prefix string `json:"v6prefix"`
		Length   int    `json:"length"`
	} `json:"cidr0_cidrs"`
	OriginASNs []int `json:"arin_originas0_originautnums"`
}

// rdapFill queries the registry's RDAP record for the address and fills
// the fields the origin lookup left open.
func (e *Enricher) rdapFill(ctx context.Context, h *domain.Hop) {
	if h.ASN != domain.Unset && h.CIDR != domain.Unset &&
		h.Country != domain.Unset && h.Description != domain.Unset {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.opts.RDAPURL+"/"+h.IP, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "application/rdap+json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.log.Debug("rdap lookup failed", zap.String("ip", h.IP), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.log.Debug("rdap lookup rejected",
			zap.String("ip", h.IP),
			zap.Int("status", resp.StatusCode))
		return
	}

	var network rdapNetwork
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRDAPBody)).Decode(&network); err != nil {
		return
	}

	if h.Description == domain.Unset && network.Name != "" {
		h.Description = network.Name
	}
	if h.Country == domain.Unset && network.Country != "" {
		h.Country = network.Country
	}
	if h.ASN == domain.Unset && len(network.OriginASNs) > 0 {
		h.ASN = strconv.Itoa(network.OriginASNs[0])
	}
	if h.CIDR == domain.Unset && len(network.CIDRs) > 0 {
		c := network.CIDRs[0]
		prefix := c.V4Prefix
		if prefix == "" {
			prefix = c.V6Prefix
		}
		if prefix != "" {
			h.CIDR = fmt.Sprintf("%s/%d", prefix, c.Length)
		}
	}
}

// disAddress extracts the Domain Information Service address from the
// TXT records on the hop's reverse name. Records look like
// "v=DIS1 ip=192.0.2.53"; the last one wins.
func (e *Enricher) disAddress(ctx context.Context, ip string) string {
	name := reverseName(ip)
	if name == "" {
		return ""
	}

	records, err := e.lookupTXT(ctx, name)
	if err != nil {
		return ""
	}

	dis := ""
	for _, record := range records {
		if !strings.HasPrefix(record, disPrefix) {
			continue
		}
		addr := ""
		for _, kv := range strings.Fields(record) {
			if k, v, ok := strings.Cut(kv, "="); ok && k == "ip" {
				addr = v
			}
		}
		dis = addr
	}

	return dis
}

// applyEnrichment copies looked-up attributes onto a live hop, leaving
// the positional fields (hop number, ports, cname chain) untouched.
func applyEnrichment(dst *domain.Hop, src domain.Hop) {
	dst.Hostname = src.Hostname
	dst.Domain = src.Domain
	dst.ASN = src.ASN
	dst.CIDR = src.CIDR
	dst.Country = src.Country
	dst.Description = src.Description
	dst.ROA = src.ROA
	dst.DIS = src.DIS
}

// registrableDomain reduces a hostname to its last two labels. A host
// with no PTR name keeps its address as the domain.
func registrableDomain(hostname, ip string) string {
	if hostname == "" || hostname == ip {
		return ip
	}
	labels := strings.Split(hostname, ".")
	if len(labels) <= 2 {
		return hostname
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

func splitRecord(record string) []string {
	fields := strings.Split(record, "|")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}

// originName builds the origin AS query name for ip: reversed octets
// under the v4 zone, reversed nibbles under the v6 zone.
func originName(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	if addr.Is4() || addr.Is4In6() {
		o := addr.As4()
		return fmt.Sprintf("%d.%d.%d.%d.%s", o[3], o[2], o[1], o[0], originZone4)
	}
	return reverseNibbles(addr.As16()) + originZone6
}

// reverseName builds the PTR name for ip.
func reverseName(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	if addr.Is4() || addr.Is4In6() {
		o := addr.As4()
		return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa", o[3], o[2], o[1], o[0])
	}
	return reverseNibbles(addr.As16()) + "ip6.arpa"
}

func reverseNibbles(raw [16]byte) string {
	var b strings.Builder
	for i := len(raw) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "%x.%x.", raw[i]&0xf, raw[i]>>4)
	}
	return b.String()
}
