// Package dnsverify proves domain ownership through DNS TXT records. A
// domain verifies when a TXT query on _shortlink-verify.<host> returns a
// record exactly equal to the domain's verification token.
package dnsverify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sklog"
)

// VerificationPrefix is the subdomain queried for the TXT record.
const VerificationPrefix = "_shortlink-verify"

const queryTimeout = 5 * time.Second

// ErrTokenNotFound is returned by Verify when no TXT record matches the
// token. Absent records and mismatched records are deliberately
// indistinguishable.
var ErrTokenNotFound = errors.New("verification TXT record not found")

// Resolver answers DNS queries. Tests substitute a fake.
type Resolver interface {
	// LookupTXT returns the TXT records at fqdn.
	LookupTXT(ctx context.Context, fqdn string) ([]string, error)

	// LookupAddr returns the CNAME target (if any) and A record addresses
	// at fqdn.
	LookupAddr(ctx context.Context, fqdn string) (cname string, addrs []string, err error)
}

// clientResolver implements Resolver with a plain DNS client against one
// upstream server.
type clientResolver struct {
	client *dns.Client
	server string
}

// NewResolver returns a Resolver querying the given server
// ("host:port"). Pass an empty string for the default public resolver.
func NewResolver(server string) Resolver {
	if server == "" {
		server = "8.8.8.8:53"
	}
	return &clientResolver{
		client: &dns.Client{Timeout: queryTimeout},
		server: server,
	}
}

func (r *clientResolver) exchange(ctx context.Context, fqdn string, qtype uint16) (*dns.Msg, error) {
	m := &dns.Msg{}
	m.SetQuestion(dns.Fqdn(fqdn), qtype)
	resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, skerr.Wrapf(err, "querying %s for %s", r.server, fqdn)
	}
	return resp, nil
}

// LookupTXT implements Resolver.
func (r *clientResolver) LookupTXT(ctx context.Context, fqdn string) ([]string, error) {
	resp, err := r.exchange(ctx, fqdn, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	ret := []string{}
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			// Long records arrive split into segments; join them.
			joined := ""
			for _, s := range txt.Txt {
				joined += s
			}
			ret = append(ret, joined)
		}
	}
	return ret, nil
}

// LookupAddr implements Resolver.
func (r *clientResolver) LookupAddr(ctx context.Context, fqdn string) (string, []string, error) {
	resp, err := r.exchange(ctx, fqdn, dns.TypeA)
	if err != nil {
		return "", nil, err
	}
	cname := ""
	addrs := []string{}
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.CNAME:
			cname = v.Target
		case *dns.A:
			addrs = append(addrs, v.A.String())
		}
	}
	return cname, addrs, nil
}

// Verifier checks domain ownership.
type Verifier struct {
	resolver Resolver
	// serverIP is the address custom domains should point at; used only
	// for advisory warnings.
	serverIP string
}

// New returns a Verifier using the given resolver.
func New(resolver Resolver, serverIP string) *Verifier {
	return &Verifier{
		resolver: resolver,
		serverIP: serverIP,
	}
}

// Verify succeeds iff a TXT record on _shortlink-verify.<host> equals
// token exactly.
func (v *Verifier) Verify(ctx context.Context, host, token string) error {
	fqdn := fmt.Sprintf("%s.%s", VerificationPrefix, host)
	records, err := v.resolver.LookupTXT(ctx, fqdn)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r == token {
			return nil
		}
	}
	return skerr.Wrap(ErrTokenNotFound)
}

// CheckPointing probes whether the host's DNS points at the system.
// The returned warnings are advisory; they never block verification.
func (v *Verifier) CheckPointing(ctx context.Context, host string) []string {
	warnings := []string{}
	cname, addrs, err := v.resolver.LookupAddr(ctx, host)
	if err != nil {
		sklog.Warningf("DNS pointing probe for %s failed: %s", host, err)
		return []string{fmt.Sprintf("could not resolve %s; is DNS configured?", host)}
	}
	if cname == "" && len(addrs) == 0 {
		warnings = append(warnings, fmt.Sprintf("%s has no A or CNAME record", host))
		return warnings
	}
	if v.serverIP != "" {
		pointed := false
		for _, a := range addrs {
			if a == v.serverIP {
				pointed = true
				break
			}
		}
		if !pointed {
			warnings = append(warnings, fmt.Sprintf("%s does not resolve to %s; redirects will not reach this service", host, v.serverIP))
		}
	}
	return warnings
}
