package validation

import (
	"context"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const dns01Prefix = "_acme-challenge."

// DNS01Validator looks up the _acme-challenge TXT record at a fixed resolver.
type DNS01Validator struct {
	// Resolver is the host:port of the recursive resolver to query.
	Resolver string
	Timeout  time.Duration
}

func (v *DNS01Validator) Validate(ctx context.Context, in Input) (bool, error) {
	keyAuth, err := KeyAuthorization(in.Challenge.Token, in.Account)
	if err != nil {
		return false, failure(KindUnauthorized, "%v", err)
	}
	expected := DNS01Value(keyAuth)
	name := dns.Fqdn(dns01Prefix + in.Domain)

	ctx, cancel := withTimeout(ctx, v.Timeout)
	defer cancel()

	records, err := v.lookupTXT(ctx, name)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r == expected {
			return true, nil
		}
	}
	if len(records) == 0 {
		return false, failure(KindUnauthorized, "no TXT record found at %s", name)
	}
	return false, failure(KindIncorrectResponse, "incorrect TXT record found at %s", name)
}

func (v *DNS01Validator) lookupTXT(ctx context.Context, name string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeTXT)
	msg.RecursionDesired = true

	client := &dns.Client{Net: "udp", Timeout: v.Timeout}
	resp, _, err := client.ExchangeContext(ctx, msg, v.Resolver)
	if err == nil && resp.Truncated {
		client.Net = "tcp"
		resp, _, err = client.ExchangeContext(ctx, msg, v.Resolver)
	}
	if err != nil {
		logger.Debug("DNS-01 query failed", zap.String("name", name), zap.String("resolver", v.Resolver), zap.Error(err))
		return nil, failure(KindDNS, "querying TXT for %s: %v", name, err)
	}
	switch resp.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
	default:
		return nil, failure(KindDNS, "querying TXT for %s: %s", name, dns.RcodeToString[resp.Rcode])
	}

	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}
