package validation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	http01PathPrefix = "/.well-known/acme-challenge/"
	maxHTTP01Body    = 64 << 10
	maxRedirects     = 10
)

// HTTP01Validator fetches the key authorization from the well-known path.
type HTTP01Validator struct {
	Port    int
	Timeout time.Duration
	// Client overrides the default client; tests use it to reach loopback.
	Client *http.Client
}

func (v *HTTP01Validator) client() *http.Client {
	if v.Client != nil {
		return v.Client
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:             nil,
			DisableKeepAlives: true,
			DialContext:       (&net.Dialer{Timeout: v.Timeout}).DialContext,
		},
		CheckRedirect: v.checkRedirect,
	}
}

// checkRedirect follows at most maxRedirects hops, and only to http on the
// validation port or https on 443.
func (v *HTTP01Validator) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	port := req.URL.Port()
	switch req.URL.Scheme {
	case "http":
		if port == "" {
			port = "80"
		}
		if port != strconv.Itoa(v.httpPort()) {
			return fmt.Errorf("redirect to %s uses disallowed port %s", req.URL.Redacted(), port)
		}
	case "https":
		if port != "" && port != "443" {
			return fmt.Errorf("redirect to %s uses disallowed port %s", req.URL.Redacted(), port)
		}
	default:
		return fmt.Errorf("redirect to %s uses disallowed scheme %q", req.URL.Redacted(), req.URL.Scheme)
	}
	return nil
}

func (v *HTTP01Validator) httpPort() int {
	if v.Port == 0 {
		return 80
	}
	return v.Port
}

func (v *HTTP01Validator) Validate(ctx context.Context, in Input) (bool, error) {
	expected, err := KeyAuthorization(in.Challenge.Token, in.Account)
	if err != nil {
		return false, failure(KindUnauthorized, "%v", err)
	}
	ctx, cancel := withTimeout(ctx, v.Timeout)
	defer cancel()

	host := in.Domain
	if v.Port != 0 && v.Port != 80 {
		host = net.JoinHostPort(in.Domain, strconv.Itoa(v.Port))
	}
	url := "http://" + host + http01PathPrefix + in.Challenge.Token
	l := logger.With(zap.String("url", url), zap.String("challenge_id", in.Challenge.ID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, failure(KindConnection, "invalid validation URL %q: %v", url, err)
	}
	req.Header.Set("User-Agent", "pkifoundry-validation")
	resp, err := v.client().Do(req)
	if err != nil {
		l.Debug("HTTP-01 fetch failed", zap.Error(err))
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return false, failure(KindDNS, "resolving %s: %v", in.Domain, dnsErr)
		}
		return false, failure(KindConnection, "fetching %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, failure(KindUnauthorized, "invalid response from %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTP01Body))
	if err != nil {
		return false, failure(KindConnection, "reading response from %s: %v", url, err)
	}
	got := strings.TrimRight(string(body), " \t\r\n")
	if got != expected {
		l.Debug("HTTP-01 key authorization mismatch")
		return false, failure(KindIncorrectResponse, "the key authorization file from %s does not match the expected value", url)
	}
	return true, nil
}
