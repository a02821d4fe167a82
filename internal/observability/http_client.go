package observability

import (
	"net/http"
	"net/url"
	"time"

	sentryhttpclient "github.com/getsentry/sentry-go/httpclient"
)

var defaultPropagationTargets = []string{
	"api.stripe.com",
}

// WrapRoundTripper traces outbound requests and propagates trace headers to the given base URLs.
func WrapRoundTripper(base http.RoundTripper, baseURLs ...string) http.RoundTripper {
	targets := append([]string(nil), defaultPropagationTargets...)
	for _, raw := range baseURLs {
		if parsed, err := url.Parse(raw); err == nil && parsed.Hostname() != "" {
			targets = append(targets, parsed.Hostname())
		}
	}
	return sentryhttpclient.NewSentryRoundTripper(
		base,
		sentryhttpclient.WithTracePropagationTargets(targets),
	)
}

func NewHTTPClient(timeout time.Duration, baseURLs ...string) *http.Client {
	client := &http.Client{
		Transport: WrapRoundTripper(http.DefaultTransport, baseURLs...),
	}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return client
}
