package readiness

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpproxy"
)

// NewClient returns an HTTP client whose proxy selection follows cfg.
// NO_PROXY entries may be host names, domains or CIDR ranges. A nil cfg
// reads HTTP_PROXY, HTTPS_PROXY and NO_PROXY from the environment.
func NewClient(cfg *httpproxy.Config) *http.Client {
	if cfg == nil {
		cfg = httpproxy.FromEnvironment()
	}
	proxy := cfg.ProxyFunc()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = func(req *http.Request) (*url.URL, error) {
		return proxy(req.URL)
	}
	transport.IdleConnTimeout = 30 * time.Second
	return &http.Client{Transport: transport}
}

// URLJoin joins URL path pieces with single slashes. A leading slash on
// the first piece and a trailing slash on the last are kept.
func URLJoin(pieces ...string) string {
	var parts []string
	for _, p := range pieces {
		if s := strings.Trim(p, "/"); s != "" {
			parts = append(parts, s)
		}
	}
	joined := strings.Join(parts, "/")
	if len(pieces) == 0 {
		return joined
	}
	if strings.HasPrefix(pieces[0], "/") {
		joined = "/" + joined
	}
	if last := pieces[len(pieces)-1]; strings.HasSuffix(last, "/") && joined != "/" {
		joined += "/"
	}
	return joined
}
