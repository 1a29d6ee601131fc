package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// redirectTransport wraps an http.RoundTripper and follows 3xx redirects up
// to a fixed budget. Exceeding the budget fails the round trip with
// errTooManyRedirects.
type redirectTransport struct {
	inner        http.RoundTripper
	maxRedirects int
}

func newRedirectTransport(inner http.RoundTripper, maxRedirects int) *redirectTransport {
	if maxRedirects <= 0 {
		maxRedirects = 10
	}
	return &redirectTransport{inner: inner, maxRedirects: maxRedirects}
}

func (rt *redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var redirects int
	current := req

	for {
		resp, err := rt.inner.RoundTrip(current)
		if err != nil {
			return nil, err
		}

		if !isRedirect(resp.StatusCode) {
			return resp, nil
		}

		loc := resp.Header.Get("Location")
		if loc == "" {
			return resp, nil
		}

		redirects++
		if redirects > rt.maxRedirects {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: followed %d", errTooManyRedirects, rt.maxRedirects)
		}

		resp.Body.Close()

		nextURL, err := resolveRedirectURL(current.URL, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid redirect location %q: %w", loc, err)
		}

		method := current.Method
		if resp.StatusCode == http.StatusSeeOther {
			method = http.MethodGet
		}

		next, err := http.NewRequestWithContext(current.Context(), method, nextURL.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("build redirect request: %w", err)
		}
		for k, vv := range req.Header {
			for _, v := range vv {
				next.Header.Add(k, v)
			}
		}

		current = next
	}
}

func (rt *redirectTransport) CloseIdleConnections() {
	type idleCloser interface{ CloseIdleConnections() }
	if ic, ok := rt.inner.(idleCloser); ok {
		ic.CloseIdleConnections()
	}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	}
	return false
}

func resolveRedirectURL(base *url.URL, location string) (*url.URL, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	if loc.IsAbs() {
		return loc, nil
	}
	if strings.HasPrefix(location, "//") {
		loc.Scheme = base.Scheme
		return loc, nil
	}
	return base.ResolveReference(loc), nil
}
