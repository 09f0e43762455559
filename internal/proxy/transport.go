package proxy

import (
	"net/http"
	"net/url"
	"sync"
)

// Transport returns a RoundTripper that routes each request through the
// provider the manager selects, feeding outcomes back for ban bookkeeping.
// When every provider is banned the request goes direct over base.
func (m *Manager) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &rotatingTransport{manager: m, direct: base, perProxy: make(map[string]*http.Transport)}
}

type rotatingTransport struct {
	manager *Manager
	direct  http.RoundTripper

	mu       sync.Mutex
	perProxy map[string]*http.Transport
}

func (t *rotatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	provider, err := t.manager.Select()
	if err != nil {
		return t.direct.RoundTrip(req)
	}

	transport, err := t.transportFor(provider)
	if err != nil {
		t.manager.RecordResult(provider.Name, false)
		return t.direct.RoundTrip(req)
	}

	resp, err := transport.RoundTrip(req)
	t.manager.RecordResult(provider.Name, err == nil)
	return resp, err
}

func (t *rotatingTransport) transportFor(p *Provider) (*http.Transport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cached, ok := t.perProxy[p.Name]; ok {
		return cached, nil
	}
	proxyURL, err := url.Parse(p.URL())
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	t.perProxy[p.Name] = transport
	return transport, nil
}
