package runtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// ParseProxy parses a proxy address. http and https proxies are used for
// CONNECT, socks5 ones for dialing; "socks" is read as socks5.
func ParseProxy(addr string) (*url.URL, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("proxy %q: %w", addr, err)
	}
	if u.Scheme == "socks" {
		u.Scheme = "socks5"
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("proxy %q: unsupported scheme %q", addr, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy %q: missing host", addr)
	}
	return u, nil
}

// newTransport dials through the configured proxy. Without one it honours
// ALL_PROXY and NO_PROXY for dialing and HTTP(S)_PROXY for requests.
func newTransport(proxyAddr string) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	direct := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}

	if proxyAddr == "" {
		transport.DialContext = contextDialer(proxy.FromEnvironmentUsing(direct))
		return transport, nil
	}

	u, err := ParseProxy(proxyAddr)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		transport.Proxy = http.ProxyURL(u)
		transport.DialContext = direct.DialContext
		return transport, nil
	}
	dialer, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("proxy %q: %w", proxyAddr, err)
	}
	transport.Proxy = nil
	transport.DialContext = contextDialer(dialer)
	return transport, nil
}

func contextDialer(d proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}
}
