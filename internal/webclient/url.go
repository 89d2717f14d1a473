package webclient

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrUnsupportedURL is returned for anything that is not an absolute http(s) URL.
var ErrUnsupportedURL = errors.New("webclient: only absolute http and https urls are supported")

// NormalizeURL parses raw, requires an http(s) scheme and a host, converts
// internationalized hostnames to ASCII, lower-cases scheme and host, strips
// default ports and drops the fragment.
func NormalizeURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("couldn't parse url %s: %w", raw, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, raw)
	}

	host := strings.ToLower(u.Hostname())
	if ip := net.ParseIP(host); ip == nil {
		host, err = idna.Lookup.ToASCII(host)
		if err != nil {
			return nil, fmt.Errorf("invalid host %q: %w", u.Hostname(), err)
		}
	} else if ip.To4() == nil {
		host = "[" + host + "]"
	}

	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}

	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}
