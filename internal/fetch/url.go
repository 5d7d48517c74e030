package fetch

import (
	"errors"
	"net/url"
)

var errInvalidURLOrScheme = errors.New("invalid url or scheme")

// SubscriptionURL is an http or https URL with a host. The zero value is not
// valid; build one with ParseURL.
type SubscriptionURL struct {
	raw string
	u   url.URL
}

func ParseURL(rawURL string) (SubscriptionURL, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u == nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return SubscriptionURL{}, invalidURLError(rawURL, errors.Join(errInvalidURLOrScheme, err))
	}
	return SubscriptionURL{raw: rawURL, u: *u}, nil
}

func (s SubscriptionURL) String() string { return s.raw }

// URL returns a copy of the parsed URL.
func (s SubscriptionURL) URL() *url.URL {
	u := s.u
	return &u
}
