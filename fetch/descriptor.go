package fetch

import (
	"maps"
	nethttp "net/http"
	"net/url"
	"strings"
)

// RequestDescriptor describes one upstream call. It is immutable once built:
// accessors return copies so callers cannot alter a descriptor that is in flight.
type RequestDescriptor struct {
	method  string
	url     string
	headers map[string]string
	body    []byte
}

// NewRequest builds a RequestDescriptor. An empty method defaults to GET.
// headers and body are copied.
func NewRequest(method, rawURL string, headers map[string]string, body []byte) RequestDescriptor {
	if method == "" {
		method = nethttp.MethodGet
	}
	d := RequestDescriptor{
		method:  strings.ToUpper(method),
		url:     rawURL,
		headers: maps.Clone(headers),
	}
	if body != nil {
		d.body = append([]byte(nil), body...)
	}
	return d
}

// Get builds a GET descriptor.
func Get(rawURL string, headers map[string]string) RequestDescriptor {
	return NewRequest(nethttp.MethodGet, rawURL, headers, nil)
}

// Post builds a POST descriptor.
func Post(rawURL string, headers map[string]string, body []byte) RequestDescriptor {
	return NewRequest(nethttp.MethodPost, rawURL, headers, body)
}

// Method returns the HTTP method
func (d RequestDescriptor) Method() string { return d.method }

// URL returns the absolute upstream URL
func (d RequestDescriptor) URL() string { return d.url }

// Header returns a single header value
func (d RequestDescriptor) Header(key string) string {
	if v, ok := d.headers[key]; ok {
		return v
	}
	for k, v := range d.headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Headers returns a copy of all headers
func (d RequestDescriptor) Headers() map[string]string { return maps.Clone(d.headers) }

// Body returns a copy of the request payload, or nil when there is none
func (d RequestDescriptor) Body() []byte {
	if d.body == nil {
		return nil
	}
	return append([]byte(nil), d.body...)
}

// validate rejects descriptors that can never be sent.
func (d RequestDescriptor) validate() *Failure {
	if d.url == "" {
		return NewFailure(InvalidRequest, "URL cannot be empty", nil)
	}
	u, err := url.Parse(d.url)
	if err != nil {
		return NewFailure(InvalidRequest, "URL is not well-formed", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return NewFailure(InvalidRequest, "URL must be absolute", nil)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewFailure(InvalidRequest, "URL scheme must be http or https", nil)
	}
	return nil
}
