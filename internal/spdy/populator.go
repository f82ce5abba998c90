package spdy

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// HeaderSource yields the complete header set of a response. Enumerate is
// called at most once per adapter but must be safe to call again.
type HeaderSource interface {
	Enumerate() ([]HeaderField, error)
}

// HeaderSourceFunc adapts a function to HeaderSource.
type HeaderSourceFunc func() ([]HeaderField, error)

// Enumerate implements HeaderSource.
func (f HeaderSourceFunc) Enumerate() ([]HeaderField, error) { return f() }

// Pseudo header names used on the SPDY reply.
const (
	HeaderStatus  = "status"
	HeaderVersion = "version"
)

// hopByHopHeaders are connection-specific and must not be forwarded on a
// multiplexed stream.
var hopByHopHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
}

// ResponseHeaderPopulator enumerates the status line and headers of an
// HTTP response in SPDY form: lowercase names, a "status" and a "version"
// entry, multiple values joined with NUL.
type ResponseHeaderPopulator struct {
	StatusCode int
	// Proto defaults to HTTP/1.1.
	Proto  string
	Header http.Header
}

// Enumerate implements HeaderSource. Names are sorted so the output is
// deterministic.
func (p ResponseHeaderPopulator) Enumerate() ([]HeaderField, error) {
	if p.StatusCode < 100 || p.StatusCode > 999 {
		return nil, fmt.Errorf("invalid response status code %d", p.StatusCode)
	}
	proto := p.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}

	status := strconv.Itoa(p.StatusCode)
	if text := http.StatusText(p.StatusCode); text != "" {
		status += " " + text
	}

	fields := make([]HeaderField, 0, len(p.Header)+2)
	fields = append(fields,
		HeaderField{Name: HeaderStatus, Value: status},
		HeaderField{Name: HeaderVersion, Value: proto},
	)

	// Case variants of one name merge in the byte order of their spellings.
	keys := make([]string, 0, len(p.Header))
	for name := range p.Header {
		keys = append(keys, name)
	}
	sort.Strings(keys)

	names := make([]string, 0, len(p.Header))
	merged := make(map[string][]string, len(p.Header))
	for _, name := range keys {
		values := p.Header[name]
		lower := strings.ToLower(name)
		if hopByHopHeaders[lower] || lower == HeaderStatus || lower == HeaderVersion {
			continue
		}
		if _, seen := merged[lower]; !seen {
			names = append(names, lower)
		}
		merged[lower] = append(merged[lower], values...)
	}
	sort.Strings(names)

	for _, name := range names {
		fields = append(fields, HeaderField{Name: name, Value: strings.Join(merged[name], "\x00")})
	}
	return fields, nil
}
