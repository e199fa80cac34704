package sincere

import (
	"net/netip"
)

// A Request is one inbound HTTP exchange as produced by a Parser.
//
// Method, path, version and remote address are fixed at construction.
// Headers, params and the body are shared, mutable storage: whatever a
// middleware writes through Headers, Params or Data is seen by every
// later stage handling the same request. A Request is owned by one
// goroutine at a time and does no locking of its own.
type Request struct {
	method     Method
	path       string
	version    string
	headers    map[string]string
	params     map[string]string
	remoteAddr netip.AddrPort
	data       []byte
}

// NewRequest builds a Request from values the caller has already
// validated. It never fails. Params start empty.
func NewRequest(method Method, path, version string, headers map[string]string, remoteAddr netip.AddrPort, data []byte) *Request {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &Request{
		method:     method,
		path:       path,
		version:    version,
		headers:    headers,
		params:     make(map[string]string),
		remoteAddr: remoteAddr,
		data:       data,
	}
}

func (r *Request) Method() Method { return r.method }

func (r *Request) Path() string { return r.path }

func (r *Request) Version() string { return r.version }

func (r *Request) RemoteAddr() netip.AddrPort { return r.remoteAddr }

// Headers returns the live header map.
func (r *Request) Headers() map[string]string { return r.headers }

// Params returns the live route parameter map. Only a router writes to it.
func (r *Request) Params() map[string]string { return r.params }

// Data returns the live body buffer. Bytes may be rewritten in place.
func (r *Request) Data() []byte { return r.data }

// SetData hands a new body buffer to the request, e.g. after a stage
// has decompressed the original one.
func (r *Request) SetData(data []byte) { r.data = data }

func (r *Request) DataLength() int { return len(r.data) }

// GetHeader looks key up exactly as given.
func (r *Request) GetHeader(key string) (string, bool) {
	v, ok := r.headers[key]
	return v, ok
}

// GetParam looks key up exactly as given.
func (r *Request) GetParam(key string) (string, bool) {
	v, ok := r.params[key]
	return v, ok
}

// BindJSON decodes the body into v. On failure v is left unchanged and
// the error is a *DecodeError.
func (r *Request) BindJSON(v interface{}) error {
	return bindInto(r.data, v)
}

// keepAlive reports whether the connection may carry another request
// after this one.
func (r *Request) keepAlive() bool {
	conn := r.headers["connection"]
	if r.version == "HTTP/1.0" {
		return hasToken(conn, "keep-alive")
	}
	return !hasToken(conn, "close")
}
