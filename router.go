package sincere

import (
	"net/http"
	"sort"
	"strings"
)

// A Router dispatches requests by method and path pattern. Patterns are
// slash-separated; a segment ":name" captures one segment and a final
// "*name" captures the rest of the path. Captures are written into
// the request's Params before the route's handler runs.
//
// Routes are tried in registration order.
type Router struct {
	routes   []route
	NotFound Handler // nil means NotFoundHandler
}

type route struct {
	method   Method
	segments []string
	handler  Handler
}

func NewRouter() *Router {
	return &Router{}
}

// Handle registers h for method and pattern.
func (rt *Router) Handle(method Method, pattern string, h Handler) {
	rt.routes = append(rt.routes, route{
		method:   method,
		segments: splitPath(pattern),
		handler:  h,
	})
}

func (rt *Router) HandleFunc(method Method, pattern string, f func(ResponseWriter, *Request)) {
	rt.Handle(method, pattern, HandlerFunc(f))
}

func (rt *Router) Get(pattern string, f func(ResponseWriter, *Request)) {
	rt.HandleFunc(MethodGet, pattern, f)
}

func (rt *Router) Post(pattern string, f func(ResponseWriter, *Request)) {
	rt.HandleFunc(MethodPost, pattern, f)
}

func (rt *Router) Put(pattern string, f func(ResponseWriter, *Request)) {
	rt.HandleFunc(MethodPut, pattern, f)
}

func (rt *Router) Delete(pattern string, f func(ResponseWriter, *Request)) {
	rt.HandleFunc(MethodDelete, pattern, f)
}

func (rt *Router) Serve(w ResponseWriter, r *Request) {
	path := splitPath(stripQuery(r.Path()))

	var allowed []string
	for _, rte := range rt.routes {
		captures, ok := match(rte.segments, path)
		if !ok {
			continue
		}
		if rte.method != r.Method() && !(r.Method() == MethodHead && rte.method == MethodGet) {
			allowed = append(allowed, rte.method.String())
			continue
		}
		params := r.Params()
		for k, v := range captures {
			params[k] = v
		}
		rte.handler.Serve(w, r)
		return
	}

	if len(allowed) > 0 {
		sort.Strings(allowed)
		w.Header()["allow"] = strings.Join(dedup(allowed), ", ")
		Error(w, http.StatusMethodNotAllowed, "405 method not allowed")
		return
	}
	if rt.NotFound != nil {
		rt.NotFound.Serve(w, r)
		return
	}
	NotFound(w, r)
}

func match(pattern, path []string) (map[string]string, bool) {
	var captures map[string]string
	for i, seg := range pattern {
		if strings.HasPrefix(seg, "*") {
			if captures == nil {
				captures = make(map[string]string)
			}
			captures[seg[1:]] = strings.Join(path[i:], "/")
			return captures, true
		}
		if i >= len(path) {
			return nil, false
		}
		if strings.HasPrefix(seg, ":") {
			if captures == nil {
				captures = make(map[string]string)
			}
			captures[seg[1:]] = path[i]
			continue
		}
		if seg != path[i] {
			return nil, false
		}
	}
	if len(pattern) != len(path) {
		return nil, false
	}
	return captures, true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func stripQuery(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}

func dedup(sorted []string) []string {
	out := sorted[:0]
	for _, s := range sorted {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}
