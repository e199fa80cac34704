package sincere

import "net/http"

type serverHandler struct {
	srv *Server
}

func (sh serverHandler) Serve(rw ResponseWriter, req *Request) {
	handler := sh.srv.Handler
	if handler == nil {
		handler = NotFoundHandler()
	}
	handler.Serve(rw, req)
}

type Handler interface {
	Serve(ResponseWriter, *Request)
}

type HandlerFunc func(ResponseWriter, *Request)

// Serve calls f(w, r).
func (f HandlerFunc) Serve(w ResponseWriter, r *Request) {
	f(w, r)
}

// A Middleware wraps a handler with one pipeline stage. Stages share the
// same *Request, so header or body changes made by one are seen by the
// next.
type Middleware func(Handler) Handler

// Chain wraps h so that mws run in the order given, the first one
// outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// NotFound replies to the request with a 404 not found error.
func NotFound(w ResponseWriter, r *Request) {
	Error(w, http.StatusNotFound, "404 page not found")
}

// NotFoundHandler returns a simple request handler
// that replies to each request with a ``404 page not found'' reply.
func NotFoundHandler() Handler { return HandlerFunc(NotFound) }
