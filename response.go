package sincere

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
)

// A ResponseWriter collects a handler's reply. The body is buffered and
// sent with an exact content-length once the handler returns.
type ResponseWriter interface {
	// Header returns the live response header map. Changes after the
	// handler returns have no effect.
	Header() map[string]string
	WriteHeader(statusCode int)
	Write([]byte) (int, error)
}

// A response represents the server side of a response.
type response struct {
	conn   *conn
	req    *Request // request for this response
	header map[string]string
	status int
	body   bytes.Buffer

	// closeAfter is set when the connection must not be reused.
	closeAfter bool
}

func newResponse(c *conn, req *Request) *response {
	return &response{
		conn:       c,
		req:        req,
		header:     make(map[string]string),
		closeAfter: !req.keepAlive(),
	}
}

func (w *response) Header() map[string]string { return w.header }

func (w *response) WriteHeader(code int) {
	if w.status != 0 {
		return
	}
	w.status = code
}

func (w *response) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(p)
}

func (w *response) statusCode() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *response) finishRequest() {
	if w.closeAfter {
		w.header["connection"] = "close"
	}
	writeResponse(w.conn.bufw, w.req.Version(), w.statusCode(), w.header, w.body.Bytes(), w.req.Method() != MethodHead)
	w.conn.bufw.Flush()
}

type stringWriter interface {
	WriteString(string) (int, error)
	Write([]byte) (int, error)
}

func writeResponse(bw stringWriter, version string, code int, header map[string]string, body []byte, withBody bool) {
	if version == "" {
		version = "HTTP/1.1"
	}
	bw.WriteString(version + " " + strconv.Itoa(code) + " " + http.StatusText(code) + "\r\n")

	keys := make([]string, 0, len(header))
	for k := range header {
		if k == "content-length" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		bw.WriteString(k + ": " + header[k] + "\r\n")
	}
	bw.WriteString("content-length: " + strconv.Itoa(len(body)) + "\r\n\r\n")
	if withBody {
		bw.Write(body)
	}
}

// Error replies with a plain-text message and the given status code.
func Error(w ResponseWriter, code int, msg string) {
	w.Header()["content-type"] = "text/plain; charset=utf-8"
	w.WriteHeader(code)
	w.Write([]byte(msg + "\n"))
}

// JSON replies with v encoded as JSON.
func JSON(w ResponseWriter, code int, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header()["content-type"] = "application/json"
	w.WriteHeader(code)
	_, err = w.Write(b)
	return err
}

// BindOrReject binds the request body as a D. When the body does not
// decode it replies 400 with the decode message and returns false.
func BindOrReject[D any](w ResponseWriter, r *Request) (D, bool) {
	v, err := BindJSON[D](r)
	if err != nil {
		Error(w, http.StatusBadRequest, rejectMessage(err))
		return v, false
	}
	return v, true
}

func rejectMessage(err error) string {
	var de *DecodeError
	if !errors.As(err, &de) {
		return http.StatusText(http.StatusBadRequest)
	}
	if de.Field != "" {
		return de.Field + ": " + de.Msg
	}
	return de.Msg
}
