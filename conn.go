package sincere

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"runtime"
	"sync"
	"time"

	atom "go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	bufioReaderPool sync.Pool
	bufioWriterPool sync.Pool
)

type ConnState int

// Connections move New -> Active -> Idle -> Active ... -> Closed.
const (
	StateNew ConnState = iota
	StateActive
	StateIdle
	StateClosed
)

// A conn represents the server side of a connection.
type conn struct {
	srv       *Server
	cancelCtx context.CancelFunc
	rwc       net.Conn

	// remoteAddr is the peer of rwc, populated inside the serve
	// goroutine. It becomes the RemoteAddr of every Request read on
	// this connection.
	remoteAddr netip.AddrPort

	werr error // first write error on rwc
	bufr *bufio.Reader
	bufw *bufio.Writer // writes through checkConnErrorWriter

	curState atom.Uint64 // packed (unixtime<<8|uint8(ConnState))
}

func (c *conn) setState(state ConnState) {
	srv := c.srv
	switch state {
	case StateNew:
		srv.trackConn(c, true)
	case StateClosed:
		srv.trackConn(c, false)
	}
	if state > 0xff || state < 0 {
		panic("conn: internal error")
	}
	packedState := uint64(time.Now().Unix()<<8) | uint64(state)
	c.curState.Store(packedState)
}

func (c *conn) getState() (state ConnState, unixSec int64) {
	packedState := c.curState.Load()
	return ConnState(packedState & 0xff), int64(packedState >> 8)
}

// Serve a new connection.
func (c *conn) serve(ctx context.Context) {
	c.remoteAddr = addrPortOf(c.rwc.RemoteAddr())
	defer func() {
		if err := recover(); err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			c.srv.logger().Error("panic serving connection",
				zap.String("remote", c.remoteAddr.String()),
				zap.Any("panic", err),
				zap.ByteString("stack", buf))
		}
		c.close()
		c.setState(StateClosed)
	}()

	ctx, cancelCtx := context.WithCancel(ctx)
	c.cancelCtx = cancelCtx
	defer cancelCtx()

	c.bufr = newBufioReader(c.rwc)
	c.bufw = newBufioWriter(checkConnErrorWriter{c})

	for {
		req, err := c.readRequest(ctx)
		if err != nil {
			if isConnDone(err) {
				break
			}
			c.srv.logger().Debug("read request failed",
				zap.String("remote", c.remoteAddr.String()),
				zap.Error(err))
			c.replyParseError(err)
			break
		}
		c.setState(StateActive)

		w := newResponse(c, req)
		serverHandler{c.srv}.Serve(w, req)
		w.finishRequest()

		if w.closeAfter || c.werr != nil || ctx.Err() != nil {
			break
		}
		c.setState(StateIdle)

		if d := c.srv.idleTimeout(); d != 0 {
			c.rwc.SetReadDeadline(time.Now().Add(d))
			if _, err := c.bufr.Peek(4); err != nil {
				return
			}
		}
		c.rwc.SetReadDeadline(time.Time{})
	}
}

// Read next request from connection.
func (c *conn) readRequest(ctx context.Context) (*Request, error) {
	var (
		wholeReqDeadline time.Time // or zero if none
		hdrDeadline      time.Time // or zero if none
	)
	t0 := time.Now()
	if d := c.srv.readHeaderTimeout(); d != 0 {
		hdrDeadline = t0.Add(d)
	}
	if d := c.srv.ReadTimeout; d != 0 {
		wholeReqDeadline = t0.Add(d)
	}
	c.rwc.SetReadDeadline(hdrDeadline)
	if d := c.srv.WriteTimeout; d != 0 {
		defer func() {
			c.rwc.SetWriteDeadline(time.Now().Add(d))
		}()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The header deadline covers the body too; ReadTimeout is applied
	// once parsing returns so it bounds the handler's reads, if any.
	req, err := c.srv.parser().Parse(c.bufr, c.remoteAddr)
	if err != nil {
		return nil, err
	}

	if !hdrDeadline.Equal(wholeReqDeadline) {
		c.rwc.SetReadDeadline(wholeReqDeadline)
	}
	return req, nil
}

func isConnDone(err error) bool {
	if err == io.EOF || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Op == "read" {
		return true
	}
	return false
}

// replyParseError answers a request that could not be parsed. The
// connection is closed afterwards.
func (c *conn) replyParseError(err error) {
	code := http.StatusBadRequest
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrHeaderTooLarge):
		code = http.StatusRequestHeaderFieldsTooLarge
	case errors.Is(err, ErrUnsupportedTransferEncoding):
		code = http.StatusNotImplemented
	case errors.Is(err, io.ErrUnexpectedEOF):
		return
	}
	header := map[string]string{
		"connection":   "close",
		"content-type": "text/plain; charset=utf-8",
	}
	writeResponse(c.bufw, "HTTP/1.1", code, header, []byte(http.StatusText(code)+"\n"), true)
	c.bufw.Flush()
}

// Close the connection.
func (c *conn) close() {
	c.finalFlush()
	if c.rwc != nil {
		c.rwc.Close()
	}
}

// checkConnErrorWriter records the first write error on c and cancels
// the connection context.
type checkConnErrorWriter struct {
	c *conn
}

func (w checkConnErrorWriter) Write(p []byte) (n int, err error) {
	n, err = w.c.rwc.Write(p)
	if err != nil && w.c.werr == nil {
		w.c.werr = err
		w.c.cancelCtx()
	}
	return
}

func (c *conn) finalFlush() {
	if c.bufr != nil {
		putBufioReader(c.bufr)
		c.bufr = nil
	}

	if c.bufw != nil {
		c.bufw.Flush()
		putBufioWriter(c.bufw)
		c.bufw = nil
	}
}

// addrPortOf converts a peer address into an IP and port. Addresses
// without one, such as unix sockets, yield the zero AddrPort.
func addrPortOf(a net.Addr) netip.AddrPort {
	var ap netip.AddrPort
	switch v := a.(type) {
	case *net.TCPAddr:
		ap = v.AddrPort()
	case *net.UDPAddr:
		ap = v.AddrPort()
	default:
		if a == nil {
			return netip.AddrPort{}
		}
		parsed, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return netip.AddrPort{}
		}
		ap = parsed
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func putBufioWriter(bw *bufio.Writer) {
	bw.Reset(nil)
	bufioWriterPool.Put(bw)
}

func putBufioReader(br *bufio.Reader) {
	br.Reset(nil)
	bufioReaderPool.Put(br)
}

func newBufioReader(r io.Reader) *bufio.Reader {
	if v := bufioReaderPool.Get(); v != nil {
		br := v.(*bufio.Reader)
		br.Reset(r)
		return br
	}
	return bufio.NewReader(r)
}

func newBufioWriter(w io.Writer) *bufio.Writer {
	if v := bufioWriterPool.Get(); v != nil {
		bw := v.(*bufio.Writer)
		bw.Reset(w)
		return bw
	}
	return bufio.NewWriter(w)
}
