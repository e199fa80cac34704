package sincere

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
)

const (
	DefaultMaxHeaderBytes = 1 << 20
	DefaultMaxBodyBytes   = 10 << 20
)

var (
	ErrHeaderTooLarge              = errors.New("sincere: request header too large")
	ErrBodyTooLarge                = errors.New("sincere: request body too large")
	ErrBadContentLength            = errors.New("sincere: bad content-length")
	ErrUnsupportedTransferEncoding = errors.New("sincere: unsupported transfer-encoding")
)

// A Parser turns the next request on a connection into a Request. It is
// the only place wire input is validated. A clean end of stream before
// the first byte of a request is reported as io.EOF.
type Parser interface {
	Parse(br *bufio.Reader, remote netip.AddrPort) (*Request, error)
}

// DefaultParser reads HTTP/1.0 and HTTP/1.1 requests with an optional
// Content-Length body. Header names are stored lower-cased.
type DefaultParser struct {
	MaxHeaderBytes int   // zero means DefaultMaxHeaderBytes
	MaxBodyBytes   int64 // zero means DefaultMaxBodyBytes
}

func (p *DefaultParser) maxHeaderBytes() int {
	if p.MaxHeaderBytes > 0 {
		return p.MaxHeaderBytes
	}
	return DefaultMaxHeaderBytes
}

func (p *DefaultParser) maxBodyBytes() int64 {
	if p.MaxBodyBytes > 0 {
		return p.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}

func (p *DefaultParser) Parse(br *bufio.Reader, remote netip.AddrPort) (*Request, error) {
	budget := p.maxHeaderBytes()

	line, err := readLine(br, &budget)
	if err != nil {
		return nil, err
	}
	// Tolerate stray CRLFs between pipelined requests.
	for len(line) == 0 {
		if line, err = readLine(br, &budget); err != nil {
			return nil, err
		}
	}
	method, path, version, err := parseStartLine(line)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, 16)
	for {
		line, err = readLine(br, &budget)
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		if len(line) == 0 {
			break
		}
		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx <= 0 {
			return nil, fmt.Errorf("sincere: malformed header line %q", line)
		}
		key := strings.ToLower(string(bytes.TrimSpace(line[:colonIdx])))
		value := string(bytes.TrimSpace(line[colonIdx+1:]))
		if prev, ok := headers[key]; ok {
			value = prev + ", " + value
		}
		headers[key] = value
	}

	if te, ok := headers["transfer-encoding"]; ok && !strings.EqualFold(te, "identity") {
		return nil, ErrUnsupportedTransferEncoding
	}

	var data []byte
	if cl, ok := headers["content-length"]; ok {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return nil, ErrBadContentLength
		}
		if n > p.maxBodyBytes() {
			return nil, ErrBodyTooLarge
		}
		data = make([]byte, n)
		if _, err := io.ReadFull(br, data); err != nil {
			return nil, unexpectedEOF(err)
		}
	}

	return NewRequest(method, path, version, headers, remote, data), nil
}

// readLine returns the next line without its terminator, charging its
// length against budget.
func readLine(br *bufio.Reader, budget *int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		*budget -= len(chunk)
		if *budget < 0 {
			return nil, ErrHeaderTooLarge
		}
		if err == bufio.ErrBufferFull {
			line = append(line, chunk...)
			continue
		}
		if err != nil {
			if err == io.EOF && (len(line) > 0 || len(chunk) > 0) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if line == nil {
			line = chunk
		} else {
			line = append(line, chunk...)
		}
		return bytes.TrimRight(line, "\r\n"), nil
	}
}

func parseStartLine(line []byte) (Method, string, string, error) {
	firstSpace := bytes.IndexByte(line, ' ')
	if firstSpace == -1 {
		return 0, "", "", fmt.Errorf("sincere: invalid start line: missing method")
	}
	secondSpace := bytes.IndexByte(line[firstSpace+1:], ' ')
	if secondSpace == -1 {
		return 0, "", "", fmt.Errorf("sincere: invalid start line: missing version")
	}
	secondSpace += firstSpace + 1

	token := string(line[:firstSpace])
	method, ok := ParseMethod(token)
	if !ok {
		return 0, "", "", fmt.Errorf("sincere: unknown method %q", token)
	}
	path := string(line[firstSpace+1 : secondSpace])
	if path == "" {
		return 0, "", "", fmt.Errorf("sincere: invalid start line: empty target")
	}
	version := string(line[secondSpace+1:])
	if version != "HTTP/1.1" && version != "HTTP/1.0" {
		return 0, "", "", fmt.Errorf("sincere: unsupported version %q", version)
	}
	return method, path, version, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// hasToken reports whether the comma-separated list v contains token,
// compared case-insensitively.
func hasToken(v, token string) bool {
	for _, part := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
