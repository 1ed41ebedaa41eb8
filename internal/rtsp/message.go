package rtsp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
)

// Protocol version spoken by the server
const Version = "RTSP/1.0"

// readBufferSize bounds the request line and headers of one request
const readBufferSize = 8192

// RTSP methods
const (
	MethodOptions      base.Method = "OPTIONS"
	MethodDescribe     base.Method = "DESCRIBE"
	MethodSetup        base.Method = "SETUP"
	MethodPlay         base.Method = "PLAY"
	MethodPause        base.Method = "PAUSE"
	MethodTeardown     base.Method = "TEARDOWN"
	MethodGetParameter base.Method = "GET_PARAMETER"
	MethodSetParameter base.Method = "SET_PARAMETER"
)

// Header names, in the form they are written
const (
	HeaderCSeq          = "CSeq"
	HeaderSession       = "Session"
	HeaderTransport     = "Transport"
	HeaderPublic        = "Public"
	HeaderServer        = "Server"
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderContentBase   = "Content-Base"
	HeaderRange         = "Range"
	HeaderRTPInfo       = "RTP-Info"
)

// Status codes used by the server
const (
	StatusOK                        = 200
	StatusBadRequest                = 400
	StatusNotFound                  = 404
	StatusParameterNotUnderstood    = 451
	StatusNotEnoughBandwidth        = 453
	StatusSessionNotFound           = 454
	StatusMethodNotValidInThisState = 455
	StatusAggregateNotAllowed       = 459
	StatusUnsupportedTransport      = 461
	StatusInternalServerError       = 500
	StatusNotImplemented            = 501
	StatusServiceUnavailable        = 503
)

var statusText = map[base.StatusCode]string{
	StatusOK:                        "OK",
	StatusBadRequest:                "Bad Request",
	StatusNotFound:                  "Not Found",
	StatusParameterNotUnderstood:    "Parameter Not Understood",
	StatusNotEnoughBandwidth:        "Not Enough Bandwidth",
	StatusSessionNotFound:           "Session Not Found",
	StatusMethodNotValidInThisState: "Method Not Valid in This State",
	StatusAggregateNotAllowed:       "Aggregate Operation Not Allowed",
	StatusUnsupportedTransport:      "Unsupported Transport",
	StatusInternalServerError:       "Internal Server Error",
	StatusNotImplemented:            "Not Implemented",
	StatusServiceUnavailable:        "Service Unavailable",
}

// StatusText returns the reason phrase for code
func StatusText(code base.StatusCode) string {
	if text, ok := statusText[code]; ok {
		return text
	}
	return "Unknown"
}

// ErrMalformedRequest is returned for requests that cannot be parsed
var ErrMalformedRequest = errors.New("malformed RTSP request")

// Request is an RTSP request
type Request struct {
	*base.Request

	// CSeq is -1 when the header is missing
	CSeq int
}

// GetHeader returns the first value of header name, matched case-insensitively
func (r *Request) GetHeader(name string) string {
	if v, ok := r.Header[name]; ok && len(v) > 0 {
		return v[0]
	}
	for key, v := range r.Header {
		if strings.EqualFold(key, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// SessionID returns the session id from the Session header, without parameters
func (r *Request) SessionID() string {
	id, _, _ := strings.Cut(r.GetHeader(HeaderSession), ";")
	return strings.TrimSpace(id)
}

// URI returns the request URI as sent; "*" has no URL
func (r *Request) URI() string {
	if r.URL == nil {
		return "*"
	}
	return (*url.URL)(r.URL).String()
}

// Path returns the path of the request URL
func (r *Request) Path() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.Path
}

// Response is an RTSP response
type Response struct {
	base.Response
}

// NewResponse creates a response with the given status
func NewResponse(code base.StatusCode) *Response {
	return &Response{base.Response{
		StatusCode:    code,
		StatusMessage: StatusText(code),
		Header:        base.Header{},
	}}
}

// SetHeader sets a header value
func (r *Response) SetHeader(name, value string) {
	r.Header[name] = base.HeaderValue{value}
}

// SetCSeq sets the CSeq header
func (r *Response) SetCSeq(cseq int) {
	r.SetHeader(HeaderCSeq, strconv.Itoa(cseq))
}

// MessageReader reads RTSP requests from a connection
type MessageReader struct {
	br *bufio.Reader
}

// NewMessageReader creates a reader on r
func NewMessageReader(r io.Reader) *MessageReader {
	return &MessageReader{br: bufio.NewReaderSize(r, readBufferSize)}
}

// ReadRequest reads the next request. Blank lines and interleaved binary
// frames between requests are skipped. Network errors and io.EOF are
// returned as they are; anything else wraps ErrMalformedRequest.
func (m *MessageReader) ReadRequest() (*Request, error) {
	if err := m.skipToRequest(); err != nil {
		return nil, err
	}

	head, err := m.peekHead()
	if err != nil {
		return nil, err
	}
	if err := checkHead(head); err != nil {
		return nil, err
	}

	var req base.Request
	if err := req.Unmarshal(m.br); err != nil {
		if isConnError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}

	out := &Request{Request: &req, CSeq: -1}
	if raw := out.GetHeader(HeaderCSeq); raw != "" {
		cseq, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || cseq < 0 {
			return nil, fmt.Errorf("%w: invalid CSeq %q", ErrMalformedRequest, raw)
		}
		out.CSeq = cseq
	}
	return out, nil
}

func (m *MessageReader) skipToRequest() error {
	for {
		b, err := m.br.Peek(1)
		if err != nil {
			return err
		}
		switch b[0] {
		case '\r', '\n':
			m.br.ReadByte()
		case '$':
			var frame base.InterleavedFrame
			if err := frame.Unmarshal(m.br); err != nil {
				if isConnError(err) {
					return err
				}
				return fmt.Errorf("%w: %w", ErrMalformedRequest, err)
			}
		default:
			return nil
		}
	}
}

// peekHead returns the request line and headers of the next request, up to
// and including the blank line, without consuming them
func (m *MessageReader) peekHead() ([]byte, error) {
	n := 1
	for {
		buf, err := m.br.Peek(n)
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				return nil, fmt.Errorf("%w: request head exceeds %d bytes", ErrMalformedRequest, readBufferSize)
			}
			return nil, err
		}
		if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
			return buf[:i+4], nil
		}
		n = m.br.Buffered() + 1
	}
}

// checkHead rejects heads the decoder would wait on for more input: a
// request line without three parts or a header line without a colon
func checkHead(head []byte) error {
	lines := strings.Split(strings.TrimSuffix(string(head), "\r\n\r\n"), "\r\n")
	if parts := strings.Fields(lines[0]); len(parts) != 3 {
		return fmt.Errorf("%w: request line %q", ErrMalformedRequest, lines[0])
	}
	for _, line := range lines[1:] {
		if !strings.Contains(line, ":") {
			return fmt.Errorf("%w: header line %q", ErrMalformedRequest, line)
		}
	}
	return nil
}

func isConnError(err error) bool {
	var netErr net.Error
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.As(err, &netErr)
}

// MessageWriter writes RTSP responses to a connection
type MessageWriter struct {
	writer io.Writer
}

// NewMessageWriter creates a writer on w
func NewMessageWriter(w io.Writer) *MessageWriter {
	return &MessageWriter{writer: w}
}

// WriteResponse encodes resp and writes it in one call. Headers come out
// sorted by name.
func (m *MessageWriter) WriteResponse(resp *Response) error {
	if len(resp.Body) > 0 {
		resp.SetHeader(HeaderContentLength, strconv.Itoa(len(resp.Body)))
	}

	buf, err := resp.Response.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if _, err := m.writer.Write(buf); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}
