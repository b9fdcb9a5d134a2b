package api

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	MIMEJSON    = "application/json"
	MIMEMsgpack = "application/msgpack"

	// EncodingLZ4 marks a body compressed with the lz4 frame format.
	EncodingLZ4 = "lz4"

	HeaderRequestID = "X-Request-Id"

	// DefaultBodyLimit caps a decoded request body.
	DefaultBodyLimit int64 = 1 << 30
)

// envelope wraps every response body.
type envelope struct {
	RequestID string         `json:"request_id" msgpack:"request_id"`
	Result    any            `json:"result,omitempty" msgpack:"result,omitempty"`
	Error     *ResponseError `json:"error,omitempty" msgpack:"error,omitempty"`
}

func isMsgpack(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == MIMEMsgpack || mt == "application/x-msgpack"
}

func hasEncoding(header, enc string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), enc) {
			return true
		}
	}
	return false
}

// decodeBody reads the request body as T, honouring Content-Type and
// Content-Encoding. An empty body yields the zero value. limit caps the
// decoded size in bytes, after decompression.
func decodeBody[T any](c *echo.Context, limit int64) (T, error) {
	var out T
	req := c.Request()
	if req.Body == nil {
		return out, nil
	}
	var r io.Reader = req.Body
	switch enc := req.Header.Get("Content-Encoding"); {
	case enc == "" || strings.EqualFold(enc, "identity"):
	case strings.EqualFold(enc, EncodingLZ4):
		r = lz4.NewReader(r)
	default:
		return out, newInvalidRequest(fmt.Sprintf("unsupported content encoding %q", enc))
	}
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return out, newInvalidRequest("read body: " + err.Error())
	}
	if int64(len(raw)) > limit {
		return out, fmt.Errorf("%w: decoded body exceeds %d bytes", ErrBodyTooLarge, limit)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if isMsgpack(req.Header.Get("Content-Type")) {
		err = msgpack.Unmarshal(raw, &out)
	} else {
		err = json.Unmarshal(raw, &out)
	}
	if err != nil {
		return out, newInvalidRequest("decode body: " + err.Error())
	}
	return out, nil
}

// requestID reuses a well-formed client id, otherwise mints one.
func requestID(c *echo.Context) string {
	if id := c.Request().Header.Get(HeaderRequestID); id != "" {
		if parsed, err := uuid.Parse(id); err == nil {
			return parsed.String()
		}
	}
	return uuid.NewString()
}

// writeBody encodes body in the format the client accepts.
func writeBody(c *echo.Context, status int, body envelope) error {
	req := c.Request()
	contentType := MIMEJSON
	var (
		raw []byte
		err error
	)
	if isMsgpack(req.Header.Get("Accept")) || (req.Header.Get("Accept") == "" && isMsgpack(req.Header.Get("Content-Type"))) {
		contentType = MIMEMsgpack
		raw, err = msgpack.Marshal(body)
	} else {
		raw, err = json.Marshal(body)
	}
	if err != nil {
		return err
	}
	h := c.Response().Header()
	h.Set(HeaderRequestID, body.RequestID)
	if hasEncoding(req.Header.Get("Accept-Encoding"), EncodingLZ4) {
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		raw = buf.Bytes()
		h.Set("Content-Encoding", EncodingLZ4)
	}
	return c.Blob(status, contentType, raw)
}

func writeResult(c *echo.Context, result any) error {
	return writeBody(c, http.StatusOK, envelope{RequestID: requestID(c), Result: result})
}

func writeError(c *echo.Context, err error) error {
	status, errType := classify(err)
	return writeBody(c, status, envelope{
		RequestID: requestID(c),
		Error:     &ResponseError{Message: err.Error(), Type: errType, Param: errorParam(err)},
	})
}
