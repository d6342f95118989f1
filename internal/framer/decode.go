package framer

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// headerSep is the blank line that ends the header block.
const headerSep = "\r\n\r\n"

// FramingError is returned by Decoder.Next when a stream violates the
// Content-Length framing contract: a malformed header block, a
// non-numeric or negative Content-Length, or a stream that ends in the
// middle of a declared body.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error: %s", e.Reason)
}

// Decoder produces a sequence of decoded messages from an underlying
// byte stream. It accumulates partial reads in a growable buffer that
// compacts as messages are consumed, so chunked reads from a socket or
// pipe reassemble correctly regardless of how the bytes happen to
// arrive.
type Decoder struct {
	r       io.Reader
	buf     bytes.Buffer
	scratch []byte
}

// NewDecoder wraps r in a Decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:       r,
		scratch: make([]byte, 32*1024),
	}
}

// Next blocks until a full message is available, the stream ends
// cleanly between messages (returns io.EOF), or a framing error or
// underlying read error occurs.
func (d *Decoder) Next() (*Message, error) {
	for {
		raw, ok, err := d.tryExtract()
		if err != nil {
			return nil, err
		}
		if ok {
			return Parse(raw)
		}

		n, err := d.r.Read(d.scratch)
		if n > 0 {
			d.buf.Write(d.scratch[:n])
		}
		if err != nil {
			if n == 0 {
				if err == io.EOF && d.buf.Len() > 0 {
					return nil, &FramingError{Reason: "stream ended mid-message"}
				}
				return nil, err
			}
			// Data arrived alongside the error (e.g. a final short
			// read before EOF); loop once more to try extracting it
			// before surfacing the error.
			raw, ok, extractErr := d.tryExtract()
			if extractErr != nil {
				return nil, extractErr
			}
			if ok {
				return Parse(raw)
			}
			if err == io.EOF && d.buf.Len() > 0 {
				return nil, &FramingError{Reason: "stream ended mid-message"}
			}
			return nil, err
		}
	}
}

// tryExtract attempts to pull one complete message out of the
// accumulated buffer without blocking. ok is false when more data is
// needed.
func (d *Decoder) tryExtract() (raw []byte, ok bool, err error) {
	view := d.buf.Bytes()

	sep := bytes.Index(view, []byte(headerSep))
	if sep < 0 {
		// No header block yet. Guard against a pathological stream
		// that never sends a blank line.
		if d.buf.Len() > 64*1024 {
			return nil, false, &FramingError{Reason: "header block exceeds maximum size"}
		}
		return nil, false, nil
	}

	headerBlock := view[:sep]
	contentLength, perr := parseContentLength(headerBlock)
	if perr != nil {
		return nil, false, perr
	}

	bodyStart := sep + len(headerSep)
	need := bodyStart + contentLength
	if len(view) < need {
		return nil, false, nil
	}

	body := make([]byte, contentLength)
	copy(body, view[bodyStart:need])
	d.buf.Next(need)
	return body, true, nil
}

// parseContentLength scans a header block (header lines joined by
// "\r\n", no trailing blank line) for a well-formed Content-Length.
// Any other header is ignored per spec.
func parseContentLength(block []byte) (int, error) {
	lines := strings.Split(string(block), "\r\n")
	found := false
	length := 0
	for _, line := range lines {
		if line == "" {
			continue
		}
		name, value, sepOK := strings.Cut(line, ":")
		if !sepOK {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		v := strings.TrimSpace(value)
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, &FramingError{Reason: fmt.Sprintf("invalid Content-Length %q", v)}
		}
		length = n
		found = true
	}
	if !found {
		return 0, &FramingError{Reason: "missing Content-Length header"}
	}
	return length, nil
}
