package framer

import (
	"fmt"
	"io"
)

// Encode writes body (already UTF-8 JSON bytes) to w prefixed with a
// Content-Length header computed from its byte length, not its rune
// count.
func Encode(w io.Writer, body []byte) error {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}
