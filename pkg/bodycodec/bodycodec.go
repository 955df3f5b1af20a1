// Package bodycodec turns request and response bodies into bounded text
// snapshots without disturbing the stream the transport reads.
package bodycodec

import (
	"encoding/base64"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"
)

// DefaultMaxBytes is the default capture cap for a single body (1 MiB).
const DefaultMaxBytes int64 = 1024 * 1024

var textSubtypes = []string{"json", "xml", "html", "javascript", "css", "csv", "plain"}

var applicationTextSubtypes = []string{"json", "xml", "javascript", "x-www-form-urlencoded", "form-data"}

// IsText reports whether a declared content type should be captured as text.
// An empty content type is optimistically treated as text.
func IsText(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	typ, subtype, _ := strings.Cut(mediaType, "/")
	if typ == "text" {
		return true
	}
	if containsAny(subtype, textSubtypes) {
		return true
	}
	return typ == "application" && containsAny(subtype, applicationTextSubtypes)
}

// IsStream reports whether a response of this content type is a long-lived
// event stream. Peeking such a body would hold the caller until the stream
// had produced a full capture window or ended.
func IsStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}

// Capture renders at most maxBytes of data as UTF-8 text, or as a base64
// block for binary content. declaredLength is the size of the whole body, which may be
// larger than data when only a prefix was read. The second return value is
// false when there is nothing to capture.
func Capture(data []byte, contentType string, declaredLength, maxBytes int64) (string, bool) {
	if declaredLength <= 0 || len(data) == 0 {
		return "", false
	}
	limit := declaredLength
	if maxBytes >= 0 && maxBytes < limit {
		limit = maxBytes
	}
	if limit <= 0 {
		return "", false
	}
	if int64(len(data)) > limit {
		data = data[:limit]
	}
	truncated := declaredLength > limit

	if IsText(contentType) {
		text := data
		if truncated {
			text = trimPartialRune(text)
		}
		// invalid sequences decode as U+FFFD
		s := strings.ToValidUTF8(string(text), "\uFFFD")
		if truncated {
			return fmt.Sprintf("%s... [truncated, original size: %d bytes]", s, declaredLength), true
		}
		return s, true
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	if truncated {
		return fmt.Sprintf("[Binary data - base64 encoded, truncated from %d bytes]\n%s", declaredLength, encoded), true
	}
	return fmt.Sprintf("[Binary data - base64 encoded, %d bytes]\n%s", len(data), encoded), true
}

// trimPartialRune drops an incomplete UTF-8 sequence left at the end of b by
// a byte-based cut.
func trimPartialRune(b []byte) []byte {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		start := len(b) - i
		if !utf8.RuneStart(b[start]) {
			continue
		}
		if !utf8.FullRune(b[start:]) {
			return b[:start]
		}
		return b
	}
	return b
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
