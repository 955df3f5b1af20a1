package bodycodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func Test_IsText(t *testing.T) {
	for contentType, want := range map[string]bool{
		"":                                  true,
		"application/json":                  true,
		"application/json; charset=utf-8":   true,
		"application/problem+json":          true,
		"application/xml":                   true,
		"application/x-www-form-urlencoded": true,
		"application/javascript":            true,
		"text/html":                         true,
		"text/event-stream":                 true,
		"image/svg+xml":                     true,
		"image/png":                         false,
		"application/octet-stream":          false,
		"application/pdf":                   false,
		"multipart/form-data; boundary=x":   false,
		"not a content type;;":              false,
	} {
		require.Equal(t, want, IsText(contentType), contentType)
	}
}

func Test_IsStream(t *testing.T) {
	require.True(t, IsStream("text/event-stream"))
	require.True(t, IsStream("text/event-stream; charset=utf-8"))
	require.False(t, IsStream("text/plain"))
	require.False(t, IsStream(""))
	require.False(t, IsStream("application/json"))
}

func Test_Capture(t *testing.T) {
	t.Run("absent for empty or zero length", func(t *testing.T) {
		_, ok := Capture(nil, "application/json", 0, DefaultMaxBytes)
		require.False(t, ok)
		_, ok = Capture([]byte("x"), "application/json", 0, DefaultMaxBytes)
		require.False(t, ok)
		_, ok = Capture([]byte{}, "application/json", 10, DefaultMaxBytes)
		require.False(t, ok)
	})

	t.Run("text verbatim", func(t *testing.T) {
		s, ok := Capture([]byte(`{"ok":200}`), "application/json", 10, DefaultMaxBytes)
		require.True(t, ok)
		require.Equal(t, `{"ok":200}`, s)
	})

	t.Run("unknown content type is text", func(t *testing.T) {
		s, ok := Capture([]byte("hello"), "", 5, DefaultMaxBytes)
		require.True(t, ok)
		require.Equal(t, "hello", s)
	})

	t.Run("large json is truncated at the byte cap", func(t *testing.T) {
		body := bytes.Repeat([]byte("a"), 2*1024*1024)
		s, ok := Capture(body, "application/json", int64(len(body)), DefaultMaxBytes)
		require.True(t, ok)
		suffix := "... [truncated, original size: 2097152 bytes]"
		require.True(t, strings.HasSuffix(s, suffix))
		require.Len(t, strings.TrimSuffix(s, suffix), 1048576)
	})

	t.Run("prefix with larger declared length", func(t *testing.T) {
		s, ok := Capture([]byte("abcd"), "text/plain", 100, 4)
		require.True(t, ok)
		require.Equal(t, "abcd... [truncated, original size: 100 bytes]", s)
	})

	t.Run("truncation never splits a rune", func(t *testing.T) {
		body := []byte("aé") // 'é' is two bytes
		s, ok := Capture(body, "text/plain", 3, 2)
		require.True(t, ok)
		require.Equal(t, "a... [truncated, original size: 3 bytes]", s)
	})

	t.Run("binary content is base64 wrapped", func(t *testing.T) {
		body := bytes.Repeat([]byte{0x89, 0x50}, 250)
		s, ok := Capture(body, "image/png", 500, DefaultMaxBytes)
		require.True(t, ok)
		require.Equal(t, "[Binary data - base64 encoded, 500 bytes]\n"+base64.StdEncoding.EncodeToString(body), s)
		require.NotContains(t, s, "truncated")
	})

	t.Run("truncated binary reports original size", func(t *testing.T) {
		body := bytes.Repeat([]byte{0xff}, 64)
		s, ok := Capture(body, "application/octet-stream", 64, 16)
		require.True(t, ok)
		header, encoded, found := strings.Cut(s, "\n")
		require.True(t, found)
		require.Equal(t, "[Binary data - base64 encoded, truncated from 64 bytes]", header)
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(t, err)
		require.Len(t, decoded, 16)
	})

	t.Run("invalid utf8 in text is replaced", func(t *testing.T) {
		s, ok := Capture([]byte{0xff, 0x00, 0xff, 0x00}, "", 4, DefaultMaxBytes)
		require.True(t, ok)
		require.Equal(t, "\uFFFD\x00\uFFFD\x00", s)
		require.True(t, utf8.ValidString(s))

		s, ok = Capture([]byte("{\"a\":\"\xc3\x28\"}"), "application/json", 10, DefaultMaxBytes)
		require.True(t, ok)
		require.Equal(t, "{\"a\":\"\uFFFD(\"}", s)
	})

	t.Run("binary content type is never decoded", func(t *testing.T) {
		s, ok := Capture([]byte{0xff, 0x00, 0xff, 0x00}, "application/octet-stream", 4, DefaultMaxBytes)
		require.True(t, ok)
		require.Equal(t, "[Binary data - base64 encoded, 4 bytes]\n/wD/AA==", s)
	})
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(b []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(b, f.data)
	f.data = f.data[n:]
	return n, nil
}

func Test_Peek(t *testing.T) {
	t.Run("known length replays identical bytes", func(t *testing.T) {
		original := bytes.Repeat([]byte("0123456789"), 100)
		scratch, total, replay, err := Peek(io.NopCloser(bytes.NewReader(original)), int64(len(original)), 64)
		require.NoError(t, err)
		require.Len(t, scratch, 64)
		require.Equal(t, int64(1000), total)

		got, err := io.ReadAll(replay)
		require.NoError(t, err)
		require.Equal(t, original, got)
	})

	t.Run("unknown length within the cap is measured", func(t *testing.T) {
		original := []byte("streamed body")
		scratch, total, replay, err := Peek(io.NopCloser(bytes.NewReader(original)), -1, 64)
		require.NoError(t, err)
		require.Equal(t, original, scratch)
		require.Equal(t, int64(len(original)), total)

		got, err := io.ReadAll(replay)
		require.NoError(t, err)
		require.Equal(t, original, got)
	})

	t.Run("unknown length exactly at the cap is captured whole", func(t *testing.T) {
		scratch, total, _, err := Peek(io.NopCloser(strings.NewReader("abcd")), -1, 4)
		require.NoError(t, err)
		require.Equal(t, int64(4), total)
		s, ok := Capture(scratch, "text/plain", total, 4)
		require.True(t, ok)
		require.Equal(t, "abcd", s)
	})

	t.Run("unknown length beyond the cap is not buffered", func(t *testing.T) {
		original := bytes.Repeat([]byte("x"), 100)
		scratch, total, replay, err := Peek(io.NopCloser(bytes.NewReader(original)), -1, 4)
		require.NoError(t, err)
		require.Len(t, scratch, 5)
		require.Equal(t, int64(-1), total)
		_, ok := Capture(scratch, "text/plain", total, 4)
		require.False(t, ok)

		got, err := io.ReadAll(replay)
		require.NoError(t, err)
		require.Equal(t, original, got)
	})

	t.Run("short stream reports real size", func(t *testing.T) {
		_, total, replay, err := Peek(io.NopCloser(strings.NewReader("abc")), 10, 64)
		require.NoError(t, err)
		require.Equal(t, int64(3), total)
		got, err := io.ReadAll(replay)
		require.NoError(t, err)
		require.Equal(t, "abc", string(got))
	})

	t.Run("read error is replayed after the buffered bytes", func(t *testing.T) {
		boom := errors.New("connection reset")
		_, _, replay, err := Peek(io.NopCloser(&failingReader{data: []byte("par"), err: boom}), 10, 64)
		require.ErrorIs(t, err, boom)

		got, err := io.ReadAll(replay)
		require.ErrorIs(t, err, boom)
		require.Equal(t, "par", string(got))
	})

	t.Run("nil body", func(t *testing.T) {
		scratch, total, replay, err := Peek(nil, 10, 64)
		require.NoError(t, err)
		require.Nil(t, scratch)
		require.Zero(t, total)
		require.Nil(t, replay)
	})
}
