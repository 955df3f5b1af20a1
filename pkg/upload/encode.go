package upload

import (
	"bytes"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/netmonhq/netmon-go/pkg/record"
)

// maxPooledBuffer caps the buffers returned to bufferPool.
const maxPooledBuffer = 1 << 20

var (
	bufferPool = sync.Pool{
		New: func() any { return bytes.NewBuffer(make([]byte, 0, 64*1024)) },
	}
	gzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= maxPooledBuffer {
		buf.Reset()
		bufferPool.Put(buf)
	}
}

// EncodeJSON encodes batch as a JSON array, gzipped when compress is set.
func EncodeJSON(batch []*record.Exchange, compress bool) ([]byte, error) {
	if batch == nil {
		batch = []*record.Exchange{}
	}
	raw, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	if !compress {
		return raw, nil
	}
	return gzipBytes(func(gz *gzip.Writer) error {
		_, err := gz.Write(raw)
		return err
	})
}

// EncodeJSONLGzip encodes batch as gzip-compressed JSON lines, one record
// per line.
func EncodeJSONLGzip(batch []*record.Exchange) ([]byte, error) {
	return gzipBytes(func(gz *gzip.Writer) error {
		enc := json.NewEncoder(gz)
		for _, rec := range batch {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// gzipBytes runs write against a pooled gzip writer and returns a copy of
// the compressed output owned by the caller.
func gzipBytes(write func(gz *gzip.Writer) error) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer putBuffer(buf)

	gz := gzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)
	defer gzipPool.Put(gz)

	if err := write(gz); err != nil {
		_ = gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	return data, nil
}
