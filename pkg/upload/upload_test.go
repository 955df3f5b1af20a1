package upload

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/netmonhq/netmon-go/pkg/record"
	"github.com/netmonhq/netmon-go/pkg/store"
)

type fakeTransport struct {
	mu      sync.Mutex
	batches [][]*record.Exchange
	err     error
	block   chan struct{}
	entered chan struct{}
	// ctxErr is ctx.Err() observed once the call was unblocked.
	ctxErr error
}

func (f *fakeTransport) UploadBatch(ctx context.Context, batch []*record.Exchange) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErr = ctx.Err()
	f.batches = append(f.batches, batch)
	return f.err
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func seed(t *testing.T, sink store.Sink, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := sink.Insert(context.Background(), &record.Exchange{
			Timestamp:      int64(1000 + i),
			URL:            "https://api.example.com/items",
			Method:         "GET",
			RequestHeaders: map[string]string{},
			Properties:     map[string]string{},
			ResponseCode:   200,
		})
		require.NoError(t, err)
	}
}

func pending(t *testing.T, sink store.Sink) int {
	t.Helper()
	n, err := sink.CountPending(context.Background())
	require.NoError(t, err)
	return n
}

func Test_UploadPending(t *testing.T) {
	ctx := context.Background()

	t.Run("empty store makes no transport call", func(t *testing.T) {
		tr := &fakeTransport{}
		u := NewUploader(store.NewMemory(), tr, 0, zerolog.Nop())
		n, err := u.UploadPending(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
		require.Zero(t, tr.calls())
	})

	t.Run("success marks the page delivered", func(t *testing.T) {
		sink := store.NewMemory()
		seed(t, sink, 3)
		tr := &fakeTransport{}
		u := NewUploader(sink, tr, 0, zerolog.Nop())

		n, err := u.UploadPending(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, n)
		require.Equal(t, 1, tr.calls())
		require.Zero(t, pending(t, sink))
		require.Equal(t, int64(1000), tr.batches[0][0].Timestamp)
	})

	t.Run("page size bounds a cycle", func(t *testing.T) {
		sink := store.NewMemory()
		seed(t, sink, 5)
		tr := &fakeTransport{}
		u := NewUploader(sink, tr, 2, zerolog.Nop())

		n, err := u.UploadPending(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Equal(t, 3, pending(t, sink))
	})

	t.Run("failure marks nothing", func(t *testing.T) {
		sink := store.NewMemory()
		seed(t, sink, 3)
		u := NewUploader(sink, &fakeTransport{err: errors.New("503")}, 0, zerolog.Nop())

		n, err := u.UploadPending(ctx)
		require.Error(t, err)
		require.Zero(t, n)
		require.Equal(t, 3, pending(t, sink))
	})

	t.Run("cycles never overlap", func(t *testing.T) {
		sink := store.NewMemory()
		seed(t, sink, 1)
		tr := &fakeTransport{block: make(chan struct{}), entered: make(chan struct{}, 1)}
		u := NewUploader(sink, tr, 0, zerolog.Nop())

		done := make(chan error)
		go func() {
			_, err := u.UploadPending(ctx)
			done <- err
		}()
		<-tr.entered

		_, err := u.UploadPending(ctx)
		require.ErrorIs(t, err, ErrUploadInProgress)

		close(tr.block)
		require.NoError(t, <-done)
		require.Zero(t, pending(t, sink))
	})
}

func Test_Scheduler(t *testing.T) {
	t.Run("uploads periodically and sweeps delivered records", func(t *testing.T) {
		sink := store.NewMemory()
		seed(t, sink, 2)
		tr := &fakeTransport{}
		var cycles atomic.Int32
		s := NewScheduler(NewUploader(sink, tr, 0, zerolog.Nop()), SchedulerConfig{
			Interval:  5 * time.Millisecond,
			Retention: time.Hour,
			Sweeper:   sink,
			Clock:     func() time.Time { return time.UnixMilli(1000 + 2).Add(time.Hour) },
			OnCycle:   func(int, error) { cycles.Add(1) },
		})
		s.Start()
		s.Start()
		require.True(t, s.Running())

		require.Eventually(t, func() bool {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			return len(<-sink.StreamAll(ctx)) == 0
		}, 2*time.Second, 5*time.Millisecond)
		s.Stop()
		require.False(t, s.Running())
		require.Equal(t, 1, tr.calls())
		require.NotZero(t, cycles.Load())
	})

	t.Run("stop discards an in-flight result", func(t *testing.T) {
		sink := store.NewMemory()
		seed(t, sink, 2)
		tr := &fakeTransport{block: make(chan struct{}), entered: make(chan struct{}, 1)}
		s := NewScheduler(NewUploader(sink, tr, 0, zerolog.Nop()), SchedulerConfig{Interval: time.Millisecond})
		s.Start()
		<-tr.entered

		stopped := make(chan struct{})
		go func() {
			s.Stop()
			close(stopped)
		}()
		require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)

		close(tr.block)
		<-stopped
		require.Equal(t, 2, pending(t, sink))
	})

	t.Run("stop lets an in-flight upload finish", func(t *testing.T) {
		sink := store.NewMemory()
		seed(t, sink, 2)
		tr := &fakeTransport{block: make(chan struct{}), entered: make(chan struct{}, 1)}
		var cycles atomic.Int32
		s := NewScheduler(NewUploader(sink, tr, 0, zerolog.Nop()), SchedulerConfig{
			Interval: time.Millisecond,
			OnCycle:  func(int, error) { cycles.Add(1) },
		})
		s.Start()
		<-tr.entered

		stopped := make(chan struct{})
		go func() {
			s.Stop()
			close(stopped)
		}()
		require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)

		select {
		case <-stopped:
			t.Fatal("Stop returned before the in-flight upload finished")
		case <-time.After(20 * time.Millisecond):
		}

		close(tr.block)
		<-stopped
		tr.mu.Lock()
		require.NoError(t, tr.ctxErr)
		tr.mu.Unlock()
		require.Equal(t, 1, tr.calls())
		require.Zero(t, cycles.Load())
		require.Equal(t, 2, pending(t, sink))
	})

	t.Run("stop without start", func(t *testing.T) {
		s := NewScheduler(NewUploader(store.NewMemory(), &fakeTransport{}, 0, zerolog.Nop()), SchedulerConfig{})
		s.Stop()
	})
}

func Test_HTTPTransport(t *testing.T) {
	batch := []*record.Exchange{{ID: 1, Timestamp: 5, URL: "https://a.test", Method: "GET", ResponseCode: 200}}

	t.Run("posts a json array with auth and batch id", func(t *testing.T) {
		var got []map[string]any
		var header http.Header
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header = r.Header.Clone()
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		}))
		defer srv.Close()

		tr := &HTTPTransport{Endpoint: srv.URL, APIKey: "secret"}
		require.NoError(t, tr.UploadBatch(context.Background(), batch))
		require.Equal(t, "Bearer secret", header.Get("Authorization"))
		require.Equal(t, "application/json", header.Get("Content-Type"))
		require.NotEmpty(t, header.Get(BatchIDHeader))
		require.Len(t, got, 1)
		require.Equal(t, "https://a.test", got[0]["url"])
	})

	t.Run("gzip body", func(t *testing.T) {
		var raw []byte
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
			gz, err := gzip.NewReader(r.Body)
			require.NoError(t, err)
			raw, err = io.ReadAll(gz)
			require.NoError(t, err)
		}))
		defer srv.Close()

		tr := &HTTPTransport{Endpoint: srv.URL, Compress: true}
		require.NoError(t, tr.UploadBatch(context.Background(), batch))
		require.Contains(t, string(raw), `"responseCode":200`)
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		for _, code := range []int{http.StatusUnauthorized, http.StatusInternalServerError, http.StatusServiceUnavailable} {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
			}))
			tr := &HTTPTransport{Endpoint: srv.URL}
			require.Error(t, tr.UploadBatch(context.Background(), batch))
			srv.Close()
		}
	})

	t.Run("connection refused is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		tr := &HTTPTransport{Endpoint: url}
		require.Error(t, tr.UploadBatch(context.Background(), batch))
	})
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, f.err
}

func Test_S3Transport(t *testing.T) {
	t.Run("endpoint parsing", func(t *testing.T) {
		bucket, prefix, ok := ParseS3Endpoint("s3://logs-bucket/netmon/raw/")
		require.True(t, ok)
		require.Equal(t, "logs-bucket", bucket)
		require.Equal(t, "netmon/raw", prefix)

		_, _, ok = ParseS3Endpoint("https://collector.test")
		require.False(t, ok)
	})

	t.Run("key layout", func(t *testing.T) {
		tr := &S3Transport{Prefix: "raw"}
		now := time.Date(2024, 3, 9, 23, 59, 0, 0, time.UTC)
		require.Equal(t, "raw/2024/03/09/1710028740000_abc.jsonl.gz", tr.Key(now, "abc"))

		tr.Prefix = ""
		require.Equal(t, "2024/03/09/1710028740000_abc.jsonl.gz", tr.Key(now, "abc"))
	})

	t.Run("writes gzip json lines", func(t *testing.T) {
		client := &fakeS3{}
		tr := &S3Transport{Client: client, Bucket: "b", Prefix: "p"}
		batch := []*record.Exchange{
			{ID: 1, Timestamp: 1, URL: "https://a.test", Method: "GET"},
			{ID: 2, Timestamp: 2, URL: "https://b.test", Method: "POST"},
		}
		require.NoError(t, tr.UploadBatch(context.Background(), batch))
		require.Equal(t, "b", *client.input.Bucket)
		require.Regexp(t, `^p/\d{4}/\d{2}/\d{2}/\d+_[0-9a-f-]{36}\.jsonl\.gz$`, *client.input.Key)

		gz, err := gzip.NewReader(bytes.NewReader(client.body))
		require.NoError(t, err)
		var lines []string
		sc := bufio.NewScanner(gz)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		require.Len(t, lines, 2)
		require.Contains(t, lines[1], `"method":"POST"`)
	})

	t.Run("put failure is an error", func(t *testing.T) {
		tr := &S3Transport{Client: &fakeS3{err: errors.New("access denied")}, Bucket: "b"}
		require.Error(t, tr.UploadBatch(context.Background(), []*record.Exchange{{ID: 1}}))
	})
}

func Test_NewTransport(t *testing.T) {
	tr, err := NewTransport(context.Background(), TransportConfig{Endpoint: "https://collector.test/batch", APIKey: "k"})
	require.NoError(t, err)
	require.IsType(t, &HTTPTransport{}, tr)

	_, err = NewTransport(context.Background(), TransportConfig{Endpoint: "ftp://nope"})
	require.Error(t, err)
}
