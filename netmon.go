// Package netmon captures outbound HTTP traffic of the host program and
// delivers it to a remote collector.
//
// You can use it globally by overriding [http.DefaultClient] with a netmon
// enabled version, or more selectively by wrapping specific clients in your
// codebase. Captured exchanges are persisted locally, uploaded in periodic
// batches and, optionally, streamed in real time over a websocket.
package netmon

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/netmonhq/netmon-go/internal/metrics"
	"github.com/netmonhq/netmon-go/internal/urlfilter"
	"github.com/netmonhq/netmon-go/internal/worker"
	"github.com/netmonhq/netmon-go/pkg/store"
	"github.com/netmonhq/netmon-go/pkg/stream"
	"github.com/netmonhq/netmon-go/pkg/upload"
)

// closeTimeout bounds the final upload performed by Close.
const closeTimeout = 30 * time.Second

// New creates a new netmon service.
// An error is returned only if the configuration is invalid or the store
// cannot be opened.
func New(o *Options) (*Service, error) {
	o, err := o.parse()
	if err != nil {
		return nil, err
	}

	sg := &Service{
		options: o,
		log:     *o.Logger,
		redact:  o.redactSet(),
		metrics: metrics.New(),
	}
	sg.enabled.Store(!o.Disabled)
	sg.session.Store(&session{properties: map[string]string{}})

	filter, errs := urlfilter.New(o.IncludeURLPatterns, o.ExcludeURLPatterns)
	for _, err := range errs {
		sg.log.Warn().Err(err).Msg("ignoring URL pattern")
	}
	sg.filter = filter

	switch {
	case o.Sink != nil:
		sg.sink = o.Sink
	case o.DatabasePath != "":
		sink, err := store.OpenSQLite(store.SQLiteConfig{Path: o.DatabasePath, Logger: sg.log})
		if err != nil {
			return nil, err
		}
		sg.sink, sg.ownsSink = sink, true
	default:
		sg.sink, sg.ownsSink = store.NewMemory(), true
	}

	transport := o.UploadTransport
	if transport == nil {
		transport, err = upload.NewTransport(context.Background(), upload.TransportConfig{
			Endpoint: o.UploadEndpoint,
			APIKey:   o.APIKey,
			Client:   o.HTTPClient,
			Compress: o.CompressUploads,
			Region:   o.AWSRegion,
		})
		if err != nil {
			if sg.ownsSink {
				sg.sink.Close()
			}
			return nil, err
		}
	}

	sg.uploader = upload.NewUploader(sg.sink, transport, o.UploadPageSize, sg.log)
	sg.scheduler = upload.NewScheduler(sg.uploader, upload.SchedulerConfig{
		Interval:  o.UploadInterval,
		Retention: o.Retention,
		Sweeper:   sg.sink,
		Logger:    sg.log,
		OnCycle:   sg.uploadResult,
		Clock:     func() time.Time { return clock() },
	})
	sg.streamer = stream.New(stream.Config{
		Endpoint: o.SocketEndpoint,
		APIKey:   o.APIKey,
		Enabled:  o.EnableRealtimeUpload,
		Dialer:   o.SocketDialer,
		Logger:   sg.log,
		OnEmit:   sg.metrics.EmitResult,
		OnQueue:  sg.metrics.QueueDepth,
	})
	sg.pool = worker.New(worker.Config{
		Workers:   o.PersistWorkers,
		QueueSize: o.PersistQueueSize,
		Logger:    sg.log,
		OnError:   o.OnError,
	})

	if !o.DisableDefaultWrappedClient {
		sg.DefaultClient = sg.Wrap(http.DefaultClient)
	}

	if !o.DisablePeriodicUploads {
		sg.scheduler.Start()
	}
	sg.streamer.Start()
	return sg, nil
}

// Wrap returns a new http client that calls the original and
// also captures the exchange.
func (sg *Service) Wrap(client *http.Client) *http.Client {
	next := client.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	return &http.Client{
		Transport:     &roundTripper{sg: sg, next: next},
		CheckRedirect: client.CheckRedirect,
		Jar:           client.Jar,
		Timeout:       client.Timeout,
	}
}

// Close stops capturing, persists the exchanges still queued, runs one
// final upload and shuts the service down. The upload error, if any, is
// returned.
func (sg *Service) Close() error {
	sg.closeOnce.Do(func() {
		sg.closed.Store(true)
		sg.pool.Close()
		sg.streamer.Stop()
		sg.scheduler.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if _, err := sg.UploadNow(ctx); err != nil {
			sg.closeErr = err
		}

		if sg.ownsSink {
			if err := sg.sink.Close(); err != nil && sg.closeErr == nil {
				sg.closeErr = err
			}
		}
	})
	return sg.closeErr
}

// UploadNow runs one upload cycle immediately and returns the number of
// exchanges delivered. It fails with upload.ErrUploadInProgress when a
// cycle is already running.
func (sg *Service) UploadNow(ctx context.Context) (int, error) {
	n, err := sg.uploader.UploadPending(ctx)
	sg.uploadResult(n, err)
	return n, err
}

// StartPeriodicUploads resumes the upload timer. It is started by New unless
// Options.DisablePeriodicUploads is set.
func (sg *Service) StartPeriodicUploads() {
	sg.scheduler.Start()
}

// StopPeriodicUploads stops the upload timer. A cycle running at that moment
// is allowed to finish but its records stay pending.
func (sg *Service) StopPeriodicUploads() {
	sg.scheduler.Stop()
}

// SetEnabled toggles capture at runtime.
func (sg *Service) SetEnabled(enabled bool) {
	sg.enabled.Store(enabled)
}

func (sg *Service) Enabled() bool {
	return sg.enabled.Load()
}

// ConnectRealtime connects the real-time streamer now instead of waiting
// for its background reconnect.
func (sg *Service) ConnectRealtime(ctx context.Context) error {
	return sg.streamer.Connect(ctx)
}

// DisconnectRealtime drops the real-time connection. Exchanges captured
// while disconnected are queued until the next connection.
func (sg *Service) DisconnectRealtime() {
	sg.streamer.Disconnect()
}

func (sg *Service) RealtimeState() stream.State {
	return sg.streamer.State()
}

// PendingCount returns the number of exchanges awaiting batch upload.
func (sg *Service) PendingCount(ctx context.Context) (int, error) {
	return sg.sink.CountPending(ctx)
}

// Store returns the sink exchanges are persisted to.
func (sg *Service) Store() store.Sink {
	return sg.sink
}

// Metrics returns the registry holding the service's Prometheus metrics.
func (sg *Service) Metrics() *prometheus.Registry {
	return sg.metrics.Registry()
}

func (sg *Service) uploadResult(n int, err error) {
	if err == upload.ErrUploadInProgress {
		return
	}
	sg.metrics.UploadResult(n, err)
	if err != nil {
		sg.options.OnError(err)
	}
}
