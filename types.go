package netmon

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/netmonhq/netmon-go/internal/metrics"
	"github.com/netmonhq/netmon-go/internal/urlfilter"
	"github.com/netmonhq/netmon-go/internal/worker"
	"github.com/netmonhq/netmon-go/pkg/store"
	"github.com/netmonhq/netmon-go/pkg/stream"
	"github.com/netmonhq/netmon-go/pkg/upload"
)

// Service captures outbound HTTP exchanges, persists them and delivers them
// to the collectors.
//
// Exchanges are persisted in the background and uploaded periodically, so
// you must call [Service.Close] before your program exits to flush them.
type Service struct {
	// DefaultClient is a wrapped version of http.DefaultClient
	// If you'd like to capture all requests, set
	// http.DefaultClient = sg.DefaultClient.
	DefaultClient *http.Client

	options *Options
	log     zerolog.Logger
	filter  *urlfilter.Filter
	redact  map[string]bool
	metrics *metrics.Metrics

	sink      store.Sink
	ownsSink  bool
	pool      *worker.Pool
	uploader  *upload.Uploader
	scheduler *upload.Scheduler
	streamer  *stream.Streamer

	enabled atomic.Bool
	closed  atomic.Bool

	sessionMu sync.Mutex
	session   atomic.Pointer[session]

	closeOnce sync.Once
	closeErr  error
}

// session is replaced wholesale on every change; readers never see a
// partially updated value.
type session struct {
	userID     string
	properties map[string]string
}
