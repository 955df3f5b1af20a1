package netmon

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/netmonhq/netmon-go/internal/logger"
	"github.com/netmonhq/netmon-go/pkg/bodycodec"
	"github.com/netmonhq/netmon-go/pkg/store"
	"github.com/netmonhq/netmon-go/pkg/stream"
	"github.com/netmonhq/netmon-go/pkg/upload"
)

// Options configure the netmon service
type Options struct {
	// UploadEndpoint receives batches of captured exchanges, either an
	// http(s) URL or "s3://bucket/prefix".
	// (defaults to the NETMON_UPLOAD_ENDPOINT environment variable, required)
	UploadEndpoint string
	// SocketEndpoint is the websocket URL used for real-time delivery.
	// (defaults to the NETMON_SOCKET_ENDPOINT environment variable)
	SocketEndpoint string
	// APIKey authenticates both collectors as a bearer token.
	// (defaults to the NETMON_API_KEY environment variable)
	APIKey string

	// UploadInterval configures how frequently pending exchanges are
	// uploaded. (defaults to 1 * time.Minute)
	UploadInterval time.Duration
	// UploadPageSize is the number of records sent per upload cycle.
	// (defaults to 100)
	UploadPageSize int
	// CompressUploads gzips HTTP batch bodies.
	CompressUploads bool
	// AWSRegion overrides the region used for s3:// upload endpoints.
	AWSRegion string
	// DisablePeriodicUploads leaves uploads to explicit UploadNow calls
	// until StartPeriodicUploads is called.
	DisablePeriodicUploads bool
	// Retention is how long delivered exchanges are kept before the
	// sweep after each successful upload deletes them. A negative value
	// keeps them forever. (defaults to 7 days)
	Retention time.Duration

	// EnableRealtimeUpload additionally streams every exchange to
	// SocketEndpoint as it is persisted.
	// (defaults to the NETMON_REALTIME environment variable, or false)
	EnableRealtimeUpload bool
	// SocketDialer overrides the websocket transport.
	SocketDialer stream.Dialer

	// MaxRequestBodySize and MaxResponseBodySize cap the captured
	// portion of each body in bytes. Zero means the default (1 MiB); a
	// negative value turns body capture off and the body is never read.
	MaxRequestBodySize  int64
	MaxResponseBodySize int64

	// IncludeURLPatterns, when non-empty, limits capture to URLs fully
	// matching at least one pattern. ExcludeURLPatterns take precedence.
	IncludeURLPatterns []string
	ExcludeURLPatterns []string

	// SelectRequests selects which requests are captured.
	// Return true to capture the request. Applied before the URL patterns.
	// (by default every request except those to the upload endpoint)
	SelectRequests func(r *http.Request) bool

	// RedactHeaders replaces the listed headers by the sha1 of their
	// contents. Matching is case insensitive.
	// (by default no headers are redacted)
	RedactHeaders []string

	// Disabled turns capture off entirely; wrapped clients pass traffic
	// straight through. (defaults to the NETMON_DISABLED environment variable)
	Disabled bool

	// DatabasePath is the SQLite file exchanges are persisted to.
	// (defaults to the NETMON_DATABASE_PATH environment variable; when
	// empty exchanges are kept in memory)
	DatabasePath string
	// Sink overrides the store entirely. It is not closed by Close.
	Sink store.Sink
	// UploadTransport overrides the transport derived from UploadEndpoint.
	UploadTransport upload.Transport

	// PersistWorkers and PersistQueueSize size the background
	// persistence pool. (defaults 2 and 1024)
	PersistWorkers   int
	PersistQueueSize int

	// OnError allows you to handle errors persisting or uploading exchanges
	// (by default errors are logged through Logger)
	OnError func(error)

	// The HTTPClient to use to upload batches
	// (defaults to http.DefaultClient)
	HTTPClient *http.Client

	// Logger receives operational logs. (defaults to a JSON logger on
	// stderr at LogLevel)
	Logger *zerolog.Logger
	// Log Level to use for logging, debug will print every exchange
	// (defaults to the NETMON_LOG_LEVEL environment variable, or "info")
	LogLevel string

	// DisableDefaultWrappedClient skips building Service.DefaultClient.
	DisableDefaultWrappedClient bool
}

func (o *Options) parse() (*Options, error) {
	if o == nil {
		o = &Options{}
	} else {
		copy := *o
		o = &copy
	}

	if o.UploadEndpoint == "" {
		o.UploadEndpoint = os.Getenv("NETMON_UPLOAD_ENDPOINT")
	}
	if o.UploadEndpoint == "" && o.UploadTransport == nil {
		return nil, fmt.Errorf("netmon: missing UploadEndpoint (NETMON_UPLOAD_ENDPOINT not in environment)")
	}
	if o.UploadEndpoint != "" {
		if _, _, ok := upload.ParseS3Endpoint(o.UploadEndpoint); !ok {
			if u, err := url.Parse(o.UploadEndpoint); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
				return nil, fmt.Errorf("netmon: invalid UploadEndpoint %q", o.UploadEndpoint)
			}
		}
	}

	if o.SocketEndpoint == "" {
		o.SocketEndpoint = os.Getenv("NETMON_SOCKET_ENDPOINT")
	}
	if o.APIKey == "" {
		o.APIKey = os.Getenv("NETMON_API_KEY")
	}
	if !o.EnableRealtimeUpload {
		o.EnableRealtimeUpload = envBool("NETMON_REALTIME")
	}
	if o.EnableRealtimeUpload {
		if o.SocketEndpoint == "" {
			return nil, fmt.Errorf("netmon: EnableRealtimeUpload requires SocketEndpoint (NETMON_SOCKET_ENDPOINT not in environment)")
		}
		if u, err := url.Parse(o.SocketEndpoint); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return nil, fmt.Errorf("netmon: invalid SocketEndpoint %q", o.SocketEndpoint)
		}
	}
	if !o.Disabled {
		o.Disabled = envBool("NETMON_DISABLED")
	}
	if o.DatabasePath == "" {
		o.DatabasePath = os.Getenv("NETMON_DATABASE_PATH")
	}

	if o.UploadInterval == 0 {
		o.UploadInterval = time.Minute
	}
	if o.UploadInterval < time.Millisecond {
		return nil, fmt.Errorf("netmon: UploadInterval too small, did you forget to multiply by time.Minute?")
	}
	if o.UploadPageSize <= 0 {
		o.UploadPageSize = upload.DefaultPageSize
	}
	if o.Retention == 0 {
		o.Retention = 7 * 24 * time.Hour
	}

	if o.MaxRequestBodySize == 0 {
		o.MaxRequestBodySize = bodycodec.DefaultMaxBytes
	}
	if o.MaxResponseBodySize == 0 {
		o.MaxResponseBodySize = bodycodec.DefaultMaxBytes
	}

	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}

	if o.LogLevel == "" {
		o.LogLevel = os.Getenv("NETMON_LOG_LEVEL")
	}
	if o.Logger == nil {
		l := logger.New(nil, o.LogLevel, false)
		o.Logger = &l
	}
	if o.OnError == nil {
		log := *o.Logger
		o.OnError = func(e error) {
			log.Error().Err(e).Msg("netmon error")
		}
	}

	if o.SelectRequests == nil {
		uploadHost := ""
		if u, err := url.Parse(o.UploadEndpoint); err == nil && u.Scheme != "s3" {
			uploadHost = strings.TrimPrefix(u.Host, "www.")
		}
		// Do not capture our own uploads
		o.SelectRequests = func(r *http.Request) bool {
			if r != nil && r.URL != nil && uploadHost != "" {
				return strings.TrimPrefix(r.URL.Host, "www.") != uploadHost
			}
			return true
		}
	}

	return o, nil
}

// redactSet lower-cases RedactHeaders for lookup.
func (o *Options) redactSet() map[string]bool {
	set := make(map[string]bool, len(o.RedactHeaders))
	for _, h := range o.RedactHeaders {
		set[strings.ToLower(h)] = true
	}
	return set
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
