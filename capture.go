package netmon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/netmonhq/netmon-go/pkg/bodycodec"
	"github.com/netmonhq/netmon-go/pkg/record"
)

var clock = time.Now

// skip reasons, used as metric labels
const (
	skipDisabled  = "disabled"
	skipSelected  = "selected"
	skipFiltered  = "filtered"
	skipNoService = "closed"
)

// Capture performs req through proceed and records the exchange. The
// response, or error, proceed returns is handed back unchanged apart from
// the response body being replaced by an equivalent reader. Recording never
// fails the call.
func (sg *Service) Capture(req *http.Request, proceed func(*http.Request) (*http.Response, error)) (*http.Response, error) {
	if reason := sg.skipReason(req); reason != "" {
		sg.metrics.ExchangesSkipped.WithLabelValues(reason).Inc()
		return proceed(req)
	}

	start := clock()
	sess := sg.session.Load()
	rec := &record.Exchange{
		Timestamp:      start.UnixMilli(),
		URL:            req.URL.String(),
		Method:         req.Method,
		RequestHeaders: record.HeadersToMap(req.Header, sg.redact),
		UserID:         sess.userID,
		Properties:     sess.properties,
	}
	if rec.Method == "" {
		rec.Method = http.MethodGet
	}

	out := req
	if req.Body != nil && req.Body != http.NoBody && sg.options.MaxRequestBodySize >= 0 {
		declared := req.ContentLength
		if declared == 0 {
			// zero with a body means unknown for client requests
			declared = -1
		}
		scratch, total, replay, err := bodycodec.Peek(req.Body, declared, sg.options.MaxRequestBodySize)
		out = req.WithContext(req.Context())
		out.Body = replay
		if err != nil {
			sg.log.Debug().Err(err).Str("url", rec.URL).Msg("request body not captured")
		} else {
			rec.RequestBody, _ = bodycodec.Capture(scratch, req.Header.Get("Content-Type"), total, sg.options.MaxRequestBodySize)
		}
	}

	resp, err := proceed(out)
	rec.Duration = elapsed(start, clock())

	if err != nil || resp == nil {
		sg.log.Debug().Err(err).Str("method", rec.Method).Str("url", rec.URL).Int64("duration_ms", rec.Duration).Msg("exchange failed")
		sg.submit(rec)
		return resp, err
	}

	rec.ResponseCode = resp.StatusCode
	rec.ResponseHeaders = record.HeadersToMap(resp.Header, sg.redact)
	contentType := resp.Header.Get("Content-Type")
	if resp.Body != nil && resp.Body != http.NoBody && sg.options.MaxResponseBodySize >= 0 && !bodycodec.IsStream(contentType) {
		scratch, total, replay, perr := bodycodec.Peek(resp.Body, resp.ContentLength, sg.options.MaxResponseBodySize)
		resp.Body = replay
		if perr != nil {
			sg.log.Debug().Err(perr).Str("url", rec.URL).Msg("response body not captured")
		} else {
			rec.ResponseBody, _ = bodycodec.Capture(scratch, contentType, total, sg.options.MaxResponseBodySize)
		}
	}

	sg.log.Debug().Str("method", rec.Method).Str("url", rec.URL).Int("status", rec.ResponseCode).Int64("duration_ms", rec.Duration).Msg("exchange captured")
	sg.submit(rec)
	return resp, err
}

func (sg *Service) skipReason(req *http.Request) string {
	if sg.closed.Load() {
		return skipNoService
	}
	if !sg.enabled.Load() {
		return skipDisabled
	}
	if req == nil || req.URL == nil {
		return skipFiltered
	}
	if !sg.options.SelectRequests(req) {
		return skipSelected
	}
	if !sg.filter.ShouldMonitor(req.URL.String()) {
		return skipFiltered
	}
	return ""
}

// submit hands rec to the persistence pool without blocking. A full queue
// drops the record.
func (sg *Service) submit(rec *record.Exchange) {
	ok := sg.pool.Submit(func(ctx context.Context) error {
		return sg.persist(ctx, rec)
	})
	if !ok {
		sg.metrics.ExchangesDropped.Inc()
		sg.log.Warn().Str("url", rec.URL).Msg("persistence queue full, exchange dropped")
		return
	}
	sg.metrics.ExchangesCaptured.Inc()
}

// persist stores rec and then streams it. Runs on the worker pool.
func (sg *Service) persist(ctx context.Context, rec *record.Exchange) error {
	if _, err := sg.sink.Insert(ctx, rec); err != nil {
		sg.metrics.PersistErrors.Inc()
		return fmt.Errorf("netmon: persisting exchange: %w", err)
	}
	if sg.streamer.Enabled() {
		sg.streamer.Send(rec.Clone())
	}
	return nil
}

func elapsed(start, end time.Time) int64 {
	d := end.Sub(start).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}
