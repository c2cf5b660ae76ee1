package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/runestone-gateway/runestone/internal/httpapi"
	"github.com/runestone-gateway/runestone/internal/overflow"
	"go.uber.org/zap"
)

// bufferedResponseWriter is a minimal in-process http.ResponseWriter used to
// drive mux.ServeHTTP for a replayed request without opening a socket.
type bufferedResponseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponseWriter() *bufferedResponseWriter {
	return &bufferedResponseWriter{header: make(http.Header), status: http.StatusOK}
}

func (w *bufferedResponseWriter) Header() http.Header { return w.header }
func (w *bufferedResponseWriter) Write(b []byte) (int, error) {
	return w.body.Write(b)
}
func (w *bufferedResponseWriter) WriteHeader(status int) { w.status = status }

// Flush satisfies http.Flusher so a replayed streaming request can still
// complete its SSE relay loop; the frames land in body, which the drainer
// never reads back, since a drained stream has no client left to receive it.
func (w *bufferedResponseWriter) Flush() {}

// newOverflowReplayer builds the drainer's Replayer: it re-admits the
// queued request under its original key id -- the same rate-limit and
// concurrency gate a fresh inbound request would face -- and, if still
// admitted, dispatches the stored method/path/body straight into mux.
func newOverflowReplayer(admission *httpapi.Admission, mux http.Handler, logger *zap.Logger) overflow.Replayer {
	return func(ctx context.Context, job *overflow.PendingRequest) error {
		var payload httpapi.OverflowJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("overflow: decode payload: %w", err)
		}

		decision, slot, key, err := admission.AdmitByKeyID(job.APIKeyID)
		if err != nil {
			return fmt.Errorf("overflow: key no longer valid: %w", err)
		}
		if !decision.Allowed {
			return fmt.Errorf("overflow: still saturated (%s)", decision.LimitHeader)
		}
		defer slot.Release()

		req, err := http.NewRequestWithContext(ctx, payload.Method, payload.Path, bytes.NewReader(payload.Body))
		if err != nil {
			return fmt.Errorf("overflow: build replay request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		principal := &httpapi.Principal{Key: key, Slot: slot}
		req = req.WithContext(httpapi.WithPrincipal(req.Context(), principal))

		rec := newBufferedResponseWriter()
		mux.ServeHTTP(rec, req)

		if rec.status >= 500 {
			return fmt.Errorf("overflow: replay failed with status %d: %s", rec.status, rec.body.String())
		}

		logger.Info("overflow request replayed",
			zap.String("request_id", job.RequestID),
			zap.String("path", payload.Path),
			zap.Int("status", rec.status),
		)
		return nil
	}
}
