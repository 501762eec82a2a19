// Package otlpexporter POSTs OTLP/HTTP JSON ExportLogsServiceRequest bodies
// and classifies the gateway's response. It holds no retry logic of its
// own; that policy lives in the collector.
package otlpexporter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"google.golang.org/protobuf/encoding/protojson"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
)

var (
	// ErrRetriable means the gateway returned 429/5xx (subset) or a
	// transport error occurred; the caller should back off and retry.
	ErrRetriable = errors.New("otlpexporter: retriable export failure")
	// ErrPermanent means the gateway returned a non-retriable 4xx/5xx; the
	// caller should hold its cursor and surface this for operator attention.
	ErrPermanent = errors.New("otlpexporter: permanent export failure")
)

var retriableStatus = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// Exporter POSTs batches to one OTLP/HTTP logs endpoint. It is stateless
// and safe to share across every source's collector.
type Exporter struct {
	httpClient *http.Client
	// Compress, when true, gzip-compresses the request body.
	Compress bool
}

// New returns an Exporter using httpClient for every POST.
func New(httpClient *http.Client) *Exporter {
	return &Exporter{httpClient: httpClient}
}

// Export POSTs resourceLogs to {endpoint}/v1/logs and classifies the
// result. A 2xx response is success regardless of body content —
// partial-success semantics are not interpreted.
func (e *Exporter) Export(ctx context.Context, endpoint string, resourceLogs []*logspb.ResourceLogs) error {
	req := &collogspb.ExportLogsServiceRequest{ResourceLogs: resourceLogs}

	body, err := protojson.Marshal(req)
	if err != nil {
		return fmt.Errorf("otlpexporter: marshal request: %w", err)
	}

	correlationID := uuid.NewString()

	httpReq, err := e.buildRequest(ctx, endpoint, body, correlationID)
	if err != nil {
		return fmt.Errorf("otlpexporter: build request: %w", err)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v (export-id %s)", ErrRetriable, err, correlationID)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case retriableStatus[resp.StatusCode]:
		return fmt.Errorf("%w: status %d (export-id %s)", ErrRetriable, resp.StatusCode, correlationID)
	default:
		return fmt.Errorf("%w: status %d (export-id %s)", ErrPermanent, resp.StatusCode, correlationID)
	}
}

func (e *Exporter) buildRequest(ctx context.Context, endpoint string, body []byte, correlationID string) (*http.Request, error) {
	payload := body
	encoding := ""

	if e.Compress {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(body); err != nil {
			return nil, err
		}
		if err := gz.Close(); err != nil {
			return nil, err
		}
		payload = buf.Bytes()
		encoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/logs", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-export-id", correlationID)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	return req, nil
}
