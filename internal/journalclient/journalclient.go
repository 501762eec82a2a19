// Package journalclient issues range-bounded HTTP GETs to a
// systemd-journal-gatewayd-style endpoint and decodes the concatenated JSON
// object stream it returns into Records, streaming so memory stays bounded
// by one record at a time plus the accumulated batch.
package journalclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/logging"
)

// Record is one journal entry, decoded into its field->value mapping.
// Non-UTF-8 bytes in string values are replaced with U+FFFD.
type Record map[string]string

const fieldCursor = "__CURSOR"

// FieldCursor is the journal field name carrying the commit point for a
// record's entry. Collectors read it off the last record of a batch.
const FieldCursor = fieldCursor

// Mode selects how the next request resumes: from an opaque cursor, or from
// the start of the current boot.
type Mode struct {
	cursor      string
	currentBoot bool
}

// FromCursor resumes immediately after the given cursor.
func FromCursor(cursor string) Mode { return Mode{cursor: cursor} }

// FromCurrentBoot starts from the beginning of the current boot, ignoring
// any prior cursor.
func FromCurrentBoot() Mode { return Mode{currentBoot: true} }

var (
	// ErrCursorInvalid means the gateway rejected the supplied cursor; the
	// caller should reset and retry with FromCurrentBoot.
	ErrCursorInvalid = errors.New("journalclient: cursor invalid")
	// ErrSourceUnavailable means a transport error or 5xx occurred; retriable.
	ErrSourceUnavailable = errors.New("journalclient: source unavailable")
	// ErrSourceProtocol means an unexpected 4xx occurred; retriable, but
	// distinct from a transport failure for logging/metrics.
	ErrSourceProtocol = errors.New("journalclient: source protocol error")
)

var cursorInvalidBody = regexp.MustCompile(`(?i)cursor|invalid`)

// Drop reasons this package can produce, matching
// ojgf_entries_dropped_total{reason}.
const (
	DropNoCursor  = "no_cursor"
	DropMalformed = "malformed"
)

// Client fetches batches from journal gateways over a shared HTTP client.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// New returns a Client using httpClient for all requests. httpClient must
// not be nil; it is expected to be shared across every source's collector.
func New(httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{httpClient: httpClient, logger: logging.Default(logger)}
}

// Fetch issues one GET /entries request against baseURL and returns the
// decoded records in gateway order, plus a count of any records dropped
// while decoding the response, keyed by drop reason. limit must be
// positive.
func (c *Client) Fetch(ctx context.Context, baseURL string, units []string, mode Mode, limit int) ([]Record, map[string]int, error) {
	req, err := c.buildRequest(ctx, baseURL, units, mode, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("journalclient: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		records, dropped := c.decodeRecords(resp.Body)
		return records, dropped, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return nil, nil, ErrCursorInvalid
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusBadRequest && cursorInvalidBody.Match(body) {
			return nil, nil, ErrCursorInvalid
		}
		return nil, nil, fmt.Errorf("%w: status %d", ErrSourceProtocol, resp.StatusCode)
	default: // 5xx
		return nil, nil, fmt.Errorf("%w: status %d", ErrSourceUnavailable, resp.StatusCode)
	}
}

func (c *Client) buildRequest(ctx context.Context, baseURL string, units []string, mode Mode, limit int) (*http.Request, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/entries")
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	for _, unit := range units {
		q.Add("_SYSTEMD_UNIT", unit)
	}
	encoded := q.Encode()

	if mode.currentBoot {
		// "boot" is a bare flag with no value, per the gateway's query syntax.
		u.RawQuery = "boot"
		if encoded != "" {
			u.RawQuery += "&" + encoded
		}
	} else {
		q.Set("cursor", mode.cursor)
		q.Set("skip", "1")
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Range", fmt.Sprintf("entries=:%d", limit))
	return req, nil
}

// decodeRecords splits the response body into individual JSON objects
// (whether newline-delimited or written back-to-back with no separator)
// and decodes each independently, so one malformed object costs only that
// object rather than the rest of the batch. A record missing __CURSOR is
// dropped, since it cannot serve as a commit point. Both drop reasons are
// logged and counted for the caller.
func (c *Client) decodeRecords(body io.Reader) ([]Record, map[string]int) {
	dropped := make(map[string]int)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 32*1024), 1024*1024)
	scanner.Split(splitJSONObjects)

	var records []Record
	for scanner.Scan() {
		raw := make(map[string]any)
		chunk := scanner.Bytes()
		if err := json.Unmarshal(chunk, &raw); err != nil {
			dropped[DropMalformed]++
			c.logger.Warn("dropping malformed journal entry", "error", err, "entry", truncate(chunk, 200))
			continue
		}
		if len(raw) == 0 {
			continue
		}

		rec := make(Record, len(raw))
		for k, v := range raw {
			rec[k] = stringifyField(v)
		}
		if _, ok := rec[fieldCursor]; !ok {
			dropped[DropNoCursor]++
			c.logger.Warn("dropping journal entry missing __CURSOR")
			continue
		}
		records = append(records, rec)
	}
	return records, dropped
}

// splitJSONObjects is a bufio.SplitFunc that yields one top-level {...}
// object per token, tolerating both newline-separated and back-to-back
// concatenated objects. Braces inside string literals are ignored so
// field values containing "{" or "}" don't confuse the scan.
func splitJSONObjects(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && isJSONSpace(data[start]) {
		start++
	}
	if start >= len(data) {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(data); i++ {
		b := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, data[start : i+1], nil
			}
		}
	}

	if atEOF {
		if len(data) > start {
			// Leftover bytes never closed their braces; hand them to the
			// caller as one final malformed chunk instead of dropping them
			// silently.
			return len(data), data[start:], nil
		}
		return len(data), nil, nil
	}
	return start, nil, nil
}

func isJSONSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// stringifyField converts a decoded JSON value to its string representation.
// systemd-journal-gatewayd represents non-UTF-8 field values as a JSON array
// of byte integers rather than a string; such arrays are reassembled into a
// string with invalid bytes replaced by U+FFFD.
func stringifyField(v any) string {
	switch val := v.(type) {
	case string:
		return strings.ToValidUTF8(val, "�")
	case []any:
		buf := make([]byte, 0, len(val))
		for _, elem := range val {
			n, ok := elem.(float64)
			if !ok {
				continue
			}
			buf = append(buf, byte(n))
		}
		return strings.ToValidUTF8(string(buf), "�")
	default:
		return fmt.Sprintf("%v", val)
	}
}
