package journalclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestFetchParsesConcatenatedJSONObjects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"__CURSOR":"c1","MESSAGE":"A"}{"__CURSOR":"c2","MESSAGE":"B"}`))
	}))
	defer srv.Close()

	records, dropped, err := New(srv.Client(), nil).Fetch(context.Background(), srv.URL, nil, FromCurrentBoot(), 500)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0]["__CURSOR"] != "c1" || records[1]["__CURSOR"] != "c2" {
		t.Errorf("cursors = %q, %q", records[0]["__CURSOR"], records[1]["__CURSOR"])
	}
	if len(dropped) != 0 {
		t.Errorf("dropped = %v, want none", dropped)
	}
}

func TestFetchParsesNewlineDelimitedJSONObjects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{\"__CURSOR\":\"c1\",\"MESSAGE\":\"A\"}\n{\"__CURSOR\":\"c2\",\"MESSAGE\":\"B\"}\n"))
	}))
	defer srv.Close()

	records, _, err := New(srv.Client(), nil).Fetch(context.Background(), srv.URL, nil, FromCurrentBoot(), 500)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}

func TestFetchDropsRecordsMissingCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"MESSAGE":"no cursor here"}{"__CURSOR":"c1","MESSAGE":"has cursor"}`))
	}))
	defer srv.Close()

	records, dropped, err := New(srv.Client(), nil).Fetch(context.Background(), srv.URL, nil, FromCurrentBoot(), 500)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0]["__CURSOR"] != "c1" {
		t.Errorf("cursor = %q", records[0]["__CURSOR"])
	}
	if dropped[DropNoCursor] != 1 {
		t.Errorf("dropped[%q] = %d, want 1", DropNoCursor, dropped[DropNoCursor])
	}
}

func TestFetchSkipsMalformedObjectAndKeepsTheRestOfTheBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"__CURSOR":"c1","MESSAGE":"A"}{"__CURSOR": "c2", "MESSAGE": }{"__CURSOR":"c3","MESSAGE":"C"}`))
	}))
	defer srv.Close()

	records, dropped, err := New(srv.Client(), nil).Fetch(context.Background(), srv.URL, nil, FromCurrentBoot(), 500)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 surviving records, got %d: %v", len(records), records)
	}
	if records[0]["__CURSOR"] != "c1" || records[1]["__CURSOR"] != "c3" {
		t.Errorf("cursors = %q, %q, want c1, c3", records[0]["__CURSOR"], records[1]["__CURSOR"])
	}
	if dropped[DropMalformed] != 1 {
		t.Errorf("dropped[%q] = %d, want 1", DropMalformed, dropped[DropMalformed])
	}
}

func TestFetchNoContentReturnsEmptyBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	records, _, err := New(srv.Client(), nil).Fetch(context.Background(), srv.URL, nil, FromCurrentBoot(), 500)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected empty batch, got %d records", len(records))
	}
}

func TestFetch410SignalsCursorInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	_, _, err := New(srv.Client(), nil).Fetch(context.Background(), srv.URL, nil, FromCursor("stale"), 500)
	if err != ErrCursorInvalid {
		t.Errorf("err = %v, want ErrCursorInvalid", err)
	}
}

func TestFetch400WithCursorWordingSignalsCursorInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("invalid cursor supplied"))
	}))
	defer srv.Close()

	_, _, err := New(srv.Client(), nil).Fetch(context.Background(), srv.URL, nil, FromCursor("garbage"), 500)
	if err != ErrCursorInvalid {
		t.Errorf("err = %v, want ErrCursorInvalid", err)
	}
}

func TestFetch400WithoutCursorWordingSignalsSourceProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad range header"))
	}))
	defer srv.Close()

	_, _, err := New(srv.Client(), nil).Fetch(context.Background(), srv.URL, nil, FromCurrentBoot(), 500)
	if err == nil {
		t.Fatal("expected error")
	}
	if err == ErrCursorInvalid {
		t.Error("should not classify as CursorInvalid")
	}
	if !errors.Is(err, ErrSourceProtocol) {
		t.Errorf("err = %v, want ErrSourceProtocol", err)
	}
}

func TestFetch503SignalsSourceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, _, err := New(srv.Client(), nil).Fetch(context.Background(), srv.URL, nil, FromCurrentBoot(), 500)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("err = %v, want ErrSourceUnavailable", err)
	}
}

func TestFetchFromCursorSetsSkipAndOmitsBoot(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if _, _, err := New(srv.Client(), nil).Fetch(context.Background(), srv.URL, nil, FromCursor("s=abc;i=1"), 500); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if gotQuery.Get("cursor") != "s=abc;i=1" {
		t.Errorf("cursor = %q", gotQuery.Get("cursor"))
	}
	if gotQuery.Get("skip") != "1" {
		t.Errorf("skip = %q, want 1", gotQuery.Get("skip"))
	}
}

func TestFetchFromCurrentBootOmitsCursorAndSkip(t *testing.T) {
	var gotRawQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRawQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if _, _, err := New(srv.Client(), nil).Fetch(context.Background(), srv.URL, nil, FromCurrentBoot(), 500); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if gotRawQuery != "boot" {
		t.Errorf("raw query = %q, want %q", gotRawQuery, "boot")
	}
}

func TestFetchAppliesUnitFilters(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	units := []string{"sshd.service", "docker.service"}
	if _, _, err := New(srv.Client(), nil).Fetch(context.Background(), srv.URL, units, FromCurrentBoot(), 500); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	got := gotQuery["_SYSTEMD_UNIT"]
	if len(got) != 2 || got[0] != "sshd.service" || got[1] != "docker.service" {
		t.Errorf("_SYSTEMD_UNIT = %v", got)
	}
}

func TestFetchSetsAcceptAndRangeHeaders(t *testing.T) {
	var gotAccept, gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if _, _, err := New(srv.Client(), nil).Fetch(context.Background(), srv.URL, nil, FromCurrentBoot(), 500); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if gotAccept != "application/json" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if gotRange != "entries=:500" {
		t.Errorf("Range = %q, want entries=:500", gotRange)
	}
}

func TestStringifyFieldReconstructsByteArrayAsString(t *testing.T) {
	got := stringifyField([]any{float64('h'), float64('i')})
	if got != "hi" {
		t.Errorf("stringifyField(byte array) = %q, want %q", got, "hi")
	}
}
