package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query   string
		want    Pagination
		wantErr bool
	}{
		{"", Pagination{Limit: 50}, false},
		{"limit=25&offset=10", Pagination{Limit: 25, Offset: 10}, false},
		{"limit=100000", Pagination{Limit: maxPageSize}, false},
		{"limit=0", Pagination{Limit: 50}, true},
		{"offset=-5", Pagination{Limit: 50}, true},
		{"limit=abc", Pagination{Limit: 50}, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p, err := ParsePagination(httptest.NewRequest("GET", "/transcripts?"+tt.query, nil))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if p != tt.want {
				t.Errorf("got %+v, want %+v", p, tt.want)
			}
		})
	}
}

func TestPaginationWindow(t *testing.T) {
	tests := []struct {
		p          Pagination
		n          int
		start, end int
	}{
		{Pagination{Limit: 50}, 3, 0, 3},
		{Pagination{Limit: 2, Offset: 1}, 5, 1, 3},
		{Pagination{Limit: 2, Offset: 9}, 5, 5, 5},
		{Pagination{Limit: 5}, 0, 0, 0},
	}
	for _, tt := range tests {
		start, end := tt.p.Window(tt.n)
		if start != tt.start || end != tt.end {
			t.Errorf("%+v.Window(%d) = [%d,%d), want [%d,%d)", tt.p, tt.n, start, end, tt.start, tt.end)
		}
	}
}

func TestPathInt64(t *testing.T) {
	withParam := func(value string) *http.Request {
		rctx := chi.NewRouteContext()
		if value != "" {
			rctx.URLParams.Add("seq", value)
		}
		req := httptest.NewRequest("DELETE", "/", nil)
		return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}

	if v, err := PathInt64(withParam("9999999999"), "seq"); err != nil || v != 9999999999 {
		t.Errorf("valid: got %d, %v", v, err)
	}
	for _, bad := range []string{"", "abc", "1.5"} {
		if _, err := PathInt64(withParam(bad), "seq"); err == nil {
			t.Errorf("PathInt64(%q): expected error", bad)
		}
	}
}

func TestWriteErrorDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorDetail(rec, http.StatusForbidden, "microphone permission denied", "grant access and retry")

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusForbidden || body.Error != "microphone permission denied" || body.Detail != "grant access and retry" {
		t.Errorf("got %d %+v", rec.Code, body)
	}

	rec = httptest.NewRecorder()
	WriteError(rec, http.StatusConflict, "drain already in progress")
	if strings.Contains(rec.Body.String(), "detail") {
		t.Errorf("empty detail should be omitted: %s", rec.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	type report struct {
		IsConnected *bool `json:"isConnected"`
	}

	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"isConnected":true}`))
	var got report
	if err := DecodeJSON(req, &got); err != nil || got.IsConnected == nil || !*got.IsConnected {
		t.Errorf("valid body: %+v, %v", got, err)
	}

	nilBody := httptest.NewRequest("POST", "/", nil)
	nilBody.Body = nil
	if err := DecodeJSON(nilBody, &got); err != errMissingBody {
		t.Errorf("nil body: err = %v", err)
	}
	if err := DecodeJSON(httptest.NewRequest("POST", "/", strings.NewReader("")), &got); err != errMissingBody {
		t.Errorf("empty body: err = %v", err)
	}
	if err := DecodeJSON(httptest.NewRequest("POST", "/", strings.NewReader(`{bad`)), &got); err == nil {
		t.Error("malformed body: expected error")
	}
}
