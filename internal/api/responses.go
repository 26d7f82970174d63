package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

var errMissingBody = errors.New("missing request body")

// WriteJSON writes v as the response body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

func WriteErrorDetail(w http.ResponseWriter, status int, msg, detail string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Detail: detail})
}

// Pagination is a limit/offset window over a list response.
type Pagination struct {
	Limit  int
	Offset int
}

// ParsePagination reads ?limit= and ?offset=. Absent values take defaults;
// present but invalid values are an error. Limit is capped at maxPageSize.
func ParsePagination(r *http.Request) (Pagination, error) {
	p := Pagination{Limit: defaultPageSize}
	q := r.URL.Query()

	limit, err := queryInt(q.Get("limit"), "limit", 1)
	if err != nil {
		return p, err
	}
	offset, err := queryInt(q.Get("offset"), "offset", 0)
	if err != nil {
		return p, err
	}
	if limit != nil {
		p.Limit = min(*limit, maxPageSize)
	}
	if offset != nil {
		p.Offset = *offset
	}
	return p, nil
}

func queryInt(raw, name string, floor int) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: must be an integer", name, raw)
	}
	if n < floor {
		return nil, fmt.Errorf("invalid %s %d: must be >= %d", name, n, floor)
	}
	return &n, nil
}

// Window returns the [start, end) bounds of the page within n items.
func (p Pagination) Window(n int) (int, int) {
	start := min(p.Offset, n)
	return start, min(start+p.Limit, n)
}

// PathInt64 parses a chi URL parameter as int64.
func PathInt64(r *http.Request, name string) (int64, error) {
	v := chi.URLParam(r, name)
	if v == "" {
		return 0, fmt.Errorf("missing path parameter: %s", name)
	}
	return strconv.ParseInt(v, 10, 64)
}

// DecodeJSON decodes the request body into v. An empty body is an error.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errMissingBody
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errMissingBody
		}
		return err
	}
	return nil
}
