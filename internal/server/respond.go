package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/rcliao/memory-hub/internal/events"
	"github.com/rcliao/memory-hub/internal/store"
	"github.com/rcliao/memory-hub/internal/subscription"
	"github.com/rcliao/memory-hub/internal/trust"
)

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidParams),
		errors.Is(err, events.ErrInvalidEvent),
		errors.Is(err, subscription.ErrInvalidFilter):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, subscription.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, trust.ErrUntrusted):
		return http.StatusForbidden
	case errors.Is(err, store.ErrWriteTimeout),
		errors.Is(err, store.ErrStoreCorrupted),
		errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrapf(store.ErrInvalidParams, "decode body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(store.ErrInvalidParams, "%s must be a non-negative integer", name)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}
