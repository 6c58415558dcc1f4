package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinytraffic/pkg/errs"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errs.Config("op", "bad"), http.StatusBadRequest},
		{errs.Busy("op", errors.New("held")), http.StatusConflict},
		{fmt.Errorf("wrapped: %w", errs.Fetch("op", errors.New("502"))), http.StatusBadGateway},
		{errs.Store("op", errors.New("locked")), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusFor(tc.err), "%v", tc.err)
	}
}

func TestRespondErr(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondErr(rec, errs.Config("cleanup", "retention days must be positive"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "config", body.Kind)
	assert.Contains(t, body.Message, "retention days")
}

func TestParseTime(t *testing.T) {
	def := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := ParseTime("", def)
	require.NoError(t, err)
	assert.Equal(t, def, got)

	got, err = ParseTime("2024-01-01T12:00:00+02:00", def)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), got)

	_, err = ParseTime("yesterday", def)
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestParseInt(t *testing.T) {
	n, err := ParseInt("days", "", 90)
	require.NoError(t, err)
	assert.Equal(t, 90, n)

	n, err = ParseInt("days", "-3", 90)
	require.NoError(t, err)
	assert.Equal(t, -3, n)

	_, err = ParseInt("days", "ten", 90)
	assert.True(t, errs.Is(err, errs.KindConfig))
}
