package admin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithAuthRejectsWrongToken(t *testing.T) {
	store := NewStore(0)
	s := NewServer("127.0.0.1:0", "topsecret", store)

	req := httptest.NewRequest(http.MethodGet, "/online", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWithAuthAcceptsCorrectToken(t *testing.T) {
	store := NewStore(0)
	s := NewServer("127.0.0.1:0", "topsecret", store)

	id := uuid.New()
	store.TrafficTx(id, 10)

	req := httptest.NewRequest(http.MethodGet, "/traffic", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id.String())
}

func TestWithAuthSkippedWhenSecretEmpty(t *testing.T) {
	store := NewStore(0)
	s := NewServer("127.0.0.1:0", "", store)

	req := httptest.NewRequest(http.MethodGet, "/online", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleKickDecodesBody(t *testing.T) {
	store := NewStore(0)
	s := NewServer("127.0.0.1:0", "", store)
	id := uuid.New()
	h := newHandle("a")
	require.True(t, store.ClientConnect(id, h))

	req := httptest.NewRequest(http.MethodPost, "/kick", strings.NewReader(`["`+id.String()+`"]`))
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.closed)
}
