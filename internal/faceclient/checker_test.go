package faceclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolops/internal/model"
)

func faceService(t *testing.T, similarity float64, live bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(VerifyResult{UserID: body["user_id"], Verified: similarity >= 0.45, Similarity: similarity})
	})
	mux.HandleFunc("/liveness", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(LivenessResult{IsLive: live, Confidence: 0.9})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func faceEvent() model.CheckInEvent {
	return model.CheckInEvent{EventID: "ev-1", IdentityToken: "student-2", ImageURL: "https://img.example.com/a.jpg"}
}

func TestCheckerAccepts(t *testing.T) {
	srv := faceService(t, 0.81, true)
	client := New(srv.URL, false)
	require.NoError(t, client.Health(context.Background()))

	ev, err := NewChecker(client, 0.6).Check(context.Background(), "student-2", faceEvent())
	require.NoError(t, err)
	assert.Equal(t, model.MethodFace, ev.Verification.Method)
	require.NotNil(t, ev.Verification.Score)
	assert.InDelta(t, 0.81, *ev.Verification.Score, 1e-9)
	require.NotNil(t, ev.Verification.AntiSpoofing)
	assert.True(t, *ev.Verification.AntiSpoofing)
}

func TestCheckerRejectsBelowThreshold(t *testing.T) {
	srv := faceService(t, 0.5, true)
	_, err := NewChecker(New(srv.URL, false), 0.6).Check(context.Background(), "student-2", faceEvent())
	assert.ErrorIs(t, err, ErrRejected)
}

func TestCheckerRejectsSpoof(t *testing.T) {
	srv := faceService(t, 0.9, false)
	ev, err := NewChecker(New(srv.URL, false), 0.6).Check(context.Background(), "student-2", faceEvent())
	assert.ErrorIs(t, err, ErrRejected)
	require.NotNil(t, ev.Verification.AntiSpoofing)
	assert.False(t, *ev.Verification.AntiSpoofing)
}

func TestCheckerServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(srv.URL, false)
	_, err := NewChecker(client, 0.6).Check(context.Background(), "student-2", faceEvent())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "model not loaded")
	assert.Error(t, client.Health(context.Background()))
}

func TestSkipMode(t *testing.T) {
	client := New("http://127.0.0.1:1", true)
	require.NoError(t, client.Health(context.Background()))
	ev, err := NewChecker(client, 0.6).Check(context.Background(), "student-2", faceEvent())
	require.NoError(t, err)
	assert.True(t, *ev.Verification.AntiSpoofing)
}
