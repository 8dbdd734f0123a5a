package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"mediconnect/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSession(t *testing.T) {
	var gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "apt-1", req["appointment_id"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"session_id":     "sess-1",
			"room_id":        "room_apt-1_ab12",
			"appointment_id": "apt-1",
			"status":         "pending",
			"created_at":     time.Now().UTC().Format(time.RFC3339Nano),
		})
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, Token: "tok-1"}, nil)

	session, err := client.CreateSession(context.Background(), "apt-1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "/api/video/session/create", gotPath)
	assert.Equal(t, domain.SessionID("sess-1"), session.ID)
	assert.Equal(t, domain.RoomID("room_apt-1_ab12"), session.RoomID)
	assert.Equal(t, domain.SessionPending, session.Status)
}

func TestListPeers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/video/session/sess-1/peers", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"peers": []map[string]string{
				{"peer_id": "room_x_patient_1", "user_role": "patient", "user_name": "Alice"},
				{"peer_id": "room_x_doctor_2", "user_role": "doctor", "user_name": "Bob"},
			},
		})
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL}, nil)

	peers, err := client.ListPeers(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, domain.PeerAddress("room_x_patient_1"), peers[0].Address)
	assert.Equal(t, domain.RoleDoctor, peers[1].Role)
}

func TestNotFoundIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL}, nil)

	_, err := client.ListPeers(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL}, nil)

	err := client.Join(context.Background(), "sess-1")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"joined"}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL}, nil)

	require.NoError(t, client.Join(context.Background(), "sess-1"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestEndSessionSendsPost(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ended"}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL}, nil)

	require.NoError(t, client.EndSession(context.Background(), "sess-1"))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/video/session/sess-1/end", gotPath)
}

func TestGetSessionProbesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/video/session/sess-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"session_id":     "sess-1",
			"room_id":        "room_apt-1_ab12",
			"appointment_id": "apt-1",
			"status":         "active",
		})
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL}, nil)

	session, err := client.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("sess-1"), session.ID)
	assert.Equal(t, domain.SessionActive, session.Status)
}

func TestGetSessionUnknownID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL}, nil)

	_, err := client.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}
