package daily

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/mds-moderator/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL, "daily-key", srv.Client(), nil)
	c.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return c
}

func TestCreateRoom(t *testing.T) {
	var body roomRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rooms" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer daily-key" {
			t.Errorf("unexpected auth %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"id":"1","name":"abc","url":"https://example.daily.co/abc","config":{"exp":1700000300}}`))
	})

	room, err := c.CreateRoom(context.Background(), domain.RoomOptions{ExpiresIn: 5 * time.Minute, EjectAtExpiry: true})
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if room.Name != "abc" || room.URL != "https://example.daily.co/abc" {
		t.Fatalf("unexpected room %+v", room)
	}
	if !room.ExpiresAt.Equal(time.Unix(1_700_000_300, 0)) {
		t.Fatalf("unexpected expiry %v", room.ExpiresAt)
	}
	if body.Properties.Exp != 1_700_000_300 || !body.Properties.EjectAtRoomExp {
		t.Fatalf("unexpected properties %+v", body.Properties)
	}
}

func TestCreateRoomFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"authorization-error"}`, http.StatusUnauthorized)
	})
	if _, err := c.CreateRoom(context.Background(), domain.RoomOptions{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestGetToken(t *testing.T) {
	var body tokenRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/meeting-tokens" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"token":"eyJhbGci"}`))
	})

	token, err := c.GetToken(context.Background(), "https://example.daily.co/abc", 5*time.Minute)
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if token != "eyJhbGci" {
		t.Fatalf("unexpected token %q", token)
	}
	if body.Properties.RoomName != "abc" || body.Properties.Exp != 1_700_000_300 || !body.Properties.IsOwner {
		t.Fatalf("unexpected properties %+v", body.Properties)
	}
}

func TestGetRoomByURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/rooms/abc" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"name":"abc","url":"https://example.daily.co/abc"}`))
	})
	room, err := c.GetRoomByURL(context.Background(), "https://example.daily.co/abc")
	if err != nil || room.Name != "abc" {
		t.Fatalf("unexpected room %+v %v", room, err)
	}
}

func TestRoomName(t *testing.T) {
	name, err := RoomName("https://example.daily.co/my-room")
	if err != nil || name != "my-room" {
		t.Fatalf("unexpected name %q %v", name, err)
	}
	for _, bad := range []string{"https://example.daily.co/", "https://example.daily.co/a/b", "::"} {
		if _, err := RoomName(bad); !errors.Is(err, ErrInvalidRoomURL) {
			t.Errorf("RoomName(%q) expected ErrInvalidRoomURL, got %v", bad, err)
		}
	}
}
