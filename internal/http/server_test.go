package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ridesaver/internal/directory"
	"github.com/example/ridesaver/internal/events"
	"github.com/example/ridesaver/internal/models"
	"github.com/example/ridesaver/internal/reservation"
	"github.com/example/ridesaver/internal/session"
	"github.com/example/ridesaver/internal/storage"
)

type testEnv struct {
	srv  *httptest.Server
	auth *session.Authenticator
	hub  *events.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	dir := directory.New(store, time.Minute)
	ctx := context.Background()
	_ = dir.PutGroup(ctx, models.Group{ID: "cbs", OrganisationName: "CBS", Latitude: 55.6815, Longitude: 12.5293})
	_ = dir.PutGroup(ctx, models.Group{ID: "dtu", OrganisationName: "DTU", Latitude: 55.7857, Longitude: 12.5215})

	hub := events.NewHub(nil)
	svc := reservation.New(store, dir, reservation.DefaultConfig())
	svc.Events = hub
	auth, err := session.NewAuthenticator("test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(Options{Service: svc, Directory: dir, Auth: auth, Hub: hub})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, auth: auth, hub: hub}
}

func (e *testEnv) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := e.auth.Issue(session.Session{UserID: user, Email: user + "@example.org"})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, user, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, rd)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, user))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (e *testEnv) register(t *testing.T, user, group string) {
	t.Helper()
	resp, body := e.do(t, user, "POST", "/api/v1/members", map[string]string{"display_name": strings.ToUpper(user), "group_id": group})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: %d %s", user, resp.StatusCode, body)
	}
}

func (e *testEnv) createRide(t *testing.T, owner string, seats int) models.Ride {
	t.Helper()
	resp, body := e.do(t, owner, "POST", "/api/v1/rides", map[string]any{
		"origin": map[string]any{
			"address":   map[string]string{"name": "Howitzvej 60", "city": "Frederiksberg", "postal_code": "2000"},
			"latitude":  55.6790,
			"longitude": 12.5260,
		},
		"departure_time": "2026-11-02T07:30:00Z",
		"total_seats":    seats,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	var r models.Ride
	if err := json.Unmarshal(body, &r); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestHealthAndAuth(t *testing.T) {
	env := newTestEnv(t)
	if resp, _ := env.do(t, "", "GET", "/healthz", nil); resp.StatusCode != 200 {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, "", "GET", "/ready", nil); resp.StatusCode != 200 {
		t.Fatalf("ready: %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, "", "GET", "/api/v1/rides", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	req, _ := http.NewRequest("GET", env.srv.URL+"/api/v1/rides", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestReservationFlow(t *testing.T) {
	env := newTestEnv(t)
	for _, u := range []string{"ada", "bob", "cy"} {
		env.register(t, u, "cbs")
	}
	env.register(t, "dan", "dtu")

	ride := env.createRide(t, "ada", 1)

	if resp, body := env.do(t, "ada", "POST", "/api/v1/rides/"+ride.ID+"/join", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("self join: %d %s", resp.StatusCode, body)
	}
	resp, body := env.do(t, "bob", "POST", "/api/v1/rides/"+ride.ID+"/join", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join: %d %s", resp.StatusCode, body)
	}
	if resp, _ := env.do(t, "cy", "POST", "/api/v1/rides/"+ride.ID+"/join", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("full ride: %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, "dan", "GET", "/api/v1/rides/"+ride.ID, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("other group: %d", resp.StatusCode)
	}

	resp, body = env.do(t, "bob", "GET", "/api/v1/rides/"+ride.ID, nil)
	var d models.RideDetails
	_ = json.Unmarshal(body, &d)
	if resp.StatusCode != 200 || d.OwnerName != "ADA" || !d.Joined {
		t.Fatalf("details: %d %+v", resp.StatusCode, d)
	}

	resp, body = env.do(t, "cy", "GET", "/api/v1/rides", nil)
	var list struct{ Rides []models.Ride }
	_ = json.Unmarshal(body, &list)
	if resp.StatusCode != 200 || len(list.Rides) != 0 {
		t.Fatalf("full ride listed for outsider: %s", body)
	}

	if resp, _ := env.do(t, "ada", "DELETE", "/api/v1/rides/"+ride.ID, nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("cancel with passengers: %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, "bob", "DELETE", "/api/v1/rides/"+ride.ID+"?force=true", nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cancel by passenger: %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, "ada", "DELETE", "/api/v1/rides/"+ride.ID+"?force=true", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("forced cancel: %d", resp.StatusCode)
	}
}

func TestRescheduleAndValidation(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "ada", "cbs")
	ride := env.createRide(t, "ada", 2)

	resp, body := env.do(t, "ada", "PATCH", "/api/v1/rides/"+ride.ID, map[string]string{"departure_time": "2026-11-02T09:00:00Z"})
	var got models.Ride
	_ = json.Unmarshal(body, &got)
	if resp.StatusCode != 200 || got.DepartureTime.Hour() != 9 {
		t.Fatalf("reschedule: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, "ada", "POST", "/api/v1/rides", map[string]any{"total_seats": 0})
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	if resp.StatusCode != http.StatusBadRequest || len(eb.Fields) < 2 {
		t.Fatalf("expected field errors, got %d %s", resp.StatusCode, body)
	}

	if resp, _ := env.do(t, "ada", "GET", "/api/v1/rides/nearby?lat=100&lon=12", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("nearby validation: %d", resp.StatusCode)
	}
	resp, body = env.do(t, "ada", "GET", "/api/v1/rides/nearby?lat=55.6815&lon=12.5293&radius_m=1000", nil)
	if resp.StatusCode != 200 || !strings.Contains(string(body), ride.ID) {
		t.Fatalf("nearby: %d %s", resp.StatusCode, body)
	}
}

func TestMyGroupAndMapEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "ada", "cbs")
	if resp, _ := env.do(t, "ghost", "GET", "/api/v1/me/group", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown member: %d", resp.StatusCode)
	}
	resp, body := env.do(t, "ada", "GET", "/api/v1/me/group", nil)
	if resp.StatusCode != 200 || !strings.Contains(string(body), "CBS") {
		t.Fatalf("me/group: %d %s", resp.StatusCode, body)
	}
	if resp, _ := env.do(t, "ada", "POST", "/api/v1/members", map[string]string{"display_name": "Ada", "group_id": "dtu"}); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("group move must be refused: %d", resp.StatusCode)
	}

	ride := env.createRide(t, "ada", 2)
	resp, body = env.do(t, "ada", "GET", "/api/v1/map/markers", nil)
	var ms struct{ Markers []models.Marker }
	_ = json.Unmarshal(body, &ms)
	if resp.StatusCode != 200 || len(ms.Markers) != 2 || ms.Markers[1].PinColor != "blue" {
		t.Fatalf("markers: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, "ada", "GET", "/api/v1/map/geojson", nil)
	if resp.StatusCode != 200 || resp.Header.Get("Content-Type") != "application/geo+json" {
		t.Fatalf("geojson: %d %s", resp.StatusCode, body)
	}
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			ID       string `json:"id"`
			Geometry struct {
				Type        string    `json:"type"`
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
	}
	if err := json.Unmarshal(body, &fc); err != nil {
		t.Fatal(err)
	}
	if fc.Type != "FeatureCollection" || len(fc.Features) != 2 {
		t.Fatalf("unexpected collection %s", body)
	}
	f := fc.Features[1]
	if f.ID != ride.ID || f.Geometry.Type != "Point" || f.Geometry.Coordinates[0] != 12.5260 || f.Geometry.Coordinates[1] != 55.6790 {
		t.Fatalf("unexpected feature %+v", f)
	}
}

func TestWebsocketFeed(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "ada", "cbs")
	env.register(t, "bob", "cbs")
	env.register(t, "dan", "dtu")
	ride := env.createRide(t, "ada", 2)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/groups/cbs?access_token="
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL+env.token(t, "dan"), nil); err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign subscriber accepted: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+env.token(t, "ada"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Count("cbs") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if resp, body := env.do(t, "bob", "POST", "/api/v1/rides/"+ride.ID+"/join", nil); resp.StatusCode != 200 {
		t.Fatalf("join: %d %s", resp.StatusCode, body)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.RideEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Kind != events.RideJoined || ev.ActorID != "bob" || ev.Ride.AvailableSeats != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&models.ValidationError{Fields: []models.FieldError{{Field: "x", Reason: "y"}}}, 400},
		{models.ErrUnauthenticated, 401},
		{fmt.Errorf("user u has no group: %w", models.ErrPermission), 403},
		{models.ErrNotFound, 404},
		{models.ErrSelfJoin, 409},
		{models.ErrAlreadyJoined, 409},
		{models.ErrNotJoined, 409},
		{models.ErrNoSeatsAvailable, 409},
		{models.ErrRideHasPassengers, 409},
		{models.ErrReservationConflict, 409},
		{models.ErrTimeout, 504},
		{errors.New("boom"), 500},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
