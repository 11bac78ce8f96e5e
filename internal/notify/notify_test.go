package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/types"
)

func sampleRide() *ride.Ride {
	return &ride.Ride{
		ID:         "ride-1",
		UserID:     "rider-1",
		Status:     ride.StatusRequested,
		Pickup:     types.Point{Lat: 25.03, Lng: 121.56},
		Dropoff:    types.Point{Lat: 25.05, Lng: 121.52},
		ApproxFare: 180,
	}
}

func TestLogSinkRecordsEvents(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.NotifyStatusChanged(context.Background(), "ride-1", ride.StatusAccepted, types.UserActor("d1")))

	entries := logs.FilterMessage("ride notification").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, EventStatusChanged, fields["type"])
	assert.Equal(t, "ride-1", fields["ride_id"])
	assert.Equal(t, string(ride.StatusAccepted), fields["status"])
}

func TestRedisSinkPublishesOnChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub := client.Subscribe(ctx, "ride-events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(client, "ride-events")
	require.NoError(t, sink.NotifyDriverWithdrawn(ctx, "driver-user", "ride-1"))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ride-events", msg.Channel)
	got, err := Decode([]byte(msg.Payload))
	require.NoError(t, err)
	assert.Equal(t, EventRideWithdrawn, got.Type)
	assert.Equal(t, types.ID("ride-1"), got.RideID)
	assert.Equal(t, types.ID("driver-user"), got.Recipient)
}

func TestRedisSinkReportsPublishFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	err := NewRedisSink(client, "ride-events").NotifyRideUpdated(context.Background(), "ride-1", sampleRide())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis publish")
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysByRide(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSink(w)

	require.NoError(t, sink.NotifyRideUpdated(context.Background(), "ride-1", sampleRide()))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, []byte("ride-1"), msg.Key)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, EventRideUpdated, string(msg.Headers[0].Value))

	got, err := Decode(msg.Value)
	require.NoError(t, err)
	require.NotNil(t, got.Ride)
	assert.Equal(t, types.ID("rider-1"), got.Ride.UserID)
	assert.Equal(t, types.Money(180), got.Ride.ApproxFare)

	w.err = errors.New("broker down")
	assert.Error(t, sink.NotifyRideUpdated(context.Background(), "ride-1", sampleRide()))
}

type fakeMessenger struct {
	sent []*messaging.Message
}

func (m *fakeMessenger) Send(_ context.Context, msg *messaging.Message) (string, error) {
	m.sent = append(m.sent, msg)
	return "projects/test/messages/1", nil
}

func TestFCMSinkTopics(t *testing.T) {
	ctx := context.Background()
	m := &fakeMessenger{}
	sink := NewFCMSink(m)

	require.NoError(t, sink.NotifyDriverNewRequest(ctx, "driver-user", sampleRide()))
	require.NoError(t, sink.NotifyStatusChanged(ctx, "ride-1", ride.StatusCompleted, types.SystemActor))
	require.Len(t, m.sent, 2)

	offer := m.sent[0]
	assert.Equal(t, "user-driver-user", offer.Topic)
	assert.Equal(t, EventRideOffered, offer.Data["type"])
	assert.Equal(t, "180.00", offer.Data["approx_fare"])
	require.NotNil(t, offer.Notification)
	assert.Equal(t, "high", offer.Android.Priority)

	status := m.sent[1]
	assert.Equal(t, "ride-ride-1", status.Topic)
	assert.Equal(t, string(ride.StatusCompleted), status.Data["status"])
	assert.Equal(t, "SYSTEM", status.Data["actor"])
}

type failingSink struct{ LogSink }

func (failingSink) NotifyRideUpdated(context.Context, types.ID, *ride.Ride) error {
	return errors.New("unavailable")
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	first, second := &fakeWriter{}, &fakeWriter{}
	f := NewFanout(nil).
		Add("first", NewKafkaSink(first)).
		Add("broken", &failingSink{LogSink: *NewLogSink(nil)}).
		Add("second", NewKafkaSink(second))
	assert.Equal(t, 3, f.Len())

	err := f.NotifyRideUpdated(context.Background(), "ride-1", sampleRide())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: unavailable")
	assert.Len(t, first.msgs, 1)
	assert.Len(t, second.msgs, 1)

	assert.NoError(t, f.NotifyDriverWithdrawn(context.Background(), "d1", "ride-1"))
}

func dialHub(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func subscribedTo(h *Hub, user, rideID types.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.userID == user && c.subscribed(rideID) {
			return true
		}
	}
	return false
}

// riderOf maps the rides the hub tests know about to their riders.
var riderOf = map[types.ID]types.ID{"ride-1": "rider-1", "ride-2": "stranger"}

func ownRidesOnly(_ context.Context, userID types.ID, role types.Role, rideID types.ID) bool {
	return role == types.RoleAdmin || riderOf[rideID] == userID
}

func newHubServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil, ownRidesOnly)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := types.ID(r.URL.Query().Get("user"))
		role := types.RoleRider
		if user == "admin" {
			role = types.RoleAdmin
		}
		_ = hub.ServeWS(w, r, user, role)
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func TestHubRoutesEvents(t *testing.T) {
	ctx := context.Background()
	hub, srv := newHubServer(t)

	driverConn := dialHub(t, srv, "driver-user")
	riderConn := dialHub(t, srv, "rider-1")
	watcher := dialHub(t, srv, "admin")
	require.Eventually(t, func() bool {
		return hub.Connected("driver-user") == 1 && hub.Connected("rider-1") == 1 && hub.Connected("admin") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, watcher.WriteJSON(subscription{Action: "subscribe", RideID: "ride-1"}))
	require.Eventually(t, func() bool { return subscribedTo(hub, "admin", "ride-1") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.NotifyDriverNewRequest(ctx, "driver-user", sampleRide()))
	offer := readEvent(t, driverConn)
	assert.Equal(t, EventRideOffered, offer.Type)
	assert.Equal(t, types.ID("driver-user"), offer.Recipient)

	require.NoError(t, hub.NotifyRideUpdated(ctx, "ride-1", sampleRide()))
	assert.Equal(t, EventRideUpdated, readEvent(t, riderConn).Type)
	assert.Equal(t, EventRideUpdated, readEvent(t, watcher).Type)

	require.NoError(t, hub.NotifyStatusChanged(ctx, "ride-1", ride.StatusPending, types.SystemActor))
	status := readEvent(t, watcher)
	assert.Equal(t, EventStatusChanged, status.Type)
	require.NotNil(t, status.Actor)
	assert.True(t, status.Actor.IsSystem())

	// The driver was only addressed by the offer.
	require.NoError(t, driverConn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var extra Event
	assert.Error(t, driverConn.ReadJSON(&extra))

	_ = riderConn.Close()
	require.Eventually(t, func() bool { return hub.Connected("rider-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubRefusesSubscriptionToOthersRides(t *testing.T) {
	ctx := context.Background()
	hub, srv := newHubServer(t)

	stranger := dialHub(t, srv, "stranger")
	require.Eventually(t, func() bool { return hub.Connected("stranger") == 1 }, 2*time.Second, 10*time.Millisecond)

	// Messages on one connection are handled in order, so once ride-2 is
	// subscribed the ride-1 request has been decided.
	require.NoError(t, stranger.WriteJSON(subscription{Action: "subscribe", RideID: "ride-1"}))
	require.NoError(t, stranger.WriteJSON(subscription{Action: "subscribe", RideID: "ride-2"}))
	require.Eventually(t, func() bool { return subscribedTo(hub, "stranger", "ride-2") }, 2*time.Second, 10*time.Millisecond)
	if subscribedTo(hub, "stranger", "ride-1") {
		t.Fatalf("stranger subscribed to a ride they do not own")
	}

	require.NoError(t, hub.NotifyRideUpdated(ctx, "ride-1", sampleRide()))
	require.NoError(t, hub.NotifyStatusChanged(ctx, "ride-1", ride.StatusPending, types.SystemActor))
	require.NoError(t, stranger.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var leaked Event
	if err := stranger.ReadJSON(&leaked); err == nil {
		t.Errorf("stranger received %s for ride-1", leaked.Type)
	}
}
