package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/patternforge/internal/detection"
)

var alertTime = time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)

func testAlert(name string, category detection.ThreatCategory, sev detection.Severity) detection.ThreatAlert {
	return detection.ThreatAlert{
		AlertID:     detection.AlertID(alertTime, name),
		Category:    category,
		Severity:    sev,
		PatternName: name,
		SourceEvent: detection.SecurityEvent{Timestamp: alertTime, SourceIP: "10.0.0.5", Message: "m"},
		CreatedAt:   alertTime,
		Confidence:  0.9,
	}
}

type stubPublisher struct {
	mu     sync.Mutex
	got    int
	err    error
	closed bool
}

func (s *stubPublisher) Publish(_ context.Context, alerts []detection.ThreatAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got += len(alerts)
	return s.err
}

func (s *stubPublisher) Close() error {
	s.closed = true
	return s.err
}

func TestFanoutDeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &stubPublisher{}
	bad := &stubPublisher{err: errors.New("down")}
	f := NewFanout(zaptest.NewLogger(t))
	f.Add("ok", ok)
	f.Add("bad", bad)
	require.Equal(t, 2, f.Len())

	alerts := []detection.ThreatAlert{testAlert("SSH Brute Force", detection.CategoryBruteForce, detection.SeverityHigh)}
	err := f.Publish(context.Background(), alerts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Equal(t, 1, ok.got)
	assert.Equal(t, 1, bad.got)

	assert.NoError(t, f.Publish(context.Background(), nil))
	assert.Equal(t, 1, ok.got)

	assert.Error(t, f.Close())
	assert.True(t, ok.closed)
	assert.Zero(t, f.Len())
}

func TestRedisStreamPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	pub := NewRedisStreamPublisher(client, RedisStreamConfig{Stream: "alerts:test", MaxLen: 1000}, zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, []detection.ThreatAlert{
		testAlert("SSH Brute Force", detection.CategoryBruteForce, detection.SeverityHigh),
		testAlert("Intrusion - SQL Injection", detection.CategoryIntrusion, detection.SeverityHigh),
	}))

	entries, err := client.XRange(ctx, "alerts:test", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first := entries[0].Values
	assert.Equal(t, "brute_force", first["category"])
	assert.Equal(t, "high", first["severity"])
	assert.Equal(t, detection.AlertID(alertTime, "SSH Brute Force"), first["alert_id"])
	assert.NotEmpty(t, first["id"])
	assert.NotEqual(t, first["id"], entries[1].Values["id"])

	var decoded detection.ThreatAlert
	require.NoError(t, json.Unmarshal([]byte(first["payload"].(string)), &decoded))
	assert.Equal(t, "SSH Brute Force", decoded.PatternName)

	require.NoError(t, pub.Publish(ctx, nil))
	require.NoError(t, pub.Close())
}

func TestRedisStreamPublisherError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	pub := NewRedisStreamPublisher(client, RedisStreamConfig{}, nil)
	err = pub.Publish(context.Background(), []detection.ThreatAlert{testAlert("x", detection.CategoryMalware, detection.SeverityLow)})
	assert.Error(t, err)
}

type fakeConn struct {
	msgs     []*nats.Msg
	failOn   string
	flushErr error
	closed   bool
}

func (c *fakeConn) PublishMsg(m *nats.Msg) error {
	if c.failOn != "" && m.Header.Get("x-pattern") == c.failOn {
		return errors.New("publish refused")
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *fakeConn) FlushTimeout(time.Duration) error { return c.flushErr }
func (c *fakeConn) Close()                           { c.closed = true }

func TestNATSPublisherSubjectsAndHeaders(t *testing.T) {
	conn := &fakeConn{}
	pub := newNATSPublisher(conn, NATSConfig{SubjectPrefix: "pf.alerts"}, zaptest.NewLogger(t))

	require.NoError(t, pub.Publish(context.Background(), []detection.ThreatAlert{
		testAlert("Malware - C2 Communication", detection.CategoryC2Communication, detection.SeverityCritical),
		testAlert("SSH Brute Force", detection.CategoryBruteForce, detection.SeverityHigh),
	}))

	require.Len(t, conn.msgs, 2)
	msg := conn.msgs[0]
	assert.Equal(t, "pf.alerts.c2_communication", msg.Subject)
	assert.Equal(t, detection.AlertID(alertTime, "Malware - C2 Communication"), msg.Header.Get("x-alert-id"))
	assert.Equal(t, "critical", msg.Header.Get("x-severity"))
	assert.Equal(t, "c2_communication", msg.Header.Get("x-category"))

	var decoded detection.ThreatAlert
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, detection.SeverityCritical, decoded.Severity)

	require.NoError(t, pub.Close())
	assert.True(t, conn.closed)
}

func TestNATSPublisherJoinsFailures(t *testing.T) {
	conn := &fakeConn{failOn: "SSH Brute Force", flushErr: errors.New("flush timeout")}
	pub := newNATSPublisher(conn, NATSConfig{}, nil)

	err := pub.Publish(context.Background(), []detection.ThreatAlert{
		testAlert("SSH Brute Force", detection.CategoryBruteForce, detection.SeverityHigh),
		testAlert("RDP Brute Force", detection.CategoryBruteForce, detection.SeverityHigh),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish refused")
	assert.Contains(t, err.Error(), "flush timeout")
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "patternforge.alerts.brute_force", conn.msgs[0].Subject)
}

func TestNATSPublisherHonoursContext(t *testing.T) {
	conn := &fakeConn{}
	pub := newNATSPublisher(conn, NATSConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pub.Publish(ctx, []detection.ThreatAlert{testAlert("x", detection.CategoryMalware, detection.SeverityLow)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, conn.msgs)
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	alert := testAlert("Intrusion - XSS Attempt", detection.CategoryIntrusion, detection.SeverityMedium)
	require.NoError(t, hub.Publish(context.Background(), []detection.ThreatAlert{alert}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg StreamMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "alert", msg.Type)
	assert.Equal(t, alert.AlertID, msg.Alert.AlertID)
	assert.Equal(t, detection.SeverityMedium, msg.Alert.Severity)
}

func TestHubClientDisconnect(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubClose(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Close())
	assert.Zero(t, hub.ClientCount())
	assert.ErrorIs(t, hub.Publish(context.Background(), nil), ErrHubClosed)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	require.NoError(t, hub.Close())
}
