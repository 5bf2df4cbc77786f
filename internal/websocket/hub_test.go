package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sendcore/backend/internal/auth/jwt"
	"sendcore/backend/internal/events"
)

const testSecret = "test-secret-key-with-at-least-32-characters"

func startHub(t *testing.T, auth TokenValidator) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil, auth, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/v1/events/ws", HandleWebSocket(hub))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_StreamsFilteredEvents(t *testing.T) {
	hub, url := startHub(t, nil)

	conn := dial(t, url+"?actor=warmup")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, hub.Publish(context.Background(),
		events.New(events.ActorSelector, events.TypeCircuitChanged, "inbox-1", nil, at)))
	require.NoError(t, hub.Publish(context.Background(),
		events.New(events.ActorWarmup, events.TypeInboxPaused, "inbox-2", map[string]any{"auto": true}, at)))

	msg := readEvent(t, conn)
	assert.Equal(t, MessageTypeEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, events.TypeInboxPaused, msg.Event.Type)
	assert.Equal(t, "inbox-2", msg.Event.Subject)
	assert.Equal(t, true, msg.Event.Data["auto"])
}

func TestHub_SubscribeMessage(t *testing.T) {
	hub, url := startHub(t, nil)

	conn := dial(t, url+"?actor=dedup")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, Actor: "governor"}))
	ack := readEvent(t, conn)
	assert.Equal(t, MessageTypeSubscribed, ack.Type)
	assert.Equal(t, events.ActorGovernor, ack.Actor)

	require.NoError(t, hub.Publish(context.Background(),
		events.New(events.ActorGovernor, events.TypeProviderThrottle, "openai", nil, time.Now())))
	msg := readEvent(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "openai", msg.Event.Subject)

	t.Run("未知actor返回错误", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, Actor: "mailer"}))
		msg := readEvent(t, conn)
		assert.Equal(t, MessageTypeError, msg.Type)
	})
}

func TestHandleWebSocket_Rejects(t *testing.T) {
	manager := jwt.NewManager(testSecret, "sendcore", time.Hour)
	_, url := startHub(t, manager)
	httpURL := "http" + strings.TrimPrefix(url, "ws")

	t.Run("缺少令牌", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("未知actor", func(t *testing.T) {
		issued, err := manager.Issue("dashboard", nil, 0)
		require.NoError(t, err)

		resp, err := http.Get(httpURL + "?actor=mailer&token=" + issued.Token)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("有效令牌", func(t *testing.T) {
		issued, err := manager.Issue("dashboard", []string{jwt.ScopeRead}, 0)
		require.NoError(t, err)
		dial(t, url+"?token="+issued.Token)
	})
}

func TestHub_PublishWhenFull(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	e := events.New(events.ActorDedup, events.TypeDedupCleanup, "", nil, time.Now())
	for i := 0; i < cap(hub.broadcast); i++ {
		require.NoError(t, hub.Publish(context.Background(), e))
	}
	assert.ErrorIs(t, hub.Publish(context.Background(), e), ErrHubBusy)
}

func TestHub_StoppedHubDoesNotBlock(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	client := &Client{ID: "c1", hub: hub, send: make(chan []byte, 1), actors: map[string]bool{}, log: hub.log}
	require.True(t, hub.addClient(client))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	assert.Equal(t, 0, hub.ClientCount())

	t.Run("停止后注册和注销立即返回", func(t *testing.T) {
		finished := make(chan struct{})
		go func() {
			defer close(finished)
			assert.False(t, hub.addClient(&Client{ID: "c2", hub: hub, send: make(chan []byte, 1)}))
			hub.removeClient(client)
		}()
		select {
		case <-finished:
		case <-time.After(time.Second):
			t.Fatal("register or unregister blocked after hub stopped")
		}
	})

	t.Run("发送队列关闭后写入不会panic", func(t *testing.T) {
		assert.NotPanics(t, func() {
			client.subscribe("warmup")
			client.sendError("late")
		})
		assert.False(t, client.trySend([]byte("x")))
		client.closeSend()
	})
}
