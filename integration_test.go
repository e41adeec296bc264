package main

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hollow/internal/api"
	"hollow/internal/chat"
	"hollow/internal/models"
	"hollow/internal/session"
	"hollow/internal/store"
	"hollow/internal/stub"
	"hollow/internal/ws"

	"github.com/stretchr/testify/require"
)

// TestIntegration runs the whole client stack against the stub backend over
// real HTTP and a real websocket: login, socket connect, realtime send,
// socket-down REST fallback, history, read receipts.
func TestIntegration(t *testing.T) {
	srv := httptest.NewServer(stub.New("integration-secret", slog.New(slog.DiscardHandler)).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := slog.New(slog.DiscardHandler)

	newClient := func(t *testing.T, email string) (*chat.Service, *ws.Manager, *api.Client, *session.Session) {
		sess := session.New()
		client := api.New(srv.URL, sess.Token, 5*time.Second)

		token, err := client.Login(ctx, email, "password")
		require.NoError(t, err)
		sess.SetToken(token)
		require.NotZero(t, sess.UserID())

		manager, err := ws.NewManager(ws.Config{BaseURL: srv.URL, Logger: logger})
		require.NoError(t, err)
		t.Cleanup(manager.Disconnect)

		cache, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = cache.Close() })

		svc, err := chat.New(ctx, chat.Config{
			Realtime: manager,
			API:      client,
			Cache:    cache,
			SelfID:   sess.UserID,
			Logger:   logger,
		})
		require.NoError(t, err)
		t.Cleanup(svc.Close)

		manager.Connect(token)
		require.Eventually(t, manager.IsConnected, 5*time.Second, 10*time.Millisecond)

		return svc, manager, client, sess
	}

	aliceSvc, aliceMgr, _, alice := newClient(t, "alice@hollow.local")
	bobSvc, _, bobClient, bob := newClient(t, "bob@hollow.local")
	require.Equal(t, int64(1), alice.UserID())
	require.Equal(t, int64(2), bob.UserID())

	// Realtime path: the socket is up, so Send returns no record and the
	// server echo carries it instead.
	rec, err := aliceSvc.Send(ctx, bob.UserID(), "hello from the hollow")
	require.NoError(t, err)
	require.Nil(t, rec)

	require.Eventually(t, func() bool {
		msgs := bobSvc.Recent(alice.UserID(), 10)
		return len(msgs) == 1 && msgs[0].Content == "hello from the hollow"
	}, 5*time.Second, 10*time.Millisecond, "bob should receive the message over his socket")

	// The sender's echo fills alice's local caches too.
	require.Eventually(t, func() bool {
		return len(aliceSvc.Recent(bob.UserID(), 10)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// REST fallback: drop alice's socket, the next send must still land.
	aliceMgr.Disconnect()
	rec, err = aliceSvc.Send(ctx, bob.UserID(), "still here")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, alice.UserID(), rec.SenderID)

	require.Eventually(t, func() bool {
		return len(bobSvc.Recent(alice.UserID(), 10)) == 2
	}, 5*time.Second, 10*time.Millisecond, "REST sends are pushed to the receiver's socket too")

	// Read side.
	count, err := bobSvc.UnreadCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	convs, err := bobSvc.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, "night-owl", convs[0].OtherUser.Nickname)
	require.Equal(t, "still here", convs[0].LastMessage)

	history, err := bobSvc.History(ctx, alice.UserID(), 1, 50)
	require.NoError(t, err)
	require.Len(t, history, 2)

	for _, m := range history {
		require.NoError(t, bobSvc.MarkRead(ctx, alice.UserID(), m.ID))
	}
	count, err = bobClient.UnreadCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

// TestIntegrationReconnect kills the server side of the socket and verifies
// the client dials back in on its own.
func TestIntegrationReconnect(t *testing.T) {
	backend := stub.New("integration-secret", slog.New(slog.DiscardHandler))
	srv := httptest.NewServer(backend.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess := session.New()
	client := api.New(srv.URL, sess.Token, 5*time.Second)
	token, err := client.Login(ctx, "charlie@hollow.local", "password")
	require.NoError(t, err)
	sess.SetToken(token)

	manager, err := ws.NewManager(ws.Config{
		BaseURL:   srv.URL,
		BaseDelay: 20 * time.Millisecond,
		Logger:    slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	defer manager.Disconnect()

	var events []models.Envelope
	var once sync.Once
	done := make(chan struct{})
	manager.OnMessage(func(env models.Envelope) {
		events = append(events, env)
		once.Do(func() { close(done) })
	})

	manager.Connect(token)
	require.Eventually(t, manager.IsConnected, 5*time.Second, 10*time.Millisecond)

	// Server closes all sockets; the manager must come back by itself.
	srv.CloseClientConnections()
	require.Eventually(t, manager.IsConnected, 5*time.Second, 10*time.Millisecond,
		"manager should reconnect after the server drops the socket")

	// The reconnected socket works: a message to charlie arrives.
	aliceToken, err := client.Login(ctx, "alice@hollow.local", "password")
	require.NoError(t, err)
	sess.SetToken(aliceToken)
	_, err = client.SendMessage(ctx, 3, "welcome back")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no message arrived on the reconnected socket")
	}
	require.Equal(t, models.EventMessage, events[0].Type)
	require.NotNil(t, events[0].Message)
	require.Equal(t, "welcome back", events[0].Message.Content)
}
