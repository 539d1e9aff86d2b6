package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/chatrelay/internal/api"
	"github.com/ashureev/chatrelay/internal/bus"
	"github.com/ashureev/chatrelay/internal/gateway"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/ashureev/chatrelay/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func startGateway(t *testing.T) string {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"), store.Options{})
	require.NoError(t, err)
	b := bus.NewMemoryBus(nil)

	ctx, cancel := context.WithCancel(context.Background())
	w := worker.New(repo, b, worker.EchoModel{}, worker.Options{ID: "test"})
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	ws := gateway.NewHandler(repo, b, gateway.NewManager(), gateway.Options{IsDev: true})
	r := chi.NewRouter()
	api.NewSessionHandler(api.NewHandler(repo, 10)).RegisterRoutes(r)
	r.Get("/chat", ws.ServeHTTP)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		ws.Shutdown()
		cancel()
		require.NoError(t, <-done)
		_ = b.Close()
		_ = repo.Close()
	})
	return srv.URL
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(strings.NewReader(stdin), &out)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestTokenAndHistory(t *testing.T) {
	url := startGateway(t)

	out, err := run(t, "", "--url", url, "token", "--name", "Alice")
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	require.NotEmpty(t, token)

	out, err = run(t, "", "--url", url, "history", "--token", token)
	require.NoError(t, err)
	require.Empty(t, out)

	_, err = run(t, "", "--url", url, "history", "--token", "unknown")
	require.Error(t, err)
}

func TestChatSendsLinesUntilEOF(t *testing.T) {
	url := startGateway(t)

	out, err := run(t, "", "--url", url, "token", "--name", "Alice")
	require.NoError(t, err)
	token := strings.TrimSpace(out)

	// EOF logs out right after the line is sent, so the reply is checked
	// through history.
	_, err = run(t, "hello\n", "--url", url, "chat", "--token", token)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, err := run(t, "", "--url", url, "history", "--token", token)
		return err == nil && strings.Contains(out, "assistant: echo: hello")
	}, 3*time.Second, 20*time.Millisecond)

	out, err = run(t, "", "--url", url, "history", "--token", token, "--limit", "1")
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(out, "\n"))
	require.Contains(t, out, "assistant: echo: hello")
}

func TestChatRequiresTokenOrName(t *testing.T) {
	_, err := run(t, "", "--url", "http://127.0.0.1:1", "chat")
	require.Error(t, err)

	_, err = run(t, "", "--url", "http://127.0.0.1:1", "chat", "--token", "a", "--name", "b")
	require.Error(t, err)
}
