package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/supportbot/frontdesk-go/internal/client"
	"github.com/supportbot/frontdesk-go/internal/middleware"
	"github.com/supportbot/frontdesk-go/internal/service"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	router *gin.Engine
	ledger *service.LedgerService
	hub    *service.HubService
	relay  *httptest.Server
}

// newAPIFixture 请求服务 + 真实的通知中继（httptest）
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zap.NewNop()
	dir := t.TempDir()

	hub := service.NewHubService(time.Hour, logger)
	relayRouter := gin.New()
	relayRouter.Use(middleware.ServiceName("notification-relay"))
	NewRelayHandler(hub, logger).RegisterRoutes(relayRouter)
	ws := NewWebSocketHandler(hub, time.Second, logger)
	relayRouter.GET("/ws/:channel", ws.HandleWebSocket)
	relay := httptest.NewServer(relayRouter)
	t.Cleanup(func() {
		hub.Close()
		relay.Close()
	})

	knowledge := service.NewKnowledgeService(filepath.Join(dir, "knowledge_base.json"), logger)
	ledger, err := service.NewLedgerService(filepath.Join(dir, "help_requests.json"), logger)
	require.NoError(t, err)
	notifier := client.NewRelayClient(relay.URL, time.Second, logger)

	escalation := service.NewEscalationService(knowledge, ledger, notifier, time.Second, logger)
	resolution := service.NewResolutionService(knowledge, ledger, notifier, time.Second, logger)

	router := gin.New()
	router.Use(middleware.ServiceName("frontdesk-api"))
	NewRequestHandler(escalation, resolution, ledger, knowledge, logger).RegisterRoutes(router)

	return &apiFixture{router: router, ledger: ledger, hub: hub, relay: relay}
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}
