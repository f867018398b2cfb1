package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supportbot/frontdesk-go/internal/client"
	"github.com/supportbot/frontdesk-go/internal/handler"
	"github.com/supportbot/frontdesk-go/internal/model"
	"github.com/supportbot/frontdesk-go/internal/service"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

var httpLeakOptions = []goleak.Option{
	goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
}

type fakeAPI struct {
	mu      sync.Mutex
	calls   []string
	acks    []string
	ackErr  error
	respond func(question string) *model.CallResponse
}

func (f *fakeAPI) Call(_ context.Context, question, _ string) (*model.CallResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, question)
	if f.respond != nil {
		return f.respond(question), nil
	}
	return &model.CallResponse{Status: model.CallEscalated, HelpRequestID: "req-" + question[:3]}, nil
}

func (f *fakeAPI) AcknowledgeDelivery(_ context.Context, channel, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acks = append(f.acks, channel+"/"+id)
	return nil
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAPI) ackList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acks...)
}

type fakeRelay struct {
	mu      sync.Mutex
	cleared []string
}

func (f *fakeRelay) ClearCache(_ context.Context, room, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, room+"/"+id)
	return nil
}

type recordingDeliverer struct {
	mu    sync.Mutex
	texts []string
}

func (d *recordingDeliverer) Deliver(_ context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.texts = append(d.texts, text)
	return nil
}

func (d *recordingDeliverer) delivered() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.texts...)
}

func newUnitSubscriber(api *fakeAPI, ackDelay time.Duration) (*Subscriber, *recordingDeliverer) {
	deliverer := &recordingDeliverer{}
	s := NewSubscriber(Options{Channel: "room-1", WebSocketURL: "ws://127.0.0.1:1/ws", AckDelay: ackDelay},
		api, &fakeRelay{}, deliverer, NewRecentEscalations(5*time.Minute, ContainmentMatch), zap.NewNop())
	return s, deliverer
}

func TestAskSuppressesDuplicateEscalation(t *testing.T) {
	api := &fakeAPI{}
	s, _ := newUnitSubscriber(api, time.Hour)
	ctx := context.Background()

	first, err := s.Ask(ctx, "do you have bridal makeup")
	require.NoError(t, err)
	assert.Equal(t, model.CallEscalated, first.Status)

	second, err := s.Ask(ctx, "do you have bridal makeup services")
	require.NoError(t, err)
	assert.Equal(t, first.HelpRequestID, second.HelpRequestID)
	assert.Equal(t, 1, api.callCount())
}

func TestAskDoesNotRecordAnsweredQuestions(t *testing.T) {
	api := &fakeAPI{respond: func(string) *model.CallResponse {
		return &model.CallResponse{Status: model.CallAnswered, Response: "9 to 7"}
	}}
	s, _ := newUnitSubscriber(api, time.Hour)

	_, err := s.Ask(context.Background(), "what are your salon hours?")
	require.NoError(t, err)
	_, err = s.Ask(context.Background(), "what are your salon hours?")
	require.NoError(t, err)
	assert.Equal(t, 2, api.callCount())
}

func TestAskRejectsBlank(t *testing.T) {
	s, _ := newUnitSubscriber(&fakeAPI{}, time.Hour)
	_, err := s.Ask(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestResolvedDeliveredOnceAndAcknowledged(t *testing.T) {
	api := &fakeAPI{}
	s, deliverer := newUnitSubscriber(api, 10*time.Millisecond)
	event := model.NotificationEvent{Type: model.EventRequestResolved, RequestID: "abc", Question: "q?", Answer: "yes"}

	s.handleResolved(context.Background(), event)
	require.Len(t, deliverer.delivered(), 1)
	assert.Equal(t, AnswerText("q?", "yes"), deliverer.delivered()[0])

	require.Eventually(t, func() bool { return len(api.ackList()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "room-1/abc", api.ackList()[0])
	require.Eventually(t, func() bool { return s.PendingAcks() == 0 }, time.Second, 5*time.Millisecond)

	// 已确认后重放不再播报也不再确认
	s.handleResolved(context.Background(), event)
	assert.Len(t, deliverer.delivered(), 1)
	assert.Equal(t, 0, s.PendingAcks())
}

func TestDroppedConnectionReArmsAckWithoutRedelivery(t *testing.T) {
	api := &fakeAPI{}
	s, deliverer := newUnitSubscriber(api, time.Hour)
	event := model.NotificationEvent{Type: model.EventRequestResolved, RequestID: "abc", Question: "q?", Answer: "yes"}

	s.handleResolved(context.Background(), event)
	assert.Equal(t, 1, s.PendingAcks())

	// 已安排确认时的重复事件被忽略
	s.handleResolved(context.Background(), event)
	assert.Equal(t, 1, s.PendingAcks())

	s.cancelPendingAcks()
	assert.Equal(t, 0, s.PendingAcks())

	s.handleResolved(context.Background(), event)
	assert.Equal(t, 1, s.PendingAcks())
	assert.Len(t, deliverer.delivered(), 1)
	assert.Empty(t, api.ackList())

	s.cancelPendingAcks()
}

func TestFailedAckIsRetriedOnReplay(t *testing.T) {
	api := &fakeAPI{ackErr: errors.New("api down")}
	s, deliverer := newUnitSubscriber(api, 5*time.Millisecond)
	event := model.NotificationEvent{Type: model.EventRequestResolved, RequestID: "abc", Question: "q?", Answer: "yes"}

	s.handleResolved(context.Background(), event)
	require.Eventually(t, func() bool { return s.PendingAcks() == 0 }, time.Second, 5*time.Millisecond)

	api.mu.Lock()
	api.ackErr = nil
	api.mu.Unlock()

	s.handleResolved(context.Background(), event)
	require.Eventually(t, func() bool { return len(api.ackList()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, deliverer.delivered(), 1)
}

func TestIncompleteResolvedEventIgnored(t *testing.T) {
	s, deliverer := newUnitSubscriber(&fakeAPI{}, time.Hour)
	s.handleResolved(context.Background(), model.NotificationEvent{Type: model.EventRequestResolved, RequestID: "abc"})
	assert.Empty(t, deliverer.delivered())
	assert.Equal(t, 0, s.PendingAcks())
}

func TestRunGivesUpAfterConsecutiveFailures(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t, httpLeakOptions...) })

	// 获取一个没有监听的端口
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := NewSubscriber(Options{
		Channel:              "room-1",
		WebSocketURL:         "ws://" + addr + "/ws",
		ReconnectInitial:     time.Millisecond,
		ReconnectMax:         4 * time.Millisecond,
		MaxReconnectFailures: 5,
	}, &fakeAPI{}, &fakeRelay{}, &recordingDeliverer{}, NewRecentEscalations(time.Minute, nil), zap.NewNop())

	err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrReconnectAbandoned)
}

func TestRunDeliversThroughRelayAndStopsOnCancel(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t, httpLeakOptions...) })
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	hub := service.NewHubService(time.Hour, logger)
	router := gin.New()
	handler.NewRelayHandler(hub, logger).RegisterRoutes(router)
	router.GET("/ws/:channel", handler.NewWebSocketHandler(hub, time.Second, logger).HandleWebSocket)
	relay := httptest.NewServer(router)
	defer relay.Close()

	// 订阅前已解决的请求通过重放送达
	hub.Publish(model.EventRequestResolved, "room-1", "early", "do you do nails?", "Yes, manicures and pedicures.")

	api := &fakeAPI{}
	deliverer := &recordingDeliverer{}
	s := NewSubscriber(Options{
		Channel:          "room-1",
		WebSocketURL:     "ws" + strings.TrimPrefix(relay.URL, "http") + "/ws",
		AckDelay:         10 * time.Millisecond,
		ReconnectInitial: 10 * time.Millisecond,
	}, api, client.NewRelayClient(relay.URL, time.Second, logger), deliverer, NewRecentEscalations(time.Minute, nil), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(deliverer.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, deliverer.delivered()[0], "Yes, manicures and pedicures.")
	require.Eventually(t, func() bool { return len(hub.Snapshot("room-1")) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"room-1/early"}, api.ackList())

	// 连接后推送的解决事件
	hub.Publish(model.EventRequestResolved, "room-1", "late", "can i pay in euros?", "Yes.")
	require.Eventually(t, func() bool { return len(deliverer.delivered()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(api.ackList()) == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
	require.Eventually(t, func() bool { return hub.Stats().Connections == 0 }, 2*time.Second, 5*time.Millisecond)
}

// blockingAckAPI 确认调用阻塞直到 ctx 结束
type blockingAckAPI struct {
	fakeAPI
	started chan struct{}
	done    chan error
}

func (f *blockingAckAPI) AcknowledgeDelivery(ctx context.Context, _, _ string) error {
	close(f.started)
	<-ctx.Done()
	f.done <- ctx.Err()
	return ctx.Err()
}

func TestInFlightAckStopsWithRunContext(t *testing.T) {
	api := &blockingAckAPI{started: make(chan struct{}), done: make(chan error, 1)}
	relay := &fakeRelay{}
	s := NewSubscriber(Options{Channel: "room-1", WebSocketURL: "ws://127.0.0.1:1/ws", AckDelay: time.Millisecond},
		api, relay, &recordingDeliverer{}, NewRecentEscalations(time.Minute, nil), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	s.handleResolved(ctx, model.NotificationEvent{Type: model.EventRequestResolved, RequestID: "abc", Question: "q?", Answer: "yes"})
	<-api.started
	cancel()

	select {
	case err := <-api.done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("acknowledgment kept running after shutdown")
	}

	require.Eventually(t, func() bool { return s.PendingAcks() == 0 }, time.Second, 5*time.Millisecond)
	s.mu.Lock()
	assert.Equal(t, stateDelivered, s.states["abc"])
	s.mu.Unlock()
	relay.mu.Lock()
	assert.Empty(t, relay.cleared)
	relay.mu.Unlock()
}

func TestRunStopsOnFifthRejectedHandshake(t *testing.T) {
	var (
		mu   sync.Mutex
		hits int
	)
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer rejecting.Close()

	s := NewSubscriber(Options{
		Channel:              "room-1",
		WebSocketURL:         "ws" + strings.TrimPrefix(rejecting.URL, "http") + "/ws",
		ReconnectInitial:     time.Millisecond,
		ReconnectMax:         4 * time.Millisecond,
		MaxReconnectFailures: 5,
	}, &fakeAPI{}, &fakeRelay{}, &recordingDeliverer{}, NewRecentEscalations(time.Minute, nil), zap.NewNop())

	assert.ErrorIs(t, s.Run(context.Background()), ErrReconnectAbandoned)
	mu.Lock()
	assert.Equal(t, 5, hits)
	mu.Unlock()
}
