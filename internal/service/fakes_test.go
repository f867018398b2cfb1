package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/supportbot/frontdesk-go/internal/model"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu       sync.Mutex
	created  []*model.HelpRequest
	resolved []*model.HelpRequest
	fail     bool
}

var errRelayDown = errors.New("relay down")

func (n *recordingNotifier) RequestCreated(_ context.Context, req *model.HelpRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errRelayDown
	}
	n.created = append(n.created, req)
	return nil
}

func (n *recordingNotifier) RequestResolved(_ context.Context, req *model.HelpRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errRelayDown
	}
	n.resolved = append(n.resolved, req)
	return nil
}

type testStack struct {
	knowledge  *KnowledgeService
	ledger     *LedgerService
	notifier   *recordingNotifier
	escalation *EscalationService
	resolution *ResolutionService
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	knowledge := NewKnowledgeService(filepath.Join(dir, "knowledge_base.json"), logger)
	ledger, err := NewLedgerService(filepath.Join(dir, "help_requests.json"), logger)
	require.NoError(t, err)
	notifier := &recordingNotifier{}

	return &testStack{
		knowledge:  knowledge,
		ledger:     ledger,
		notifier:   notifier,
		escalation: NewEscalationService(knowledge, ledger, notifier, time.Second, logger),
		resolution: NewResolutionService(knowledge, ledger, notifier, time.Second, logger),
	}
}
