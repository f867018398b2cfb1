package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supportbot/frontdesk-go/internal/model"
)

func TestHandleCallBaselineHitCreatesNoRequest(t *testing.T) {
	st := newTestStack(t)

	resp, err := st.escalation.HandleCall(context.Background(), "do you accept walk-ins?", "room-1")
	require.NoError(t, err)
	assert.Equal(t, model.CallAnswered, resp.Status)
	assert.Empty(t, resp.HelpRequestID)

	all, err := st.ledger.ListAll()
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, st.notifier.created)
}

func TestHandleCallMissEscalatesAndNotifies(t *testing.T) {
	st := newTestStack(t)

	resp, err := st.escalation.HandleCall(context.Background(), "Can I pay in euros?", "room-7#dave")
	require.NoError(t, err)
	assert.Equal(t, model.CallEscalated, resp.Status)
	assert.Equal(t, EscalatedResponse, resp.Response)
	require.NotEmpty(t, resp.HelpRequestID)

	req, err := st.ledger.Get(resp.HelpRequestID)
	require.NoError(t, err)
	assert.Equal(t, "can i pay in euros?", req.Question)
	assert.Equal(t, "room-7", req.Channel)

	require.Len(t, st.notifier.created, 1)
	assert.Equal(t, resp.HelpRequestID, st.notifier.created[0].ID)
}

func TestHandleCallNotificationFailureIsNotFatal(t *testing.T) {
	st := newTestStack(t)
	st.notifier.fail = true

	resp, err := st.escalation.HandleCall(context.Background(), "can i bring my dog?", "room-1")
	require.NoError(t, err)
	assert.Equal(t, model.CallEscalated, resp.Status)

	pending, err := st.ledger.ListPending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestHandleCallSurvivesCancelledCallerContext(t *testing.T) {
	st := newTestStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := st.escalation.HandleCall(ctx, "is there wifi?", "room-1")
	require.NoError(t, err)
	assert.Equal(t, model.CallEscalated, resp.Status)
	assert.Len(t, st.notifier.created, 1)
}
