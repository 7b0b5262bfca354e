package gateway

import (
	"context"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/tilerack/tilerack/go/internal/health"
	"github.com/tilerack/tilerack/go/internal/models"
)

type routedCall struct {
	kind    string
	payload any
}

type fakeRouter struct {
	calls []routedCall
}

func (r *fakeRouter) OnConnect(context.Context, string, string, string, health.ConnMeta) error {
	r.calls = append(r.calls, routedCall{kind: "connect"})
	return nil
}

func (r *fakeRouter) OnDisconnectSignal(connectionID, reason string) {
	r.calls = append(r.calls, routedCall{kind: "disconnect", payload: reason})
}

func (r *fakeRouter) OnHeartbeatResponse(connectionID string, token uint64) {
	r.calls = append(r.calls, routedCall{kind: "heartbeat_ack", payload: token})
}

func (r *fakeRouter) UpdateQualityMetrics(sessionID, playerID string, latencyMs, packetLoss float64) {
	r.calls = append(r.calls, routedCall{kind: "quality", payload: latencyMs})
}

func (r *fakeRouter) CastVote(sessionID, playerID string, choice models.ContinuationChoice) bool {
	r.calls = append(r.calls, routedCall{kind: "vote", payload: choice})
	return true
}

func (r *fakeRouter) ManualPause(sessionID, playerID string) bool {
	r.calls = append(r.calls, routedCall{kind: "pause"})
	return true
}

func (r *fakeRouter) RequestResume(sessionID, playerID string) bool {
	r.calls = append(r.calls, routedCall{kind: "resume"})
	return true
}

func newTestConnection(router Router) (*Connection, *fakeRouter) {
	fr, _ := router.(*fakeRouter)
	cm := NewConnectionManager(DefaultConnectionConfig())
	cm.SetRouter(router)
	return &Connection{
		ID:        "conn-1",
		SessionID: "sess-1",
		PlayerID:  "p1",
		Manager:   cm,
	}, fr
}

func TestHandleClientMessageRouting(t *testing.T) {
	testCases := []struct {
		name     string
		message  string
		expected string
	}{
		{
			name:     "heartbeat ack",
			message:  `{"type":"heartbeat_ack","token":7}`,
			expected: "heartbeat_ack",
		},
		{
			name:     "continuation vote",
			message:  `{"type":"cast_vote","choice":"skip_turn"}`,
			expected: "vote",
		},
		{
			name:     "manual pause",
			message:  `{"type":"pause"}`,
			expected: "pause",
		},
		{
			name:     "manual resume",
			message:  `{"type":"resume"}`,
			expected: "resume",
		},
		{
			name:     "quality report",
			message:  `{"type":"quality_report","latency_ms":120,"packet_loss":0.02}`,
			expected: "quality",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conn, router := newTestConnection(&fakeRouter{})
			conn.handleClientMessage([]byte(tc.message))

			assert.Len(t, router.calls, 1)
			assert.Equal(t, tc.expected, router.calls[0].kind)
		})
	}
}

func TestHandleClientMessageIgnoresGarbage(t *testing.T) {
	conn, router := newTestConnection(&fakeRouter{})

	conn.handleClientMessage([]byte(`not json`))
	conn.handleClientMessage([]byte(`{"type":"no_such_type"}`))

	assert.Empty(t, router.calls)
}

func TestHandleClientMessageVotePayload(t *testing.T) {
	conn, router := newTestConnection(&fakeRouter{})

	conn.handleClientMessage([]byte(`{"type":"cast_vote","choice":"add_bot"}`))

	assert.Equal(t, models.ChoiceAddBot, router.calls[0].payload)
}

func TestSendNeverRacesChannelClose(t *testing.T) {
	conn, _ := newTestConnection(&fakeRouter{})
	conn.Send = make(chan []byte, 1)

	assert.True(t, conn.trySend([]byte("a")))
	assert.False(t, conn.trySend([]byte("b")), "a full buffer drops the frame")

	conn.closeSend()
	assert.NotPanics(t, func() {
		assert.False(t, conn.trySend([]byte("c")), "a closing connection drops the frame")
	})
	assert.NotPanics(t, func() { conn.closeSend() }, "closing twice is safe")
}

func TestCloseReasonMapping(t *testing.T) {
	assert.Equal(t, "transport close",
		closeReason(&websocket.CloseError{Code: websocket.CloseGoingAway}))
	assert.Equal(t, "client closed",
		closeReason(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.Equal(t, "abnormal closure",
		closeReason(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
	assert.Equal(t, "read error",
		closeReason(assert.AnError))
}
