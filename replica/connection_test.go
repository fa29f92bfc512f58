package replica

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

func TestReconnectDelay(t *testing.T) {
	baseDelay := 500 * time.Millisecond
	maxDelay := 30 * time.Second

	assert.Equal(t, reconnectDelay(0, baseDelay, maxDelay), 500*time.Millisecond)
	assert.Equal(t, reconnectDelay(1, baseDelay, maxDelay), 1*time.Second)
	assert.Equal(t, reconnectDelay(2, baseDelay, maxDelay), 2*time.Second)
	assert.Equal(t, reconnectDelay(3, baseDelay, maxDelay), 4*time.Second)
	assert.Equal(t, reconnectDelay(4, baseDelay, maxDelay), 8*time.Second)
	assert.Equal(t, reconnectDelay(5, baseDelay, maxDelay), 16*time.Second)
	// capped
	assert.Equal(t, reconnectDelay(6, baseDelay, maxDelay), 30*time.Second)
	assert.Equal(t, reconnectDelay(20, baseDelay, maxDelay), 30*time.Second)
}

func TestRecoverableCloseCode(t *testing.T) {
	recoverable := []int{
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
		websocket.CloseInternalServerErr,
		websocket.CloseServiceRestart,
		websocket.CloseTryAgainLater,
	}
	for _, code := range recoverable {
		assert.Equal(t, recoverableCloseCode(code), true)
	}

	terminal := []int{
		websocket.CloseNormalClosure,
		websocket.CloseProtocolError,
		websocket.ClosePolicyViolation,
		websocket.CloseMessageTooBig,
	}
	for _, code := range terminal {
		assert.Equal(t, recoverableCloseCode(code), false)
	}
}

type eventRecorder struct {
	stateLock sync.Mutex
	events    []ConnectionEvent
}

func (self *eventRecorder) record(event ConnectionEvent, attempt int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.events = append(self.events, event)
}

func (self *eventRecorder) count(event ConnectionEvent) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, e := range self.events {
		if e == event {
			count += 1
		}
	}
	return count
}

// an unreachable endpoint exhausts the attempt budget and emits exactly one
// terminal failure event
func TestClientReconnectTerminalFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultConnectionSettings()
	settings.WsHandshakeTimeout = 200 * time.Millisecond
	settings.ReconnectBaseDelay = 10 * time.Millisecond
	settings.ReconnectMaxDelay = 20 * time.Millisecond
	settings.MaxReconnectAttempts = 2

	recorder := &eventRecorder{}
	connection := NewClientConnection(ctx, "ws://127.0.0.1:1/", "token", nil, nil, settings)
	defer connection.Close()
	connection.AddEventCallback(recorder.record)

	select {
	case <-connection.Done():
	case <-time.After(waitForTimeout):
		t.Fatal("connection did not give up")
	}

	waitFor(t, waitForTimeout, func() bool {
		return recorder.count(ConnectionEventReconnectFailed) == 1
	})
	// the first reconnecting event may precede callback registration
	if 2 < recorder.count(ConnectionEventReconnecting) {
		t.Fatalf("too many reconnecting events: %d", recorder.count(ConnectionEventReconnecting))
	}
	assert.Equal(t, recorder.count(ConnectionEventConnected), 0)
	waitFor(t, waitForTimeout, func() bool {
		return recorder.count(ConnectionEventDisconnected) == 1
	})
	assert.Equal(t, connection.State(), ConnectionStateDisconnected)
}

// a manual close while dialing ends the loop without a failure event
func TestClientManualClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultConnectionSettings()
	settings.WsHandshakeTimeout = 200 * time.Millisecond
	settings.ReconnectBaseDelay = 10 * time.Millisecond

	recorder := &eventRecorder{}
	connection := NewClientConnection(ctx, "ws://127.0.0.1:1/", "token", nil, nil, settings)
	connection.AddEventCallback(recorder.record)
	connection.Close()

	select {
	case <-connection.Done():
	case <-time.After(waitForTimeout):
		t.Fatal("connection did not close")
	}
	assert.Equal(t, recorder.count(ConnectionEventReconnectFailed), 0)
	waitFor(t, waitForTimeout, func() bool {
		return recorder.count(ConnectionEventDisconnected) == 1
	})
}

func TestDefaultConnectionSettings(t *testing.T) {
	settings := DefaultConnectionSettings()
	assert.Equal(t, settings.MaxMessageSize, ByteCount(4*1024*1024))
	assert.Equal(t, settings.SendBufferSize, 32)
}

func TestSendRequiresConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultConnectionSettings()
	settings.WsHandshakeTimeout = 200 * time.Millisecond
	settings.MaxReconnectAttempts = 0

	connection := NewClientConnection(ctx, "ws://127.0.0.1:1/", "token", nil, nil, settings)
	defer connection.Close()

	err := connection.Send([]byte{0})
	assert.Equal(t, err, ErrConnectionNotReady)
}
