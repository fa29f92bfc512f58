package replica

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type ConnectionState string

const (
	ConnectionStateDisconnected  ConnectionState = "Disconnected"
	ConnectionStateConnecting    ConnectionState = "Connecting"
	ConnectionStateConnected     ConnectionState = "Connected"
	ConnectionStateDisconnecting ConnectionState = "Disconnecting"
)

type ConnectionEvent string

const (
	ConnectionEventConnected       ConnectionEvent = "connected"
	ConnectionEventReconnecting    ConnectionEvent = "reconnecting"
	ConnectionEventReconnected     ConnectionEvent = "reconnected"
	ConnectionEventReconnectFailed ConnectionEvent = "reconnectFailed"
	ConnectionEventSuspect         ConnectionEvent = "suspect"
	ConnectionEventDisconnected    ConnectionEvent = "disconnected"
)

type ConnectionEventFunction func(event ConnectionEvent, attempt int)

type ReceiveFunction func(frameBytes []byte)

type ConnectionSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingInterval       time.Duration
	// missing pongs beyond 2x this mark the connection suspect
	PingTimeout          time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	SendBufferSize       int
	// inbound frames above this size close the connection
	MaxMessageSize ByteCount
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		WsHandshakeTimeout:   2 * time.Second,
		AuthTimeout:          2 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          15 * time.Second,
		PingInterval:         1 * time.Second,
		PingTimeout:          5 * time.Second,
		ReconnectBaseDelay:   500 * time.Millisecond,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 8,
		SendBufferSize:       32,
		MaxMessageSize:       mib(4),
	}
}

// close codes after which a reconnect is attempted
func recoverableCloseCode(code int) bool {
	switch code {
	case websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
		websocket.CloseInternalServerErr,
		websocket.CloseServiceRestart,
		websocket.CloseTryAgainLater:
		return true
	default:
		return false
	}
}

// delay before reconnect attempt `attempt` (0-based)
func reconnectDelay(attempt int, baseDelay time.Duration, maxDelay time.Duration) time.Duration {
	delay := baseDelay
	for i := 0; i < attempt; i += 1 {
		delay *= 2
		if maxDelay <= delay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

// Connection wraps one websocket with a 4-state lifecycle, heartbeat and
// exponential-backoff reconnection. the heartbeat is a Ping/Pong frame pair
// carrying a correlation id, which also feeds the congestion monitor.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	id            Id
	remoteAddress string

	settings *ConnectionSettings

	receive ReceiveFunction
	// may be nil
	monitor *Monitor

	eventCallbacks *CallbackList[ConnectionEventFunction]

	stateLock         sync.Mutex
	state             ConnectionState
	reconnectAttempts int
	manualClose       bool
	suspect           bool
	lastPingTime      time.Time
	lastPongTime      time.Time
	nextCorrelationId uint64
	pingSendTimes     map[uint64]time.Time
	send              chan []byte
}

// NewServerConnection wraps an already accepted websocket. a server-side
// connection never reconnects; the remote client owns that policy.
func NewServerConnection(
	ctx context.Context,
	ws *websocket.Conn,
	receive ReceiveFunction,
	monitor *Monitor,
	settings *ConnectionSettings,
) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	connection := &Connection{
		ctx:            cancelCtx,
		cancel:         cancel,
		id:             NewId(),
		remoteAddress:  ws.RemoteAddr().String(),
		settings:       settings,
		receive:        receive,
		monitor:        monitor,
		eventCallbacks: NewCallbackList[ConnectionEventFunction](),
		state:          ConnectionStateConnected,
		lastPongTime:   time.Now(),
		pingSendTimes:  map[uint64]time.Time{},
		send:           make(chan []byte, settings.SendBufferSize),
	}
	go func() {
		defer func() {
			connection.setState(ConnectionStateDisconnected)
			// release Done() waiters, e.g. session pool removal
			connection.cancel()
			connection.event(ConnectionEventDisconnected, 0)
		}()
		connection.pump(ws)
	}()
	return connection
}

// NewClientConnection dials `url`, performs the token handshake and keeps
// the connection alive with reconnect until closed.
func NewClientConnection(
	ctx context.Context,
	url string,
	token string,
	receive ReceiveFunction,
	monitor *Monitor,
	settings *ConnectionSettings,
) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	connection := &Connection{
		ctx:            cancelCtx,
		cancel:         cancel,
		id:             NewId(),
		remoteAddress:  url,
		settings:       settings,
		receive:        receive,
		monitor:        monitor,
		eventCallbacks: NewCallbackList[ConnectionEventFunction](),
		state:          ConnectionStateDisconnected,
		pingSendTimes:  map[uint64]time.Time{},
		send:           make(chan []byte, settings.SendBufferSize),
	}
	go connection.run(url, token)
	return connection
}

func (self *Connection) Id() Id {
	return self.id
}

func (self *Connection) RemoteAddress() string {
	return self.remoteAddress
}

func (self *Connection) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *Connection) Suspect() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.suspect
}

func (self *Connection) ReconnectAttempts() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.reconnectAttempts
}

func (self *Connection) AddEventCallback(eventCallback ConnectionEventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

func (self *Connection) event(event ConnectionEvent, attempt int) {
	for _, eventCallback := range self.eventCallbacks.Get() {
		eventCallback(event, attempt)
	}
}

func (self *Connection) setState(state ConnectionState) {
	self.stateLock.Lock()
	self.state = state
	self.stateLock.Unlock()
}

// Send enqueues frame bytes without blocking.
func (self *Connection) Send(frameBytes []byte) error {
	if self.State() != ConnectionStateConnected {
		return ErrConnectionNotReady
	}
	select {
	case <-self.ctx.Done():
		return ErrConnectionClosed
	case self.send <- frameBytes:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close disconnects and disables auto-reconnect unconditionally.
func (self *Connection) Close() {
	self.CloseWithReason("")
}

func (self *Connection) CloseWithReason(reason string) {
	self.stateLock.Lock()
	self.manualClose = true
	connected := self.state == ConnectionStateConnected
	if self.state == ConnectionStateConnected || self.state == ConnectionStateConnecting {
		self.state = ConnectionStateDisconnecting
	}
	self.stateLock.Unlock()

	if connected {
		// best-effort disconnect notice. the write pump races the cancel.
		if frameBytes, err := EncodeFrame(&Disconnect{Reason: reason}); err == nil {
			select {
			case self.send <- frameBytes:
			default:
			}
		}
	}
	self.cancel()
}

func (self *Connection) Done() <-chan struct{} {
	return self.ctx.Done()
}

// client dial/reconnect loop
func (self *Connection) run(url string, token string) {
	defer func() {
		self.setState(ConnectionStateDisconnected)
		self.cancel()
		self.event(ConnectionEventDisconnected, 0)
	}()

	for {
		self.setState(ConnectionStateConnecting)

		ws, err := self.connect(url, token)
		if err != nil {
			glog.Infof("[c]connect error %s = %s\n", self.id, err)
			if !self.scheduleReconnect() {
				return
			}
			continue
		}

		self.stateLock.Lock()
		reconnected := 0 < self.reconnectAttempts
		self.reconnectAttempts = 0
		self.suspect = false
		self.lastPongTime = time.Now()
		self.state = ConnectionStateConnected
		self.stateLock.Unlock()
		if reconnected {
			self.event(ConnectionEventReconnected, 0)
		} else {
			self.event(ConnectionEventConnected, 0)
		}

		closeCode := self.pump(ws)

		select {
		case <-self.ctx.Done():
			return
		default:
		}

		if closeCode == websocket.CloseNormalClosure || !recoverableCloseCode(closeCode) {
			glog.Infof("[c]closed %s code=%d\n", self.id, closeCode)
			return
		}
		if !self.scheduleReconnect() {
			return
		}
	}
}

// waits out the backoff delay for the next attempt.
// returns false when the attempt budget is exhausted, emitting exactly one
// terminal failure event.
func (self *Connection) scheduleReconnect() bool {
	self.stateLock.Lock()
	if self.manualClose {
		self.stateLock.Unlock()
		return false
	}
	attempt := self.reconnectAttempts
	self.reconnectAttempts += 1
	self.stateLock.Unlock()

	if self.settings.MaxReconnectAttempts <= attempt {
		glog.Infof("[c]reconnect attempts exhausted %s\n", self.id)
		self.event(ConnectionEventReconnectFailed, attempt)
		return false
	}

	delay := reconnectDelay(attempt, self.settings.ReconnectBaseDelay, self.settings.ReconnectMaxDelay)
	self.event(ConnectionEventReconnecting, attempt+1)
	glog.V(1).Infof("[c]reconnect %s attempt=%d delay=%s\n", self.id, attempt+1, delay)
	select {
	case <-self.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (self *Connection) connect(url string, token string) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, url, http.Header{})
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	requestBytes, err := EncodeFrame(&HandshakeRequest{
		Token:      token,
		AppVersion: Version,
	})
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, requestBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, responseBytes, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	message, err := DecodeFrame(responseBytes)
	if err != nil {
		return nil, err
	}
	response, ok := message.(*HandshakeResponse)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected handshake response %T", ErrHandshakeRejected, message)
	}
	if !response.Accepted {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, response.Reason)
	}
	if sessionId, err := IdFromBytes(response.SessionId); err == nil {
		self.stateLock.Lock()
		self.id = sessionId
		self.stateLock.Unlock()
	}

	success = true
	return ws, nil
}

// pump runs the read and write loops until the socket closes.
// returns the websocket close code, or CloseAbnormalClosure for transport
// errors without a close frame.
func (self *Connection) pump(ws *websocket.Conn) int {
	defer ws.Close()

	if 0 < self.settings.MaxMessageSize {
		ws.SetReadLimit(self.settings.MaxMessageSize)
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	closeCode := websocket.CloseAbnormalClosure
	var closeCodeLock sync.Mutex

	go func() {
		defer handleCancel()

		pingTicker := time.NewTicker(self.settings.PingInterval)
		defer pingTicker.Stop()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frameBytes, ok := <-self.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[c]%s-> error = %s\n", self.id, err)
					return
				}
				if self.monitor != nil {
					self.monitor.AddBytesSent(ByteCount(len(frameBytes)))
				}
				glog.V(2).Infof("[c]%s->\n", self.id)
			case <-pingTicker.C:
				if err := self.writePing(ws); err != nil {
					return
				}
				self.checkSuspect()
			}
		}
	}()

	func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, frameBytes, err := ws.ReadMessage()
			if err != nil {
				if closeErr, ok := err.(*websocket.CloseError); ok {
					closeCodeLock.Lock()
					closeCode = closeErr.Code
					closeCodeLock.Unlock()
				}
				glog.V(1).Infof("[c]%s<- error = %s\n", self.id, err)
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				if self.monitor != nil {
					self.monitor.AddBytesReceived(ByteCount(len(frameBytes)))
				}
				self.handleFrame(frameBytes)
			default:
				glog.V(2).Infof("[c]other=%d %s<-\n", messageType, self.id)
			}
		}
	}()

	closeCodeLock.Lock()
	defer closeCodeLock.Unlock()
	return closeCode
}

func (self *Connection) writePing(ws *websocket.Conn) error {
	self.stateLock.Lock()
	self.nextCorrelationId += 1
	correlationId := self.nextCorrelationId
	now := time.Now()
	self.pingSendTimes[correlationId] = now
	self.lastPingTime = now
	// drop pings that will never be acked
	for id, sendTime := range self.pingSendTimes {
		if 2*self.settings.PingTimeout < now.Sub(sendTime) {
			delete(self.pingSendTimes, id)
		}
	}
	self.stateLock.Unlock()

	pingBytes, err := EncodeFrame(&Ping{
		CorrelationId: correlationId,
		SendTime:      uint64(now.UnixMilli()),
	})
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, pingBytes); err != nil {
		return err
	}
	if self.monitor != nil {
		self.monitor.HeartbeatSent()
	}
	glog.V(2).Infof("[c]ping %s-> correlation=%d\n", self.id, correlationId)
	return nil
}

// marks the connection suspect when pongs stop arriving. the connection is
// not auto-closed; the congestion monitor consumes the signal.
func (self *Connection) checkSuspect() {
	self.stateLock.Lock()
	silent := time.Now().Sub(self.lastPongTime)
	wasSuspect := self.suspect
	isSuspect := 2*self.settings.PingTimeout < silent
	self.suspect = isSuspect
	self.stateLock.Unlock()

	if isSuspect && !wasSuspect {
		glog.Infof("[c]suspect %s silent=%s\n", self.id, silent)
		self.event(ConnectionEventSuspect, 0)
	}
}

func (self *Connection) handleFrame(frameBytes []byte) {
	frame, err := DecodeFrameEnvelope(frameBytes)
	if err != nil {
		glog.V(1).Infof("[c]%s<- decode error = %s\n", self.id, err)
		return
	}

	switch frame.MessageType {
	case MessageTypeDisconnect:
		message, err := FromFrame(frame)
		if err != nil {
			return
		}
		disconnect := message.(*Disconnect)
		glog.Infof("[c]remote disconnect %s reason=%q\n", self.id, disconnect.Reason)
		// the remote said goodbye. do not reconnect.
		self.stateLock.Lock()
		self.manualClose = true
		self.stateLock.Unlock()
		self.cancel()
	case MessageTypePing:
		message, err := FromFrame(frame)
		if err != nil {
			return
		}
		ping := message.(*Ping)
		pongBytes, err := EncodeFrame(&Pong{
			CorrelationId: ping.CorrelationId,
			SendTime:      ping.SendTime,
			RemoteTime:    uint64(time.Now().UnixMilli()),
		})
		if err != nil {
			return
		}
		select {
		case self.send <- pongBytes:
		default:
			// the pong rides the next heartbeat
		}
	case MessageTypePong:
		message, err := FromFrame(frame)
		if err != nil {
			return
		}
		pong := message.(*Pong)
		now := time.Now()

		self.stateLock.Lock()
		sendTime, ok := self.pingSendTimes[pong.CorrelationId]
		if ok {
			delete(self.pingSendTimes, pong.CorrelationId)
		}
		self.lastPongTime = now
		self.suspect = false
		self.stateLock.Unlock()

		if ok && self.monitor != nil {
			self.monitor.AddRttSample(now.Sub(sendTime))
			self.monitor.HeartbeatAcked()
		}
		glog.V(2).Infof("[c]pong %s<- correlation=%d\n", self.id, pong.CorrelationId)
	default:
		if self.receive != nil {
			self.receive(frameBytes)
		}
	}
}
