package replica

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type SessionPoolSettings struct {
	// HMAC secret for client token verification
	Secret             []byte
	AuthTimeout        time.Duration
	ConnectionSettings *ConnectionSettings
}

func DefaultSessionPoolSettings(secret []byte) *SessionPoolSettings {
	return &SessionPoolSettings{
		Secret:             secret,
		AuthTimeout:        2 * time.Second,
		ConnectionSettings: DefaultConnectionSettings(),
	}
}

type session struct {
	sessionId  Id
	clientId   Id
	clientName string
	connection *Connection
}

// SessionPool is the server side of the session layer. it accepts websocket
// upgrades, verifies the handshake token, routes inbound frames to the
// dispatcher and exposes broadcast/unicast send.
type SessionPool struct {
	ctx    context.Context
	cancel context.CancelFunc

	dispatcher *Dispatcher
	registry   *Registry
	// may be nil
	monitor *Monitor

	settings *SessionPoolSettings

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	// keyed by client id. one session per client; a new handshake from the
	// same client replaces the old session.
	sessions map[Id]*session
}

func NewSessionPool(
	ctx context.Context,
	dispatcher *Dispatcher,
	registry *Registry,
	monitor *Monitor,
	settings *SessionPoolSettings,
) *SessionPool {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SessionPool{
		ctx:        cancelCtx,
		cancel:     cancel,
		dispatcher: dispatcher,
		registry:   registry,
		monitor:    monitor,
		settings:   settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  int(kib(4)),
			WriteBufferSize: int(kib(4)),
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: map[Id]*session{},
	}
}

// HandleUpgrade is the http handler for new client connections.
func (self *SessionPool) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[sp]upgrade error = %s\n", err)
		return
	}

	clientToken, err := self.handshake(ws)
	if err != nil {
		glog.Infof("[sp]handshake error %s = %s\n", ws.RemoteAddr(), err)
		ws.Close()
		return
	}

	clientId := clientToken.ClientId
	receive := func(frameBytes []byte) {
		if err := self.dispatcher.HandleFrame(clientId, frameBytes); err != nil {
			glog.V(1).Infof("[sp]drop %s<- = %s\n", clientId, err)
		}
	}
	connection := NewServerConnection(self.ctx, ws, receive, self.monitor, self.settings.ConnectionSettings)

	newSession := &session{
		sessionId:  connection.Id(),
		clientId:   clientId,
		clientName: clientToken.ClientName,
		connection: connection,
	}

	self.stateLock.Lock()
	if existing, ok := self.sessions[clientId]; ok {
		existing.connection.Close()
	}
	self.sessions[clientId] = newSession
	self.stateLock.Unlock()
	glog.Infof("[sp]session open client=%s name=%s\n", clientId, clientToken.ClientName)

	go func() {
		<-connection.Done()
		self.removeSession(newSession)
	}()
}

func (self *SessionPool) handshake(ws *websocket.Conn) (*ClientToken, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, requestBytes, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	message, err := DecodeFrame(requestBytes)
	if err != nil {
		return nil, err
	}
	request, ok := message.(*HandshakeRequest)
	if !ok {
		return nil, ErrHandshakeRejected
	}

	clientToken, err := ParseClientToken(self.settings.Secret, request.Token)

	response := &HandshakeResponse{}
	if err != nil {
		response.Accepted = false
		response.Reason = "invalid token"
	} else {
		response.Accepted = true
		response.SessionId = NewId().Bytes()
	}
	responseBytes, encodeErr := EncodeFrame(response)
	if encodeErr != nil {
		return nil, encodeErr
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if writeErr := ws.WriteMessage(websocket.BinaryMessage, responseBytes); writeErr != nil {
		return nil, writeErr
	}
	if err != nil {
		return nil, err
	}
	return clientToken, nil
}

func (self *SessionPool) removeSession(removed *session) {
	self.stateLock.Lock()
	current, ok := self.sessions[removed.clientId]
	if ok && current == removed {
		delete(self.sessions, removed.clientId)
	} else {
		// already replaced by a newer session. do not clear ownership.
		ok = false
	}
	self.stateLock.Unlock()

	if ok {
		// the client's identities survive as unowned
		self.registry.ClearOwner(removed.clientId)
		glog.Infof("[sp]session closed client=%s\n", removed.clientId)
	}
}

// ObserverIds lists the connected client ids, in stable order.
func (self *SessionPool) ObserverIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	observerIds := []Id{}
	for clientId := range self.sessions {
		observerIds = append(observerIds, clientId)
	}
	slices.SortFunc(observerIds, func(a Id, b Id) int {
		if a.LessThan(b) {
			return -1
		} else if b.LessThan(a) {
			return 1
		}
		return 0
	})
	return observerIds
}

func (self *SessionPool) SessionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.sessions)
}

// Broadcast sends the frame to every session except `excludeClientId`.
// send errors are isolated per connection.
func (self *SessionPool) Broadcast(frameBytes []byte, excludeClientId Id) {
	self.stateLock.Lock()
	connections := []*Connection{}
	for clientId, s := range self.sessions {
		if clientId == excludeClientId {
			continue
		}
		connections = append(connections, s.connection)
	}
	self.stateLock.Unlock()

	for _, connection := range connections {
		if err := connection.Send(frameBytes); err != nil {
			glog.V(1).Infof("[sp]broadcast drop %s = %s\n", connection.Id(), err)
		}
	}
}

func (self *SessionPool) SendToClient(clientId Id, frameBytes []byte) error {
	self.stateLock.Lock()
	s, ok := self.sessions[clientId]
	self.stateLock.Unlock()

	if !ok {
		return ErrConnectionNotReady
	}
	return s.connection.Send(frameBytes)
}

// Forward is the dispatcher's server-side forward function: an accepted
// inbound frame goes to every other session.
func (self *SessionPool) Forward(fromClientId Id, frameBytes []byte) {
	self.Broadcast(frameBytes, fromClientId)
}

// PipelineSend adapts the pool to the optimization pipeline's exit point.
// a nil observer set broadcasts; otherwise the message goes to the listed
// observers only.
func (self *SessionPool) PipelineSend() SendFunction {
	return func(update *SyncUpdate, observerIds []Id) error {
		frameBytes, err := EncodeFrame(update)
		if err != nil {
			return err
		}
		if observerIds == nil {
			self.Broadcast(frameBytes, Id{})
			return nil
		}
		for _, observerId := range observerIds {
			if err := self.SendToClient(observerId, frameBytes); err != nil {
				glog.V(1).Infof("[sp]send drop %s = %s\n", observerId, err)
			}
		}
		return nil
	}
}

func (self *SessionPool) Close() {
	self.stateLock.Lock()
	connections := []*Connection{}
	for _, s := range self.sessions {
		connections = append(connections, s.connection)
	}
	self.sessions = map[Id]*session{}
	self.stateLock.Unlock()

	for _, connection := range connections {
		connection.Close()
	}
	self.cancel()
}

// ClientSession is the client side of the session layer: one reconnecting
// connection with the inbound path routed to the dispatcher.
type ClientSession struct {
	connection *Connection
	dispatcher *Dispatcher
}

func NewClientSession(
	ctx context.Context,
	url string,
	token string,
	dispatcher *Dispatcher,
	monitor *Monitor,
	settings *ConnectionSettings,
) *ClientSession {
	clientSession := &ClientSession{
		dispatcher: dispatcher,
	}
	receive := func(frameBytes []byte) {
		// all server frames are trusted
		if err := dispatcher.HandleFrame(ServerId, frameBytes); err != nil {
			glog.V(1).Infof("[sp]drop server<- = %s\n", err)
		}
	}
	clientSession.connection = NewClientConnection(ctx, url, token, receive, monitor, settings)
	return clientSession
}

func (self *ClientSession) Connection() *Connection {
	return self.connection
}

func (self *ClientSession) Send(message any) error {
	frameBytes, err := EncodeFrame(message)
	if err != nil {
		return err
	}
	return self.connection.Send(frameBytes)
}

// PipelineSend adapts the client session to the pipeline's exit point.
// the observer set is ignored; the only peer is the server.
func (self *ClientSession) PipelineSend() SendFunction {
	return func(update *SyncUpdate, observerIds []Id) error {
		return self.Send(update)
	}
}

func (self *ClientSession) Close() {
	self.connection.Close()
}
