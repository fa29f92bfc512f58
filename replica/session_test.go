package replica

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testPeer struct {
	registry   *Registry
	provider   *MapProvider
	tracker    *ChangeTracker
	dispatcher *Dispatcher
}

func newTestPeer(localId Id, isServer bool, forward ForwardFunction) *testPeer {
	schema := NewSchema(
		RequireNewFieldTable(
			"status",
			&FieldDescriptor{FieldId: 1, Name: "flag", AuthorityOnly: true},
			&FieldDescriptor{FieldId: 3, Name: "label"},
		),
	)
	provider := NewMapProvider()
	registry := NewRegistryWithDefaults(localId, isServer)
	tracker := NewChangeTrackerWithDefaults(registry, schema, provider)
	dispatcher := NewDispatcher(
		registry,
		tracker,
		provider,
		schema,
		!isServer,
		forward,
		DefaultDispatcherSettings(),
	)
	return &testPeer{
		registry:   registry,
		provider:   provider,
		tracker:    tracker,
		dispatcher: dispatcher,
	}
}

func newTestPool(ctx context.Context, secret []byte) (*SessionPool, *testPeer, *httptest.Server) {
	var pool *SessionPool
	server := newTestPeer(ServerId, true, func(fromClientId Id, frameBytes []byte) {
		pool.Forward(fromClientId, frameBytes)
	})
	pool = NewSessionPool(ctx, server.dispatcher, server.registry, nil, DefaultSessionPoolSettings(secret))

	mux := http.NewServeMux()
	mux.HandleFunc("/", pool.HandleUpgrade)
	httpServer := httptest.NewServer(mux)
	return pool, server, httpServer
}

func wsUrl(httpServer *httptest.Server) string {
	return "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func TestSessionEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := []byte("test-secret")
	pool, server, httpServer := newTestPool(ctx, secret)
	defer httpServer.Close()
	defer pool.Close()

	clientId := NewId()
	token, err := MintClientToken(secret, clientId, "test client", 1*time.Minute)
	assert.Equal(t, err, nil)

	client := newTestPeer(clientId, false, nil)
	clientSession := NewClientSession(
		ctx,
		wsUrl(httpServer),
		token,
		client.dispatcher,
		nil,
		DefaultConnectionSettings(),
	)
	defer clientSession.Close()

	waitFor(t, waitForTimeout, func() bool {
		return pool.SessionCount() == 1
	})
	waitFor(t, waitForTimeout, func() bool {
		return clientSession.Connection().State() == ConnectionStateConnected
	})
	assert.Equal(t, pool.ObserverIds(), []Id{clientId})

	// the client announces an object it owns
	identityId := NewId()
	client.provider.AddComponent(identityId, "status")
	client.registry.Register(identityId, clientId)
	err = clientSession.Send(&ObjectSpawn{
		IdentityId:     identityId.Bytes(),
		OwnerId:        clientId.Bytes(),
		ComponentTypes: []string{"status"},
	})
	assert.Equal(t, err, nil)

	waitFor(t, waitForTimeout, func() bool {
		_, ok := server.registry.Find(identityId)
		return ok
	})
	identity, _ := server.registry.Find(identityId)
	assert.Equal(t, identity.OwnerId, clientId)
	assert.Equal(t, server.provider.FindComponents(identityId), []string{"status"})

	// client to server field sync
	err = clientSession.Send(&SyncUpdate{
		IdentityId:    identityId.Bytes(),
		ComponentType: "status",
		FieldUpdates: []*FieldUpdate{
			{FieldId: 3, Value: "hello", Timestamp: uint64(time.Now().UnixMilli())},
		},
		SenderId: clientId.Bytes(),
		Sequence: 1,
	})
	assert.Equal(t, err, nil)

	waitFor(t, waitForTimeout, func() bool {
		value, ok := server.provider.GetField(identityId, "status", 3)
		return ok && value == "hello"
	})

	// server to client broadcast
	pool.Broadcast(RequireEncodeFrame(&SyncUpdate{
		IdentityId:    identityId.Bytes(),
		ComponentType: "status",
		FieldUpdates: []*FieldUpdate{
			{FieldId: 3, Value: "from server", Timestamp: uint64(time.Now().UnixMilli())},
		},
		SenderId: ServerId.Bytes(),
		Sequence: 2,
	}), Id{})

	waitFor(t, waitForTimeout, func() bool {
		value, ok := client.provider.GetField(identityId, "status", 3)
		return ok && value == "from server"
	})

	// the client's identities survive a disconnect as unowned
	clientSession.Close()
	waitFor(t, waitForTimeout, func() bool {
		return pool.SessionCount() == 0
	})
	waitFor(t, waitForTimeout, func() bool {
		identity, ok := server.registry.Find(identityId)
		return ok && identity.OwnerId.IsZero()
	})
}

// a disconnect notice from the server ends the client connection for good,
// with no reconnect attempts
func TestSessionDisconnectNotice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := []byte("test-secret")
	pool, _, httpServer := newTestPool(ctx, secret)
	defer httpServer.Close()
	defer pool.Close()

	clientId := NewId()
	token, err := MintClientToken(secret, clientId, "test client", 1*time.Minute)
	assert.Equal(t, err, nil)

	recorder := &eventRecorder{}
	client := newTestPeer(clientId, false, nil)
	clientSession := NewClientSession(
		ctx,
		wsUrl(httpServer),
		token,
		client.dispatcher,
		nil,
		DefaultConnectionSettings(),
	)
	defer clientSession.Close()
	clientSession.Connection().AddEventCallback(recorder.record)

	waitFor(t, waitForTimeout, func() bool {
		return pool.SessionCount() == 1
	})
	waitFor(t, waitForTimeout, func() bool {
		return clientSession.Connection().State() == ConnectionStateConnected
	})

	err = pool.SendToClient(clientId, RequireEncodeFrame(&Disconnect{Reason: "shutdown"}))
	assert.Equal(t, err, nil)

	select {
	case <-clientSession.Connection().Done():
	case <-time.After(waitForTimeout):
		t.Fatal("disconnect notice did not end the connection")
	}
	assert.Equal(t, recorder.count(ConnectionEventReconnecting), 0)
	waitFor(t, waitForTimeout, func() bool {
		return recorder.count(ConnectionEventDisconnected) == 1
	})
	// the server side notices the closed socket and removes the session
	waitFor(t, waitForTimeout, func() bool {
		return pool.SessionCount() == 0
	})
}

func TestSessionRejectsBadToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, _, httpServer := newTestPool(ctx, []byte("server-secret"))
	defer httpServer.Close()
	defer pool.Close()

	clientId := NewId()
	token, err := MintClientToken([]byte("wrong-secret"), clientId, "test client", 1*time.Minute)
	assert.Equal(t, err, nil)

	settings := DefaultConnectionSettings()
	settings.ReconnectBaseDelay = 10 * time.Millisecond
	settings.MaxReconnectAttempts = 0

	recorder := &eventRecorder{}
	client := newTestPeer(clientId, false, nil)
	clientSession := NewClientSession(
		ctx,
		wsUrl(httpServer),
		token,
		client.dispatcher,
		nil,
		settings,
	)
	defer clientSession.Close()
	clientSession.Connection().AddEventCallback(recorder.record)

	select {
	case <-clientSession.Connection().Done():
	case <-time.After(waitForTimeout):
		t.Fatal("handshake rejection did not end the connection")
	}
	assert.Equal(t, pool.SessionCount(), 0)
	assert.Equal(t, recorder.count(ConnectionEventConnected), 0)
}
