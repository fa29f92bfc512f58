package replica

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

// optional provider capability used when spawn/destroy messages arrive
type ComponentSpawner interface {
	AddComponent(identityId Id, componentType string)
	RemoveComponents(identityId Id)
}

// forwards an accepted frame to every other session except the sender
type ForwardFunction func(fromClientId Id, frameBytes []byte)

type DispatcherSettings struct {
	DedupCacheSize int
	MaxFutureSkew  time.Duration
	MaxPastSkew    time.Duration
	Clock          clockwork.Clock
}

func DefaultDispatcherSettings() *DispatcherSettings {
	return &DispatcherSettings{
		DedupCacheSize: 4096,
		MaxFutureSkew:  5 * time.Second,
		MaxPastSkew:    60 * time.Second,
		Clock:          clockwork.NewRealClock(),
	}
}

type dedupKey struct {
	identityId    Id
	componentType string
	sequence      uint64
	timestamp     uint64
}

type DispatcherStats struct {
	Applied           uint64
	Duplicates        uint64
	Stale             uint64
	Invalid           uint64
	AuthorityRejected uint64
	Forwarded         uint64
}

// Dispatcher decodes inbound frames into typed messages, deduplicates,
// validates, applies them through the change tracker and (server side)
// forwards accepted messages to the other sessions.
type Dispatcher struct {
	registry *Registry
	tracker  *ChangeTracker
	provider ComponentProvider
	schema   *Schema

	// trust the peer's authority claims. set on clients, where the server
	// is the only peer.
	trustedPeer bool
	// nil on clients
	forward ForwardFunction

	settings *DispatcherSettings

	dedup *lru.Cache[dedupKey, bool]

	stateLock   sync.Mutex
	lastApplied map[changeKey]uint64
	stats       DispatcherStats
}

func NewDispatcherWithDefaults(
	registry *Registry,
	tracker *ChangeTracker,
	provider ComponentProvider,
	schema *Schema,
	trustedPeer bool,
	forward ForwardFunction,
) *Dispatcher {
	return NewDispatcher(registry, tracker, provider, schema, trustedPeer, forward, DefaultDispatcherSettings())
}

func NewDispatcher(
	registry *Registry,
	tracker *ChangeTracker,
	provider ComponentProvider,
	schema *Schema,
	trustedPeer bool,
	forward ForwardFunction,
	settings *DispatcherSettings,
) *Dispatcher {
	dedup, err := lru.New[dedupKey, bool](max(settings.DedupCacheSize, 1))
	if err != nil {
		panic(err)
	}
	return &Dispatcher{
		registry:    registry,
		tracker:     tracker,
		provider:    provider,
		schema:      schema,
		trustedPeer: trustedPeer,
		forward:     forward,
		settings:    settings,
		dedup:       dedup,
		lastApplied: map[changeKey]uint64{},
	}
}

// HandleFrame processes one inbound frame. errors describe why a message was
// dropped; they are logged by the caller and never halt the receive loop.
func (self *Dispatcher) HandleFrame(fromClientId Id, frameBytes []byte) error {
	frame, err := DecodeFrameEnvelope(frameBytes)
	if err != nil {
		self.countInvalid()
		return err
	}
	message, err := FromFrame(frame)
	if err != nil {
		self.countInvalid()
		return err
	}

	switch v := message.(type) {
	case *SyncUpdate:
		return self.handleSyncUpdate(fromClientId, frame, v, frameBytes)
	case *ObjectSpawn:
		return self.handleObjectSpawn(fromClientId, v, frameBytes)
	case *ObjectDestroy:
		return self.handleObjectDestroy(fromClientId, v, frameBytes)
	case *AuthorityTransfer:
		return self.handleAuthorityTransfer(fromClientId, v, frameBytes)
	default:
		// connection-level messages are handled by the connection
		glog.V(2).Infof("[d]ignored %s\n", frame.MessageType)
		return nil
	}
}

func (self *Dispatcher) countInvalid() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.stats.Invalid += 1
}

func (self *Dispatcher) handleSyncUpdate(
	fromClientId Id,
	frame *Frame,
	update *SyncUpdate,
	frameBytes []byte,
) error {
	identityId, err := IdFromBytes(update.IdentityId)
	if err != nil {
		self.countInvalid()
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	key := dedupKey{
		identityId:    identityId,
		componentType: update.ComponentType,
		sequence:      update.Sequence,
		timestamp:     frame.Timestamp,
	}
	if _, ok := self.dedup.Get(key); ok {
		self.stateLock.Lock()
		self.stats.Duplicates += 1
		self.stateLock.Unlock()
		glog.V(1).Infof("[d]duplicate %s/%s seq=%d\n", identityId, update.ComponentType, update.Sequence)
		return fmt.Errorf("%w: %s/%s seq %d", ErrDuplicate, identityId, update.ComponentType, update.Sequence)
	}
	self.dedup.Add(key, true)

	if update.ComponentType == "" || len(update.FieldUpdates) == 0 {
		self.countInvalid()
		return fmt.Errorf("%w: missing component type or field updates", ErrValidation)
	}
	now := self.settings.Clock.Now()
	messageTime := time.UnixMilli(int64(frame.Timestamp))
	if now.Add(self.settings.MaxFutureSkew).Before(messageTime) ||
		messageTime.Before(now.Add(-self.settings.MaxPastSkew)) {
		self.countInvalid()
		glog.Warningf("[d]timestamp out of range %s/%s delta=%s\n",
			identityId, update.ComponentType, messageTime.Sub(now))
		return fmt.Errorf("%w: timestamp out of range", ErrValidation)
	}

	identity, ok := self.registry.Find(identityId)
	if !ok {
		self.countInvalid()
		glog.V(1).Infof("[d]unknown identity %s\n", identityId)
		return fmt.Errorf("%w: unknown identity %s", ErrValidation, identityId)
	}

	seqKey := changeKey{identityId: identityId, componentType: update.ComponentType}
	self.stateLock.Lock()
	lastSequence := self.lastApplied[seqKey]
	self.stateLock.Unlock()
	if update.Sequence <= lastSequence {
		self.stateLock.Lock()
		self.stats.Stale += 1
		self.stateLock.Unlock()
		glog.V(1).Infof("[d]stale %s/%s seq=%d last=%d\n",
			identityId, update.ComponentType, update.Sequence, lastSequence)
		return fmt.Errorf("%w: seq %d <= %d", ErrStaleMessage, update.Sequence, lastSequence)
	}

	fieldUpdates := update.FieldUpdates
	if !self.trustedPeer && identity.OwnerId != fromClientId {
		// a non-owner may not update authority-only fields
		fieldUpdates = self.filterAuthorityOnly(identityId, update.ComponentType, fieldUpdates)
		if len(fieldUpdates) == 0 {
			return fmt.Errorf("%w: %s/%s from %s", ErrAuthority, identityId, update.ComponentType, fromClientId)
		}
	}

	self.tracker.ApplyRemote(identityId, update.ComponentType, fieldUpdates)
	// keep the local sequence domain continuous if origination later moves here
	self.registry.ObserveSequence(identityId, update.Sequence)

	self.stateLock.Lock()
	self.lastApplied[seqKey] = update.Sequence
	self.stats.Applied += 1
	self.stateLock.Unlock()
	glog.V(2).Infof("[d]applied %s/%s seq=%d fields=%d\n",
		identityId, update.ComponentType, update.Sequence, len(fieldUpdates))

	self.forwardFrame(fromClientId, frameBytes)
	return nil
}

func (self *Dispatcher) filterAuthorityOnly(
	identityId Id,
	componentType string,
	fieldUpdates []*FieldUpdate,
) []*FieldUpdate {
	table, ok := self.schema.Table(componentType)
	if !ok {
		return fieldUpdates
	}
	keptUpdates := []*FieldUpdate{}
	for _, fieldUpdate := range fieldUpdates {
		if descriptor, ok := table.Field(fieldUpdate.FieldId); ok && descriptor.AuthorityOnly {
			self.stateLock.Lock()
			self.stats.AuthorityRejected += 1
			self.stateLock.Unlock()
			glog.Infof("[d]authority rejected %s/%s field=%d\n", identityId, componentType, fieldUpdate.FieldId)
			continue
		}
		keptUpdates = append(keptUpdates, fieldUpdate)
	}
	return keptUpdates
}

func (self *Dispatcher) handleObjectSpawn(fromClientId Id, spawn *ObjectSpawn, frameBytes []byte) error {
	identityId, err := IdFromBytes(spawn.IdentityId)
	if err != nil {
		self.countInvalid()
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var ownerId Id
	if 0 < len(spawn.OwnerId) {
		ownerId, err = IdFromBytes(spawn.OwnerId)
		if err != nil {
			self.countInvalid()
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if !self.trustedPeer && !ownerId.IsZero() && ownerId != fromClientId {
		return fmt.Errorf("%w: spawn for foreign owner %s from %s", ErrAuthority, ownerId, fromClientId)
	}

	if spawner, ok := self.provider.(ComponentSpawner); ok {
		for _, componentType := range spawn.ComponentTypes {
			spawner.AddComponent(identityId, componentType)
		}
	}
	if _, err := self.registry.Register(identityId, ownerId); err != nil {
		glog.V(1).Infof("[d]spawn %s = %s\n", identityId, err)
		return nil
	}
	glog.V(1).Infof("[d]spawn %s owner=%s\n", identityId, ownerId)
	self.forwardFrame(fromClientId, frameBytes)
	return nil
}

func (self *Dispatcher) handleObjectDestroy(fromClientId Id, destroy *ObjectDestroy, frameBytes []byte) error {
	identityId, err := IdFromBytes(destroy.IdentityId)
	if err != nil {
		self.countInvalid()
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	identity, ok := self.registry.Find(identityId)
	if !ok {
		return nil
	}
	if !self.trustedPeer && !identity.OwnerId.IsZero() && identity.OwnerId != fromClientId {
		return fmt.Errorf("%w: destroy of %s from %s", ErrAuthority, identityId, fromClientId)
	}

	self.registry.Unregister(identityId)
	self.tracker.ClearPending(identityId)
	if spawner, ok := self.provider.(ComponentSpawner); ok {
		spawner.RemoveComponents(identityId)
	}
	glog.V(1).Infof("[d]destroy %s\n", identityId)
	self.forwardFrame(fromClientId, frameBytes)
	return nil
}

func (self *Dispatcher) handleAuthorityTransfer(fromClientId Id, transfer *AuthorityTransfer, frameBytes []byte) error {
	identityId, err := IdFromBytes(transfer.IdentityId)
	if err != nil {
		self.countInvalid()
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var newOwnerId Id
	if 0 < len(transfer.NewOwnerId) {
		newOwnerId, err = IdFromBytes(transfer.NewOwnerId)
		if err != nil {
			self.countInvalid()
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	identity, ok := self.registry.Find(identityId)
	if !ok {
		return fmt.Errorf("%w: unknown identity %s", ErrValidation, identityId)
	}
	if !self.trustedPeer && !identity.OwnerId.IsZero() && identity.OwnerId != fromClientId {
		return fmt.Errorf("%w: transfer of %s from %s", ErrAuthority, identityId, fromClientId)
	}

	if err := self.registry.TransferOwnership(identityId, newOwnerId); err != nil {
		return err
	}
	glog.V(1).Infof("[d]authority transfer %s -> %s\n", identityId, newOwnerId)
	self.forwardFrame(fromClientId, frameBytes)
	return nil
}

func (self *Dispatcher) forwardFrame(fromClientId Id, frameBytes []byte) {
	if self.forward == nil {
		return
	}
	self.forward(fromClientId, frameBytes)
	self.stateLock.Lock()
	self.stats.Forwarded += 1
	self.stateLock.Unlock()
}

func (self *Dispatcher) Stats() DispatcherStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.stats
}
