package replica

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/jonboulle/clockwork"
)

// Identity binds one logical object to its replication state.
// all fields are owned by the registry and must only be read or mutated
// through registry methods.
type Identity struct {
	Id           Id
	HasAuthority bool
	// zero id means unowned
	OwnerId      Id
	Active       bool
	CreatedAt    time.Time
	LastSyncTime time.Time
	syncSequence uint64
}

type RegistrySettings struct {
	// how long a cleared-ownership identity survives before it is swept.
	// zero keeps orphans forever.
	OrphanTimeout time.Duration
	Clock         clockwork.Clock
}

func DefaultRegistrySettings() *RegistrySettings {
	return &RegistrySettings{
		OrphanTimeout: 0,
		Clock:         clockwork.NewRealClock(),
	}
}

// Registry assigns and indexes identities and their ownership state.
// an identity is present in at most one owner bucket at a time.
type Registry struct {
	// the id of this process. authority follows ownership by this id,
	// except the server which holds authority over unowned identities.
	localId  Id
	isServer bool

	settings *RegistrySettings

	stateLock        sync.Mutex
	identities       map[Id]*Identity
	ownerIdentityIds map[Id]map[Id]bool
	orphanTimes      map[Id]time.Time
}

func NewRegistryWithDefaults(localId Id, isServer bool) *Registry {
	return NewRegistry(localId, isServer, DefaultRegistrySettings())
}

func NewRegistry(localId Id, isServer bool, settings *RegistrySettings) *Registry {
	return &Registry{
		localId:          localId,
		isServer:         isServer,
		settings:         settings,
		identities:       map[Id]*Identity{},
		ownerIdentityIds: map[Id]map[Id]bool{},
		orphanTimes:      map[Id]time.Time{},
	}
}

func (self *Registry) LocalId() Id {
	return self.localId
}

func (self *Registry) Register(id Id, ownerId Id) (*Identity, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.identities[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrIdentityExists, id)
	}

	identity := &Identity{
		Id:           id,
		OwnerId:      ownerId,
		HasAuthority: self.hasLocalAuthority(ownerId),
		Active:       true,
		CreatedAt:    self.settings.Clock.Now(),
	}
	self.identities[id] = identity
	self.indexOwner(id, ownerId)
	glog.V(1).Infof("[reg]register %s owner=%s authority=%t\n", id, ownerId, identity.HasAuthority)
	return identity, nil
}

// must be called inside the state lock
func (self *Registry) hasLocalAuthority(ownerId Id) bool {
	if ownerId == self.localId && !self.localId.IsZero() {
		return true
	}
	// the server is authoritative for unowned identities
	return self.isServer && ownerId.IsZero()
}

// must be called inside the state lock
func (self *Registry) indexOwner(id Id, ownerId Id) {
	if ownerId.IsZero() {
		return
	}
	ids, ok := self.ownerIdentityIds[ownerId]
	if !ok {
		ids = map[Id]bool{}
		self.ownerIdentityIds[ownerId] = ids
	}
	ids[id] = true
}

// must be called inside the state lock
func (self *Registry) unindexOwner(id Id, ownerId Id) {
	if ownerId.IsZero() {
		return
	}
	if ids, ok := self.ownerIdentityIds[ownerId]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(self.ownerIdentityIds, ownerId)
		}
	}
}

func (self *Registry) Unregister(id Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	identity, ok := self.identities[id]
	if !ok {
		return
	}
	self.unindexOwner(id, identity.OwnerId)
	delete(self.identities, id)
	delete(self.orphanTimes, id)
	glog.V(1).Infof("[reg]unregister %s\n", id)
}

func (self *Registry) Find(id Id) (Identity, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	identity, ok := self.identities[id]
	if !ok {
		return Identity{}, false
	}
	return *identity, true
}

// TransferOwnership atomically moves the identity between owner buckets and
// recomputes the local authority flag.
func (self *Registry) TransferOwnership(id Id, newOwnerId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	identity, ok := self.identities[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIdentityNotFound, id)
	}

	self.unindexOwner(id, identity.OwnerId)
	identity.OwnerId = newOwnerId
	identity.HasAuthority = self.hasLocalAuthority(newOwnerId)
	self.indexOwner(id, newOwnerId)
	delete(self.orphanTimes, id)
	glog.V(1).Infof("[reg]transfer %s owner=%s authority=%t\n", id, newOwnerId, identity.HasAuthority)
	return nil
}

// ClearOwner clears ownership of every identity owned by `ownerId`.
// the identities survive as unowned. see RegistrySettings.OrphanTimeout.
func (self *Registry) ClearOwner(ownerId Id) []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ids, ok := self.ownerIdentityIds[ownerId]
	if !ok {
		return nil
	}

	now := self.settings.Clock.Now()
	clearedIds := []Id{}
	for id := range ids {
		identity := self.identities[id]
		identity.OwnerId = Id{}
		identity.HasAuthority = self.hasLocalAuthority(Id{})
		self.orphanTimes[id] = now
		clearedIds = append(clearedIds, id)
	}
	delete(self.ownerIdentityIds, ownerId)
	glog.Infof("[reg]owner %s disconnected, orphaned %d identities\n", ownerId, len(clearedIds))
	return clearedIds
}

// SweepOrphans unregisters identities whose ownership was cleared longer than
// `OrphanTimeout` ago. no-op when the timeout is zero.
func (self *Registry) SweepOrphans() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.settings.OrphanTimeout == 0 {
		return nil
	}

	now := self.settings.Clock.Now()
	sweptIds := []Id{}
	for id, orphanTime := range self.orphanTimes {
		if now.Sub(orphanTime) < self.settings.OrphanTimeout {
			continue
		}
		identity := self.identities[id]
		self.unindexOwner(id, identity.OwnerId)
		delete(self.identities, id)
		delete(self.orphanTimes, id)
		sweptIds = append(sweptIds, id)
	}
	if 0 < len(sweptIds) {
		glog.Infof("[reg]swept %d orphaned identities\n", len(sweptIds))
	}
	return sweptIds
}

func (self *Registry) ListActive() []Identity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	identities := []Identity{}
	for _, identity := range self.identities {
		if identity.Active {
			identities = append(identities, *identity)
		}
	}
	// creation order for deterministic iteration
	slices.SortFunc(identities, func(a Identity, b Identity) int {
		if a.Id.LessThan(b.Id) {
			return -1
		} else if b.Id.LessThan(a.Id) {
			return 1
		}
		return 0
	})
	return identities
}

func (self *Registry) ListAuthoritative() []Identity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	identities := []Identity{}
	for _, identity := range self.identities {
		if identity.Active && identity.HasAuthority {
			identities = append(identities, *identity)
		}
	}
	slices.SortFunc(identities, func(a Identity, b Identity) int {
		if a.Id.LessThan(b.Id) {
			return -1
		} else if b.Id.LessThan(a.Id) {
			return 1
		}
		return 0
	})
	return identities
}

// NextSequence returns the next outbound sync sequence for the identity.
// sequences are strictly increasing per identity for the process lifetime.
func (self *Registry) NextSequence(id Id) (uint64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	identity, ok := self.identities[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrIdentityNotFound, id)
	}
	identity.syncSequence += 1
	return identity.syncSequence, nil
}

// ObserveSequence advances the identity's sequence counter to at least
// `sequence`. applied inbound sequences keep the counter continuous when
// origination moves to this process, so a new originator never restarts the
// identity's sequence domain below what observers have already applied.
func (self *Registry) ObserveSequence(id Id, sequence uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if identity, ok := self.identities[id]; ok {
		if identity.syncSequence < sequence {
			identity.syncSequence = sequence
		}
	}
}

func (self *Registry) MarkSynced(id Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if identity, ok := self.identities[id]; ok {
		identity.LastSyncTime = self.settings.Clock.Now()
	}
}

func (self *Registry) SetActive(id Id, active bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if identity, ok := self.identities[id]; ok {
		identity.Active = active
	}
}
