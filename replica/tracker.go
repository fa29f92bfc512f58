package replica

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/jonboulle/clockwork"
)

// PendingChange is one recorded field mutation waiting for the next
// scheduler batch. consumed and cleared atomically with batch construction.
type PendingChange struct {
	FieldId   uint32
	OldValue  any
	NewValue  any
	Timestamp time.Time
}

// ComponentChanges is the set of pending changes for one component,
// taken from the tracker by the scheduler.
type ComponentChanges struct {
	ComponentType string
	Changes       []*PendingChange
	FullSync      bool
}

type changeKey struct {
	identityId    Id
	componentType string
}

type TrackerStats struct {
	Recorded            uint64
	Throttled           uint64
	AuthorityViolations uint64
}

type ChangeTrackerSettings struct {
	Clock clockwork.Clock
}

func DefaultChangeTrackerSettings() *ChangeTrackerSettings {
	return &ChangeTrackerSettings{
		Clock: clockwork.NewRealClock(),
	}
}

// ChangeTracker intercepts field mutations, diffs against the current value,
// applies authority and throttle gating and records pending changes.
type ChangeTracker struct {
	registry *Registry
	schema   *Schema
	provider ComponentProvider

	settings *ChangeTrackerSettings

	stateLock    sync.Mutex
	pending      map[changeKey]map[uint32]*PendingChange
	fullSync     map[changeKey]bool
	lastAccepted map[changeKey]map[uint32]time.Time
	needsSyncIds map[Id]bool
	stats        TrackerStats
}

func NewChangeTrackerWithDefaults(registry *Registry, schema *Schema, provider ComponentProvider) *ChangeTracker {
	return NewChangeTracker(registry, schema, provider, DefaultChangeTrackerSettings())
}

func NewChangeTracker(
	registry *Registry,
	schema *Schema,
	provider ComponentProvider,
	settings *ChangeTrackerSettings,
) *ChangeTracker {
	return &ChangeTracker{
		registry:     registry,
		schema:       schema,
		provider:     provider,
		settings:     settings,
		pending:      map[changeKey]map[uint32]*PendingChange{},
		fullSync:     map[changeKey]bool{},
		lastAccepted: map[changeKey]map[uint32]time.Time{},
		needsSyncIds: map[Id]bool{},
	}
}

// Write is the single mutation path for replicated fields.
//  1. unknown fields pass through to the provider untracked
//  2. equal values are a no-op
//  3. an authority violation rejects the whole mutation
//  4. a throttled change updates the local value but is not queued
//  5. otherwise the change is recorded and the change hook fires
func (self *ChangeTracker) Write(identityId Id, componentType string, fieldId uint32, value any) error {
	identity, ok := self.registry.Find(identityId)
	if !ok {
		// writing to an unregistered identity is a no-op
		glog.V(1).Infof("[tr]write to unregistered identity %s\n", identityId)
		return nil
	}

	table, ok := self.schema.Table(componentType)
	if !ok {
		self.provider.SetField(identityId, componentType, fieldId, value)
		return nil
	}
	descriptor, ok := table.Field(fieldId)
	if !ok {
		self.provider.SetField(identityId, componentType, fieldId, value)
		return nil
	}

	oldValue, _ := self.provider.GetField(identityId, componentType, fieldId)
	if valuesEqual(oldValue, value) {
		return nil
	}

	if descriptor.AuthorityOnly && !identity.HasAuthority {
		// reject the whole mutation to avoid silent divergence
		self.stateLock.Lock()
		self.stats.AuthorityViolations += 1
		self.stateLock.Unlock()
		glog.Infof("[tr]authority violation %s/%s field=%d\n", identityId, componentType, fieldId)
		return fmt.Errorf("%w: %s/%s field %d", ErrAuthority, identityId, componentType, fieldId)
	}

	now := self.settings.Clock.Now()
	key := changeKey{identityId: identityId, componentType: componentType}

	self.stateLock.Lock()
	if 0 < descriptor.ThrottleInterval {
		if lastTime, ok := self.lastAccepted[key][fieldId]; ok {
			if now.Sub(lastTime) < descriptor.ThrottleInterval {
				// local value still updates, the change is not queued
				self.stats.Throttled += 1
				self.stateLock.Unlock()
				self.provider.SetField(identityId, componentType, fieldId, value)
				glog.V(2).Infof("[tr]throttled %s/%s field=%d\n", identityId, componentType, fieldId)
				return nil
			}
		}
	}

	changes, ok := self.pending[key]
	if !ok {
		changes = map[uint32]*PendingChange{}
		self.pending[key] = changes
	}
	if change, ok := changes[fieldId]; ok {
		// coalesce with the earlier unsent change, keeping the original old value
		change.NewValue = value
		change.Timestamp = now
	} else {
		changes[fieldId] = &PendingChange{
			FieldId:   fieldId,
			OldValue:  oldValue,
			NewValue:  value,
			Timestamp: now,
		}
	}
	accepted, ok := self.lastAccepted[key]
	if !ok {
		accepted = map[uint32]time.Time{}
		self.lastAccepted[key] = accepted
	}
	accepted[fieldId] = now
	self.needsSyncIds[identityId] = true
	self.stats.Recorded += 1
	self.stateLock.Unlock()

	self.provider.SetField(identityId, componentType, fieldId, value)
	if descriptor.OnChange != nil {
		descriptor.OnChange(oldValue, value)
	}
	glog.V(2).Infof("[tr]record %s/%s field=%d\n", identityId, componentType, fieldId)
	return nil
}

// ApplyRemote applies accepted inbound field updates by setting fields
// directly and firing hooks, without queuing outbound changes. this is the
// echo-loop break between the dispatcher and the tracker.
func (self *ChangeTracker) ApplyRemote(identityId Id, componentType string, updates []*FieldUpdate) {
	table, _ := self.schema.Table(componentType)
	for _, update := range updates {
		oldValue, _ := self.provider.GetField(identityId, componentType, update.FieldId)
		if !self.provider.SetField(identityId, componentType, update.FieldId, update.Value) {
			glog.V(1).Infof("[tr]apply miss %s/%s field=%d\n", identityId, componentType, update.FieldId)
			continue
		}
		if table != nil {
			if descriptor, ok := table.Field(update.FieldId); ok && descriptor.OnChange != nil {
				descriptor.OnChange(oldValue, update.Value)
			}
		}
	}
}

// Snapshot reads the current value of every registered field of the identity,
// keyed by component type. pending state is not touched.
func (self *ChangeTracker) Snapshot(identityId Id) map[string][]*FieldUpdate {
	now := self.settings.Clock.Now()
	snapshot := map[string][]*FieldUpdate{}
	for _, componentType := range self.provider.FindComponents(identityId) {
		table, ok := self.schema.Table(componentType)
		if !ok {
			continue
		}
		fieldUpdates := []*FieldUpdate{}
		for _, fieldId := range table.FieldIds() {
			value, ok := self.provider.GetField(identityId, componentType, fieldId)
			if !ok {
				continue
			}
			fieldUpdates = append(fieldUpdates, &FieldUpdate{
				FieldId:   fieldId,
				Value:     value,
				Timestamp: uint64(now.UnixMilli()),
			})
		}
		if 0 < len(fieldUpdates) {
			snapshot[componentType] = fieldUpdates
		}
	}
	return snapshot
}

// MarkFullSync queues the current value of every registered field of the
// identity, regardless of equality. used after spawn and resync.
func (self *ChangeTracker) MarkFullSync(identityId Id) {
	now := self.settings.Clock.Now()
	for _, componentType := range self.provider.FindComponents(identityId) {
		table, ok := self.schema.Table(componentType)
		if !ok {
			continue
		}
		key := changeKey{identityId: identityId, componentType: componentType}

		self.stateLock.Lock()
		changes, ok := self.pending[key]
		if !ok {
			changes = map[uint32]*PendingChange{}
			self.pending[key] = changes
		}
		for _, fieldId := range table.FieldIds() {
			value, _ := self.provider.GetField(identityId, componentType, fieldId)
			changes[fieldId] = &PendingChange{
				FieldId:   fieldId,
				OldValue:  value,
				NewValue:  value,
				Timestamp: now,
			}
		}
		self.fullSync[key] = true
		self.needsSyncIds[identityId] = true
		self.stateLock.Unlock()
	}
}

// Collect atomically takes and clears all pending changes for the identity.
// a pending change is never taken twice.
func (self *ChangeTracker) Collect(identityId Id) []*ComponentChanges {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	componentChanges := []*ComponentChanges{}
	for key, changes := range self.pending {
		if key.identityId != identityId || len(changes) == 0 {
			continue
		}
		ordered := []*PendingChange{}
		for _, change := range changes {
			ordered = append(ordered, change)
		}
		slices.SortFunc(ordered, func(a *PendingChange, b *PendingChange) int {
			return int(a.FieldId) - int(b.FieldId)
		})
		componentChanges = append(componentChanges, &ComponentChanges{
			ComponentType: key.componentType,
			Changes:       ordered,
			FullSync:      self.fullSync[key],
		})
		delete(self.pending, key)
		delete(self.fullSync, key)
	}
	delete(self.needsSyncIds, identityId)
	slices.SortFunc(componentChanges, func(a *ComponentChanges, b *ComponentChanges) int {
		if a.ComponentType < b.ComponentType {
			return -1
		} else if b.ComponentType < a.ComponentType {
			return 1
		}
		return 0
	})
	return componentChanges
}

func (self *ChangeTracker) NeedsSync(identityId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.needsSyncIds[identityId]
}

func (self *ChangeTracker) PendingCount(identityId Id) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for key, changes := range self.pending {
		if key.identityId == identityId {
			count += len(changes)
		}
	}
	return count
}

// ClearPending drops all pending state for the identity. called on despawn.
func (self *ChangeTracker) ClearPending(identityId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for key := range self.pending {
		if key.identityId == identityId {
			delete(self.pending, key)
			delete(self.fullSync, key)
			delete(self.lastAccepted, key)
		}
	}
	delete(self.needsSyncIds, identityId)
}

func (self *ChangeTracker) Stats() TrackerStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.stats
}

// deep equality for structured values, `==` for comparable scalars
func valuesEqual(a any, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta := reflect.TypeOf(a)
	tb := reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
