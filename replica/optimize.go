package replica

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

type Position struct {
	X float64
	Y float64
	Z float64
}

func (self Position) DistanceTo(b Position) float64 {
	dx := self.X - b.X
	dy := self.Y - b.Y
	dz := self.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

type PipelineStats struct {
	Sent    uint64
	Blocked uint64
	Culled  uint64
	Merged  uint64
}

// the pipeline exit point. a nil observer set means broadcast.
type SendFunction func(update *SyncUpdate, observerIds []Id) error

type PipelineSettings struct {
	// per-identity outbound cap. zero disables rate limiting.
	MaxMessagesPerSecond int
	// observers farther than this from the subject are culled.
	// zero disables culling.
	CullingDistance float64
	// coalescing window for messages to the same (identity, component).
	// zero disables merging.
	MergeWindow time.Duration
	// bound on the per-identity limiter cache
	LimiterCacheSize int
	Clock            clockwork.Clock
}

func DefaultPipelineSettings() *PipelineSettings {
	return &PipelineSettings{
		MaxMessagesPerSecond: 30,
		CullingDistance:      0,
		MergeWindow:          16 * time.Millisecond,
		LimiterCacheSize:     1024,
		Clock:                clockwork.NewRealClock(),
	}
}

type mergeBuffer struct {
	update      *SyncUpdate
	observerIds []Id
	timer       clockwork.Timer
}

// Pipeline transforms the candidate outbound message set:
// rate limiter, then distance culler, then message merger.
type Pipeline struct {
	settings *PipelineSettings
	send     SendFunction

	limiters *lru.Cache[Id, *rate.Limiter]

	stateLock         sync.Mutex
	positions         map[Id]Position
	observerPositions map[Id]Position
	mergeBuffers      map[changeKey]*mergeBuffer
	stats             PipelineStats
}

func NewPipelineWithDefaults(send SendFunction) *Pipeline {
	return NewPipeline(send, DefaultPipelineSettings())
}

func NewPipeline(send SendFunction, settings *PipelineSettings) *Pipeline {
	limiters, err := lru.New[Id, *rate.Limiter](max(settings.LimiterCacheSize, 1))
	if err != nil {
		panic(err)
	}
	return &Pipeline{
		settings:          settings,
		send:              send,
		limiters:          limiters,
		positions:         map[Id]Position{},
		observerPositions: map[Id]Position{},
		mergeBuffers:      map[changeKey]*mergeBuffer{},
	}
}

// UpdatePosition records the last reported position of a replicated subject.
func (self *Pipeline) UpdatePosition(identityId Id, position Position) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.positions[identityId] = position
}

// UpdateObserverPosition records the last reported position of an observer.
func (self *Pipeline) UpdateObserverPosition(observerId Id, position Position) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.observerPositions[observerId] = position
}

// Submit runs one candidate message through the pipeline stages.
// a dropped message is not an error.
func (self *Pipeline) Submit(update *SyncUpdate, observerIds []Id) error {
	identityId, err := IdFromBytes(update.IdentityId)
	if err != nil {
		return err
	}

	if 0 < self.settings.MaxMessagesPerSecond {
		limiter, ok := self.limiters.Get(identityId)
		if !ok {
			limiter = rate.NewLimiter(
				rate.Limit(self.settings.MaxMessagesPerSecond),
				self.settings.MaxMessagesPerSecond,
			)
			self.limiters.Add(identityId, limiter)
		}
		if !limiter.AllowN(self.settings.Clock.Now(), 1) {
			self.stateLock.Lock()
			self.stats.Blocked += 1
			self.stateLock.Unlock()
			glog.V(1).Infof("[o]blocked %s/%s\n", identityId, update.ComponentType)
			return nil
		}
	}

	if 0 < self.settings.CullingDistance && observerIds != nil {
		observerIds = self.cullObservers(identityId, observerIds)
		if len(observerIds) == 0 {
			glog.V(2).Infof("[o]culled all observers %s/%s\n", identityId, update.ComponentType)
			return nil
		}
	}

	self.stateLock.Lock()
	mergeWindow := self.settings.MergeWindow
	self.stateLock.Unlock()
	if mergeWindow <= 0 {
		return self.sendNow(update, observerIds)
	}
	self.merge(identityId, update, observerIds)
	return nil
}

func (self *Pipeline) cullObservers(identityId Id, observerIds []Id) []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subjectPosition, ok := self.positions[identityId]
	if !ok {
		return observerIds
	}

	keptIds := []Id{}
	for _, observerId := range observerIds {
		observerPosition, ok := self.observerPositions[observerId]
		if !ok {
			// an observer without a known position is never culled
			keptIds = append(keptIds, observerId)
			continue
		}
		if subjectPosition.DistanceTo(observerPosition) <= self.settings.CullingDistance {
			keptIds = append(keptIds, observerId)
		} else {
			self.stats.Culled += 1
		}
	}
	return keptIds
}

func (self *Pipeline) merge(identityId Id, update *SyncUpdate, observerIds []Id) {
	key := changeKey{identityId: identityId, componentType: update.ComponentType}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	buffer, ok := self.mergeBuffers[key]
	if !ok {
		buffer = &mergeBuffer{
			update:      update,
			observerIds: observerIds,
		}
		buffer.timer = self.settings.Clock.AfterFunc(self.settings.MergeWindow, func() {
			self.flushKey(key)
		})
		self.mergeBuffers[key] = buffer
		return
	}

	// last-write-wins per field, latest sequence kept
	for _, fieldUpdate := range update.FieldUpdates {
		i := slices.IndexFunc(buffer.update.FieldUpdates, func(existing *FieldUpdate) bool {
			return existing.FieldId == fieldUpdate.FieldId
		})
		if 0 <= i {
			buffer.update.FieldUpdates[i] = fieldUpdate
		} else {
			buffer.update.FieldUpdates = append(buffer.update.FieldUpdates, fieldUpdate)
		}
	}
	if buffer.update.Sequence < update.Sequence {
		buffer.update.Sequence = update.Sequence
	}
	buffer.update.IsFullSync = buffer.update.IsFullSync || update.IsFullSync
	buffer.observerIds = observerIds
	self.stats.Merged += 1
	glog.V(2).Infof("[o]merge %s/%s seq=%d\n", identityId, update.ComponentType, buffer.update.Sequence)
}

func (self *Pipeline) flushKey(key changeKey) {
	self.stateLock.Lock()
	buffer, ok := self.mergeBuffers[key]
	if ok {
		delete(self.mergeBuffers, key)
	}
	self.stateLock.Unlock()

	if !ok {
		return
	}
	if err := self.sendNow(buffer.update, buffer.observerIds); err != nil {
		glog.Infof("[o]send error %s/%s = %s\n", key.identityId, key.componentType, err)
	}
}

func (self *Pipeline) sendNow(update *SyncUpdate, observerIds []Id) error {
	err := self.send(update, observerIds)
	if err != nil {
		return err
	}
	self.stateLock.Lock()
	self.stats.Sent += 1
	self.stateLock.Unlock()
	return nil
}

// Flush sends all buffered merge windows immediately.
func (self *Pipeline) Flush() {
	self.stateLock.Lock()
	keys := []changeKey{}
	for key, buffer := range self.mergeBuffers {
		buffer.timer.Stop()
		keys = append(keys, key)
	}
	self.stateLock.Unlock()

	for _, key := range keys {
		self.flushKey(key)
	}
}

// Discard drops all buffered merge windows without sending.
func (self *Pipeline) Discard() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for key, buffer := range self.mergeBuffers {
		buffer.timer.Stop()
		delete(self.mergeBuffers, key)
	}
}

func (self *Pipeline) Stats() PipelineStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.stats
}

// SetMergeWindow retunes the merge window for subsequent buffers.
func (self *Pipeline) SetMergeWindow(mergeWindow time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.settings.MergeWindow = mergeWindow
}
