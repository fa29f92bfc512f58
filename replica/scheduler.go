package replica

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/jonboulle/clockwork"
)

type SchedulerSettings struct {
	SyncInterval time.Duration
	// floor to avoid runaway tick loops
	MinSyncInterval    time.Duration
	MaxObjectsPerFrame int
	MaxBatchSize       int
	PrioritySort       bool
	AuthorityBonus     float64
	// how often the congestion monitor is consulted for retuning
	RetuneInterval time.Duration
	Clock          clockwork.Clock
}

func DefaultSchedulerSettings() *SchedulerSettings {
	return &SchedulerSettings{
		SyncInterval:       50 * time.Millisecond,
		MinSyncInterval:    16 * time.Millisecond,
		MaxObjectsPerFrame: 64,
		MaxBatchSize:       20,
		PrioritySort:       true,
		AuthorityBonus:     10,
		RetuneInterval:     1 * time.Second,
		Clock:              clockwork.NewRealClock(),
	}
}

type SchedulerStats struct {
	Ticks         uint64
	MessagesBuilt uint64
	SendErrors    uint64
}

// supplies the current observer set for outbound messages. nil means broadcast.
type ObserverFunction func() []Id

// Scheduler periodically pulls pending changes across all active identities,
// prioritizes, batches and hands the messages to the optimization pipeline.
// capacity is bounded per tick; lower-priority identities defer to the next
// tick rather than queuing without bound.
type Scheduler struct {
	registry *Registry
	tracker  *ChangeTracker
	pipeline *Pipeline
	// advisory. may be nil.
	monitor   *Monitor
	observers ObserverFunction

	settings *SchedulerSettings

	stateLock    sync.Mutex
	running      bool
	cancel       context.CancelFunc
	syncInterval time.Duration
	batchSize    int
	stats        SchedulerStats
}

func NewSchedulerWithDefaults(
	registry *Registry,
	tracker *ChangeTracker,
	pipeline *Pipeline,
) *Scheduler {
	return NewScheduler(registry, tracker, pipeline, nil, nil, DefaultSchedulerSettings())
}

func NewScheduler(
	registry *Registry,
	tracker *ChangeTracker,
	pipeline *Pipeline,
	monitor *Monitor,
	observers ObserverFunction,
	settings *SchedulerSettings,
) *Scheduler {
	return &Scheduler{
		registry:     registry,
		tracker:      tracker,
		pipeline:     pipeline,
		monitor:      monitor,
		observers:    observers,
		settings:     settings,
		syncInterval: max(settings.SyncInterval, settings.MinSyncInterval),
		batchSize:    settings.MaxBatchSize,
	}
}

func (self *Scheduler) Start(ctx context.Context) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	self.running = true
	self.cancel = cancel
	go self.run(runCtx)
	glog.V(1).Infof("[s]start interval=%s\n", self.syncInterval)
}

// Stop is idempotent.
func (self *Scheduler) Stop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.running {
		return
	}
	self.cancel()
	self.cancel = nil
	self.running = false
	glog.V(1).Infof("[s]stop\n")
}

func (self *Scheduler) run(ctx context.Context) {
	self.stateLock.Lock()
	syncInterval := self.syncInterval
	self.stateLock.Unlock()

	ticker := self.settings.Clock.NewTicker(syncInterval)
	defer ticker.Stop()

	lastRetuneTime := self.settings.Clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			self.Tick()
		}

		if self.monitor != nil && self.settings.RetuneInterval <= self.settings.Clock.Now().Sub(lastRetuneTime) {
			lastRetuneTime = self.settings.Clock.Now()
			if nextInterval := self.retune(); nextInterval != syncInterval {
				syncInterval = nextInterval
				ticker.Reset(syncInterval)
			}
		}
	}
}

// retune adopts the monitor's advisory strategy. the monitor never mutates
// scheduler state directly.
func (self *Scheduler) retune() time.Duration {
	strategy := self.monitor.SuggestStrategy()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.syncInterval = max(strategy.SyncInterval, self.settings.MinSyncInterval)
	if 0 < strategy.BatchSize {
		self.batchSize = strategy.BatchSize
	}
	glog.V(1).Infof("[s]retune interval=%s batch=%d\n", self.syncInterval, self.batchSize)
	return self.syncInterval
}

type syncCandidate struct {
	identity Identity
	priority float64

	heapIndex int
}

// ordered by priority descending, identity creation order on ties
type syncCandidateHeap struct {
	orderedItems []*syncCandidate
}

func newSyncCandidateHeap() *syncCandidateHeap {
	h := &syncCandidateHeap{
		orderedItems: []*syncCandidate{},
	}
	heap.Init(h)
	return h
}

func (self *syncCandidateHeap) Add(candidate *syncCandidate) {
	heap.Push(self, candidate)
}

func (self *syncCandidateHeap) RemoveFirst() *syncCandidate {
	if len(self.orderedItems) == 0 {
		return nil
	}
	return heap.Remove(self, 0).(*syncCandidate)
}

// `heap.Interface`

func (self *syncCandidateHeap) Len() int {
	return len(self.orderedItems)
}

func (self *syncCandidateHeap) Less(i int, j int) bool {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	if a.priority != b.priority {
		return b.priority < a.priority
	}
	return a.identity.Id.LessThan(b.identity.Id)
}

func (self *syncCandidateHeap) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}

func (self *syncCandidateHeap) Push(x any) {
	candidate := x.(*syncCandidate)
	candidate.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, candidate)
}

func (self *syncCandidateHeap) Pop() any {
	n := len(self.orderedItems)
	candidate := self.orderedItems[n-1]
	self.orderedItems[n-1] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return candidate
}

// Tick runs one scheduling pass. exported so tests and integrations can
// drive the scheduler without the timer.
func (self *Scheduler) Tick() {
	now := self.settings.Clock.Now()

	self.stateLock.Lock()
	self.stats.Ticks += 1
	batchSize := self.batchSize
	self.stateLock.Unlock()

	candidates := self.selectCandidates(now)
	if len(candidates) == 0 {
		self.registry.SweepOrphans()
		return
	}

	var observerIds []Id
	if self.observers != nil {
		observerIds = self.observers()
	}

	messages := []*SyncUpdate{}
	for _, candidate := range candidates {
		identityId := candidate.identity.Id
		for _, componentChanges := range self.tracker.Collect(identityId) {
			sequence, err := self.registry.NextSequence(identityId)
			if err != nil {
				// unregistered between selection and collect
				glog.V(1).Infof("[s]sequence error %s = %s\n", identityId, err)
				continue
			}
			fieldUpdates := []*FieldUpdate{}
			for _, change := range componentChanges.Changes {
				fieldUpdates = append(fieldUpdates, &FieldUpdate{
					FieldId:   change.FieldId,
					Value:     change.NewValue,
					Timestamp: uint64(change.Timestamp.UnixMilli()),
				})
			}
			messages = append(messages, &SyncUpdate{
				IdentityId:    identityId.Bytes(),
				ComponentType: componentChanges.ComponentType,
				FieldUpdates:  fieldUpdates,
				IsFullSync:    componentChanges.FullSync,
				SenderId:      self.registry.LocalId().Bytes(),
				Sequence:      sequence,
			})
		}
		self.registry.MarkSynced(identityId)
	}

	self.stateLock.Lock()
	self.stats.MessagesBuilt += uint64(len(messages))
	self.stateLock.Unlock()

	// errors are captured per message so one failure does not abort the batch
	for i := 0; i < len(messages); i += batchSize {
		batch := messages[i:min(i+batchSize, len(messages))]
		for _, message := range batch {
			if err := self.pipeline.Submit(message, observerIds); err != nil {
				self.stateLock.Lock()
				self.stats.SendErrors += 1
				self.stateLock.Unlock()
				glog.Infof("[s]submit error %s/%s = %s\n",
					RequireIdFromBytes(message.IdentityId), message.ComponentType, err)
			}
		}
	}

	for _, sweptId := range self.registry.SweepOrphans() {
		self.tracker.ClearPending(sweptId)
	}
	glog.V(2).Infof("[s]tick objects=%d messages=%d\n", len(candidates), len(messages))
}

func (self *Scheduler) selectCandidates(now time.Time) []*syncCandidate {
	selected := []*syncCandidate{}
	if self.settings.PrioritySort {
		candidateHeap := newSyncCandidateHeap()
		for _, identity := range self.registry.ListActive() {
			if !self.tracker.NeedsSync(identity.Id) {
				continue
			}
			candidateHeap.Add(&syncCandidate{
				identity: identity,
				priority: self.priority(identity, now),
			})
		}
		for candidateHeap.Len() > 0 && len(selected) < self.settings.MaxObjectsPerFrame {
			selected = append(selected, candidateHeap.RemoveFirst())
		}
	} else {
		// creation order
		for _, identity := range self.registry.ListActive() {
			if !self.tracker.NeedsSync(identity.Id) {
				continue
			}
			selected = append(selected, &syncCandidate{identity: identity})
			if self.settings.MaxObjectsPerFrame <= len(selected) {
				break
			}
		}
	}
	return selected
}

func (self *Scheduler) priority(identity Identity, now time.Time) float64 {
	priority := float64(self.tracker.PendingCount(identity.Id))
	if identity.HasAuthority {
		priority += self.settings.AuthorityBonus
	}
	var sinceLastSync float64
	if identity.LastSyncTime.IsZero() {
		sinceLastSync = now.Sub(identity.CreatedAt).Seconds()
	} else {
		sinceLastSync = now.Sub(identity.LastSyncTime).Seconds()
	}
	priority += min(sinceLastSync, 10)
	return priority
}

func (self *Scheduler) Stats() SchedulerStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.stats
}
