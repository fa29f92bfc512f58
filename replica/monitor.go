package replica

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/jonboulle/clockwork"
)

type CongestionLevel string

const (
	CongestionNone     CongestionLevel = "none"
	CongestionLight    CongestionLevel = "light"
	CongestionModerate CongestionLevel = "moderate"
	CongestionSevere   CongestionLevel = "severe"
)

// SyncStrategy is the advisory tuning the monitor suggests to the scheduler
// and pipeline. the monitor never mutates their state directly.
type SyncStrategy struct {
	SyncInterval      time.Duration
	BatchSize         int
	CompressionLevel  int
	PrioritizeUpdates bool
}

type QualitySnapshot struct {
	Time         time.Time
	Rtt          time.Duration
	Jitter       time.Duration
	BandwidthBps float64
	PacketLoss   float64
	// true when the loss value comes from the RTT-variance heuristic
	// rather than heartbeat accounting. best-effort, not a measurement.
	LossEstimated bool
	Quality       float64
}

type MonitorSettings struct {
	RttWindowSize    int
	RttWindowTimeout time.Duration
	SnapshotInterval time.Duration
	// snapshots kept for trend analysis
	SnapshotHistorySize int
	// minimum snapshots before congestion trends are reported
	MinTrendSamples int
	Clock           clockwork.Clock
}

func DefaultMonitorSettings() *MonitorSettings {
	return &MonitorSettings{
		RttWindowSize:       64,
		RttWindowTimeout:    30 * time.Second,
		SnapshotInterval:    1 * time.Second,
		SnapshotHistorySize: 30,
		MinTrendSamples:     5,
		Clock:               clockwork.NewRealClock(),
	}
}

type rttSample struct {
	sampleTime time.Time
	rtt        time.Duration
}

// Monitor samples RTT, jitter, bandwidth and loss and derives a 0-100
// connection quality score with tuning suggestions.
type Monitor struct {
	settings *MonitorSettings

	stateLock sync.Mutex

	// ring ordered by arrival
	window          []rttSample
	windowTailIndex int
	windowHeadIndex int
	windowCount     int

	heartbeatsSent  uint64
	heartbeatsAcked uint64

	bytesSent        ByteCount
	bytesReceived    ByteCount
	lastBytesTotal   ByteCount
	lastSnapshotTime time.Time

	snapshots []QualitySnapshot

	running bool
	cancel  context.CancelFunc
}

func NewMonitorWithDefaults() *Monitor {
	return NewMonitor(DefaultMonitorSettings())
}

func NewMonitor(settings *MonitorSettings) *Monitor {
	return &Monitor{
		settings:         settings,
		window:           make([]rttSample, max(settings.RttWindowSize, 1)),
		snapshots:        []QualitySnapshot{},
		lastSnapshotTime: settings.Clock.Now(),
	}
}

func (self *Monitor) Start(ctx context.Context) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	self.running = true
	self.cancel = cancel
	go self.run(runCtx)
}

// Stop is idempotent.
func (self *Monitor) Stop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.running {
		return
	}
	self.cancel()
	self.cancel = nil
	self.running = false
}

func (self *Monitor) run(ctx context.Context) {
	ticker := self.settings.Clock.NewTicker(self.settings.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			self.Sample()
		}
	}
}

func (self *Monitor) AddRttSample(rtt time.Duration) {
	if rtt < 0 {
		// ignore
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := self.settings.Clock.Now()
	self.coalesce(now)

	self.window[self.windowHeadIndex] = rttSample{
		sampleTime: now,
		rtt:        rtt,
	}
	self.windowHeadIndex = (self.windowHeadIndex + 1) % len(self.window)
	if self.windowCount < len(self.window) {
		self.windowCount += 1
	} else {
		self.windowTailIndex = (self.windowTailIndex + 1) % len(self.window)
	}
}

// must be called inside the state lock
func (self *Monitor) coalesce(windowTime time.Time) {
	windowStartTime := windowTime.Add(-self.settings.RttWindowTimeout)
	for 0 < self.windowCount {
		sample := self.window[self.windowTailIndex]
		if !sample.sampleTime.Before(windowStartTime) {
			break
		}
		self.windowTailIndex = (self.windowTailIndex + 1) % len(self.window)
		self.windowCount -= 1
	}
}

// must be called inside the state lock
func (self *Monitor) windowSamples() []time.Duration {
	rtts := make([]time.Duration, 0, self.windowCount)
	for i := 0; i < self.windowCount; i += 1 {
		rtts = append(rtts, self.window[(self.windowTailIndex+i)%len(self.window)].rtt)
	}
	return rtts
}

func (self *Monitor) HeartbeatSent() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.heartbeatsSent += 1
}

func (self *Monitor) HeartbeatAcked() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.heartbeatsAcked += 1
}

func (self *Monitor) AddBytesSent(byteCount ByteCount) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.bytesSent += byteCount
}

func (self *Monitor) AddBytesReceived(byteCount ByteCount) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.bytesReceived += byteCount
}

// Sample computes one quality snapshot and appends it to the trend history.
func (self *Monitor) Sample() QualitySnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := self.settings.Clock.Now()
	self.coalesce(now)
	rtts := self.windowSamples()

	var meanRtt time.Duration
	if 0 < len(rtts) {
		var netRtt time.Duration
		for _, rtt := range rtts {
			netRtt += rtt
		}
		meanRtt = netRtt / time.Duration(len(rtts))
	}

	// mean absolute delta between consecutive samples
	var jitter time.Duration
	if 1 < len(rtts) {
		var netDelta time.Duration
		for i := 1; i < len(rtts); i += 1 {
			delta := rtts[i] - rtts[i-1]
			if delta < 0 {
				delta = -delta
			}
			netDelta += delta
		}
		jitter = netDelta / time.Duration(len(rtts)-1)
	}

	var bandwidthBps float64
	bytesTotal := self.bytesSent + self.bytesReceived
	if elapsed := now.Sub(self.lastSnapshotTime); 0 < elapsed {
		bandwidthBps = float64(bytesTotal-self.lastBytesTotal) / elapsed.Seconds()
	}
	self.lastBytesTotal = bytesTotal
	self.lastSnapshotTime = now

	packetLoss, lossEstimated := self.packetLoss(rtts, meanRtt)
	self.heartbeatsSent = 0
	self.heartbeatsAcked = 0

	quality := 100.0
	quality -= min(float64(meanRtt/time.Millisecond)/10, 40)
	quality -= min(float64(jitter/time.Millisecond)/5, 30)
	quality -= 100 * packetLoss
	quality = max(0, min(quality, 100))

	snapshot := QualitySnapshot{
		Time:          now,
		Rtt:           meanRtt,
		Jitter:        jitter,
		BandwidthBps:  bandwidthBps,
		PacketLoss:    packetLoss,
		LossEstimated: lossEstimated,
		Quality:       quality,
	}
	self.snapshots = append(self.snapshots, snapshot)
	if self.settings.SnapshotHistorySize < len(self.snapshots) {
		self.snapshots = self.snapshots[len(self.snapshots)-self.settings.SnapshotHistorySize:]
	}
	glog.V(2).Infof("[m]sample rtt=%dms jitter=%dms loss=%.2f q=%.0f\n",
		meanRtt/time.Millisecond, jitter/time.Millisecond, packetLoss, quality)
	return snapshot
}

// must be called inside the state lock.
// prefers heartbeat-ack accounting. the RTT-variance fallback is approximate
// by construction.
func (self *Monitor) packetLoss(rtts []time.Duration, meanRtt time.Duration) (float64, bool) {
	if 0 < self.heartbeatsSent {
		loss := 1 - float64(self.heartbeatsAcked)/float64(self.heartbeatsSent)
		return max(0, min(loss, 1)), false
	}

	if len(rtts) < 2 || meanRtt <= 0 {
		return 0, true
	}
	var netSquares float64
	for _, rtt := range rtts {
		delta := float64(rtt - meanRtt)
		netSquares += delta * delta
	}
	stddev := math.Sqrt(netSquares / float64(len(rtts)))
	ratio := stddev / float64(meanRtt)
	// high relative variance correlates with queueing and drops
	loss := max(0, min((ratio-0.25)*0.5, 1))
	return loss, true
}

func (self *Monitor) Quality() float64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.snapshots) == 0 {
		return 100
	}
	return self.snapshots[len(self.snapshots)-1].Quality
}

func (self *Monitor) LastSnapshot() (QualitySnapshot, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.snapshots) == 0 {
		return QualitySnapshot{}, false
	}
	return self.snapshots[len(self.snapshots)-1], true
}

// SuggestStrategy returns tuning tiers keyed off the quality score.
func (self *Monitor) SuggestStrategy() SyncStrategy {
	quality := self.Quality()
	switch {
	case 80 <= quality:
		return SyncStrategy{
			SyncInterval:      50 * time.Millisecond,
			BatchSize:         20,
			CompressionLevel:  0,
			PrioritizeUpdates: false,
		}
	case 60 <= quality:
		return SyncStrategy{
			SyncInterval:      75 * time.Millisecond,
			BatchSize:         15,
			CompressionLevel:  1,
			PrioritizeUpdates: true,
		}
	case 40 <= quality:
		return SyncStrategy{
			SyncInterval:      100 * time.Millisecond,
			BatchSize:         10,
			CompressionLevel:  2,
			PrioritizeUpdates: true,
		}
	default:
		return SyncStrategy{
			SyncInterval:      150 * time.Millisecond,
			BatchSize:         5,
			CompressionLevel:  3,
			PrioritizeUpdates: true,
		}
	}
}

// DetectCongestion reports a qualitative level from the least-squares slope
// of the quality trend over recent snapshots.
func (self *Monitor) DetectCongestion() CongestionLevel {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := len(self.snapshots)
	if n < self.settings.MinTrendSamples {
		return CongestionNone
	}

	// least squares of quality over snapshot index
	var sumX, sumY, sumXY, sumXX float64
	for i, snapshot := range self.snapshots {
		x := float64(i)
		y := snapshot.Quality
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denominator := float64(n)*sumXX - sumX*sumX
	if denominator == 0 {
		return CongestionNone
	}
	slope := (float64(n)*sumXY - sumX*sumY) / denominator

	switch {
	case -0.5 <= slope:
		return CongestionNone
	case -2 <= slope:
		return CongestionLight
	case -5 <= slope:
		return CongestionModerate
	default:
		return CongestionSevere
	}
}
