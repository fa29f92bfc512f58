package replica

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/jonboulle/clockwork"
)

func testUpdate(identityId Id, sequence uint64, value any) *SyncUpdate {
	return &SyncUpdate{
		IdentityId:    identityId.Bytes(),
		ComponentType: "status",
		FieldUpdates: []*FieldUpdate{
			{FieldId: 1, Value: value, Timestamp: uint64(sequence)},
		},
		Sequence: sequence,
	}
}

// 2 msgs/sec cap, 5 messages within 200ms: exactly 2 sent, 3 blocked
func TestPipelineRateLimiter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	capture := &captureSend{}
	pipeline := NewPipeline(capture.send, &PipelineSettings{
		MaxMessagesPerSecond: 2,
		MergeWindow:          0,
		LimiterCacheSize:     16,
		Clock:                clock,
	})

	identityId := NewId()
	for i := range 5 {
		err := pipeline.Submit(testUpdate(identityId, uint64(i+1), i), nil)
		assert.Equal(t, err, nil)
		clock.Advance(50 * time.Millisecond)
	}

	assert.Equal(t, len(capture.sent()), 2)
	stats := pipeline.Stats()
	assert.Equal(t, stats.Sent, uint64(2))
	assert.Equal(t, stats.Blocked, uint64(3))
}

// rapid writes inside one merge window coalesce to the final value with the
// sequence of the last write
func TestPipelineMergeWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	capture := &captureSend{}
	pipeline := NewPipeline(capture.send, &PipelineSettings{
		MaxMessagesPerSecond: 0,
		MergeWindow:          16 * time.Millisecond,
		LimiterCacheSize:     16,
		Clock:                clock,
	})

	identityId := NewId()
	pipeline.Submit(testUpdate(identityId, 1, "health 100"), nil)
	clock.Advance(5 * time.Millisecond)
	pipeline.Submit(testUpdate(identityId, 2, "health 80"), nil)
	clock.Advance(5 * time.Millisecond)
	pipeline.Submit(testUpdate(identityId, 3, "health 60"), nil)

	assert.Equal(t, len(capture.sent()), 0)

	clock.Advance(16 * time.Millisecond)
	waitFor(t, waitForTimeout, func() bool {
		return len(capture.sent()) == 1
	})

	update := capture.sent()[0]
	assert.Equal(t, update.Sequence, uint64(3))
	assert.Equal(t, len(update.FieldUpdates), 1)
	assert.Equal(t, update.FieldUpdates[0].Value, "health 60")
	assert.Equal(t, pipeline.Stats().Merged, uint64(2))
}

func TestPipelineMergeKeysAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	capture := &captureSend{}
	pipeline := NewPipeline(capture.send, &PipelineSettings{
		MaxMessagesPerSecond: 0,
		MergeWindow:          16 * time.Millisecond,
		LimiterCacheSize:     16,
		Clock:                clock,
	})

	a := NewId()
	b := NewId()
	pipeline.Submit(testUpdate(a, 1, "a"), nil)
	pipeline.Submit(testUpdate(b, 1, "b"), nil)

	clock.Advance(16 * time.Millisecond)
	waitFor(t, waitForTimeout, func() bool {
		return len(capture.sent()) == 2
	})
}

func TestPipelineDistanceCuller(t *testing.T) {
	clock := clockwork.NewFakeClock()
	capture := &captureSend{}
	pipeline := NewPipeline(capture.send, &PipelineSettings{
		MaxMessagesPerSecond: 0,
		CullingDistance:      10,
		MergeWindow:          0,
		LimiterCacheSize:     16,
		Clock:                clock,
	})

	identityId := NewId()
	nearId := NewId()
	farId := NewId()
	unknownId := NewId()

	pipeline.UpdatePosition(identityId, Position{X: 0, Y: 0, Z: 0})
	pipeline.UpdateObserverPosition(nearId, Position{X: 5, Y: 0, Z: 0})
	pipeline.UpdateObserverPosition(farId, Position{X: 50, Y: 0, Z: 0})

	err := pipeline.Submit(testUpdate(identityId, 1, "v"), []Id{nearId, farId, unknownId})
	assert.Equal(t, err, nil)

	assert.Equal(t, len(capture.sent()), 1)
	// the far observer is culled, the unknown observer is kept
	assert.Equal(t, capture.observers[0], []Id{nearId, unknownId})
	assert.Equal(t, pipeline.Stats().Culled, uint64(1))

	// all observers out of range drops the message
	err = pipeline.Submit(testUpdate(identityId, 2, "v2"), []Id{farId})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(capture.sent()), 1)

	// with no observer set, culling is a no-op
	err = pipeline.Submit(testUpdate(identityId, 3, "v3"), nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(capture.sent()), 2)
	assert.Equal(t, capture.observers[1], nil)
}

func TestPipelineFlushAndDiscard(t *testing.T) {
	clock := clockwork.NewFakeClock()
	capture := &captureSend{}
	pipeline := NewPipeline(capture.send, &PipelineSettings{
		MaxMessagesPerSecond: 0,
		MergeWindow:          1 * time.Hour,
		LimiterCacheSize:     16,
		Clock:                clock,
	})

	pipeline.Submit(testUpdate(NewId(), 1, "a"), nil)
	pipeline.Flush()
	assert.Equal(t, len(capture.sent()), 1)

	pipeline.Submit(testUpdate(NewId(), 1, "b"), nil)
	pipeline.Discard()
	clock.Advance(2 * time.Hour)
	assert.Equal(t, len(capture.sent()), 1)
}
