package replica

import (
	"encoding/json"
	"flag"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

const waitForTimeout = 5 * time.Second

// polls until the condition holds or the timeout elapses
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	endTime := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if endTime.Before(time.Now()) {
			t.Fatalf("condition not reached after %s", timeout)
		}
		time.Sleep(1 * time.Millisecond)
	}
}

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time.
	// the scheduler uses this property for creation-order tie breaks.

	a := NewId()
	for range 16 * 1024 {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b == a, false)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)
}

func TestFrameCodec(t *testing.T) {
	identityId := NewId()
	update := &SyncUpdate{
		IdentityId:    identityId.Bytes(),
		ComponentType: "status",
		FieldUpdates: []*FieldUpdate{
			{FieldId: 1, Value: "hello", Timestamp: 12345},
		},
		SenderId: identityId.Bytes(),
		Sequence: 7,
	}

	frameBytes, err := EncodeFrame(update)
	assert.Equal(t, err, nil)

	message, err := DecodeFrame(frameBytes)
	assert.Equal(t, err, nil)
	decoded, ok := message.(*SyncUpdate)
	assert.Equal(t, ok, true)
	assert.Equal(t, decoded.ComponentType, "status")
	assert.Equal(t, decoded.Sequence, uint64(7))
	assert.Equal(t, len(decoded.FieldUpdates), 1)
	assert.Equal(t, decoded.FieldUpdates[0].Value, "hello")

	id, err := IdFromBytes(decoded.IdentityId)
	assert.Equal(t, err, nil)
	assert.Equal(t, id, identityId)
}

func TestFrameEnvelope(t *testing.T) {
	frameBytes, err := EncodeFrame(&Ping{CorrelationId: 3, SendTime: 100})
	assert.Equal(t, err, nil)

	frame, err := DecodeFrameEnvelope(frameBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.MessageType, MessageTypePing)

	message, err := FromFrame(frame)
	assert.Equal(t, err, nil)
	ping, ok := message.(*Ping)
	assert.Equal(t, ok, true)
	assert.Equal(t, ping.CorrelationId, uint64(3))
}

func TestClientToken(t *testing.T) {
	secret := []byte("test-secret")
	clientId := NewId()

	token, err := MintClientToken(secret, clientId, "tester", time.Hour)
	assert.Equal(t, err, nil)

	clientToken, err := ParseClientToken(secret, token)
	assert.Equal(t, err, nil)
	assert.Equal(t, clientToken.ClientId, clientId)
	assert.Equal(t, clientToken.ClientName, "tester")

	_, err = ParseClientToken([]byte("wrong-secret"), token)
	assert.NotEqual(t, err, nil)
}
