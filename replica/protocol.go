package replica

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type MessageType uint32

const (
	MessageTypeHandshakeRequest  MessageType = 1
	MessageTypeHandshakeResponse MessageType = 2
	MessageTypeDisconnect        MessageType = 3
	MessageTypePing              MessageType = 4
	MessageTypePong              MessageType = 5
	MessageTypeObjectSpawn       MessageType = 6
	MessageTypeObjectDestroy     MessageType = 7
	MessageTypeAuthorityTransfer MessageType = 8
	MessageTypeSyncUpdate        MessageType = 9
)

func (self MessageType) String() string {
	switch self {
	case MessageTypeHandshakeRequest:
		return "HandshakeRequest"
	case MessageTypeHandshakeResponse:
		return "HandshakeResponse"
	case MessageTypeDisconnect:
		return "Disconnect"
	case MessageTypePing:
		return "Ping"
	case MessageTypePong:
		return "Pong"
	case MessageTypeObjectSpawn:
		return "ObjectSpawn"
	case MessageTypeObjectDestroy:
		return "ObjectDestroy"
	case MessageTypeAuthorityTransfer:
		return "AuthorityTransfer"
	case MessageTypeSyncUpdate:
		return "SyncUpdate"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(self))
	}
}

// fixed envelope for every wire message. the payload is the msgpack encoding
// of the typed message for `MessageType`.
type Frame struct {
	MessageType  MessageType `msgpack:"t"`
	Timestamp    uint64      `msgpack:"ts"`
	MessageBytes []byte      `msgpack:"p"`
}

type HandshakeRequest struct {
	Token      string `msgpack:"token"`
	AppVersion string `msgpack:"app_version"`
}

type HandshakeResponse struct {
	Accepted  bool   `msgpack:"accepted"`
	Reason    string `msgpack:"reason"`
	SessionId []byte `msgpack:"session_id"`
}

type Disconnect struct {
	Reason string `msgpack:"reason"`
}

type Ping struct {
	CorrelationId uint64 `msgpack:"correlation_id"`
	SendTime      uint64 `msgpack:"send_time"`
}

type Pong struct {
	CorrelationId uint64 `msgpack:"correlation_id"`
	SendTime      uint64 `msgpack:"send_time"`
	RemoteTime    uint64 `msgpack:"remote_time"`
}

type ObjectSpawn struct {
	IdentityId     []byte   `msgpack:"identity_id"`
	OwnerId        []byte   `msgpack:"owner_id"`
	ComponentTypes []string `msgpack:"component_types"`
}

type ObjectDestroy struct {
	IdentityId []byte `msgpack:"identity_id"`
}

type AuthorityTransfer struct {
	IdentityId []byte `msgpack:"identity_id"`
	NewOwnerId []byte `msgpack:"new_owner_id"`
}

type FieldUpdate struct {
	FieldId   uint32 `msgpack:"field_id"`
	Value     any    `msgpack:"value"`
	Timestamp uint64 `msgpack:"timestamp"`
}

type SyncUpdate struct {
	IdentityId    []byte         `msgpack:"identity_id"`
	ComponentType string         `msgpack:"component_type"`
	FieldUpdates  []*FieldUpdate `msgpack:"field_updates"`
	IsFullSync    bool           `msgpack:"is_full_sync"`
	SenderId      []byte         `msgpack:"sender_id"`
	Sequence      uint64         `msgpack:"sequence"`
}

func ToFrame(message any) (*Frame, error) {
	var messageType MessageType
	switch v := message.(type) {
	case *HandshakeRequest:
		messageType = MessageTypeHandshakeRequest
	case *HandshakeResponse:
		messageType = MessageTypeHandshakeResponse
	case *Disconnect:
		messageType = MessageTypeDisconnect
	case *Ping:
		messageType = MessageTypePing
	case *Pong:
		messageType = MessageTypePong
	case *ObjectSpawn:
		messageType = MessageTypeObjectSpawn
	case *ObjectDestroy:
		messageType = MessageTypeObjectDestroy
	case *AuthorityTransfer:
		messageType = MessageTypeAuthorityTransfer
	case *SyncUpdate:
		messageType = MessageTypeSyncUpdate
	default:
		return nil, fmt.Errorf("unknown message type: %T", v)
	}
	b, err := msgpack.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return &Frame{
		MessageType:  messageType,
		Timestamp:    uint64(time.Now().UnixMilli()),
		MessageBytes: b,
	}, nil
}

func RequireToFrame(message any) *Frame {
	frame, err := ToFrame(message)
	if err != nil {
		panic(err)
	}
	return frame
}

func FromFrame(frame *Frame) (any, error) {
	var message any
	switch frame.MessageType {
	case MessageTypeHandshakeRequest:
		message = &HandshakeRequest{}
	case MessageTypeHandshakeResponse:
		message = &HandshakeResponse{}
	case MessageTypeDisconnect:
		message = &Disconnect{}
	case MessageTypePing:
		message = &Ping{}
	case MessageTypePong:
		message = &Pong{}
	case MessageTypeObjectSpawn:
		message = &ObjectSpawn{}
	case MessageTypeObjectDestroy:
		message = &ObjectDestroy{}
	case MessageTypeAuthorityTransfer:
		message = &AuthorityTransfer{}
	case MessageTypeSyncUpdate:
		message = &SyncUpdate{}
	default:
		return nil, fmt.Errorf("%w: unknown message type %s", ErrValidation, frame.MessageType)
	}
	err := msgpack.Unmarshal(frame.MessageBytes, message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return message, nil
}

func EncodeFrame(message any) ([]byte, error) {
	frame, err := ToFrame(message)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(frame)
}

func RequireEncodeFrame(message any) []byte {
	b, err := EncodeFrame(message)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeFrame(b []byte) (any, error) {
	frame := &Frame{}
	err := msgpack.Unmarshal(b, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return FromFrame(frame)
}

// DecodeFrameEnvelope decodes only the envelope, leaving the payload bytes
// untouched. used for forwarding without a re-encode.
func DecodeFrameEnvelope(b []byte) (*Frame, error) {
	frame := &Frame{}
	err := msgpack.Unmarshal(b, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return frame, nil
}
