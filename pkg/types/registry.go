package types

import (
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Codec serializes one payload variant.
type Codec struct {
	// Name is the element name used in filters and logs, e.g. "host_status".
	Name   string
	Encode func(Payload) ([]byte, error)
	Decode func([]byte) (Payload, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[EventType]Codec)
)

// Register adds a codec for t. Registering the same type twice is an error.
func Register(t EventType, codec Codec) error {
	if codec.Encode == nil || codec.Decode == nil {
		return fmt.Errorf("codec for %d must have Encode and Decode", uint32(t))
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if existing, ok := registry[t]; ok {
		return fmt.Errorf("event type %d already registered as %q", uint32(t), existing.Name)
	}
	registry[t] = codec
	return nil
}

// RegisterProtobuf registers t as a protobuf-embedding variant.
func RegisterProtobuf(t EventType, name string) error {
	return Register(t, protobufCodec(t, name))
}

func lookupCodec(t EventType) (Codec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[t]
	return c, ok
}

// TypeByName resolves an element name within a category.
func TypeByName(category Category, name string) (EventType, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for t, c := range registry {
		if t.Category() == category && c.Name == name {
			return t, true
		}
	}
	return 0, false
}

// EncodePayload serializes the payload of ev with its registered codec.
func EncodePayload(ev *Event) ([]byte, error) {
	if ev.Payload == nil {
		return nil, fmt.Errorf("%w: %s has no payload", ErrMalformedEvent, ev)
	}
	codec, ok := lookupCodec(ev.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %d", ErrMalformedEvent, ErrUnknownEventType, uint32(ev.Type))
	}
	data, err := codec.Encode(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %s: %v", ErrMalformedEvent, ev.Type, err)
	}
	return data, nil
}

// DecodePayload rebuilds the payload of an event of type t.
func DecodePayload(t EventType, data []byte) (Payload, error) {
	codec, ok := lookupCodec(t)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %d", ErrMalformedEvent, ErrUnknownEventType, uint32(t))
	}
	p, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrMalformedEvent, t, err)
	}
	return p, nil
}

// jsonCodec serializes native structs as JSON.
func jsonCodec[T any, PT interface {
	*T
	Payload
}](name string) Codec {
	return Codec{
		Name: name,
		Encode: func(p Payload) ([]byte, error) {
			v, ok := p.(PT)
			if !ok {
				return nil, fmt.Errorf("unexpected payload %T for %s", p, name)
			}
			return json.Marshal(v)
		},
		Decode: func(data []byte) (Payload, error) {
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return PT(&v), nil
		},
	}
}

func protobufCodec(t EventType, name string) Codec {
	return Codec{
		Name: name,
		Encode: func(p Payload) ([]byte, error) {
			v, ok := p.(*Protobuf)
			if !ok || v.Message == nil {
				return nil, fmt.Errorf("unexpected payload %T for %s", p, name)
			}
			return proto.Marshal(v.Message)
		},
		Decode: func(data []byte) (Payload, error) {
			msg := &anypb.Any{}
			if err := proto.Unmarshal(data, msg); err != nil {
				return nil, err
			}
			return &Protobuf{Type: t, Message: msg}, nil
		},
	}
}

func init() {
	mustRegister(TypeHostConfig, jsonCodec[HostConfig]("host"))
	mustRegister(TypeHostStatus, jsonCodec[HostStatus]("host_status"))
	mustRegister(TypeConfigChange, jsonCodec[ConfigChange]("instance_configuration"))
	mustRegister(TypeServiceStatus, jsonCodec[ServiceStatus]("service_status"))
	mustRegister(TypeMetric, jsonCodec[Metric]("metric"))
	mustRegister(TypeBAStatus, jsonCodec[BAStatus]("ba_status"))
	mustRegister(TypeExtCommand, jsonCodec[ExtCommand]("command"))
	mustRegister(TypeProtobuf, protobufCodec(TypeProtobuf, "protobuf"))
}

func mustRegister(t EventType, c Codec) {
	if err := Register(t, c); err != nil {
		panic(err)
	}
}
