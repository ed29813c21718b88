package queue

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	fieldTenantID = "tenantId"
	fieldEventID  = "eventId"
)

// Codec converts instructions to and from message bodies.
type Codec interface {
	Encode(Instruction) ([]byte, error)
	// Decode returns an error wrapping ErrMalformedInstruction for any body that is not a complete instruction.
	Decode([]byte) (Instruction, error)
	ContentType() string
}

// JSONCodec encodes instructions as {"tenantId":"…","eventId":"…"}.
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Encode(in Instruction) ([]byte, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(in)
}

func (JSONCodec) Decode(body []byte) (Instruction, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Instruction{}, fmt.Errorf("%w: %v", ErrMalformedInstruction, err)
	}
	var in Instruction
	for key, dst := range map[string]*string{fieldTenantID: &in.TenantID, fieldEventID: &in.EventID} {
		value, ok := raw[key]
		if !ok || bytes.Equal(value, []byte("null")) {
			continue
		}
		if err := json.Unmarshal(value, dst); err != nil {
			return Instruction{}, fmt.Errorf("%w: %s must be a string", ErrMalformedInstruction, key)
		}
	}
	if err := in.Validate(); err != nil {
		return Instruction{}, err
	}
	return in, nil
}

// ProtoCodec encodes instructions as a deterministic protobuf Struct.
type ProtoCodec struct{}

func (ProtoCodec) ContentType() string { return "application/x-protobuf" }

func (ProtoCodec) Encode(in Instruction) ([]byte, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	s := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldTenantID: structpb.NewStringValue(in.TenantID),
		fieldEventID:  structpb.NewStringValue(in.EventID),
	}}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

func (ProtoCodec) Decode(body []byte) (Instruction, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(body, &s); err != nil {
		return Instruction{}, fmt.Errorf("%w: %v", ErrMalformedInstruction, err)
	}
	in := Instruction{
		TenantID: s.GetFields()[fieldTenantID].GetStringValue(),
		EventID:  s.GetFields()[fieldEventID].GetStringValue(),
	}
	if err := in.Validate(); err != nil {
		return Instruction{}, err
	}
	return in, nil
}
