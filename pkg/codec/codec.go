// Package codec converts messages to and from the protobuf envelope
// carried by the peer transport and the raft log.
//
// A message is rendered as a google.protobuf.Struct holding its JSON fields
// plus a "kind" discriminator. Numbers travel as doubles, so integer fields
// stay exact up to 2^53.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/pixperk/dlockd/pkg/types"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const kindField = "kind"

var registry = map[types.MessageKind]func() types.Message{
	types.KindGrantorRequest:   func() types.Message { return &types.GrantorRequest{} },
	types.KindGrantorReply:     func() types.Message { return &types.GrantorReply{} },
	types.KindGrantorInfo:      func() types.Message { return &types.GrantorInfoRequest{} },
	types.KindGrantorInfoReply: func() types.Message { return &types.GrantorInfoReply{} },
	types.KindDeposeRequest:    func() types.Message { return &types.DeposeRequest{} },
	types.KindDeposeReply:      func() types.Message { return &types.DeposeReply{} },
	types.KindRecoveryRequest:  func() types.Message { return &types.RecoveryRequest{} },
	types.KindRecoveryReply:    func() types.Message { return &types.RecoveryReply{} },
	types.KindGrantRequest:     func() types.Message { return &types.GrantRequest{} },
	types.KindGrantReply:       func() types.Message { return &types.GrantReply{} },
	types.KindReleaseRequest:   func() types.Message { return &types.ReleaseRequest{} },
	types.KindReleaseReply:     func() types.Message { return &types.ReleaseReply{} },
	types.KindWithdrawRequest:  func() types.Message { return &types.WithdrawRequest{} },
	types.KindWithdrawReply:    func() types.Message { return &types.WithdrawReply{} },
	types.KindJoinCmd:          func() types.Message { return &types.JoinCmd{} },
	types.KindJoinReply:        func() types.Message { return &types.JoinReply{} },
	types.KindRenewCmd:         func() types.Message { return &types.RenewCmd{} },
	types.KindRenewReply:       func() types.Message { return &types.RenewReply{} },
	types.KindDepartCmd:        func() types.Message { return &types.DepartCmd{} },
	types.KindExpireCmd:        func() types.Message { return &types.ExpireCmd{} },
	types.KindAddVoterCmd:      func() types.Message { return &types.AddVoterCmd{} },
	types.KindAck:              func() types.Message { return &types.Ack{} },
}

// Encode renders msg as a Struct envelope
func Encode(msg types.Message) (*structpb.Struct, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}

	env := &structpb.Struct{}
	if err := env.UnmarshalJSON(body); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	if env.Fields == nil {
		env.Fields = make(map[string]*structpb.Value)
	}
	env.Fields[kindField] = structpb.NewStringValue(string(msg.Kind()))

	return env, nil
}

// Decode turns an envelope back into the concrete message for its kind
func Decode(env *structpb.Struct) (types.Message, error) {
	kind := types.MessageKind(env.GetFields()[kindField].GetStringValue())
	factory, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownMessage, kind)
	}

	body, err := env.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}

	msg := factory()
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return msg, nil
}

// Marshal encodes msg to protobuf wire bytes
func Marshal(msg types.Message) ([]byte, error) {
	env, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(env)
}

// Unmarshal decodes protobuf wire bytes produced by Marshal
func Unmarshal(data []byte) (types.Message, error) {
	env := &structpb.Struct{}
	if err := proto.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return Decode(env)
}
