package codec

import (
	"testing"
	"time"

	"github.com/pixperk/dlockd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestGrantRequestSurvivesWire(t *testing.T) {
	in := &types.GrantRequest{
		Request: types.LockRequest{
			Service:   "orders",
			Name:      "L1",
			Requester: "m-0",
			RequestID: "req-1",
			Wait:      types.Infinite,
			Lease:     90 * time.Second,
		},
		Epoch: 7,
	}

	data, err := Marshal(in)
	require.NoError(t, err)

	out, err := Unmarshal(data)
	require.NoError(t, err)

	got, ok := out.(*types.GrantRequest)
	require.True(t, ok, "expected *GrantRequest, got %T", out)
	assert.Equal(t, in, got)
}

func TestRecoveryReplyWithHeldLocks(t *testing.T) {
	in := &types.RecoveryReply{Held: []types.HeldLock{
		{Name: "L1", Holder: "m-0", RequestID: "a", Remaining: types.Infinite},
		{Name: "L2", Holder: "m-0", RequestID: "b", Remaining: 1500 * time.Millisecond},
	}}

	env, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, string(types.KindRecoveryReply), env.Fields[kindField].GetStringValue())

	out, err := Decode(env)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEmptyMessage(t *testing.T) {
	data, err := Marshal(&types.GrantorInfoRequest{})
	require.NoError(t, err)

	out, err := Unmarshal(data)
	require.NoError(t, err)
	assert.IsType(t, &types.GrantorInfoRequest{}, out)
}

func TestUnknownKind(t *testing.T) {
	env, err := structpb.NewStruct(map[string]any{"kind": "bogus"})
	require.NoError(t, err)

	_, err = Decode(env)
	assert.ErrorIs(t, err, types.ErrUnknownMessage)
}

func TestEveryKindRegistered(t *testing.T) {
	for kind, factory := range registry {
		assert.Equal(t, kind, factory().Kind())
	}
}
