package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCommand struct {
	Key   string `json:"key"`
	Value int    `json:"value"`
}

func (cmd *testCommand) CommandType() string {
	return "test"
}

func newTestCommandRegistry(version int) *CommandRegistry {
	r := NewCommandRegistry()

	r.Register(CommandCodec{
		Type:    "test",
		Version: version,
		New:     func() Command { return &testCommand{} },
	})

	return r
}

func TestCommandRegistry(t *testing.T) {
	r := newTestCommandRegistry(1)

	data, err := r.Encode(&testCommand{Key: "a", Value: 42})
	require.NoError(t, err)

	cmd, err := r.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, &testCommand{Key: "a", Value: 42}, cmd)

	_, err = r.Decode([]byte(`{"type":"unknown","version":1,"data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = r.Decode([]byte(`not json`))
	assert.Error(t, err)

	assert.Panics(t, func() {
		r.Register(CommandCodec{
			Type: "test",
			New:  func() Command { return &testCommand{} },
		})
	})
}

func TestCommandRegistryVersions(t *testing.T) {
	r1 := newTestCommandRegistry(1)
	r2 := newTestCommandRegistry(2)

	data, err := r1.Encode(&testCommand{Key: "a"})
	require.NoError(t, err)

	_, err = r2.Decode(data)
	assert.NoError(t, err)

	data, err = r2.Encode(&testCommand{Key: "a"})
	require.NoError(t, err)

	_, err = r1.Decode(data)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}
