package raft

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Command is an application command carried by EntryCommand log entries.
type Command interface {
	CommandType() string
}

// CommandCodec describes how to decode a type of command. New returns a
// pointer to a zero command which is then filled from the JSON payload.
type CommandCodec struct {
	Type    string
	Version int
	New     func() Command
}

// CommandRegistry is the table of known command codecs. Payloads are encoded
// as a {type, version, data} envelope so that decoding never relies on
// reflection on arbitrary types.
type CommandRegistry struct {
	codecs map[string]CommandCodec
	mu     sync.RWMutex
}

type commandEnvelope struct {
	Type    string          `json:"type"`
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		codecs: make(map[string]CommandCodec),
	}
}

func (r *CommandRegistry) Register(codec CommandCodec) {
	if codec.Type == "" {
		Panicf("cannot register command codec with empty type")
	}

	if codec.New == nil {
		Panicf("missing constructor for command codec %q", codec.Type)
	}

	if codec.Version == 0 {
		codec.Version = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.codecs[codec.Type]; found {
		Panicf("duplicate command codec %q", codec.Type)
	}

	r.codecs[codec.Type] = codec
}

func (r *CommandRegistry) codec(commandType string) (CommandCodec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codec, found := r.codecs[commandType]
	return codec, found
}

func (r *CommandRegistry) Encode(cmd Command) ([]byte, error) {
	codec, found := r.codec(cmd.CommandType())
	if !found {
		return nil, fmt.Errorf("%w %q", ErrUnknownCommand, cmd.CommandType())
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("cannot encode command %q: %w", codec.Type, err)
	}

	envelope := commandEnvelope{
		Type:    codec.Type,
		Version: codec.Version,
		Data:    data,
	}

	return json.Marshal(envelope)
}

// Decode decodes a payload. Payloads written by an older version of a codec
// are accepted; payloads from a newer version are rejected since they could
// contain fields this process does not know about.
func (r *CommandRegistry) Decode(data []byte) (Command, error) {
	var envelope commandEnvelope

	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("cannot decode command envelope: %w", err)
	}

	codec, found := r.codec(envelope.Type)
	if !found {
		return nil, fmt.Errorf("%w %q", ErrUnknownCommand, envelope.Type)
	}

	if envelope.Version > codec.Version {
		return nil, fmt.Errorf("%w %q: version %d is newer than supported "+
			"version %d", ErrUnknownCommand, envelope.Type, envelope.Version,
			codec.Version)
	}

	cmd := codec.New()

	if err := json.Unmarshal(envelope.Data, cmd); err != nil {
		return nil, fmt.Errorf("cannot decode command %q: %w",
			envelope.Type, err)
	}

	return cmd, nil
}
