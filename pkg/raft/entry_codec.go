package raft

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Binary layout of an encoded entry:
//
//	type (8 bits) | data size (56 bits)
//	index (64 bits)
//	term (64 bits)
//	client id size (16 bits) | client id
//	data
const logEntryHeaderSize = 8 + 8 + 8 + 2

const maxLogEntryDataSize = 1<<56 - 1

func EncodeLogEntry(e *LogEntry) ([]byte, error) {
	if uint64(len(e.Data)) > maxLogEntryDataSize {
		return nil, fmt.Errorf("entry data too large (%d bytes)", len(e.Data))
	}

	if len(e.ClientId) > math.MaxUint16 {
		return nil, fmt.Errorf("client id too large (%d bytes)",
			len(e.ClientId))
	}

	buf := make([]byte, logEntryHeaderSize+len(e.ClientId)+len(e.Data))

	binary.BigEndian.PutUint64(buf[0:8],
		(uint64(e.Type)<<56)|uint64(len(e.Data)))
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.Index))
	binary.BigEndian.PutUint64(buf[16:24], uint64(e.Term))
	binary.BigEndian.PutUint16(buf[24:26], uint16(len(e.ClientId)))

	n := copy(buf[logEntryHeaderSize:], e.ClientId)
	copy(buf[logEntryHeaderSize+n:], e.Data)

	return buf, nil
}

func DecodeLogEntry(data []byte, e *LogEntry) error {
	if len(data) < logEntryHeaderSize {
		return fmt.Errorf("truncated entry header (%d bytes)", len(data))
	}

	word := binary.BigEndian.Uint64(data[0:8])

	e.Type = EntryType(word >> 56)
	dataSize := word & maxLogEntryDataSize

	e.Index = LogIndex(binary.BigEndian.Uint64(data[8:16]))
	e.Term = Term(binary.BigEndian.Uint64(data[16:24]))

	clientIdSize := int(binary.BigEndian.Uint16(data[24:26]))

	rest := data[logEntryHeaderSize:]
	if uint64(len(rest)) != uint64(clientIdSize)+dataSize {
		return fmt.Errorf("invalid entry size: expected %d bytes after "+
			"header, got %d", uint64(clientIdSize)+dataSize, len(rest))
	}

	e.ClientId = string(rest[:clientIdSize])

	e.Data = nil
	if dataSize > 0 {
		e.Data = make([]byte, dataSize)
		copy(e.Data, rest[clientIdSize:])
	}

	return nil
}
