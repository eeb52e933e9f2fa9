package common

import (
	"bytes"
	"encoding/gob"
)

// EncodeCommand serializes a command for the write-ahead log. The
// index and term live in the record header, so only the command body
// is encoded here.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(&cmd); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeCommand is the inverse of EncodeCommand. Volatile parts of a
// command (reply channels, query functions) do not round-trip.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}
