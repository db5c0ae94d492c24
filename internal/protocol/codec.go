package protocol

import (
	"encoding/json"

	"github.com/PolycarpusTack/papin/internal/failure"
)

// Codec converts frames to and from wire bytes.
type Codec interface {
	Encode(Frame) ([]byte, error)
	Decode([]byte) (Frame, error)
}

// JSONCodec encodes frames as single JSON objects, one per transport message.
type JSONCodec struct{}

// Encode validates and marshals f.
func (JSONCodec) Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, failure.Wrap(failure.Protocol, "protocol.encode", err)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, failure.Wrap(failure.Protocol, "protocol.encode", err)
	}
	return data, nil
}

// Decode unmarshals and validates one frame.
func (JSONCodec) Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, failure.Wrap(failure.Protocol, "protocol.decode", err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, failure.Wrap(failure.Protocol, "protocol.decode", err)
	}
	return f, nil
}
