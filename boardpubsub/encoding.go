package boardpubsub

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Encoder encodes an event into a byte array using the specified format.
type Encoder interface {
	// Encode encodes an event into a byte array.
	Encode(event *Event) ([]byte, error)
}

// Decoder decodes a byte array into an event using the specified format.
type Decoder interface {
	// Decode decodes a byte array into an event.
	Decode(data []byte) (*Event, error)
}

// EncoderDecoder combines the Encoder and Decoder interfaces.
type EncoderDecoder interface {
	Encoder
	Decoder
}

// JSONEncoderDecoder implements the EncoderDecoder interface using JSON
// encoding.
type JSONEncoderDecoder struct{}

// Encode encodes an event into a JSON byte array.
func (ed *JSONEncoderDecoder) Encode(event *Event) ([]byte, error) {
	return json.Marshal(event)
}

// Decode decodes a JSON byte array into an event.
func (ed *JSONEncoderDecoder) Decode(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// Base64EncoderDecoder implements the EncoderDecoder interface using base64
// encoding around an underlying encoder.
type Base64EncoderDecoder struct {
	// underlying is the encoder/decoder applied before/after base64.
	underlying EncoderDecoder
}

// NewBase64EncoderDecoder creates a new Base64EncoderDecoder with the
// specified underlying encoder/decoder.
func NewBase64EncoderDecoder(underlying EncoderDecoder) *Base64EncoderDecoder {
	if underlying == nil {
		underlying = &JSONEncoderDecoder{}
	}
	return &Base64EncoderDecoder{
		underlying: underlying,
	}
}

// Encode encodes an event into a base64 byte array.
func (ed *Base64EncoderDecoder) Encode(event *Event) ([]byte, error) {
	data, err := ed.underlying.Encode(event)
	if err != nil {
		return nil, err
	}
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(encoded, data)
	return encoded, nil
}

// Decode decodes a base64 byte array into an event.
func (ed *Base64EncoderDecoder) Decode(data []byte) (*Event, error) {
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(decoded, data)
	if err != nil {
		return nil, err
	}
	return ed.underlying.Decode(decoded[:n])
}

// GetEncoderDecoder returns an EncoderDecoder for the specified format.
func GetEncoderDecoder(format EncodingFormat) (EncoderDecoder, error) {
	switch format {
	case EncodingFormatJSON:
		return &JSONEncoderDecoder{}, nil
	case EncodingFormatBase64:
		return NewBase64EncoderDecoder(&JSONEncoderDecoder{}), nil
	default:
		return nil, fmt.Errorf("unsupported encoding format: %s", format)
	}
}
