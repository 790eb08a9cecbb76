package concourse

import (
	"encoding/json"
)

// Marshaler specifies encoding to a byte array and back, for metadata that
// is not part of the canonical fixed-width revision encoding of §4.1/§6. No
// package of the engine calls it at present.
type Marshaler interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type defaultMarshaller struct{}

// NewMarshaler returns the default marshaller, which uses encoding/json.
func NewMarshaler() Marshaler {
	return &defaultMarshaller{}
}

func (m defaultMarshaller) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (m defaultMarshaller) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
