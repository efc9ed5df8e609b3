package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/petrijr/conveyor/pkg/api"
)

// EncodeValue gob-encodes v as an interface value so it can be decoded back
// without knowing its type. Concrete types other than gob's basics must be
// registered with gob.Register.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	// Encode as interface{} so the payload can be decoded into interface{}.
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes a payload written by EncodeValue into T.
func DecodeValue[T any](data []byte) (T, error) {
	var zero T
	if len(data) == 0 {
		return zero, nil
	}
	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return zero, err
	}
	if iv == nil {
		return zero, nil
	}
	v, ok := iv.(T)
	if !ok {
		return zero, fmt.Errorf("gob: decoded payload of type %T not assignable to %T", iv, zero)
	}
	return v, nil
}

// EncodeRecord gob-encodes a concrete record type.
func EncodeRecord[T any](v *T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRecord decodes a record written by EncodeRecord.
func DecodeRecord[T any](data []byte) (*T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// EncodeInstance gob-encodes a whole instance record.
func EncodeInstance(inst *api.StateExecutionInstance) ([]byte, error) {
	return EncodeRecord(inst)
}

// DecodeInstance decodes a record written by EncodeInstance.
func DecodeInstance(data []byte) (*api.StateExecutionInstance, error) {
	return DecodeRecord[api.StateExecutionInstance](data)
}

func encodeInterrupt(in *api.Interrupt) ([]byte, error) {
	return EncodeRecord(in)
}

func decodeInterrupt(data []byte) (*api.Interrupt, error) {
	return DecodeRecord[api.Interrupt](data)
}
