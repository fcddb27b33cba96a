package persistence

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/petrijr/eventide/pkg/api"
)

// Payload values (workflow inputs, task results, signal payloads) are stored
// with encoding/gob. Concrete types carried in `any` fields must be
// registered with gob.Register by the application.

// EncodeValue serializes an arbitrary value. It is encoded as an interface so
// it can be decoded without knowing its type.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes data produced by EncodeValue. Payloads written as a
// concrete T are accepted as well.
func DecodeValue[T any](data []byte) (T, error) {
	var zero T
	if len(data) == 0 {
		return zero, nil
	}

	var iv any
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv)
	if err == nil {
		if v, ok := iv.(T); ok {
			return v, nil
		}
		if isInterfaceType[T]() {
			return any(iv).(T), nil
		}
		return zero, fmt.Errorf("gob: decoded %T is not assignable to %T", iv, zero)
	}
	if !mustRetryAsConcrete(err) {
		return zero, err
	}

	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return zero, err
	}
	return v, nil
}

func mustRetryAsConcrete(err error) bool {
	// gob reports an interface/concrete mismatch only through its message.
	s := err.Error()
	return strings.Contains(s, "can only be decoded from remote interface") &&
		strings.Contains(s, "received concrete type")
}

func isInterfaceType[T any]() bool {
	return reflect.TypeOf((*T)(nil)).Elem().Kind() == reflect.Interface
}

// EncodeEvent serializes a history event.
func EncodeEvent(e api.WorkflowEvent) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&e); err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return buf.Bytes(), nil
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(data []byte) (api.WorkflowEvent, error) {
	var e api.WorkflowEvent
	if len(data) == 0 {
		return e, errors.New("decode event: empty payload")
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return e, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// EncodeExecution serializes a whole execution record, for key-value
// backends.
func EncodeExecution(exec *api.Execution) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(exec); err != nil {
		return nil, fmt.Errorf("encode execution %s: %w", exec.ID, err)
	}
	return buf.Bytes(), nil
}

// DecodeExecution is the inverse of EncodeExecution.
func DecodeExecution(data []byte) (*api.Execution, error) {
	if len(data) == 0 {
		return nil, ErrExecutionNotFound
	}
	var exec api.Execution
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&exec); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	return &exec, nil
}

func cloneExecution(e *api.Execution) *api.Execution {
	c := *e
	if e.Parent != nil {
		p := *e.Parent
		c.Parent = &p
	}
	return &c
}
