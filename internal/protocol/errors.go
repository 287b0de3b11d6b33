package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTag indicates a discriminant no variant is registered for.
	ErrUnknownTag = errors.New("unknown tag")
	// ErrMissingField indicates that a required field is absent.
	ErrMissingField = errors.New("missing field")
	// ErrNullField indicates a null where a value is required.
	ErrNullField = errors.New("null value")
	// ErrArity indicates a tuple with the wrong number of elements.
	ErrArity = errors.New("wrong arity")
	// ErrMalformedInteger indicates an integer that is not an exact decimal int64.
	ErrMalformedInteger = errors.New("malformed integer")
	// ErrUnknownStatus indicates a status string outside the variant's enumeration.
	ErrUnknownStatus = errors.New("unknown status")
	// ErrInvalidString indicates a string that is not valid UTF-8.
	ErrInvalidString = errors.New("invalid utf-8 string")
)

// DecodeError reports malformed wire data together with the offending field.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: decode %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeError reports a message value that cannot be represented on the wire.
type EncodeError struct {
	Field string
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("protocol: encode %s: %v", e.Field, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}
