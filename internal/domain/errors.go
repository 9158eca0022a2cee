package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMissingFields = errors.New("missing required fields")
	ErrBlocked       = errors.New("blocked")
)

// ValidationError is a bad client input. Nothing has been mutated when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// SignatureError rejects an inbound delivery before any event is applied.
type SignatureError struct{}

func (e *SignatureError) Error() string { return "invalid signature" }

// UpstreamDeliveryError is a provider call failure. On sends it is recorded on the message row only.
type UpstreamDeliveryError struct {
	Op         string
	HTTPStatus int
	Err        error
}

func (e *UpstreamDeliveryError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s: provider status %d: %v", e.Op, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamDeliveryError) Unwrap() error { return e.Err }

// StorageError is a media upload failure. The inbound batch that needed it is aborted.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func NotFound(entity, key string) error {
	return &NotFoundError{Entity: entity, Key: key}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

func IsSignature(err error) bool {
	var v *SignatureError
	return errors.As(err, &v)
}

func IsStorage(err error) bool {
	var v *StorageError
	return errors.As(err, &v)
}
