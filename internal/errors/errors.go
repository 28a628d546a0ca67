package errors

import (
	"errors"
	"fmt"
)

// Error types for different categories of failures
var (
	ErrNetwork          = errors.New("network error")
	ErrFileSystem       = errors.New("file system error")
	ErrProtocol         = errors.New("protocol error")
	ErrValidation       = errors.New("validation error")
	ErrTimeout          = errors.New("timeout error")
	ErrCancelled        = errors.New("operation cancelled")
	ErrMalformedHeader  = errors.New("malformed header")
	ErrHandshakeTimeout = errors.New("handshake timeout")
)

// NetworkError represents a send/receive failure of the datagram transport
type NetworkError struct {
	Op   string
	Addr string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s to %s: %v", e.Op, e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// FileSystemError represents a source read or sink write failure
type FileSystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("file system error during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error {
	return e.Err
}

func (e *FileSystemError) Is(target error) bool {
	return target == ErrFileSystem
}

// ProtocolError represents protocol-related errors
type ProtocolError struct {
	Op      string
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error during %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// HeaderError is returned when a datagram cannot be decoded or its
// header fields are inconsistent.
type HeaderError struct {
	Op      string
	Length  int
	Message string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("malformed header during %s (%d bytes): %s", e.Op, e.Length, e.Message)
}

func (e *HeaderError) Is(target error) bool {
	return target == ErrMalformedHeader
}

// HandshakeError is returned when the connection could not be established
// within the retry budget.
type HandshakeError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake with %s failed after %d attempts: %v", e.Addr, e.Attempts, e.Err)
	}
	return fmt.Sprintf("handshake with %s failed after %d attempts", e.Addr, e.Attempts)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func (e *HandshakeError) Is(target error) bool {
	return target == ErrHandshakeTimeout
}

// ValidationError represents validation errors
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s='%v': %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Helper functions for creating errors

func NewNetworkError(op, addr string, err error) error {
	return &NetworkError{Op: op, Addr: addr, Err: err}
}

func NewFileSystemError(op, path string, err error) error {
	return &FileSystemError{Op: op, Path: path, Err: err}
}

func NewProtocolError(op, message string, err error) error {
	return &ProtocolError{Op: op, Message: message, Err: err}
}

func NewHeaderError(op string, length int, message string) error {
	return &HeaderError{Op: op, Length: length, Message: message}
}

func NewHandshakeError(addr string, attempts int, err error) error {
	return &HandshakeError{Addr: addr, Attempts: attempts, Err: err}
}

func NewValidationError(field string, value interface{}, message string) error {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
