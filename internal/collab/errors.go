package collab

import "errors"

var (
	ErrUnknownDocument   = errors.New("unknown document")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrEmptyBatch        = errors.New("empty step batch")
	ErrNotJoined         = errors.New("client has not joined document")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrGenerationActive  = errors.New("document already has a running generation")
)
