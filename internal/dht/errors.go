package dht

import (
	"errors"
	"fmt"
)

// Local error taxonomy (spec §4.I / §7). Remote protocol failures surface
// as *KRPCError instead, carrying the code and description sent on the wire.
var (
	ErrBind                = errors.New("dht: could not bind udp socket")
	ErrAddressParse        = errors.New("dht: address parse failure")
	ErrBencode             = errors.New("dht: malformed krpc message")
	ErrProtocol            = errors.New("dht: krpc message missing a required field")
	ErrInvalidToken        = errors.New("dht: invalid announce_peer token")
	ErrTransactionNotFound = errors.New("dht: response for unknown transaction")
	ErrTimeout             = errors.New("dht: operation timed out")
	ErrChannelClosed       = errors.New("dht: caller dropped the reply channel")
	ErrClosed              = errors.New("dht: node closed")
)

// KRPC error codes (BEP 5 §Errors).
const (
	KRPCErrGeneric       = 201
	KRPCErrServer        = 202
	KRPCErrProtocol      = 203
	KRPCErrMethodUnknown = 204
)

// KRPCError is a remote error message: a KRPC "e" response. It is returned
// verbatim to the caller of the operation that provoked it.
type KRPCError struct {
	Code int
	Desc string
}

func (e *KRPCError) Error() string {
	return fmt.Sprintf("dht: krpc error %d: %s", e.Code, e.Desc)
}
