package errors

import "fmt"

type Underflow struct {
	MessageName string
	MsgSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type MalformedMessage struct {
	MessageName string
	Reason      string
}

func (e *MalformedMessage) Error() string {
	return fmt.Sprintf("Malformed message (type=%s): %s", e.MessageName, e.Reason)
}

type BufferOverflow struct {
	Capacity int
}

func (e *BufferOverflow) Error() string {
	return fmt.Sprintf("Frame buffer full (%d bytes) without a complete message", e.Capacity)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}

//
// Handshake failures

type HelloTimeout struct {
	Protocol string
	Received int
	Expected int
}

func (e *HelloTimeout) Error() string {
	return fmt.Sprintf("Timed out waiting for %s hello message, received %d of %d bytes", e.Protocol, e.Received, e.Expected)
}

type InvalidHelloHeader struct {
	Protocol string
	Header   []byte
}

func (e *InvalidHelloHeader) Error() string {
	return fmt.Sprintf("Invalid %s hello header % X", e.Protocol, e.Header)
}

type InvalidClientName struct {
	Raw []byte
}

func (e *InvalidClientName) Error() string {
	return fmt.Sprintf("Failed to decode UTF-8 client name % X", e.Raw)
}

type InvalidClientIdentifier struct {
	Raw []byte
}

func (e *InvalidClientIdentifier) Error() string {
	return fmt.Sprintf("Failed to decode client identifier % X", e.Raw)
}

//
// Transport failures

type ServerStartError struct {
	Server  string
	Address string
	Err     error
}

func (e *ServerStartError) Error() string {
	return fmt.Sprintf("Failed to start server %s on %s: %v", e.Server, e.Address, e.Err)
}

func (e *ServerStartError) Unwrap() error {
	return e.Err
}

type ClientDisconnected struct {
	Address string
}

func (e *ClientDisconnected) Error() string {
	return fmt.Sprintf("Client %s is disconnected", e.Address)
}

//
// Procedure failures

type UnknownService struct {
	Service string
}

func (e *UnknownService) Error() string {
	return fmt.Sprintf("Service %s not found", e.Service)
}

type UnknownProcedure struct {
	Service   string
	Procedure string
}

func (e *UnknownProcedure) Error() string {
	return fmt.Sprintf("Procedure %s not found in service %s", e.Procedure, e.Service)
}

type ProcedureUnavailable struct {
	Service   string
	Procedure string
}

func (e *ProcedureUnavailable) Error() string {
	return fmt.Sprintf("Procedure %s.%s is not available in the current state", e.Service, e.Procedure)
}

type ArgumentError struct {
	Procedure string
	Position  uint32
	Reason    string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("Invalid argument %d for %s: %s", e.Position, e.Procedure, e.Reason)
}

type ProcedurePanic struct {
	Procedure string
	Value     interface{}
}

func (e *ProcedurePanic) Error() string {
	return fmt.Sprintf("Procedure %s panicked: %v", e.Procedure, e.Value)
}
