// Package shm implements the per-node shared-state server: an in-memory,
// typed key/value store with per-key locking, accessed by worker processes
// over a local Unix-domain SOCK_DGRAM using a small JSON request/response
// protocol. Grounded in spirit on pkg/memstore/memstore.go's typed-container
// approach (generalized from two fixed container kinds to the full
// STR/INT/FLOAT/BOOL/SET/LIST/DICT enumeration) and on
// original_source/Neverland/neverland/components/sharedmem.py for the
// request/response semantics.
package shm

import "encoding/json"

// ContainerType enumerates the kinds of values the server can hold under a
// key.
type ContainerType string

const (
	TypeStr   ContainerType = "STR"
	TypeInt   ContainerType = "INT"
	TypeFloat ContainerType = "FLOAT"
	TypeBool  ContainerType = "BOOL"
	TypeSet   ContainerType = "SET"
	TypeList  ContainerType = "LIST"
	TypeDict  ContainerType = "DICT"
)

// Action identifies a client request's verb.
type Action string

const (
	ActionConnect    Action = "CONNECT"
	ActionDisconnect Action = "DISCONNECT"
	ActionCreate     Action = "CREATE"
	ActionRead       Action = "READ"
	ActionSet        Action = "SET"
	ActionAdd        Action = "ADD"
	ActionGet        Action = "GET"
	ActionRemove     Action = "REMOVE"
	ActionClean      Action = "CLEAN"
	ActionLock       Action = "LOCK"
	ActionUnlock     Action = "UNLOCK"
)

// RCode is the response status code.
type RCode string

const (
	RCodeOK            RCode = "OK"
	RCodeKeyError      RCode = "KEY_ERROR"
	RCodeTypeError     RCode = "TYPE_ERROR"
	RCodeLocked        RCode = "LOCKED"
	RCodeNotLocked     RCode = "NOT_LOCKED"
	RCodeUnknownError  RCode = "UNKNOWN_ERROR"
)

// mutatingActions is the set of actions subject to the locking discipline:
// when they target a key locked by a different connection, they are
// backlogged (default) or rejected with LOCKED.
var mutatingActions = map[Action]struct{}{
	ActionCreate: {}, ActionRead: {}, ActionSet: {}, ActionAdd: {},
	ActionClean: {}, ActionRemove: {}, ActionLock: {}, ActionUnlock: {},
}

// Request is the wire JSON sent by a client to the server.
type Request struct {
	ConnID      string          `json:"conn_id"`
	Action      Action          `json:"action"`
	Socket      string          `json:"socket,omitempty"`
	Key         string          `json:"key,omitempty"`
	Type        ContainerType   `json:"type,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	ValueKey    string          `json:"value_key,omitempty"`
	Backlogging *bool           `json:"backlogging,omitempty"`
}

// wantsBacklog reports whether the request should be queued (rather than
// failed with LOCKED) when its key is held by another connection. Defaults
// to true per spec §4.4.
func (r *Request) wantsBacklog() bool {
	return r.Backlogging == nil || *r.Backlogging
}

// Response is the wire JSON sent by the server back to a client's reply
// socket.
type Response struct {
	Succeeded bool            `json:"succeeded"`
	RCode     RCode           `json:"rcode"`
	ConnID    string          `json:"conn_id,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

func ok(value json.RawMessage) Response {
	return Response{Succeeded: true, RCode: RCodeOK, Value: value}
}

func fail(rc RCode) Response {
	return Response{Succeeded: false, RCode: rc}
}
