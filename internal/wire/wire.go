// Package wire defines the client/server message envelopes exchanged with
// the remote invalidation service, and a hand-rolled, length-prefixed
// binary codec for them. The wire format is an explicitly out-of-scope
// external collaborator for the invalidation core (it only needs *some*
// concrete codec to exist); this one follows the donor codebase's own
// preference for simple length-prefixed binary framing over a
// schema-evolving serialization library for small, lockstep-versioned
// messages.
package wire

// Action identifies what a ClientToServerMessage is asking the server to do.
type Action uint8

const (
	ActionAssignClientID Action = iota + 1
	ActionUpdateSession
	ActionPollInvalidations
	ActionObjectControl
)

// MessageType identifies what a ServerToClientMessage is telling the client.
type MessageType uint8

const (
	MessageAssignClientID MessageType = iota + 1
	MessageUpdateSession
	MessageInvalidateSession
	MessageInvalidateClientID
	MessageObjectControl
)

// RegistrationOpType is whether a registration operation is a subscribe or
// unsubscribe request.
type RegistrationOpType uint8

const (
	RegisterOp RegistrationOpType = iota + 1
	UnregisterOp
)

// StatusCode mirrors the server's small fixed set of outcome codes.
type StatusCode int32

const (
	StatusSuccess StatusCode = 0
	// Transient failures: the caller should keep retrying.
	StatusTransientFailure StatusCode = 1
	// Permanent failures: retrying will never succeed.
	StatusObjectUnknown StatusCode = 2
	StatusUnknownClient StatusCode = 3
)

// IsPermanentFailure reports whether retrying an operation that failed with
// this status would be pointless.
func (c StatusCode) IsPermanentFailure() bool {
	return c == StatusObjectUnknown || c == StatusUnknownClient
}

// ObjectID identifies an object the application cares about. Equality and
// hashing are structural: two ObjectIDs with the same Source and Name are
// the same object, regardless of which instance produced them.
type ObjectID struct {
	Source int32
	Name   string // immutable byte string; Go strings give this value semantics for free
}

// NewObjectID builds an ObjectID from a source and a name byte slice.
func NewObjectID(source int32, name []byte) ObjectID {
	return ObjectID{Source: source, Name: string(name)}
}

// Status is a server-supplied outcome code plus a human-readable note.
type Status struct {
	Code        StatusCode
	Description string
}

// Invalidation is a server notification that an object has a new version.
type Invalidation struct {
	ObjectID ObjectID
	Version  int64
	Payload  []byte // optional; may be nil
}

// RegistrationSummary is the compact digest of the client's confirmed
// registration set, attached to every outbound header so the server can
// detect divergence.
type RegistrationSummary struct {
	Count uint32
	Hash  uint64
}

// ClientExternalID is the application-supplied identity used to request a
// uniquifier.
type ClientExternalID struct {
	ClientType          int32
	ApplicationClientID []byte
}

// Equal reports whether two external ids name the same application client.
func (a ClientExternalID) Equal(b ClientExternalID) bool {
	return a.ClientType == b.ClientType && string(a.ApplicationClientID) == string(b.ApplicationClientID)
}

// ClientHeader is attached to every outbound message.
type ClientHeader struct {
	ClientToken         []byte // empty on ASSIGN_CLIENT_ID
	RegistrationSummary RegistrationSummary
	ClientTimeMs        int64
	MessageID           uint64
	ClientType          int32
	ProtocolVersion     int32
	ClientVersion       int32
}

// RegisterOperation is one pending (un)registration carried on an outbound
// OBJECT_CONTROL message.
type RegisterOperation struct {
	ObjectID       ObjectID
	SequenceNumber uint64
	Type           RegistrationOpType
}

// AckedInvalidation names an (object id, version) pair the client is
// acknowledging as delivered.
type AckedInvalidation struct {
	ObjectID ObjectID
	Version  int64
}

// InfoMessage carries free-form telemetry, bypassing batching.
type InfoMessage struct {
	PerformanceCounters []KeyValue
	ConfigParams        []KeyValue
}

// KeyValue is a simple string-keyed, integer-valued counter or parameter.
type KeyValue struct {
	Key   string
	Value int64
}

// ClientToServerMessage is the full outbound envelope.
type ClientToServerMessage struct {
	Header              ClientHeader
	Action              Action
	Nonce               []byte // set on ASSIGN_CLIENT_ID
	ClientID            []byte // set on UPDATE_SESSION / recovery
	ApplicationClientID *ClientExternalID
	RegisterOperations  []RegisterOperation
	AckedInvalidations  []AckedInvalidation
	SyncSubtrees        []RegistrationSubtree
	Info                *InfoMessage
}

// RegistrationSubtree is an opaque shard of the confirmed registration set
// sent in response to a server-initiated sync request.
type RegistrationSubtree struct {
	Data []byte
}

// RegistrationResult reports the server's outcome for one registration
// operation.
type RegistrationResult struct {
	Operation RegisterOperation
	Status    Status
}

// ServerToClientMessage is the full inbound envelope.
type ServerToClientMessage struct {
	MessageType             MessageType
	Status                  Status
	ClientID                []byte
	SessionToken            []byte
	Nonce                   []byte
	ClientType              int32
	HasClientType           bool
	AppClientID             *ClientExternalID
	NextPollIntervalMs      int64
	HasNextPollIntervalMs   bool
	NextHeartbeatIntervalMs int64
	HasNextHeartbeatMs      bool
	Invalidations           []Invalidation
	RegistrationResults     []RegistrationResult
	RegistrationSyncRequest bool
	InfoRequest             bool
	InvalidateAllObjects    bool // OBJECT_CONTROL repeat flag: too much state to enumerate, treat every registered object as stale
}
