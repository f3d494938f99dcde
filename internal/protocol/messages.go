// Package protocol defines the wire messages exchanged between the
// forwarder, server, and receiver processes over a persistent TCP
// connection, and the CBOR codec used to frame them.
//
// Every message travels inside an Envelope carrying a `kind` tag and the
// CBOR-encoded body. Connections decode the envelope once and route on the
// kind; there are no string-keyed handler tables.
package protocol

// Message kinds. Frozen for v1; new kinds may be added but existing ones
// never change meaning.
const (
	KindForwarderHello   = "forwarder_hello"
	KindReceiverHello    = "receiver_hello"
	KindHelloAck         = "hello_ack"
	KindHelloReject      = "hello_reject"
	KindEventBatch       = "event_batch"
	KindBatchAck         = "batch_ack"
	KindEpochReset       = "epoch_reset"
	KindStreamReset      = "stream_reset"
	KindSetSelection     = "set_selection"
	KindSelectionApplied = "selection_applied"
	KindReceiverAck      = "receiver_ack"
	KindHeartbeat        = "heartbeat"
	KindError            = "error"
)

// Error codes carried by HelloReject and ErrorMessage. The retryable column
// tells the client whether reconnecting with the same credential can help.
const (
	CodeInvalidToken      = "INVALID_TOKEN"      // retryable: false
	CodeSessionExpired    = "SESSION_EXPIRED"    // retryable: true
	CodeProtocolError     = "PROTOCOL_ERROR"     // retryable: false
	CodeIdentityMismatch  = "IDENTITY_MISMATCH"  // retryable: false
	CodeIntegrityConflict = "INTEGRITY_CONFLICT" // retryable: false
	CodeDuplicateSession  = "DUPLICATE_SESSION"  // retryable: true
	CodeBackpressure      = "BACKPRESSURE"       // retryable: true
	CodeInternalError     = "INTERNAL_ERROR"     // retryable: true
)

// StreamRef identifies a stream by its immutable identity: which forwarder
// it sits behind and the key of the reader on that forwarder.
type StreamRef struct {
	ForwarderID string `cbor:"forwarder_id"`
	ReaderKey   string `cbor:"reader_key"`
}

// ReadEvent is one identification read. Identity is (stream, epoch, seq);
// redelivery with the same identity is always safe.
type ReadEvent struct {
	ForwarderID string `cbor:"forwarder_id"`
	ReaderKey   string `cbor:"reader_key"`
	// StreamID is filled in by the server on the receiver-facing leg;
	// forwarders leave it empty.
	StreamID        string `cbor:"stream_id,omitempty"`
	Epoch           uint64 `cbor:"epoch"`
	Seq             uint64 `cbor:"seq"`
	ReaderTimestamp string `cbor:"reader_timestamp"`
	RawLine         string `cbor:"raw_line"`
	ReadType        string `cbor:"read_type"`
}

// ResumeCursor reports the highest sequence a device has already processed
// for one (stream, epoch), so the server can skip what the device has.
type ResumeCursor struct {
	StreamRef
	Epoch   uint64 `cbor:"epoch"`
	LastSeq uint64 `cbor:"last_seq"`
}

// AckEntry is one high-water mark inside a BatchAck or ReceiverAck. A single
// ack message may span several (stream, epoch) pairs when a batch does.
type AckEntry struct {
	StreamRef
	StreamID string `cbor:"stream_id,omitempty"`
	Epoch    uint64 `cbor:"epoch"`
	UpToSeq  uint64 `cbor:"up_to_seq"`
}

// Epoch scope values for race selections.
const (
	EpochScopeAll     = "all"
	EpochScopeCurrent = "current"
)

// Selection modes.
const (
	SelectionManual = "manual"
	SelectionRace   = "race"
)

// Selection is a receiver's declared interest: an explicit stream list, or
// a race with an epoch scope the server resolves to concrete targets.
type Selection struct {
	Mode       string      `cbor:"mode"`
	Streams    []StreamRef `cbor:"streams,omitempty"`
	RaceID     string      `cbor:"race_id,omitempty"`
	EpochScope string      `cbor:"epoch_scope,omitempty"`
}

// Target is one resolved (stream, epoch) pair a receiver is subscribed to.
type Target struct {
	StreamRef
	StreamID string `cbor:"stream_id"`
	Epoch    uint64 `cbor:"epoch"`
}

// ForwarderHello opens a forwarder session. Sent first after connect and
// again (as a re-hello) after an epoch reset to refresh resume cursors.
type ForwarderHello struct {
	ForwarderID string         `cbor:"forwarder_id"`
	Credential  string         `cbor:"credential"`
	DisplayName string         `cbor:"display_name,omitempty"`
	ReaderKeys  []string       `cbor:"reader_keys"`
	Resume      []ResumeCursor `cbor:"resume,omitempty"`
}

// ReceiverHello opens a receiver session with its selection and the cursors
// the receiver holds locally. The server resumes each target from the max of
// the client cursor and its own.
type ReceiverHello struct {
	ReceiverID string         `cbor:"receiver_id"`
	Credential string         `cbor:"credential"`
	Selection  Selection      `cbor:"selection"`
	Cursors    []ResumeCursor `cbor:"cursors,omitempty"`
}

// HelloAck confirms a hello and assigns the session id used in all
// subsequent messages on this connection.
type HelloAck struct {
	SessionID string `cbor:"session_id"`
	DeviceID  string `cbor:"device_id"`
}

// HelloReject refuses a hello. The connection is closed afterwards.
type HelloReject struct {
	Code      string `cbor:"code"`
	Message   string `cbor:"message"`
	Retryable bool   `cbor:"retryable"`
}

// EventBatch carries reads uplink (forwarder→server) or downlink
// (server→receiver). BatchID is an opaque correlation id for logging only;
// acks reference (stream, epoch, seq), never the batch id.
type EventBatch struct {
	SessionID string      `cbor:"session_id"`
	BatchID   string      `cbor:"batch_id,omitempty"`
	Events    []ReadEvent `cbor:"events"`
}

// BatchAck acknowledges a persisted uplink batch.
type BatchAck struct {
	SessionID string     `cbor:"session_id"`
	Entries   []AckEntry `cbor:"entries"`
}

// ReceiverAck acknowledges delivered events downstream.
type ReceiverAck struct {
	SessionID string     `cbor:"session_id"`
	Entries   []AckEntry `cbor:"entries"`
}

// EpochReset commands a forwarder to start a new epoch on one of its
// streams. Seq restarts at 1; unacked events from older epochs remain
// replayable under their original keys until drained.
type EpochReset struct {
	SessionID string `cbor:"session_id"`
	ReaderKey string `cbor:"reader_key"`
	NewEpoch  uint64 `cbor:"new_epoch"`
}

// StreamReset informs a receiver that a stream moved to a new epoch.
type StreamReset struct {
	StreamRef
	StreamID string `cbor:"stream_id"`
	NewEpoch uint64 `cbor:"new_epoch"`
}

// SetSelection replaces a receiver's selection mid-session without dropping
// the transport.
type SetSelection struct {
	SessionID string    `cbor:"session_id"`
	Selection Selection `cbor:"selection"`
}

// SelectionApplied reports the resolved target set for the current
// selection, plus non-fatal warnings (e.g. mapping disagreements).
type SelectionApplied struct {
	SessionID string   `cbor:"session_id"`
	Targets   []Target `cbor:"targets"`
	Warnings  []string `cbor:"warnings,omitempty"`
}

// Heartbeat keeps sessions alive. The server sends one every interval;
// prolonged silence in either direction ends the session.
type Heartbeat struct {
	SessionID string `cbor:"session_id"`
}

// ErrorMessage is a fatal or advisory error frame. Non-retryable errors mean
// the client must not reconnect with the same credential/state.
type ErrorMessage struct {
	Code      string `cbor:"code"`
	Message   string `cbor:"message"`
	Retryable bool   `cbor:"retryable"`
}
