package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event kind constants matching the BPF program
const (
	EVENT_EXEC       = 0
	EVENT_CONNECT    = 1
	EVENT_ACCEPT     = 2
	EVENT_CLOSE      = 3
	EVENT_READ_SOCK  = 4
	EVENT_WRITE_SOCK = 5
	EVENT_READ_PIPE  = 6
	EVENT_WRITE_PIPE = 7
	EVENT_RANDOM     = 8
	EVENT_OVERFLOW   = 9
)

// RecordHeader is the fixed prefix of every ring record. The layout is
// shared with bpf/capture.c; all fields are little-endian.
type RecordHeader struct {
	Len       uint16
	Kind      uint16
	Timestamp uint64
	Pid       uint32
	Fd        uint32
	Seq       uint32
}

// RecordHeaderSize is the encoded size of RecordHeader: six fields packed
// back to back, 24 bytes. The record length field counts header plus
// payload.
const RecordHeaderSize = 24

// RawEvent is one captured syscall effect, decoded from the ring.
type RawEvent struct {
	Kind      uint16
	Timestamp uint64
	Pid       uint32
	Fd        uint32
	Seq       uint32
	Payload   []byte
}

func (e *RawEvent) KindName() string {
	switch e.Kind {
	case EVENT_EXEC:
		return "exec"
	case EVENT_CONNECT:
		return "connect"
	case EVENT_ACCEPT:
		return "accept"
	case EVENT_CLOSE:
		return "close"
	case EVENT_READ_SOCK:
		return "read_sock"
	case EVENT_WRITE_SOCK:
		return "write_sock"
	case EVENT_READ_PIPE:
		return "read_pipe"
	case EVENT_WRITE_PIPE:
		return "write_pipe"
	case EVENT_RANDOM:
		return "random"
	case EVENT_OVERFLOW:
		return "overflow"
	}
	return fmt.Sprintf("unknown(%d)", e.Kind)
}

// ConnectionID is assigned by the demultiplexer, monotonically per run.
type ConnectionID uint64

func (id ConnectionID) String() string {
	return fmt.Sprintf("connection%08x", uint64(id))
}

// MessageID is a process-wide monotonic counter, assigned in capture order
// within one direction of one connection.
type MessageID uint64

// ConnectionState is the lifecycle of the per-connection decoder.
type ConnectionState string

const (
	StateHandshaking   ConnectionState = "handshaking"
	StateSecure        ConnectionState = "secure"
	StateOpaque        ConnectionState = "opaque"
	StateFailedDecrypt ConnectionState = "failed_decrypt"
	StateClosed        ConnectionState = "closed"
)

// Connection is one full-duplex byte channel of a target helper,
// identified by (pid, fd, incarnation). The fd may be reused after close;
// incarnation disambiguates.
type Connection struct {
	ID          ConnectionID `json:"connection_id"`
	Pid         uint32       `json:"pid"`
	Fd          uint32       `json:"fd"`
	Incarnation uint32       `json:"incarnation"`
	Alias       string       `json:"alias"`
	RemoteAddr  string       `json:"remote_addr"`
	Incoming    bool         `json:"incoming"`

	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at,omitempty"`

	State ConnectionState `json:"state"`

	StatsIn  DirectionStats `json:"stats_in"`
	StatsOut DirectionStats `json:"stats_out"`
}

// DirectionStats are the running counters of one direction.
// Decrypted and failed need not add up to total: bytes of the pnet nonce,
// the negotiation, the handshake and opaque traffic count in neither.
type DirectionStats struct {
	TotalBytes     uint64 `json:"total_bytes"`
	DecryptedBytes uint64 `json:"decrypted_bytes"`
	FailedBytes    uint64 `json:"failed_bytes"`
	Chunks         uint64 `json:"chunks"`
	Messages       uint64 `json:"messages"`
	Desynced       bool   `json:"desynced,omitempty"`
}

// StreamID identifies a logical channel inside a connection. Non-negative
// values are streams opened by the initiator, negative by the responder,
// StreamHandshake is the connection-level pseudo stream.
type StreamID int64

const StreamHandshake StreamID = -1 << 63

func ForwardStream(n uint64) StreamID  { return StreamID(n) }
func BackwardStream(n uint64) StreamID { return StreamID(-int64(n) - 1) }

func (s StreamID) String() string {
	switch {
	case s == StreamHandshake:
		return "handshake"
	case s >= 0:
		return fmt.Sprintf("forward_%08x", int64(s))
	default:
		return fmt.Sprintf("backward_%08x", -int64(s)-1)
	}
}

func ParseStreamID(s string) (StreamID, error) {
	switch {
	case s == "handshake":
		return StreamHandshake, nil
	case strings.HasPrefix(s, "forward_"):
		n, err := strconv.ParseUint(strings.TrimPrefix(s, "forward_"), 16, 63)
		if err != nil {
			return 0, err
		}
		return ForwardStream(n), nil
	case strings.HasPrefix(s, "backward_"):
		n, err := strconv.ParseUint(strings.TrimPrefix(s, "backward_"), 16, 63)
		if err != nil {
			return 0, err
		}
		return BackwardStream(n), nil
	}
	return 0, fmt.Errorf("bad stream id %q", s)
}

// StreamKind is the negotiated protocol of a stream, a closed set.
type StreamKind uint16

const (
	StreamKindUnknown   StreamKind = 0xffff
	StreamKindHandshake StreamKind = 0x0001
	StreamKindKad       StreamKind = 0x0100
	StreamKindIdentify  StreamKind = 0x0200
	StreamKindPush      StreamKind = 0x0201
	StreamKindDelta     StreamKind = 0x0202
	StreamKindPeerX     StreamKind = 0x0300
	StreamKindBitswap   StreamKind = 0x0301
	StreamKindStatus    StreamKind = 0x0302
	StreamKindMeshsub   StreamKind = 0x0400
	StreamKindRpc       StreamKind = 0x0500
	StreamKindSelect    StreamKind = 0x0600
	StreamKindMplex     StreamKind = 0x0700
	StreamKindYamux     StreamKind = 0x0701
)

var streamKindNames = map[StreamKind]string{
	StreamKindHandshake: "/noise",
	StreamKindKad:       "/coda/kad/1.0.0",
	StreamKindIdentify:  "/ipfs/id/1.0.0",
	StreamKindPush:      "/ipfs/id/push/1.0.0",
	StreamKindDelta:     "/p2p/id/delta/1.0.0",
	StreamKindPeerX:     "/mina/peer-exchange",
	StreamKindBitswap:   "/mina/bitswap-exchange",
	StreamKindStatus:    "/mina/node-status",
	StreamKindMeshsub:   "/meshsub/1.1.0",
	StreamKindRpc:       "coda/rpcs/0.0.1",
	StreamKindSelect:    "/multistream/1.0.0",
	StreamKindMplex:     "/coda/mplex/1.0.0",
	StreamKindYamux:     "/coda/yamux/1.0.0",
}

func (k StreamKind) String() string {
	if s, ok := streamKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseStreamKind maps a negotiated protocol name to its kind.
// Names outside the closed set map to StreamKindUnknown.
func ParseStreamKind(name string) StreamKind {
	for k, s := range streamKindNames {
		if s == name {
			return k
		}
	}
	return StreamKindUnknown
}

// Stream is a multiplexed logical channel of a connection.
type Stream struct {
	ConnectionID ConnectionID `json:"connection_id"`
	StreamID     StreamID     `json:"stream_id"`
	Kind         StreamKind   `json:"stream_kind"`
	Incoming     bool         `json:"incoming"`
	OpenedAt     time.Time    `json:"opened_at"`
	ClosedAt     time.Time    `json:"closed_at,omitempty"`
	Reset        bool         `json:"reset,omitempty"`
}

// MessageKind is the closed enumeration of typed application records.
type MessageKind string

const (
	KindHandshakePayload MessageKind = "handshake_payload"
	KindSubscribe        MessageKind = "subscribe"
	KindUnsubscribe      MessageKind = "unsubscribe"
	KindNewState         MessageKind = "publish_new_state"
	KindSnarkPoolDiff    MessageKind = "publish_snark_pool_diff"
	KindTxPoolDiff       MessageKind = "publish_transaction_pool_diff"
	KindPublishTest      MessageKind = "publish_test_message"
	KindControlIHave     MessageKind = "control_ihave"
	KindControlIWant     MessageKind = "control_iwant"
	KindControlGraft     MessageKind = "control_graft"
	KindControlPrune     MessageKind = "control_prune"
	KindKadFindNode      MessageKind = "kad_find_node"
	KindKadPutValue      MessageKind = "kad_put_value"
	KindKadGetValue      MessageKind = "kad_get_value"
	KindKadAddProvider   MessageKind = "kad_add_provider"
	KindKadGetProviders  MessageKind = "kad_get_providers"
	KindKadPing          MessageKind = "kad_ping"
	KindIdentify         MessageKind = "identify"
	KindIdentifyPush     MessageKind = "identify_push"
	KindRpcQuery         MessageKind = "rpc_query"
	KindRpcResponse      MessageKind = "rpc_response"
	KindRpcHeartbeat     MessageKind = "rpc_heartbeat"
	KindRpcMagic         MessageKind = "rpc_magic"
	KindSelect           MessageKind = "select"
	KindDataLoss         MessageKind = "data_loss"
	KindOpaque           MessageKind = "opaque"
)

// Message is one plaintext frame that belongs to a stream.
type Message struct {
	ID           MessageID    `json:"message_id"`
	ConnectionID ConnectionID `json:"connection_id"`
	RemoteAddr   string       `json:"remote_addr"`
	StreamID     StreamID     `json:"stream_id"`
	StreamKind   StreamKind   `json:"stream_kind"`
	Kind         MessageKind  `json:"message_kind"`
	Incoming     bool         `json:"incoming"`
	Timestamp    time.Time    `json:"timestamp"`
	Size         uint32       `json:"size"`
	Brief        string       `json:"brief,omitempty"`
	ParseError   string       `json:"parse_error,omitempty"`
}

// BlockObservation is one sighting of a block hash on the wire.
type BlockObservation struct {
	ConnectionID ConnectionID `json:"connection_id"`
	MessageID    MessageID    `json:"message_id"`
	RemoteAddr   string       `json:"remote_addr"`
	Incoming     bool         `json:"incoming"`
	Timestamp    time.Time    `json:"timestamp"`
}

// BlockRecord is the derived index entry of a new-state gossip message.
// Its observation list is append-only, ordered by timestamp.
type BlockRecord struct {
	Height       uint32             `json:"height"`
	Hash         string             `json:"hash"`
	Producer     string             `json:"producer,omitempty"`
	GlobalSlot   uint32             `json:"global_slot,omitempty"`
	FirstSeen    time.Time          `json:"first_seen"`
	Observations []BlockObservation `json:"observations"`
}

// IPCEvent is one decoded frame of the node<->helper stdio protocol.
type IPCEvent struct {
	Pid       uint32    `json:"pid"`
	Height    uint32    `json:"height,omitempty"`
	Incoming  bool      `json:"incoming"` // helper stdin -> true
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Size      uint32    `json:"size"`
}

// Gap is a persisted data-loss marker caused by ring overflow.
type Gap struct {
	Pid          uint32       `json:"pid"`
	Fd           uint32       `json:"fd"`
	ConnectionID ConnectionID `json:"connection_id,omitempty"`
	Incoming     bool         `json:"incoming"`
	Dropped      uint64       `json:"dropped"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Secret is ephemeral key material. It is held only while the owning
// connection needs it and must be zeroed on release; it is never persisted
// and never logged.
type Secret [32]byte

func (s *Secret) Zero() {
	for i := range s {
		s[i] = 0
	}
}
