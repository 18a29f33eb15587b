package codec

import (
	"fmt"

	"github.com/ugorji/go/codec"
)

// mh is the shared msgpack handle used to encode and decode every message
// that travels over a frame. Handles are safe for concurrent use once
// configured, so a single package-level instance is reused everywhere
// instead of allocating one per call.
var mh codec.MsgpackHandle

// ClientCommandKind tags the variant carried by a ClientCommand.
type ClientCommandKind byte

const (
	CmdGet ClientCommandKind = iota
	CmdSet
)

func (k ClientCommandKind) String() string {
	switch k {
	case CmdGet:
		return "Get"
	case CmdSet:
		return "Set"
	default:
		return fmt.Sprintf("ClientCommandKind(%d)", byte(k))
	}
}

// ClientCommand is every message a client may send to the client port.
// Value is only meaningful for Set.
type ClientCommand struct {
	Kind  ClientCommandKind
	Key   string
	Value string
}

// Reply is the uniform response shape for both ClientCommand and Message
// requests that expect a value back (Get, Set, Forward, PrimaryAddress).
// Present distinguishes "found/known" (Some) from "not found/unknown"
// (None) — Value is meaningless when Present is false.
type Reply struct {
	Present bool
	Value   string
}

// MessageKind tags the variant carried by a peer-network Message.
type MessageKind byte

const (
	MsgSubscribe MessageKind = iota
	MsgReplicate
	MsgForward
	MsgHeartbeat
	MsgPrimaryAddress
)

func (k MessageKind) String() string {
	switch k {
	case MsgSubscribe:
		return "Subscribe"
	case MsgReplicate:
		return "Replicate"
	case MsgForward:
		return "Forward"
	case MsgHeartbeat:
		return "Heartbeat"
	case MsgPrimaryAddress:
		return "PrimaryAddress"
	default:
		return fmt.Sprintf("MessageKind(%d)", byte(k))
	}
}

// Message is every message exchanged on the network (peer) port. Only the
// fields relevant to Kind are populated; the rest are zero values.
type Message struct {
	Kind MessageKind

	// Subscribe
	BackupAddr string

	// Replicate
	Key   string
	Value string

	// Forward
	Cmd *ClientCommand

	// Heartbeat. Peers piggybacks the primary's current membership (self
	// address plus every subscribed backup) on each heartbeat so that
	// backups can compute promotion rank and a promoted backup knows
	// who to announce itself to, without a dedicated membership message.
	PrimaryAddr string
	Peers       []string
}

// EncodeClientCommand serializes a ClientCommand to bytes suitable for a
// frame payload.
func EncodeClientCommand(cmd ClientCommand) ([]byte, error) {
	return encode(&cmd)
}

// DecodeClientCommand is the inverse of EncodeClientCommand.
func DecodeClientCommand(data []byte) (ClientCommand, error) {
	var cmd ClientCommand
	err := decode(data, &cmd)
	return cmd, err
}

// EncodeMessage serializes a Message to bytes suitable for a frame payload.
func EncodeMessage(msg Message) ([]byte, error) {
	return encode(&msg)
}

// DecodeMessage is the inverse of EncodeMessage.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	err := decode(data, &msg)
	return msg, err
}

// EncodeReply serializes a Reply to bytes suitable for a frame payload.
func EncodeReply(reply Reply) ([]byte, error) {
	return encode(&reply)
}

// DecodeReply is the inverse of EncodeReply.
func DecodeReply(data []byte) (Reply, error) {
	var reply Reply
	err := decode(data, &reply)
	return reply, err
}

func encode(v any) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, &mh)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return out, nil
}

func decode(data []byte, v any) error {
	dec := codec.NewDecoderBytes(data, &mh)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("codec: decode: %w", err)
	}
	return nil
}
