// Package netclient is a thin client-side helper: serialize a command
// or peer message, open one TCP connection, write a single frame,
// read the reply frame, and deserialize it (§2's "Client Command
// Dispatch" and §12's generic peer-probe helper). It does not retry —
// that's what Reliable Sender is for inside a Node — so it is only
// ever used by short-lived callers: the CLI and tests.
package netclient

import (
	"context"
	"distributed-kvstore/internal/codec"
	"fmt"
	"net"
)

// SendCommand opens a connection to a node's client port, sends cmd,
// and returns its reply.
func SendCommand(ctx context.Context, addr string, cmd codec.ClientCommand) (codec.Reply, error) {
	data, err := codec.EncodeClientCommand(cmd)
	if err != nil {
		return codec.Reply{}, fmt.Errorf("encode command: %w", err)
	}
	return roundTrip(ctx, addr, data)
}

// SendAndAwait opens a connection to a node's network port, sends msg,
// and returns its reply. Used by tests and by cmd/kvcli's
// primary-address subcommand to probe a node directly, outside the
// normal Node-to-Node traffic driven by the senders in
// internal/transport.
func SendAndAwait(ctx context.Context, addr string, msg codec.Message) (codec.Reply, error) {
	data, err := codec.EncodeMessage(msg)
	if err != nil {
		return codec.Reply{}, fmt.Errorf("encode message: %w", err)
	}
	return roundTrip(ctx, addr, data)
}

func roundTrip(ctx context.Context, addr string, payload []byte) (codec.Reply, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return codec.Reply{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := codec.WriteFrame(conn, payload); err != nil {
		return codec.Reply{}, fmt.Errorf("write frame: %w", err)
	}

	reply, err := codec.ReadFrame(conn, 0)
	if err != nil {
		return codec.Reply{}, fmt.Errorf("read frame: %w", err)
	}

	decoded, err := codec.DecodeReply(reply)
	if err != nil {
		return codec.Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return decoded, nil
}
