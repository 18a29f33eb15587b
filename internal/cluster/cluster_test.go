package cluster

import (
	"context"
	"distributed-kvstore/internal/codec"
	"distributed-kvstore/internal/logging"
	"distributed-kvstore/internal/store"
	"distributed-kvstore/internal/transport"
	"net"
	"testing"
	"time"
)

// testNode bundles a running Node with the plumbing a test needs to
// talk to it and tear it down.
type testNode struct {
	node       *Node
	clientAddr string
	networkAddr string
	cancel     context.CancelFunc
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startNode(t *testing.T, clientAddr, networkAddr, primaryAddr string, heartbeatInterval, primaryTimeout time.Duration) *testNode {
	t.Helper()

	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := logging.FromEnv(networkAddr)
	simple := transport.NewSimpleSender(log)
	reliable := transport.NewReliableSender(log)

	clientRecv := transport.NewReceiver(clientAddr, 0, log)
	var networkRecv *transport.Receiver
	if networkAddr != "" {
		networkRecv = transport.NewReceiver(networkAddr, 0, log)
	}

	ctx, cancel := context.WithCancel(context.Background())

	go clientRecv.Run(ctx)
	var networkInbound <-chan transport.Envelope
	if networkRecv != nil {
		go networkRecv.Run(ctx)
		networkInbound = networkRecv.Inbound()
	}

	waitListening(t, clientAddr)
	if networkAddr != "" {
		waitListening(t, networkAddr)
	}

	n := New(Config{
		SelfAddr:          networkAddr,
		PrimaryAddr:       primaryAddr,
		Single:            networkAddr == "",
		Store:             st,
		Simple:            simple,
		Reliable:          reliable,
		ClientInbound:     clientRecv.Inbound(),
		NetworkInbound:    networkInbound,
		Log:               log,
		HeartbeatInterval: heartbeatInterval,
		PrimaryTimeout:    primaryTimeout,
	})

	go n.Run(ctx)

	return &testNode{node: n, clientAddr: clientAddr, networkAddr: networkAddr, cancel: cancel}
}

func (tn *testNode) stop() {
	tn.cancel()
}

func waitListening(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener on %s never came up", addr)
}

func clientGet(t *testing.T, addr, key string) codec.Reply {
	t.Helper()
	return clientCommand(t, addr, codec.ClientCommand{Kind: codec.CmdGet, Key: key})
}

func clientSet(t *testing.T, addr, key, value string) codec.Reply {
	t.Helper()
	return clientCommand(t, addr, codec.ClientCommand{Kind: codec.CmdSet, Key: key, Value: value})
}

func clientCommand(t *testing.T, addr string, cmd codec.ClientCommand) codec.Reply {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	data, err := codec.EncodeClientCommand(cmd)
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	if err := codec.WriteFrame(conn, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	payload, err := codec.ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	reply, err := codec.DecodeReply(payload)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func networkMessage(t *testing.T, addr string, msg codec.Message) (codec.Reply, bool) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()

	data, err := codec.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	if err := codec.WriteFrame(conn, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	payload, err := codec.ReadFrame(conn, 0)
	if err != nil {
		return codec.Reply{}, false
	}
	reply, err := codec.DecodeReply(payload)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply, true
}

// Scenario A: single primary, no replication.
func TestScenarioSingleNodeRoundTrip(t *testing.T) {
	clientAddr := freeAddr(t)
	networkAddr := freeAddr(t)
	tn := startNode(t, clientAddr, networkAddr, "", 0, 0)
	defer tn.stop()

	if got := clientGet(t, clientAddr, "k1"); got.Present {
		t.Fatalf("Get before Set = %+v, want absent", got)
	}
	if got := clientSet(t, clientAddr, "k1", "v1"); !got.Present || got.Value != "v1" {
		t.Fatalf("Set = %+v, want Some(v1)", got)
	}
	if got := clientGet(t, clientAddr, "k1"); !got.Present || got.Value != "v1" {
		t.Fatalf("Get after Set = %+v, want Some(v1)", got)
	}
}

func TestSingleRoleHasNoNetworkPort(t *testing.T) {
	clientAddr := freeAddr(t)
	tn := startNode(t, clientAddr, "", "", 0, 0)
	defer tn.stop()

	if tn.node.Role() != RoleSingle {
		t.Fatalf("role = %s, want single", tn.node.Role())
	}
	if got := clientSet(t, clientAddr, "k", "v"); !got.Present || got.Value != "v" {
		t.Fatalf("Set on single node = %+v, want Some(v)", got)
	}
}

// Scenario B: primary + one backup, replication after quiescence.
func TestScenarioReplicationToBackup(t *testing.T) {
	primaryClient := freeAddr(t)
	primaryNetwork := freeAddr(t)
	primary := startNode(t, primaryClient, primaryNetwork, "", 50*time.Millisecond, 2*time.Second)
	defer primary.stop()

	backupClient := freeAddr(t)
	backupNetwork := freeAddr(t)
	backup := startNode(t, backupClient, backupNetwork, primaryNetwork, 50*time.Millisecond, 2*time.Second)
	defer backup.stop()

	if got := clientSet(t, primaryClient, "K", "V"); !got.Present || got.Value != "V" {
		t.Fatalf("Set on primary = %+v, want Some(V)", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got codec.Reply
	for time.Now().Before(deadline) {
		got = clientGet(t, backupClient, "K")
		if got.Present && got.Value == "V" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Get(K) on backup = %+v, want Some(V)", got)
}

// Scenario C: forwarding a write to the backup's client port.
func TestScenarioForwardingFromBackup(t *testing.T) {
	primaryClient := freeAddr(t)
	primaryNetwork := freeAddr(t)
	primary := startNode(t, primaryClient, primaryNetwork, "", 50*time.Millisecond, 2*time.Second)
	defer primary.stop()

	backupClient := freeAddr(t)
	backupNetwork := freeAddr(t)
	backup := startNode(t, backupClient, backupNetwork, primaryNetwork, 50*time.Millisecond, 2*time.Second)
	defer backup.stop()

	waitSubscribed(t, primary.node)

	got := clientSet(t, backupClient, "K2", "V2")
	if !got.Present || got.Value != "V2" {
		t.Fatalf("Set on backup client port = %+v, want Some(V2)", got)
	}

	if got := clientGet(t, primaryClient, "K2"); !got.Present || got.Value != "V2" {
		t.Fatalf("Get(K2) on primary = %+v, want Some(V2)", got)
	}
	if got := clientGet(t, backupClient, "K2"); !got.Present || got.Value != "V2" {
		t.Fatalf("Get(K2) on backup = %+v, want Some(V2)", got)
	}
}

// Scenario E: a Set sent to a Backup's network port is rejected.
func TestScenarioSetRejectedOnBackupNetworkPort(t *testing.T) {
	primaryClient := freeAddr(t)
	primaryNetwork := freeAddr(t)
	primary := startNode(t, primaryClient, primaryNetwork, "", 50*time.Millisecond, 2*time.Second)
	defer primary.stop()

	backupClient := freeAddr(t)
	backupNetwork := freeAddr(t)
	backup := startNode(t, backupClient, backupNetwork, primaryNetwork, 50*time.Millisecond, 2*time.Second)
	defer backup.stop()

	cmd := codec.ClientCommand{Kind: codec.CmdSet, Key: "nope", Value: "nope"}
	_, replied := networkMessage(t, backupNetwork, codec.Message{Kind: codec.MsgForward, Cmd: &cmd})
	if replied {
		t.Fatalf("expected no reply to Forward sent to a backup's network port")
	}

	if got := clientGet(t, backupClient, "nope"); got.Present {
		t.Fatalf("Get(nope) on backup = %+v, want absent (no state change)", got)
	}
}

// Scenario E variant: Subscribe rejected on a Backup.
func TestScenarioSubscribeRejectedOnBackup(t *testing.T) {
	primaryClient := freeAddr(t)
	primaryNetwork := freeAddr(t)
	primary := startNode(t, primaryClient, primaryNetwork, "", 50*time.Millisecond, 2*time.Second)
	defer primary.stop()

	backupClient := freeAddr(t)
	backupNetwork := freeAddr(t)
	backup := startNode(t, backupClient, backupNetwork, primaryNetwork, 50*time.Millisecond, 2*time.Second)
	defer backup.stop()

	_, replied := networkMessage(t, backupNetwork, codec.Message{Kind: codec.MsgSubscribe, BackupAddr: "127.0.0.1:1"})
	if replied {
		t.Fatalf("expected no reply to Subscribe sent to a backup")
	}
}

func waitSubscribed(t *testing.T, primary *Node) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(primary.Backups()) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("backup never subscribed to primary")
}

// Scenario D: promotion after the primary is killed, then replication
// from the new primary reaches the remaining backup.
func TestScenarioPromotionAndPostPromotionReplication(t *testing.T) {
	if testing.Short() {
		t.Skip("promotion scenario needs several primary-timeout windows")
	}

	heartbeatInterval := 50 * time.Millisecond
	primaryTimeout := 300 * time.Millisecond

	primaryClient := freeAddr(t)
	primaryNetwork := freeAddr(t)
	primary := startNode(t, primaryClient, primaryNetwork, "", heartbeatInterval, primaryTimeout)

	// Pick addresses so backup1 < backup2 lexicographically is not
	// guaranteed by port allocation order, so sort them ourselves and
	// always treat addrs[0] as the promotion winner.
	addrsA := [2]string{freeAddr(t), freeAddr(t)}
	addrsB := [2]string{freeAddr(t), freeAddr(t)}
	var lowClient, lowNetwork, highClient, highNetwork string
	if addrsA[1] < addrsB[1] {
		lowClient, lowNetwork = addrsA[0], addrsA[1]
		highClient, highNetwork = addrsB[0], addrsB[1]
	} else {
		lowClient, lowNetwork = addrsB[0], addrsB[1]
		highClient, highNetwork = addrsA[0], addrsA[1]
	}

	low := startNode(t, lowClient, lowNetwork, primaryNetwork, heartbeatInterval, primaryTimeout)
	defer low.stop()
	high := startNode(t, highClient, highNetwork, primaryNetwork, heartbeatInterval, primaryTimeout)
	defer high.stop()

	waitBackupCount(t, primary.node, 2)

	primary.stop()

	deadline := time.Now().Add(primaryTimeout*4 + 2*time.Second)
	for time.Now().Before(deadline) {
		if low.node.Role() == RolePrimary {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if low.node.Role() != RolePrimary {
		t.Fatalf("lowest-address backup role = %s, want primary", low.node.Role())
	}

	reply, replied := networkMessage(t, lowNetwork, codec.Message{Kind: codec.MsgPrimaryAddress})
	if !replied || reply.Value != lowNetwork {
		t.Fatalf("PrimaryAddress on promoted node = %+v, replied=%v, want %s", reply, replied, lowNetwork)
	}

	waitBackupCount(t, low.node, 1)

	if got := clientSet(t, lowClient, "K3", "V3"); !got.Present || got.Value != "V3" {
		t.Fatalf("Set on new primary = %+v, want Some(V3)", got)
	}

	deadline = time.Now().Add(2 * time.Second)
	var got codec.Reply
	for time.Now().Before(deadline) {
		got = clientGet(t, highClient, "K3")
		if got.Present && got.Value == "V3" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Get(K3) on surviving backup = %+v, want Some(V3)", got)
}

func waitBackupCount(t *testing.T, n *Node, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(n.Backups()) >= want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("backup count never reached %d, got %d", want, len(n.Backups()))
}
