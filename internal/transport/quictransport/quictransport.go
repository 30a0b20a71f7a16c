// Package quictransport implements the preferred, datagram-capable
// Transport backend (spec §4.3's "datagram-secure" mode): video rides
// unreliable QUIC datagrams, input and control each get their own
// reliable QUIC stream. The host is the only endpoint in scope, so
// Connect listens and accepts rather than dials, grounded on
// original_source/.../transport/quic.rs's stream layout (one stream
// per channel) reimplemented against quic-go instead of quinn.
package quictransport

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"

	"relaycast/internal/corerr"
	ourtls "relaycast/internal/tls"
	"relaycast/internal/transport"
	"relaycast/internal/wire"
)

// Transport is the quic-go backed Transport implementation.
type Transport struct {
	mu    sync.RWMutex
	state transport.State

	listener *quic.Listener
	conn     quic.Connection

	controlStream *controlChannel
	inputStream   quic.Stream

	stats *transport.StatsTracker

	pingCancel context.CancelFunc
	pingDone   chan struct{}
}

// New constructs an idle quictransport backend.
func New() *Transport {
	return &Transport{
		state: transport.StateIdle,
		stats: transport.NewStatsTracker(),
	}
}

func (t *Transport) setState(s transport.State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Connect listens on cfg.Addr, accepts one client connection, accepts
// its input and control streams (opened by the client in that order),
// and completes the Connect/ConnectResponse handshake (spec's
// connection protocol) before entering StateConnected.
func (t *Transport) Connect(ctx context.Context, cfg transport.Config) error {
	const op = "quictransport.Connect"
	t.setState(transport.StateConnecting)

	tlsConf, err := ourtls.HostCert(cfg.CertPath)
	if err != nil {
		return corerr.Wrap(corerr.InitFailed, op, "generate tls config", err)
	}
	tlsConf.NextProtos = []string{"relaycast"}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	qcfg := &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  timeout,
	}

	ln, err := quic.ListenAddr(cfg.Addr, tlsConf, qcfg)
	if err != nil {
		return corerr.Wrap(corerr.ConnectionFailed, op, "listen on "+cfg.Addr, err)
	}
	t.listener = ln

	conn, err := ln.Accept(ctx)
	if err != nil {
		return corerr.Wrap(corerr.ConnectionFailed, op, "accept connection", err)
	}
	t.conn = conn

	inputStream, err := conn.AcceptStream(ctx)
	if err != nil {
		return corerr.Wrap(corerr.ConnectionFailed, op, "accept input stream", err)
	}
	t.inputStream = inputStream

	ctlStream, err := conn.AcceptStream(ctx)
	if err != nil {
		return corerr.Wrap(corerr.ConnectionFailed, op, "accept control stream", err)
	}
	t.controlStream = newControlChannel(ctlStream)

	req, err := t.controlStream.recv()
	if err != nil {
		return corerr.Wrap(corerr.ConnectionFailed, op, "read connect request", err)
	}
	if req.Type != wire.ControlConnect {
		return corerr.New(corerr.ConnectionFailed, op, "expected connect control packet, got "+string(req.Type))
	}

	resp := &wire.ControlPacket{
		Type:          wire.ControlConnectResponse,
		Success:       true,
		ServerVersion: "relaycast-host",
	}
	if err := t.controlStream.send(resp); err != nil {
		return corerr.Wrap(corerr.ConnectionFailed, op, "write connect response", err)
	}

	pingCtx, cancel := context.WithCancel(context.Background())
	t.pingCancel = cancel
	t.pingDone = make(chan struct{})
	go t.pingLoop(pingCtx)

	t.setState(transport.StateConnected)
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("quic transport connected")
	return nil
}

// pingLoop sends a Ping control packet once a second and feeds the
// matching Pong's round trip into the stats tracker (spec's 1Hz
// ping/pong cadence).
func (t *Transport) pingLoop(ctx context.Context) {
	defer close(t.pingDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sentAt := time.Now()
			ping := &wire.ControlPacket{Type: wire.ControlPing, Timestamp: uint64(sentAt.UnixMicro())}
			if err := t.controlStream.send(ping); err != nil {
				return
			}
		}
	}
}

// SendVideo encodes pkt and sends it as an unreliable QUIC datagram.
// Per spec, video-send failures are swallowed (counted, not
// propagated): a lost datagram is expected steady-state behavior.
func (t *Transport) SendVideo(pkt *wire.VideoPacket) error {
	const op = "quictransport.SendVideo"
	t.mu.RLock()
	state, conn := t.state, t.conn
	t.mu.RUnlock()
	if err := transportGuard(op, state); err != nil {
		return err
	}

	buf := pkt.Encode(make([]byte, 0, wire.HeaderSize+len(pkt.Data)))
	if err := conn.SendDatagram(buf); err != nil {
		t.stats.RecordLoss(time.Now())
		return nil
	}
	t.stats.RecordSent(uint64(len(buf)))
	return nil
}

// RecvVideo blocks for the next inbound video datagram. The host
// normally has nothing to receive on the video channel (it is the
// producer), but the method is implemented for symmetry and for
// loopback testing.
func (t *Transport) RecvVideo(ctx context.Context) (*wire.VideoPacket, error) {
	const op = "quictransport.RecvVideo"
	t.mu.RLock()
	state, conn := t.state, t.conn
	t.mu.RUnlock()
	if err := transportGuard(op, state); err != nil {
		return nil, err
	}

	buf, err := conn.ReceiveDatagram(ctx)
	if err != nil {
		return nil, corerr.Wrap(corerr.ConnectionFailed, op, "receive datagram", err)
	}
	pkt, err := wire.DecodeVideoPacket(buf)
	if err != nil {
		return nil, err
	}
	t.stats.RecordSuccess(uint64(len(buf)), time.Now())
	return pkt, nil
}

// SendInput writes evt to the reliable input stream, framed per
// wire.FramedInputPacket.
func (t *Transport) SendInput(evt *wire.InputEvent) error {
	const op = "quictransport.SendInput"
	t.mu.RLock()
	state, stream := t.state, t.inputStream
	t.mu.RUnlock()
	if err := transportGuard(op, state); err != nil {
		return err
	}

	framed := &wire.FramedInputPacket{Seq: uint64(time.Now().UnixNano()), Event: *evt}
	buf, err := framed.Encode(nil)
	if err != nil {
		return err
	}
	if _, err := stream.Write(buf); err != nil {
		return corerr.Wrap(corerr.Io, op, "write input stream", err)
	}
	t.stats.RecordSent(uint64(len(buf)))
	return nil
}

// RecvInputAck reads the next framed packet off the input stream.
// The host side uses this to read client-originated input, despite
// the "ack" name inherited from the interface's viewer-centric
// framing: on the input stream, host and client both speak
// FramedInputPacket.
func (t *Transport) RecvInputAck(ctx context.Context) (*wire.FramedInputPacket, error) {
	const op = "quictransport.RecvInputAck"
	t.mu.RLock()
	state, stream := t.state, t.inputStream
	t.mu.RUnlock()
	if err := transportGuard(op, state); err != nil {
		return nil, err
	}
	return readFramedInput(ctx, stream)
}

// SendControl writes pkt to the reliable control stream.
func (t *Transport) SendControl(pkt *wire.ControlPacket) error {
	const op = "quictransport.SendControl"
	t.mu.RLock()
	state, ctl := t.state, t.controlStream
	t.mu.RUnlock()
	if err := transportGuard(op, state); err != nil {
		return err
	}
	return ctl.send(pkt)
}

// RecvControl reads the next control packet, transparently answering
// Pings with a Pong carrying the same timestamp and consuming Pong
// replies to feed the stats tracker's RTT sample, before returning
// the next packet of any other type to the caller.
func (t *Transport) RecvControl(ctx context.Context) (*wire.ControlPacket, error) {
	const op = "quictransport.RecvControl"
	t.mu.RLock()
	state, ctl := t.state, t.controlStream
	t.mu.RUnlock()
	if err := transportGuard(op, state); err != nil {
		return nil, err
	}

	for {
		pkt, err := ctl.recvCtx(ctx)
		if err != nil {
			return nil, corerr.Wrap(corerr.ConnectionFailed, op, "read control stream", err)
		}
		if pkt.Type == wire.ControlPong {
			sentAt := time.UnixMicro(int64(pkt.Timestamp))
			t.stats.RecordRTT(float64(time.Since(sentAt).Microseconds()) / 1000.0)
			continue
		}
		if pkt.Type == wire.ControlPing {
			_ = ctl.send(&wire.ControlPacket{Type: wire.ControlPong, Timestamp: pkt.Timestamp})
			continue
		}
		return pkt, nil
	}
}

// Stats returns a snapshot of the transport's network statistics.
func (t *Transport) Stats() transport.NetworkStats { return t.stats.Snapshot() }

// Disconnect sends a best-effort Disconnect control packet, allows
// DrainBudget for queued sends, then tears down streams and the
// connection.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.state == transport.StateClosed || t.state == transport.StateIdle {
		t.mu.Unlock()
		return nil
	}
	t.state = transport.StateDraining
	ctl, conn, ln, cancel, pingDone := t.controlStream, t.conn, t.listener, t.pingCancel, t.pingDone
	t.mu.Unlock()

	if ctl != nil {
		_ = ctl.send(&wire.ControlPacket{Type: wire.ControlDisconnect, Reason: "server shutdown"})
	}
	time.Sleep(transport.DrainBudget)

	if cancel != nil {
		cancel()
	}
	if pingDone != nil {
		select {
		case <-pingDone:
		case <-time.After(transport.DrainBudget):
		}
	}
	if conn != nil {
		_ = conn.CloseWithError(0, "disconnect")
	}
	if ln != nil {
		_ = ln.Close()
	}

	t.setState(transport.StateClosed)
	return nil
}

func (t *Transport) Mode() transport.Mode { return transport.ModeDatagramSecure }

func (t *Transport) State() transport.State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func transportGuard(op string, state transport.State) error {
	if state != transport.StateConnected {
		return corerr.New(corerr.NotConnected, op, "transport is not connected")
	}
	return nil
}

func readFramedInput(ctx context.Context, stream quic.Stream) (*wire.FramedInputPacket, error) {
	hdr := make([]byte, 12)
	if err := readFull(ctx, stream, hdr); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[8:12])
	body := make([]byte, 12+int(length))
	copy(body, hdr)
	if err := readFull(ctx, stream, body[12:]); err != nil {
		return nil, err
	}
	pkt, _, err := wire.DecodeFramedInputPacket(body)
	return pkt, err
}

func readFull(ctx context.Context, stream quic.Stream, buf []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
		defer stream.SetReadDeadline(time.Time{})
	}
	read := 0
	for read < len(buf) {
		n, err := stream.Read(buf[read:])
		read += n
		if err != nil {
			return err
		}
	}
	return nil
}

// controlChannel frames ControlPacket JSON values with a 4-byte
// big-endian length prefix over a QUIC stream, since the control
// stream (unlike the binary video/input wire formats) carries
// variable-length JSON objects with no self-delimiting terminator.
type controlChannel struct {
	mu     sync.Mutex
	stream quic.Stream
}

func newControlChannel(s quic.Stream) *controlChannel {
	return &controlChannel{stream: s}
}

func (c *controlChannel) send(pkt *wire.ControlPacket) error {
	body, err := pkt.Encode()
	if err != nil {
		return err
	}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(body)))

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.stream.Write(hdr); err != nil {
		return corerr.Wrap(corerr.Io, "quictransport.controlChannel.send", "write length prefix", err)
	}
	if _, err := c.stream.Write(body); err != nil {
		return corerr.Wrap(corerr.Io, "quictransport.controlChannel.send", "write body", err)
	}
	return nil
}

func (c *controlChannel) recv() (*wire.ControlPacket, error) {
	return c.recvCtx(context.Background())
}

func (c *controlChannel) recvCtx(ctx context.Context) (*wire.ControlPacket, error) {
	hdr := make([]byte, 4)
	if err := readFull(ctx, c.stream, hdr); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr)
	body := make([]byte, length)
	if err := readFull(ctx, c.stream, body); err != nil {
		return nil, err
	}
	return wire.DecodeControlPacket(body)
}
