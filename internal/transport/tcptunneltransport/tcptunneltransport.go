// Package tcptunneltransport implements the reliable fallback Transport
// backend (spec §4.3's "tcp-tunnel" mode, used when neither QUIC
// datagrams nor a WebRTC PeerConnection can traverse the network
// path): video, input, and control are multiplexed as tagged binary
// messages over a single TLS WebSocket connection, so the tunnel
// survives the HTTP-only proxies that would block a raw TLS socket.
// Grounded on the teacher's sessionbroker (internal/sessionbroker/
// broker.go) for the listen/accept shape, adapted from a
// one-listener-many-clients broker to this package's single-session
// Transport contract, using gorilla/websocket (LanternOps-breeze) for
// the upgrade instead of a bare net.Listener.
package tcptunneltransport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"relaycast/internal/corerr"
	ourtls "relaycast/internal/tls"
	"relaycast/internal/transport"
	"relaycast/internal/wire"
)

type channelID byte

const (
	channelVideo   channelID = 0
	channelInput   channelID = 1
	channelControl channelID = 2
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Transport is the WebSocket-tunnel fallback backend. It downgrades
// every channel to reliable, ordered delivery over one connection,
// which the quality controller cannot tell apart from datagram loss:
// video packets simply never get dropped here, they queue instead.
type Transport struct {
	mu    sync.RWMutex
	state transport.State

	srv     *http.Server
	ws      *websocket.Conn
	writeMu sync.Mutex

	stats *transport.StatsTracker

	inputCh   chan *wire.FramedInputPacket
	controlCh chan *wire.ControlPacket
	connected chan struct{}
}

// New constructs an idle tcptunneltransport backend.
func New() *Transport {
	return &Transport{
		state:     transport.StateIdle,
		stats:     transport.NewStatsTracker(),
		inputCh:   make(chan *wire.FramedInputPacket, 64),
		controlCh: make(chan *wire.ControlPacket, 16),
		connected: make(chan struct{}),
	}
}

func (t *Transport) setState(s transport.State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Connect serves a single HTTPS endpoint ("/tunnel") on cfg.Addr with
// a self-signed certificate, upgrades the first request to a
// WebSocket, and blocks until that upgrade completes. It logs the
// downgrade per spec §4.3.
func (t *Transport) Connect(ctx context.Context, cfg transport.Config) error {
	const op = "tcptunneltransport.Connect"
	log.Warn().Str("addr", cfg.Addr).Msg("falling back to tcp-tunnel transport: video delivery is now reliable-ordered, not low-latency")
	t.setState(transport.StateConnecting)

	tlsConf, err := ourtls.HostCert(cfg.CertPath)
	if err != nil {
		return corerr.Wrap(corerr.InitFailed, op, "generate tls config", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /tunnel", t.handleUpgrade)
	t.srv = &http.Server{Addr: cfg.Addr, Handler: mux, TLSConfig: tlsConf}

	errCh := make(chan error, 1)
	go func() {
		if err := t.srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-t.connected:
	case err := <-errCh:
		return corerr.Wrap(corerr.ConnectionFailed, op, "websocket listener", err)
	case <-ctx.Done():
		_ = t.srv.Close()
		return corerr.Wrap(corerr.Timeout, op, "waiting for tunnel upgrade", ctx.Err())
	}

	t.setState(transport.StateConnected)
	log.Info().Msg("tcp tunnel transport connected")
	return nil
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	t.mu.RLock()
	already := t.ws != nil
	t.mu.RUnlock()
	if already {
		http.Error(w, "already connected", http.StatusConflict)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("tunnel websocket upgrade failed")
		return
	}

	t.mu.Lock()
	t.ws = conn
	t.mu.Unlock()

	go t.readLoop(conn)
	close(t.connected)
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.setState(transport.StateClosed)
			return
		}
		if msgType != websocket.BinaryMessage || len(data) < 1 {
			continue
		}
		ch := channelID(data[0])
		body := data[1:]

		switch ch {
		case channelVideo:
			// The host never needs to decode its own outbound video
			// channel; dropped here by design.
		case channelInput:
			pkt, _, err := wire.DecodeFramedInputPacket(body)
			if err != nil {
				continue
			}
			select {
			case t.inputCh <- pkt:
			default:
			}
			t.stats.RecordSuccess(uint64(len(body)), time.Now())
		case channelControl:
			pkt, err := wire.DecodeControlPacket(body)
			if err != nil {
				continue
			}
			if pkt.Type == wire.ControlPing {
				pong := &wire.ControlPacket{Type: wire.ControlPong, Timestamp: pkt.Timestamp}
				if encoded, err := pong.Encode(); err == nil {
					_ = t.writeFrame(channelControl, encoded)
				}
				continue
			}
			select {
			case t.controlCh <- pkt:
			default:
			}
		}
	}
}

func (t *Transport) writeFrame(ch channelID, body []byte) error {
	t.mu.RLock()
	conn := t.ws
	t.mu.RUnlock()
	if conn == nil {
		return corerr.New(corerr.NotConnected, "tcptunneltransport.writeFrame", "websocket not connected")
	}

	msg := make([]byte, 1+len(body))
	msg[0] = byte(ch)
	copy(msg[1:], body)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, msg)
}

// SendVideo frames pkt onto the video channel. Unlike the datagram
// backends, a send error here is a real connection failure (the
// channel is reliable), so it propagates.
func (t *Transport) SendVideo(pkt *wire.VideoPacket) error {
	const op = "tcptunneltransport.SendVideo"
	if err := t.guard(op); err != nil {
		return err
	}
	buf := pkt.Encode(make([]byte, 0, wire.HeaderSize+len(pkt.Data)))
	if err := t.writeFrame(channelVideo, buf); err != nil {
		return corerr.Wrap(corerr.Io, op, "write video frame", err)
	}
	t.stats.RecordSent(uint64(len(buf)))
	return nil
}

// RecvVideo is unused on the host side and exists for interface
// symmetry only; it always returns an InvalidCall error.
func (t *Transport) RecvVideo(ctx context.Context) (*wire.VideoPacket, error) {
	return nil, corerr.New(corerr.InvalidCall, "tcptunneltransport.RecvVideo", "host does not receive video over its own tunnel")
}

// SendInput frames evt onto the input channel.
func (t *Transport) SendInput(evt *wire.InputEvent) error {
	const op = "tcptunneltransport.SendInput"
	if err := t.guard(op); err != nil {
		return err
	}
	framed := &wire.FramedInputPacket{Seq: uint64(time.Now().UnixNano()), Event: *evt}
	body, err := framed.Encode(nil)
	if err != nil {
		return err
	}
	if err := t.writeFrame(channelInput, body); err != nil {
		return corerr.Wrap(corerr.Io, op, "write input frame", err)
	}
	t.stats.RecordSent(uint64(len(body)))
	return nil
}

// RecvInputAck blocks until the next framed input packet arrives.
func (t *Transport) RecvInputAck(ctx context.Context) (*wire.FramedInputPacket, error) {
	const op = "tcptunneltransport.RecvInputAck"
	if err := t.guard(op); err != nil {
		return nil, err
	}
	select {
	case pkt := <-t.inputCh:
		return pkt, nil
	case <-ctx.Done():
		return nil, corerr.Wrap(corerr.Timeout, op, "waiting for input event", ctx.Err())
	}
}

// SendControl frames pkt onto the control channel.
func (t *Transport) SendControl(pkt *wire.ControlPacket) error {
	const op = "tcptunneltransport.SendControl"
	if err := t.guard(op); err != nil {
		return err
	}
	body, err := pkt.Encode()
	if err != nil {
		return err
	}
	if err := t.writeFrame(channelControl, body); err != nil {
		return corerr.Wrap(corerr.Io, op, "write control frame", err)
	}
	return nil
}

// RecvControl blocks until the next non-Ping control packet arrives.
func (t *Transport) RecvControl(ctx context.Context) (*wire.ControlPacket, error) {
	const op = "tcptunneltransport.RecvControl"
	if err := t.guard(op); err != nil {
		return nil, err
	}
	select {
	case pkt := <-t.controlCh:
		return pkt, nil
	case <-ctx.Done():
		return nil, corerr.Wrap(corerr.Timeout, op, "waiting for control packet", ctx.Err())
	}
}

// Stats returns a snapshot of the transport's network statistics.
func (t *Transport) Stats() transport.NetworkStats { return t.stats.Snapshot() }

// Disconnect sends a best-effort Disconnect control packet, allows
// DrainBudget for queued sends, then closes the websocket and server.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.state == transport.StateClosed || t.state == transport.StateIdle {
		t.mu.Unlock()
		return nil
	}
	t.state = transport.StateDraining
	conn, srv := t.ws, t.srv
	t.mu.Unlock()

	if conn != nil {
		if body, err := (&wire.ControlPacket{Type: wire.ControlDisconnect, Reason: "server shutdown"}).Encode(); err == nil {
			_ = t.writeFrame(channelControl, body)
		}
	}
	time.Sleep(transport.DrainBudget)

	if conn != nil {
		_ = conn.Close()
	}
	if srv != nil {
		_ = srv.Close()
	}
	t.setState(transport.StateClosed)
	return nil
}

func (t *Transport) Mode() transport.Mode { return transport.ModeTCPTunnel }

func (t *Transport) State() transport.State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Transport) guard(op string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.state != transport.StateConnected {
		return corerr.New(corerr.NotConnected, op, "transport is not connected")
	}
	return nil
}
