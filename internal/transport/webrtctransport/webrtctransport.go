// Package webrtctransport implements the browser-compatible Transport
// backend (spec §4.3's "browser-secure" mode), adapting the teacher's
// internal/session WHEP-style offer/answer flow: a PeerConnection
// carries video over an RTP track and input/control over reliable
// DataChannels the client opens, instead of the teacher's dedicated
// clipboard/audio channels which are out of scope here.
package webrtctransport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"relaycast/internal/corerr"
	"relaycast/internal/transport"
	"relaycast/internal/wire"
)

const (
	videoMimeType = webrtc.MimeTypeH264
	videoFmtp     = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f"
	videoPayload  = webrtc.PayloadType(96)
)

// Transport is the pion/webrtc-backed Transport implementation. Exactly
// one PeerConnection is handled per instance; a second offer while
// connected is rejected, matching the single-session scope of the
// other two backends.
type Transport struct {
	mu    sync.RWMutex
	state transport.State

	pc         *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticSample
	inputDC    *webrtc.DataChannel
	controlDC  *webrtc.DataChannel

	sampleDur time.Duration

	stats *transport.StatsTracker

	inputCh   chan *wire.FramedInputPacket
	controlCh chan *wire.ControlPacket
	connected chan struct{}

	inputSeq uint64
}

// New constructs an idle webrtctransport backend.
func New() *Transport {
	return &Transport{
		state:     transport.StateIdle,
		stats:     transport.NewStatsTracker(),
		inputCh:   make(chan *wire.FramedInputPacket, 64),
		controlCh: make(chan *wire.ControlPacket, 16),
		connected: make(chan struct{}),
		sampleDur: time.Second / 60,
	}
}

func (t *Transport) setState(s transport.State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Connect starts an HTTP server on cfg.Addr exposing a single POST
// /offer endpoint (the WHEP-style non-trickle offer/answer exchange
// the teacher's handleWHEPOffer performs) and blocks until a client
// completes negotiation and opens its input/control data channels.
func (t *Transport) Connect(ctx context.Context, cfg transport.Config) error {
	const op = "webrtctransport.Connect"
	t.setState(transport.StateConnecting)
	if cfg.FPS > 0 {
		t.sampleDur = time.Second / time.Duration(cfg.FPS)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /offer", t.handleOffer)
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-t.connected:
	case err := <-errCh:
		return corerr.Wrap(corerr.ConnectionFailed, op, "signaling server", err)
	case <-ctx.Done():
		_ = srv.Close()
		return corerr.Wrap(corerr.Timeout, op, "waiting for peer connection", ctx.Err())
	}

	t.setState(transport.StateConnected)
	log.Info().Msg("webrtc transport connected")
	return nil
}

func (t *Transport) handleOffer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	t.mu.RLock()
	already := t.state == transport.StateConnected
	t.mu.RUnlock()
	if already {
		http.Error(w, "already connected", http.StatusConflict)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	pc, videoTrack, err := newPeerConnection()
	if err != nil {
		log.Error().Err(err).Msg("webrtc peer connection setup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		switch dc.Label() {
		case "input":
			t.mu.Lock()
			t.inputDC = dc
			t.mu.Unlock()
			dc.OnMessage(t.onInputMessage)
		case "control":
			t.mu.Lock()
			t.controlDC = dc
			t.mu.Unlock()
			dc.OnMessage(t.onControlMessage)
			dc.OnOpen(func() { close(t.connected) })
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info().Str("state", state.String()).Msg("webrtc peer connection state")
		if state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateClosed {
			t.setState(transport.StateClosed)
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(body)}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		http.Error(w, "bad SDP offer", http.StatusBadRequest)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	<-webrtc.GatheringCompletePromise(pc)

	t.mu.Lock()
	t.pc = pc
	t.videoTrack = videoTrack
	t.mu.Unlock()

	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusCreated)
	w.Write([]byte(pc.LocalDescription().SDP))
}

func newPeerConnection() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    videoMimeType,
			ClockRate:   90000,
			SDPFmtpLine: videoFmtp,
		},
		PayloadType: videoPayload,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, nil, err
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: videoMimeType, ClockRate: 90000, SDPFmtpLine: videoFmtp},
		"video", "relaycast",
	)
	if err != nil {
		pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(videoTrack); err != nil {
		pc.Close()
		return nil, nil, err
	}
	return pc, videoTrack, nil
}

func (t *Transport) onInputMessage(msg webrtc.DataChannelMessage) {
	var evt wire.InputEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return
	}
	t.inputSeq++
	framed := &wire.FramedInputPacket{Seq: t.inputSeq, Event: evt}
	select {
	case t.inputCh <- framed:
	default:
	}
	t.stats.RecordSuccess(uint64(len(msg.Data)), time.Now())
}

func (t *Transport) onControlMessage(msg webrtc.DataChannelMessage) {
	pkt, err := wire.DecodeControlPacket(msg.Data)
	if err != nil {
		return
	}
	if pkt.Type == wire.ControlPing {
		pong := &wire.ControlPacket{Type: wire.ControlPong, Timestamp: pkt.Timestamp}
		_ = t.SendControl(pong)
		return
	}
	select {
	case t.controlCh <- pkt:
	default:
	}
}

// SendVideo writes pkt's payload to the RTP video track as a media
// sample. WebRTC's SRTP transport is itself unreliable/unordered per
// packet, matching the same delivery guarantee as the QUIC datagram
// backend.
func (t *Transport) SendVideo(pkt *wire.VideoPacket) error {
	const op = "webrtctransport.SendVideo"
	t.mu.RLock()
	state, track, dur := t.state, t.videoTrack, t.sampleDur
	t.mu.RUnlock()
	if err := transportGuard(op, state); err != nil {
		return err
	}
	if pkt.Codec != wire.CodecH264 {
		log.Warn().Str("codec", pkt.Codec.String()).Msg("webrtc transport negotiated h264 only, dropping frame")
		return nil
	}

	if err := track.WriteSample(media.Sample{Data: pkt.Data, Duration: dur}); err != nil {
		t.stats.RecordLoss(time.Now())
		return nil
	}
	t.stats.RecordSent(uint64(len(pkt.Data)))
	return nil
}

// RecvVideo is not meaningful on the host side of a webrtc
// PeerConnection (the host only ever sends on the video track); it
// always returns an InvalidCall error, whatever the connection state,
// and exists for API symmetry with the other backends.
func (t *Transport) RecvVideo(ctx context.Context) (*wire.VideoPacket, error) {
	return nil, corerr.New(corerr.InvalidCall, "webrtctransport.RecvVideo", "host does not receive video over webrtc")
}

// SendInput writes evt as a JSON message to the input data channel.
func (t *Transport) SendInput(evt *wire.InputEvent) error {
	const op = "webrtctransport.SendInput"
	t.mu.RLock()
	state, dc := t.state, t.inputDC
	t.mu.RUnlock()
	if err := transportGuard(op, state); err != nil {
		return err
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return corerr.Wrap(corerr.InvalidPacket, op, "marshal input event", err)
	}
	if err := dc.Send(body); err != nil {
		return corerr.Wrap(corerr.Io, op, "send on input channel", err)
	}
	t.stats.RecordSent(uint64(len(body)))
	return nil
}

// RecvInputAck blocks until the next input event arrives from the
// client's input data channel.
func (t *Transport) RecvInputAck(ctx context.Context) (*wire.FramedInputPacket, error) {
	const op = "webrtctransport.RecvInputAck"
	t.mu.RLock()
	state := t.state
	t.mu.RUnlock()
	if err := transportGuard(op, state); err != nil {
		return nil, err
	}
	select {
	case pkt := <-t.inputCh:
		return pkt, nil
	case <-ctx.Done():
		return nil, corerr.Wrap(corerr.Timeout, op, "waiting for input event", ctx.Err())
	}
}

// SendControl writes pkt as a JSON message to the control data channel.
func (t *Transport) SendControl(pkt *wire.ControlPacket) error {
	const op = "webrtctransport.SendControl"
	t.mu.RLock()
	state, dc := t.state, t.controlDC
	t.mu.RUnlock()
	if state != transport.StateConnected && state != transport.StateConnecting {
		return corerr.New(corerr.NotConnected, op, "transport is not connected")
	}
	if dc == nil {
		return corerr.New(corerr.NotConnected, op, "control channel not open")
	}
	body, err := pkt.Encode()
	if err != nil {
		return err
	}
	if err := dc.Send(body); err != nil {
		return corerr.Wrap(corerr.Io, op, "send on control channel", err)
	}
	return nil
}

// RecvControl blocks until the next control packet arrives. Ping
// packets are answered transparently in onControlMessage and never
// reach this channel.
func (t *Transport) RecvControl(ctx context.Context) (*wire.ControlPacket, error) {
	const op = "webrtctransport.RecvControl"
	t.mu.RLock()
	state := t.state
	t.mu.RUnlock()
	if err := transportGuard(op, state); err != nil {
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

// Disconnect closes the PeerConnection; data channels close with it.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.state == transport.StateClosed || t.state == transport.StateIdle {
		t.mu.Unlock()
		return nil
	}
	t.state = transport.StateDraining
	pc := t.pc
	t.mu.Unlock()

	time.Sleep(transport.DrainBudget)

	if pc != nil {
		_ = pc.Close()
	}
	t.setState(transport.StateClosed)
	return nil
}

func (t *Transport) Mode() transport.Mode { return transport.ModeBrowserSecure }

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
