// Package streamserver implements the StreamServer: accepting subscriber
// sessions over UDP, fanning out video fragments, and handling the config
// and input-event control channels, per spec §4.6.
package streamserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/shrplink/screenstream/fec"
	"github.com/shrplink/screenstream/fragment"
	"github.com/shrplink/screenstream/frame"
	"github.com/shrplink/screenstream/protocol"
	"github.com/shrplink/screenstream/subscriber"
)

// ErrNotStarted is returned by Send/BroadcastInputEvent when the server has
// not been started, per spec §7's NotConnected error.
var ErrNotStarted = errors.New("streamserver: not started")

// ConfigChangeHandler decides whether to accept a viewer's requested config
// change. It MUST NOT be invoked while any internal lock is held.
type ConfigChangeHandler func(requested protocol.StreamConfig) (accept bool, next protocol.StreamConfig)

// InputEventHandler processes an inbound input event and may produce a
// response event (e.g. an acked cursor position). It MUST NOT be invoked
// while any internal lock is held.
type InputEventHandler func(ev *protocol.InputEvent, from *net.UDPAddr) (resp *protocol.InputEvent, ok bool)

// Stats is a read-only snapshot of server counters, exposed for the
// statistics surface described in spec §7.
type Stats struct {
	FramesSent       uint64
	FragmentsSent    uint64
	SendErrors       uint64
	SubscriberCount  int
}

// Config configures a Server.
type Config struct {
	FEC  fec.Config
	Pace bool
	FPS  int // only used to compute pacing interval when Pace is true
}

// Server is the UDP subscription fan-out server.
type Server struct {
	conn      *net.UDPConn
	inputConn *net.UDPConn // nil when input events share conn

	subs *subscriber.Table

	cfgMu         sync.Mutex
	currentConfig protocol.StreamConfig

	fecCfg fec.Config
	pace   bool
	fps    int

	onConfigChange ConfigChangeHandler
	onInput        InputEventHandler

	statsMu sync.Mutex
	stats   Stats

	sessionID uuid.UUID
	log       *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started bool
}

// New creates a Server that will advertise initialConfig to subscribers.
func New(initialConfig protocol.StreamConfig, cfg Config, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		subs:          subscriber.NewTable(),
		currentConfig: initialConfig,
		fecCfg:        cfg.FEC,
		pace:          cfg.Pace,
		fps:           cfg.FPS,
		sessionID:     uuid.New(),
		log:           log.WithField("session_id", "pending"),
	}
}

// Start binds the listen (and optional input) UDP sockets and begins
// dispatching inbound datagrams. Binding failures are fatal to this
// instance, per spec §7's InvalidAddress/ConnectionFailed.
func (s *Server) Start(ctx context.Context, listenAddr, inputListenAddr string) error {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return fmt.Errorf("streamserver: resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("streamserver: listen: %w", err)
	}
	s.conn = conn

	if inputListenAddr != "" {
		inAddr, err := net.ResolveUDPAddr("udp", inputListenAddr)
		if err != nil {
			return fmt.Errorf("streamserver: resolve input listen addr: %w", err)
		}
		inConn, err := net.ListenUDP("udp", inAddr)
		if err != nil {
			return fmt.Errorf("streamserver: listen input: %w", err)
		}
		s.inputConn = inConn
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.log = s.log.WithField("session_id", s.sessionID.String())
	s.started = true

	s.wg.Add(1)
	go s.receiveLoop(s.conn)
	if s.inputConn != nil {
		s.wg.Add(1)
		go s.receiveLoop(s.inputConn)
	}

	s.log.WithFields(logrus.Fields{"listen": listenAddr, "input_listen": inputListenAddr}).Info("streamserver: started")
	return nil
}

// Stop cancels all loops and releases sockets. Idempotent; never fails, per
// spec §7.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	if s.inputConn != nil {
		s.inputConn.Close()
	}
	s.wg.Wait()
	return nil
}

// SetConfigChangeHandler registers the UPDATE-message handler.
func (s *Server) SetConfigChangeHandler(h ConfigChangeHandler) { s.onConfigChange = h }

// SetInputEventHandler registers the input-event handler.
func (s *Server) SetInputEventHandler(h InputEventHandler) { s.onInput = h }

// SubscriberCount returns the number of live subscribers.
func (s *Server) SubscriberCount() int { return s.subs.Count() }

// Stats returns a snapshot of send counters.
func (s *Server) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	snap := s.stats
	snap.SubscriberCount = s.subs.Count()
	return snap
}

func (s *Server) receiveLoop(conn *net.UDPConn) {
	defer s.wg.Done()
	buf := make([]byte, 65535)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			continue // TransportError on receive: log and continue, per spec §7
		}
		s.dispatch(append([]byte(nil), buf[:n]...), addr, conn, time.Now())
	}
}

func (s *Server) dispatch(data []byte, addr *net.UDPAddr, replyConn *net.UDPConn, now time.Time) {
	if magic, ok := protocol.PeekMagic(data); ok {
		switch magic {
		case protocol.MagicFragment:
			// Servers typically do not receive these; ignore gracefully.
			return
		case protocol.MagicInput:
			s.handleInput(data, addr, replyConn, now)
			return
		case protocol.MagicControl:
			s.handleControl(data, addr, replyConn, now)
			return
		}
	}
	if protocol.IsSubscribeBeacon(data) {
		s.handleSubscribe(addr, replyConn, now)
		return
	}
	// Unrecognized datagram: drop silently (ParseError per spec §7).
}

func (s *Server) handleSubscribe(addr *net.UDPAddr, replyConn *net.UDPConn, now time.Time) {
	_, isNew := s.subs.Touch(addr, now)
	if isNew {
		s.log.WithField("addr", addr.String()).Info("streamserver: new subscriber")
	}
	s.replyCurrentConfig(protocol.ControlResponse, addr, replyConn)
}

func (s *Server) handleInput(data []byte, addr *net.UDPAddr, replyConn *net.UDPConn, now time.Time) {
	ev, err := protocol.UnmarshalInputEvent(data)
	if err != nil {
		return
	}
	s.subs.Touch(addr, now)

	if s.onInput == nil {
		return
	}
	resp, ok := s.onInput(ev, addr)
	if !ok || resp == nil {
		return
	}
	wire := protocol.MarshalInputEvent(resp)
	if _, err := replyConn.WriteToUDP(wire, addr); err != nil {
		s.log.WithError(err).Debug("streamserver: input event response send failed")
	}
}

func (s *Server) handleControl(data []byte, addr *net.UDPAddr, replyConn *net.UDPConn, now time.Time) {
	msg, err := protocol.UnmarshalControl(data)
	if err != nil {
		return
	}
	s.subs.Touch(addr, now)

	switch msg.Type {
	case protocol.ControlRequest:
		s.replyCurrentConfig(protocol.ControlResponse, addr, replyConn)
	case protocol.ControlUpdate:
		s.subs.SetMaxPacketSize(addr, msg.Config.MaxPacketSize)
		accept, next := true, msg.Config
		if s.onConfigChange != nil {
			accept, next = s.onConfigChange(msg.Config)
		}
		if accept {
			s.cfgMu.Lock()
			s.currentConfig = next
			s.cfgMu.Unlock()
			s.sendControl(protocol.ControlAck, next, addr, replyConn)
		} else {
			s.replyCurrentConfig(protocol.ControlResponse, addr, replyConn)
		}
	default:
		// RESPONSE/ACK are server->client only; ignore if somehow received.
	}
}

func (s *Server) replyCurrentConfig(msgType uint8, addr *net.UDPAddr, replyConn *net.UDPConn) {
	s.cfgMu.Lock()
	cur := s.currentConfig
	s.cfgMu.Unlock()
	s.sendControl(msgType, cur, addr, replyConn)
}

func (s *Server) sendControl(msgType uint8, cfg protocol.StreamConfig, addr *net.UDPAddr, replyConn *net.UDPConn) {
	wire := protocol.MarshalControl(&protocol.ControlMessage{Type: msgType, Config: cfg})
	if _, err := replyConn.WriteToUDP(wire, addr); err != nil {
		s.log.WithError(err).Debug("streamserver: control reply send failed")
	}
}

// CurrentConfig returns the currently advertised StreamConfig.
func (s *Server) CurrentConfig() protocol.StreamConfig {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.currentConfig
}

// Send fragments and FEC-encodes f, then fans the serialized fragments out
// to every live subscriber over its reply path. Stale subscribers (idle
// more than subscriber.StaleAfter) are evicted before the send. Per-fragment
// send errors are logged and never abort the remaining fan-out, per spec
// §4.6.
func (s *Server) Send(ctx context.Context, f *frame.EncodedFrame) error {
	if !s.started {
		return ErrNotStarted
	}

	s.cfgMu.Lock()
	maxPacketSize := int(s.currentConfig.MaxPacketSize)
	s.cfgMu.Unlock()
	if maxPacketSize <= 0 {
		maxPacketSize = 1400
	}

	dataFrags, err := fragment.Fragment(f, maxPacketSize)
	if err != nil {
		return fmt.Errorf("streamserver: fragment: %w", err)
	}
	frags := fec.Encode(dataFrags, s.fecCfg)

	evicted := s.subs.EvictStale(time.Now())
	if evicted > 0 {
		s.log.WithField("count", evicted).Debug("streamserver: evicted stale subscribers")
	}

	subs := s.subs.Snapshot()
	if len(subs) == 0 {
		return nil
	}

	var limiter *rate.Limiter
	if s.pace && s.fps > 0 && len(frags) > 0 {
		interval := time.Second / time.Duration(s.fps) / time.Duration(len(frags))
		if interval > 0 {
			limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}

	sentFragments := 0
	for i, frag := range frags {
		wire := protocol.Serialize(frag)
		for _, sub := range subs {
			if _, err := s.conn.WriteToUDP(wire, sub.Addr); err != nil {
				s.statsMu.Lock()
				s.stats.SendErrors++
				s.statsMu.Unlock()
				s.log.WithError(err).WithField("subscriber", sub.Key).Debug("streamserver: fragment send failed")
				continue
			}
			sentFragments++
		}
		if limiter != nil && i < len(frags)-1 {
			limiter.Wait(ctx)
		}
	}

	s.statsMu.Lock()
	s.stats.FramesSent++
	s.stats.FragmentsSent += uint64(sentFragments)
	s.statsMu.Unlock()

	return nil
}

// BroadcastInputEvent sends ev to every live subscriber, used for
// cursor-position updates per spec §4.6.
func (s *Server) BroadcastInputEvent(ev *protocol.InputEvent) error {
	if !s.started {
		return ErrNotStarted
	}
	wire := protocol.MarshalInputEvent(ev)
	for _, sub := range s.subs.Snapshot() {
		conn := s.conn
		if s.inputConn != nil {
			conn = s.inputConn
		}
		if _, err := conn.WriteToUDP(wire, sub.Addr); err != nil {
			s.log.WithError(err).WithField("subscriber", sub.Key).Debug("streamserver: input broadcast failed")
		}
	}
	return nil
}
