// Package streamclient implements the StreamClient: subscribing to a
// StreamServer, driving the Reassembler and optional JitterBuffer, and
// running the adaptive bitrate control loop, per spec §4.7.
package streamclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shrplink/screenstream/frame"
	"github.com/shrplink/screenstream/jitter"
	"github.com/shrplink/screenstream/protocol"
	"github.com/shrplink/screenstream/reassembly"
)

// ErrNotStarted is returned by operations that require an open association.
var ErrNotStarted = errors.New("streamclient: not started")

const (
	subscribeKeepAlive  = 2 * time.Second
	adaptiveWindow      = 3 * time.Second
	minSamplesToAdapt   = 30
	lossRateHighWater   = 0.10
	lossRateLowWater    = 0.02
	bitrateBackoffMul   = 0.75
	bitrateRecoverMul   = 1.10
	minBitrateBps       = 5_000_000
	minKeyframeInterval = 10
)

// FrameHandler receives reassembled (and, if enabled, jitter-ordered) frames.
type FrameHandler func(*frame.EncodedFrame)

// InputResponseHandler receives "SHIP" datagrams sent back by the server in
// response to input events this client broadcast.
type InputResponseHandler func(*protocol.InputEvent)

// Config configures a Client.
type Config struct {
	ServerHost string
	ServerPort int

	UseJitterBuffer bool
	JitterConfig    jitter.Config

	MaxPendingFrames int
	FragmentTimeout  time.Duration

	// InitialConfig is sent as the first CONFIG_UPDATE once the association
	// opens, and is retained as the "originally requested" config for the
	// adaptive bitrate loop's recovery ceiling.
	InitialConfig protocol.StreamConfig
}

// DefaultConfig fills in the client-side reassembly defaults from spec §4.4.
func DefaultConfig() Config {
	return Config{
		UseJitterBuffer:  true,
		JitterConfig:     jitter.DefaultConfig(),
		MaxPendingFrames: reassembly.MaxPendingFramesClient,
		FragmentTimeout:  reassembly.DefaultFragmentTimeout,
	}
}

// Client is the StreamClient transport.
type Client struct {
	cfg  Config
	conn *net.UDPConn

	reassembler *reassembly.Reassembler
	jitterBuf   *jitter.Buffer

	onFrame         FrameHandler
	onInputResponse InputResponseHandler

	cfgMu            sync.Mutex
	requestedConfig  protocol.StreamConfig
	originalConfig   protocol.StreamConfig
	currentBitrate   uint32
	currentKeyframe  uint32

	adaptMu       sync.Mutex
	windowStart   time.Time
	recoveredBase uint64
	unrecovBase   uint64

	log *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started bool
}

// New creates a Client. The reassembler and optional jitter buffer are built
// eagerly so tests can exercise them before Start.
func New(cfg Config, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Client{
		cfg:             cfg,
		reassembler:     reassembly.New(cfg.MaxPendingFrames, cfg.FragmentTimeout, log),
		requestedConfig: cfg.InitialConfig,
		originalConfig:  cfg.InitialConfig,
		currentBitrate:  cfg.InitialConfig.BitrateBps,
		currentKeyframe: cfg.InitialConfig.KeyframeInterval,
		log:             log,
	}
	if cfg.UseJitterBuffer {
		c.jitterBuf = jitter.New(cfg.JitterConfig)
	}
	return c
}

// SetFrameHandler registers the callback invoked for every delivered frame.
func (c *Client) SetFrameHandler(h FrameHandler) { c.onFrame = h }

// SetInputResponseHandler registers the callback invoked for server-sent
// input event responses.
func (c *Client) SetInputResponseHandler(h InputResponseHandler) { c.onInputResponse = h }

// Start opens the UDP association, performs the subscribe handshake, and
// begins the receive, keep-alive, and adaptive-bitrate loops.
func (c *Client) Start(ctx context.Context) error {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", c.cfg.ServerHost, c.cfg.ServerPort))
	if err != nil {
		return fmt.Errorf("streamclient: resolve server addr: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("streamclient: dial: %w", err)
	}
	c.conn = conn

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	now := time.Now()
	c.adaptMu.Lock()
	c.windowStart = now
	c.adaptMu.Unlock()

	c.sendSubscribe()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-time.After(50 * time.Millisecond):
			c.sendSubscribe()
		case <-c.ctx.Done():
			return
		}
		select {
		case <-time.After(50 * time.Millisecond):
			c.sendSubscribe()
		case <-c.ctx.Done():
			return
		}
	}()

	if c.requestedConfig != (protocol.StreamConfig{}) {
		c.sendConfigUpdate(c.requestedConfig)
	}

	c.wg.Add(1)
	go c.receiveLoop()
	c.wg.Add(1)
	go c.keepAliveLoop()
	c.wg.Add(1)
	go c.adaptiveLoop()

	c.log.WithField("server", raddr.String()).Info("streamclient: started")
	return nil
}

// Stop cancels all loops and closes the association. Idempotent.
func (c *Client) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) sendSubscribe() {
	if c.conn == nil {
		return
	}
	if _, err := c.conn.Write([]byte(protocol.SubscribeBeacon)); err != nil {
		c.log.WithError(err).Debug("streamclient: subscribe send failed")
	}
}

func (c *Client) keepAliveLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(subscribeKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sendSubscribe()
		}
	}
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()
	buf := make([]byte, 65535)
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, err := c.conn.Read(buf)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			continue
		}
		c.dispatch(append([]byte(nil), buf[:n]...), time.Now())
	}
}

func (c *Client) dispatch(data []byte, now time.Time) {
	magic, ok := protocol.PeekMagic(data)
	if !ok {
		return
	}
	switch magic {
	case protocol.MagicFragment:
		c.handleFragment(data, now)
	case protocol.MagicControl:
		c.handleControl(data)
	case protocol.MagicInput:
		c.handleInputResponse(data)
	}
}

func (c *Client) handleFragment(data []byte, now time.Time) {
	frag, err := protocol.Parse(data)
	if err != nil {
		return
	}
	evicted := c.reassembler.EvictExpired(now)
	if evicted > 0 {
		c.log.WithField("count", evicted).Debug("streamclient: evicted timed-out pending frames")
	}

	out, ok := c.reassembler.Insert(frag, now)
	if !ok {
		return
	}
	c.deliver(out, now)
}

func (c *Client) deliver(f *frame.EncodedFrame, now time.Time) {
	if c.jitterBuf == nil {
		c.emit(f)
		return
	}
	c.jitterBuf.Insert(f, now)
	for {
		popped, ok := c.jitterBuf.Pop(now)
		if !ok {
			break
		}
		c.emit(popped)
	}
}

func (c *Client) emit(f *frame.EncodedFrame) {
	if c.onFrame != nil {
		c.onFrame(f)
	}
}

func (c *Client) handleControl(data []byte) {
	msg, err := protocol.UnmarshalControl(data)
	if err != nil {
		return
	}
	if msg.Type != protocol.ControlResponse && msg.Type != protocol.ControlAck {
		return
	}
	// RESPONSE/ACK confirm the server's view of config; the client does not
	// record their contents.
}

func (c *Client) handleInputResponse(data []byte) {
	ev, err := protocol.UnmarshalInputEvent(data)
	if err != nil {
		return
	}
	if c.onInputResponse != nil {
		c.onInputResponse(ev)
	}
}

// RequestConfigChange sends a CONFIG_UPDATE for cfg and records it as the
// locally requested configuration.
func (c *Client) RequestConfigChange(cfg protocol.StreamConfig) error {
	if !c.started {
		return ErrNotStarted
	}
	c.sendConfigUpdate(cfg)
	c.cfgMu.Lock()
	c.requestedConfig = cfg
	c.currentBitrate = cfg.BitrateBps
	c.currentKeyframe = cfg.KeyframeInterval
	c.cfgMu.Unlock()
	return nil
}

func (c *Client) sendConfigUpdate(cfg protocol.StreamConfig) {
	wire := protocol.MarshalControl(&protocol.ControlMessage{Type: protocol.ControlUpdate, Config: cfg})
	if _, err := c.conn.Write(wire); err != nil {
		c.log.WithError(err).Debug("streamclient: config update send failed")
	}
}

// BroadcastInputEvent sends an input event to the server.
func (c *Client) BroadcastInputEvent(ev *protocol.InputEvent) error {
	if !c.started {
		return ErrNotStarted
	}
	if _, err := c.conn.Write(protocol.MarshalInputEvent(ev)); err != nil {
		return fmt.Errorf("streamclient: send input event: %w", err)
	}
	return nil
}

func (c *Client) adaptiveLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(adaptiveWindow)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.evaluateAdaptiveBitrate()
		}
	}
}

// evaluateAdaptiveBitrate implements the spec §4.7 adaptive bitrate formula.
// Tests call it directly, without the ticker.
func (c *Client) evaluateAdaptiveBitrate() {
	stats := c.reassembler.Stats()

	c.adaptMu.Lock()
	recovered := stats.FramesRecovered - c.recoveredBase
	unrecoverable := stats.UnrecoverableFrames - c.unrecovBase
	total := recovered + unrecoverable
	if total < minSamplesToAdapt {
		c.adaptMu.Unlock()
		return
	}
	c.recoveredBase = stats.FramesRecovered
	c.unrecovBase = stats.UnrecoverableFrames
	c.adaptMu.Unlock()

	lossRate := float64(unrecoverable) / float64(total)

	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()

	newBitrate, newKeyframe, changed := adaptedBitrateAndKeyframe(
		lossRate, c.currentBitrate, c.currentKeyframe, c.originalConfig.BitrateBps, c.originalConfig.KeyframeInterval)
	if changed {
		c.applyAdaptedConfigLocked(newBitrate, newKeyframe)
	}
}

// adaptedBitrateAndKeyframe implements the pure decision formula from spec
// §4.7: back off by 25%/halve GOP above the high-water loss rate, or climb
// by 10%/+5 GOP below the low-water loss rate while still under the
// originally requested config. changed is false when neither threshold
// applies (loss is within the dead zone, or already at the original values).
func adaptedBitrateAndKeyframe(lossRate float64, currentBitrate, currentKeyframe, originalBitrate, originalKeyframe uint32) (newBitrate, newKeyframe uint32, changed bool) {
	switch {
	case lossRate > lossRateHighWater:
		newBitrate = uint32(float64(currentBitrate) * bitrateBackoffMul)
		if newBitrate < minBitrateBps {
			newBitrate = minBitrateBps
		}
		newKeyframe = currentKeyframe / 2
		if newKeyframe < minKeyframeInterval {
			newKeyframe = minKeyframeInterval
		}
		return newBitrate, newKeyframe, true

	case lossRate < lossRateLowWater && currentBitrate < originalBitrate:
		newBitrate = uint32(float64(currentBitrate) * bitrateRecoverMul)
		if newBitrate > originalBitrate {
			newBitrate = originalBitrate
		}
		newKeyframe = currentKeyframe + 5
		if newKeyframe > originalKeyframe {
			newKeyframe = originalKeyframe
		}
		return newBitrate, newKeyframe, true
	}
	return currentBitrate, currentKeyframe, false
}

// applyAdaptedConfigLocked updates the held config and sends CONFIG_UPDATE.
// Caller must hold cfgMu.
func (c *Client) applyAdaptedConfigLocked(newBitrate, newKeyframe uint32) {
	c.currentBitrate = newBitrate
	c.currentKeyframe = newKeyframe
	next := c.requestedConfig
	next.BitrateBps = newBitrate
	next.KeyframeInterval = newKeyframe
	c.requestedConfig = next
	if c.conn != nil {
		c.sendConfigUpdate(next)
	}
	c.log.WithFields(logrus.Fields{
		"bitrate_bps":       newBitrate,
		"keyframe_interval": newKeyframe,
	}).Info("streamclient: adaptive bitrate changed")
}

// Stats returns a snapshot of reassembly (and, if enabled, jitter) counters.
type Stats struct {
	Reassembly reassembly.Stats
	Jitter     jitter.Stats
}

// Stats returns the client's current statistics snapshot.
func (c *Client) Stats() Stats {
	s := Stats{Reassembly: c.reassembler.Stats()}
	if c.jitterBuf != nil {
		s.Jitter = c.jitterBuf.Stats()
	}
	return s
}

// CurrentBitrate returns the bitrate currently in effect after adaptation.
func (c *Client) CurrentBitrate() uint32 {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	return c.currentBitrate
}

// CurrentKeyframeInterval returns the keyframe interval currently in effect.
func (c *Client) CurrentKeyframeInterval() uint32 {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	return c.currentKeyframe
}
