// Command screenviewer runs the StreamClient side of the screen-stream
// transport: it subscribes to a screenhost, reassembles video fragments,
// optionally jitter-buffers them, and drives the adaptive bitrate loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shrplink/screenstream/frame"
	"github.com/shrplink/screenstream/jitter"
	"github.com/shrplink/screenstream/streamclient"
	"github.com/shrplink/screenstream/streamconfig"
)

var (
	flagConfig       string
	flagHost         string
	flagPort         int
	flagStreamWidth  uint16
	flagStreamHeight uint16
	flagFPS          uint16
	flagBitrate      uint32
	flagCodec        string
	flagKeyframe     uint32
	flagPacketSize   uint32
	flagInputPort    int
	flagJitterBuffer bool
)

var rootCmd = &cobra.Command{
	Use:   "screenviewer",
	Short: "Viewer side of the LAN screen-stream transport",
	Long: `screenviewer subscribes to a screenhost over UDP, reassembles
fragments (recovering single-loss-per-block via the XOR FEC codec),
optionally jitter-buffers frames for monotonic delivery, and renegotiates
bitrate and keyframe interval in response to observed loss.`,
	RunE: runViewer,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&flagConfig, "config", "c", "", "path to a YAML viewer config file")
	flags.StringVar(&flagHost, "host", "", "screenhost address")
	flags.IntVar(&flagPort, "port", 0, "screenhost port")
	flags.Uint16Var(&flagStreamWidth, "stream-width", 0, "requested stream width")
	flags.Uint16Var(&flagStreamHeight, "stream-height", 0, "requested stream height")
	flags.Uint16Var(&flagFPS, "fps", 0, "requested frames per second")
	flags.Uint32Var(&flagBitrate, "bitrate", 0, "requested bitrate in bits/sec")
	flags.StringVar(&flagCodec, "codec", "", "codec: h264 or hevc")
	flags.Uint32Var(&flagKeyframe, "keyframe", 0, "requested keyframe interval")
	flags.Uint32Var(&flagPacketSize, "packet-size", 0, "max UDP payload size")
	flags.IntVar(&flagInputPort, "input-port", 0, "local port for input-event responses (stored in the viewer config; the client does not bind it)")
	flags.BoolVar(&flagJitterBuffer, "jitter-buffer", true, "use the jitter buffer's low-latency bypass path when false")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "screenviewer:", err)
		os.Exit(1)
	}
}

func runViewer(cmd *cobra.Command, args []string) error {
	viewerCfg, err := streamconfig.LoadViewerConfig(flagConfig)
	if err != nil {
		return err
	}
	applyViewerFlagOverrides(&viewerCfg)

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(viewerCfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	clientCfg := streamclient.DefaultConfig()
	clientCfg.ServerHost = viewerCfg.Host
	clientCfg.ServerPort = viewerCfg.Port
	clientCfg.UseJitterBuffer = viewerCfg.JitterBuffer
	clientCfg.JitterConfig = jitter.DefaultConfig()
	clientCfg.InitialConfig = viewerCfg.ToWire()

	client := streamclient.New(clientCfg, entry)
	client.SetFrameHandler(func(f *frame.EncodedFrame) {
		entry.WithFields(logrus.Fields{
			"frame_id":   f.FrameID,
			"keyframe":   f.IsKeyframe,
			"bytes":      len(f.Data),
		}).Debug("screenviewer: frame delivered")
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("screenviewer: start: %w", err)
	}
	defer client.Stop()

	entry.Info("screenviewer: running, press Ctrl+C to stop")
	<-ctx.Done()
	entry.Info("screenviewer: shutting down")
	return nil
}

func applyViewerFlagOverrides(cfg *streamconfig.ViewerConfig) {
	if flagHost != "" {
		cfg.Host = flagHost
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if flagStreamWidth != 0 {
		cfg.StreamWidth = flagStreamWidth
	}
	if flagStreamHeight != 0 {
		cfg.StreamHeight = flagStreamHeight
	}
	if flagFPS != 0 {
		cfg.FPS = flagFPS
	}
	if flagBitrate != 0 {
		cfg.BitrateBps = flagBitrate
	}
	if flagCodec != "" {
		cfg.Codec = flagCodec
	}
	if flagKeyframe != 0 {
		cfg.KeyframeInterval = flagKeyframe
	}
	if flagPacketSize != 0 {
		cfg.MaxPacketSize = flagPacketSize
	}
	if flagInputPort != 0 {
		cfg.InputPort = flagInputPort
	}
	if cmdFlagChanged("jitter-buffer") {
		cfg.JitterBuffer = flagJitterBuffer
	}
}

func cmdFlagChanged(name string) bool {
	f := rootCmd.Flags().Lookup(name)
	return f != nil && f.Changed
}
