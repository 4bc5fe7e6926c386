// Command screenhost runs the StreamServer side of the screen-stream
// transport: it accepts subscriber beacons, fans out encoded video
// fragments, and negotiates config over the control channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shrplink/screenstream/fec"
	"github.com/shrplink/screenstream/internal/demoframe"
	"github.com/shrplink/screenstream/streamconfig"
	"github.com/shrplink/screenstream/streamserver"
)

var (
	flagConfig           string
	flagListen           string
	flagInputListen      string
	flagWidth            uint16
	flagHeight           uint16
	flagFPS              uint16
	flagBitrate          uint32
	flagCodec            string
	flagKeyframeInterval uint32
	flagMaxPacketSize    uint32
	flagPace             bool
	flagDemo             bool
)

var rootCmd = &cobra.Command{
	Use:   "screenhost",
	Short: "Host side of the LAN screen-stream transport",
	Long: `screenhost accepts subscriber registrations over UDP, fans out
fragmented and FEC-protected video frames to every live subscriber, and
negotiates the control and input-event side channels.`,
	RunE: runHost,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&flagConfig, "config", "c", "", "path to a YAML host config file")
	flags.StringVar(&flagListen, "listen", "", "listen address, e.g. :5000")
	flags.StringVar(&flagInputListen, "input-listen", "", "optional separate input-event listen address")
	flags.Uint16Var(&flagWidth, "width", 0, "advertised frame width")
	flags.Uint16Var(&flagHeight, "height", 0, "advertised frame height")
	flags.Uint16Var(&flagFPS, "fps", 0, "advertised frames per second")
	flags.Uint32Var(&flagBitrate, "bitrate", 0, "advertised bitrate in bits/sec")
	flags.StringVar(&flagCodec, "codec", "", "codec: h264 or hevc")
	flags.Uint32Var(&flagKeyframeInterval, "keyframe-interval", 0, "advertised keyframe interval")
	flags.Uint32Var(&flagMaxPacketSize, "max-packet-size", 0, "max UDP payload size")
	flags.BoolVar(&flagPace, "pace", false, "pace fragment sends to reduce burst loss")
	flags.BoolVar(&flagDemo, "demo", false, "stream synthetic frames instead of a real encoder")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "screenhost:", err)
		os.Exit(1)
	}
}

func runHost(cmd *cobra.Command, args []string) error {
	hostCfg, err := streamconfig.LoadHostConfig(flagConfig)
	if err != nil {
		return err
	}
	applyHostFlagOverrides(&hostCfg)

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(hostCfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	srv := streamserver.New(hostCfg.ToWire(), streamserver.Config{
		FEC:  fec.DefaultConfig(),
		Pace: hostCfg.Pace,
		FPS:  int(hostCfg.FPS),
	}, entry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx, hostCfg.Listen, hostCfg.InputListen); err != nil {
		return fmt.Errorf("screenhost: start: %w", err)
	}
	defer srv.Stop()

	if flagDemo {
		go runDemoSource(ctx, srv, hostCfg, entry)
	}

	entry.Info("screenhost: running, press Ctrl+C to stop")
	<-ctx.Done()
	entry.Info("screenhost: shutting down")
	return nil
}

func applyHostFlagOverrides(cfg *streamconfig.HostConfig) {
	if flagListen != "" {
		cfg.Listen = flagListen
	}
	if flagInputListen != "" {
		cfg.InputListen = flagInputListen
	}
	if flagWidth != 0 {
		cfg.Width = flagWidth
	}
	if flagHeight != 0 {
		cfg.Height = flagHeight
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
	if flagKeyframeInterval != 0 {
		cfg.KeyframeInterval = flagKeyframeInterval
	}
	if flagMaxPacketSize != 0 {
		cfg.MaxPacketSize = flagMaxPacketSize
	}
	if cmdFlagChanged("pace") {
		cfg.Pace = flagPace
	}
}

func cmdFlagChanged(name string) bool {
	f := rootCmd.Flags().Lookup(name)
	return f != nil && f.Changed
}

// runDemoSource streams synthetic frames at the configured fps so screenhost
// can be exercised end-to-end without a hardware encoder.
func runDemoSource(ctx context.Context, srv *streamserver.Server, cfg streamconfig.HostConfig, log *logrus.Entry) {
	src := demoframe.NewSource(3600, int(cfg.KeyframeInterval), 4000, cfg.ToWire().Codec, cfg.Width, cfg.Height, cfg.FPS)

	fps := cfg.FPS
	if fps == 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f, err := src.Next()
			if err != nil {
				log.WithError(err).Info("screenhost: demo source exhausted")
				return
			}
			if err := srv.Send(ctx, f); err != nil {
				log.WithError(err).Debug("screenhost: demo frame send failed")
			}
		}
	}
}
