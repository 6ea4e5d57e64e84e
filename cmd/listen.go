// cmd/listen.go
package cmd

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ColonelBlimp/tonelink/internal/audio"
	"github.com/ColonelBlimp/tonelink/internal/config"
	"github.com/ColonelBlimp/tonelink/internal/recovery"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Capture audio and report detected channels",
	Long: `Captures the microphone, analyzes the signaling band and reports each
accepted channel detection. Metrics, diagnostics and a websocket feed are
served on http_listen; events are published to mqtt_broker when set.`,
	RunE: runListen,
}

func init() {
	rootCmd.AddCommand(listenCmd)
}

func runListen(cmd *cobra.Command, _ []string) error {
	settings, err := config.Get()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := log.New(cmd.ErrOrStderr(), "", log.LstdFlags)

	rx, err := newReceiver(settings, logger)
	if err != nil {
		return err
	}
	defer rx.close()

	capture := audio.New(settings.AudioConfig())
	capture.SetLogger(logger)
	if err := capture.Init(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	defer capture.Close()
	capture.SetCallback(rx.analyzer.Write)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := capture.Start(ctx); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	if err := rx.adoptSampleRate(float64(capture.SampleRate())); err != nil {
		return err
	}

	if err := rx.loop.Start(); err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	logger.Printf("detect: listening on %d channels from %.0f Hz (session %s)",
		settings.ChannelCount, settings.BaseFrequency, rx.session)

	serveErr := make(chan error, 1)
	recovery.Go("http", func() { serveErr <- rx.serve(ctx) }, func() { _ = capture.Close() })

	select {
	case <-ctx.Done():
		logger.Println("detect: shutting down")
		<-serveErr
		return nil
	case err := <-serveErr:
		return err
	}
}
