// cmd/channels.go
package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ColonelBlimp/tonelink/internal/config"
	"github.com/ColonelBlimp/tonelink/internal/detect"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Print the channel frequency plan",
	Long: `Prints each channel's target frequency, FFT bin and the frequency that bin
actually measures at the configured sample rate and FFT size.`,
	RunE: runChannels,
}

func init() {
	channelsCmd.Flags().Float64("sample-rate", 0, "sample rate to plan for (default from config)")
	rootCmd.AddCommand(channelsCmd)
}

func runChannels(cmd *cobra.Command, _ []string) error {
	settings, err := config.Get()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	cfg := settings.DetectConfig()
	sampleRate := cfg.SampleRate
	if rate, _ := cmd.Flags().GetFloat64("sample-rate"); rate > 0 {
		sampleRate = rate
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	channels := detect.Channels(cfg, sampleRate, cfg.SpectrumSize, cfg.SpectrumSize/2)
	return writeChannelTable(cmd.OutOrStdout(), channels, sampleRate, cfg.SpectrumSize)
}

func writeChannelTable(out io.Writer, channels []detect.ChannelDescriptor, sampleRate float64, size int) error {
	fmt.Fprintf(out, "Sample rate %.0f Hz, FFT size %d, resolution %.2f Hz/bin\n\n",
		sampleRate, size, sampleRate/float64(size))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "CHANNEL\tTARGET Hz\tBIN\tACTUAL Hz\tSTATUS\t")
	for _, ch := range channels {
		status := "ok"
		if ch.OutOfRange {
			status = "out of range"
		}
		fmt.Fprintf(w, "%d\t%.1f\t%d\t%.1f\t%s\t\n",
			ch.Channel, ch.TargetFrequency, ch.BinIndex, ch.ActualFrequency, status)
	}
	return w.Flush()
}
