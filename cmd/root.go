// cmd/root.go
package cmd

import (
	"fmt"
	"os"

	"github.com/ColonelBlimp/tonelink/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "tonelink",
	Short: "Inaudible tone command receiver",
	Long: `Listens to a microphone for near-ultrasonic signaling tones, maps them onto
logical channels and reports each activation once, with cooldown.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags (override config file)
	rootCmd.PersistentFlags().IntP("device", "d", -1, "audio device index (-1 for default)")
	rootCmd.PersistentFlags().Float64P("threshold", "t", 0.2, "minimum channel intensity (0.0-1.0) to detect")
	rootCmd.PersistentFlags().IntP("channels", "c", 16, "number of channels in the signaling band")
	rootCmd.PersistentFlags().BoolP("debug", "D", false, "enable debug output")

	bindFlags()
}

// bindFlags binds the global flags to viper keys. Called again by tests
// after viper.Reset.
func bindFlags() {
	flags := rootCmd.PersistentFlags()
	_ = viper.BindPFlag("device_index", flags.Lookup("device"))
	_ = viper.BindPFlag("threshold", flags.Lookup("threshold"))
	_ = viper.BindPFlag("channel_count", flags.Lookup("channels"))
	_ = viper.BindPFlag("debug", flags.Lookup("debug"))
}

func initConfig() {
	if err := config.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
}
