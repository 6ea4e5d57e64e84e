// cmd/devices.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ColonelBlimp/tonelink/internal/audio"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio capture devices",
	RunE: func(cmd *cobra.Command, _ []string) error {
		capture := audio.New(audio.DefaultConfig())
		if err := capture.Init(); err != nil {
			return fmt.Errorf("audio: %w", err)
		}
		defer capture.Close()

		devices, err := capture.ListDevices()
		if err != nil {
			return fmt.Errorf("audio: %w", err)
		}
		printDevices(cmd, devices)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func printDevices(cmd *cobra.Command, devices []audio.Device) {
	out := cmd.OutOrStdout()
	if len(devices) == 0 {
		fmt.Fprintln(out, "No capture devices found")
		return
	}
	for _, d := range devices {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Fprintf(out, "%s [%d] %s\n", marker, d.Index, d.Name)
	}
	fmt.Fprintln(out, "\nUse --device <index> to select one; * marks the default.")
}
