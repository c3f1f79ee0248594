package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "lipsync",
	Short: "Real-time lip-sync for speaking avatars",
	Long: `lipsync turns speech audio into timed viseme frames.

Commands:
  analyze    - phoneme analysis and timeline of a WAV file
  text       - timeline from text or provider timing
  play       - play a WAV file with synchronized frames
  live       - lip-sync from the microphone
  calibrate  - measure output latency with a test tone
  library    - list, export, import and validate viseme libraries
  devices    - list audio input devices`,
	SilenceUsage: true,
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		printError("lipsync", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.cortexlipsync/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.SilenceErrors = true
}

func printError(msg string, err error) {
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
}
