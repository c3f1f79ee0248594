package cmd

import (
	"context"
	"fmt"

	"github.com/normanking/cortexlipsync/internal/capture"
	"github.com/normanking/cortexlipsync/internal/session"
	"github.com/spf13/cobra"
)

var (
	playText      string
	playTiming    string
	playCalibrate bool
	playServe     bool
	liveServe     bool
	liveDevice    string
)

var playCmd = &cobra.Command{
	Use:   "play <file.wav>",
	Short: "Play a WAV file and stream synchronized viseme frames",
	Long: `Plays the file through the default output device. The playback
position drives the frame clock; the sync controller measures latency
and corrects drift while it plays.

With --serve, frames and events are streamed to WebSocket clients at
the configured stream address.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Lip-sync from the microphone until interrupted",
	RunE:  runLive,
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Measure output latency with a test tone",
	RunE:  runCalibrate,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	RunE:  runDevices,
}

func init() {
	playCmd.Flags().StringVar(&playText, "text", "", "transcript; builds the timeline from text instead of analysis")
	playCmd.Flags().StringVar(&playTiming, "timing", "", "provider timing JSON file")
	playCmd.Flags().BoolVar(&playCalibrate, "calibrate", false, "calibrate output latency before playing")
	playCmd.Flags().BoolVar(&playServe, "serve", false, "stream frames over WebSocket")
	rootCmd.AddCommand(playCmd)

	liveCmd.Flags().BoolVar(&liveServe, "serve", true, "stream frames over WebSocket")
	liveCmd.Flags().StringVar(&liveDevice, "device", "", "input device name (default: configured or system default)")
	rootCmd.AddCommand(liveCmd)

	rootCmd.AddCommand(calibrateCmd)
	rootCmd.AddCommand(devicesCmd)
}

func runPlay(cmd *cobra.Command, args []string) error {
	a, err := newApp(playServe)
	if err != nil {
		return err
	}
	defer a.Close()

	buf, err := loadAudio(args[0])
	if err != nil {
		return err
	}
	timing, err := loadTiming(playTiming)
	if err != nil {
		return err
	}
	res, err := a.session.Prepare(context.Background(), buf, playText, timing, 0)
	if err != nil {
		return err
	}

	out, err := a.openOutput()
	if err != nil {
		return err
	}
	defer out.Close()

	return a.run(func(ctx context.Context) error {
		return a.session.Play(ctx, res.Timeline, buf, out, session.PlayOptions{Calibrate: playCalibrate})
	})
}

func runLive(cmd *cobra.Command, args []string) error {
	a, err := newApp(liveServe)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.store.Config()
	device := cfg.Audio.InputDevice
	if liveDevice != "" {
		device = liveDevice
	}
	capt, err := capture.New(capture.Config{
		SampleRate:      float64(cfg.Audio.SampleRate),
		FramesPerBuffer: cfg.Audio.BufferSize,
		Channels:        1,
		DeviceName:      device,
	}, a.session.Processor(), a.logger)
	if err != nil {
		return err
	}
	defer capt.Close()

	return a.run(func(ctx context.Context) error {
		return a.session.Live(ctx, capt)
	})
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.openOutput()
	if err != nil {
		return err
	}
	defer out.Close()

	return a.run(func(ctx context.Context) error {
		latency, err := a.session.Calibrate(ctx, out)
		if err != nil {
			return err
		}
		fmt.Printf("Output latency: %s\n", latency)
		fmt.Printf("Audio offset:   %s\n", -latency)
		return nil
	})
}

func runDevices(cmd *cobra.Command, args []string) error {
	devices, err := capture.ListInputDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No input devices found")
		return nil
	}
	fmt.Println("Input devices:")
	for _, d := range devices {
		marker := "   "
		if d.IsDefault {
			marker = "[*]"
		}
		fmt.Printf("  %s %-40s %d ch  %.0f Hz\n", marker, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return nil
}
