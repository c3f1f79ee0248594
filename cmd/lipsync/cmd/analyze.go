package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/normanking/cortexlipsync/internal/session"
	"github.com/spf13/cobra"
)

var (
	analyzeOut   string
	analyzeJSON  bool
	textDuration time.Duration
	textTiming   string
	textOut      string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file.wav>",
	Short: "Analyze a WAV file into phonemes and a viseme timeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

var textCmd = &cobra.Command{
	Use:   "text <words...>",
	Short: "Build a timeline from text or provider timing",
	Long: `Builds a viseme timeline without audio analysis.

Provider timing (--timing) is a JSON document with "phonemes" or "words"
arrays as emitted by speech synthesis services. Without it the text is
spread evenly over --duration.`,
	RunE: runText,
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOut, "out", "o", "", "write the result as JSON to this file")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "print JSON instead of a summary")
	rootCmd.AddCommand(analyzeCmd)

	textCmd.Flags().DurationVarP(&textDuration, "duration", "d", 2*time.Second, "utterance length")
	textCmd.Flags().StringVar(&textTiming, "timing", "", "provider timing JSON file")
	textCmd.Flags().StringVarP(&textOut, "out", "o", "", "write the timeline to this file instead of stdout")
	rootCmd.AddCommand(textCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	buf, err := loadAudio(args[0])
	if err != nil {
		return err
	}
	res, err := a.session.Analyze(context.Background(), buf)
	if err != nil {
		return err
	}

	if analyzeJSON || analyzeOut != "" {
		return writeJSON(analyzeOut, res)
	}
	printResult(res)
	return nil
}

func runText(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	timing, err := loadTiming(textTiming)
	if err != nil {
		return err
	}
	res, err := a.session.Prepare(context.Background(), nil, strings.Join(args, " "), timing, textDuration)
	if err != nil {
		return err
	}
	return writeJSON(textOut, res.Timeline)
}

func printResult(res *session.Result) {
	tl := res.Timeline
	fmt.Printf("Timeline %s (%s, library %s)\n", tl.ID, tl.Duration, tl.Library)
	fmt.Println()

	fmt.Printf("Phonemes: %d\n", len(res.Phonemes))
	for _, ph := range res.Phonemes {
		fmt.Printf("  %8s  %-4s %6s  conf %.2f\n", ph.Start.Round(time.Millisecond), ph.Symbol, ph.Duration.Round(time.Millisecond), ph.Confidence)
	}
	fmt.Println()

	fmt.Printf("Entries: %d\n", len(tl.Entries))
	for _, e := range tl.Entries {
		coart := ""
		if e.Coarticulation != nil {
			coart = fmt.Sprintf("  coart %.2f", e.Coarticulation.Strength)
		}
		fmt.Printf("  %8s - %-8s %-4s weight %.2f%s\n",
			e.Start.Round(time.Millisecond), e.End.Round(time.Millisecond), e.VisemeID, e.Weight, coart)
	}
}
