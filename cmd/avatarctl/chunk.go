package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/antoniostano/avatarcast/internal/audio"
)

var chunkCmd = &cobra.Command{
	Use:   "chunk <file.wav>",
	Short: "Print the chunk table a WAV file would stream as",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chunkMS, _ := cmd.Flags().GetInt("chunk-ms")
		raw, err := readInput(args[0])
		if err != nil {
			return err
		}
		format, pcm, err := audio.DecodeWAV(raw)
		if err != nil {
			return err
		}
		chunkDur := time.Duration(chunkMS) * time.Millisecond
		chunks, err := audio.Split(pcm, format, chunkDur)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "format: %d Hz, %d ch, %d bytes/sample; %d bytes, %s\n",
			format.SampleRate, format.Channels, format.BytesPerSample, len(pcm), format.DurationOf(len(pcm)))
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CHUNK\tBYTES\tTIMESTAMP_MS\tDURATION_MS\tFINAL")
		for _, c := range chunks {
			fmt.Fprintf(tw, "%d\t%d\t%.0f\t%.2f\t%t\n", c.Seq, len(c.Payload), c.TimestampMS(chunkDur), c.DurationMS, c.IsFinal)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(chunkCmd)
	chunkCmd.Flags().Int("chunk-ms", 100, "chunk duration in milliseconds")
}
