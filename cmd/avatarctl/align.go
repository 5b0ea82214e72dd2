package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/antoniostano/avatarcast/internal/lipsync"
)

var alignCmd = &cobra.Command{
	Use:   "align",
	Short: "Turn phonemes (JSON file) or text into a viseme timeline",
	RunE: func(cmd *cobra.Command, _ []string) error {
		phonemesPath, _ := cmd.Flags().GetString("phonemes")
		text, _ := cmd.Flags().GetString("text")
		duration, _ := cmd.Flags().GetFloat64("duration")
		compact, _ := cmd.Flags().GetBool("compact")

		phonemes, err := loadPhonemes(phonemesPath, text)
		if err != nil {
			return err
		}
		frames := lipsync.Align(phonemes, duration)
		if compact {
			frames = lipsync.Compact(frames)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"frames":   frames,
			"duration": lipsync.TotalDuration(frames),
		})
	},
}

func init() {
	rootCmd.AddCommand(alignCmd)

	alignCmd.Flags().String("phonemes", "", `JSON array of {"phoneme","start","end","weight"} ("-" for stdin)`)
	alignCmd.Flags().String("text", "", "approximate phonemes from text when no phoneme file is given")
	alignCmd.Flags().Float64("duration", 0, "target duration in seconds (0 keeps intrinsic timing)")
	alignCmd.Flags().Bool("compact", false, "merge adjacent frames sharing a viseme")
}

// loadPhonemes accepts either a JSON array of phonemes or an object with a
// "phonemes" field.
func loadPhonemes(path, text string) ([]lipsync.Phoneme, error) {
	if path == "" {
		if text == "" {
			return nil, errors.New("one of --phonemes or --text is required")
		}
		return lipsync.PhonemesFromText(text), nil
	}
	raw, err := readInput(path)
	if err != nil {
		return nil, err
	}
	var list []lipsync.Phoneme
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Phonemes []lipsync.Phoneme `json:"phonemes"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return wrapped.Phonemes, nil
}
