package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/antoniostano/avatarcast/internal/app"
	"github.com/antoniostano/avatarcast/internal/config"
	"github.com/antoniostano/avatarcast/internal/render"
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Dispatch one render job locally using the server's RENDER_* configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		phonemesPath, _ := cmd.Flags().GetString("phonemes")
		text, _ := cmd.Flags().GetString("text")
		duration, _ := cmd.Flags().GetFloat64("duration")
		audioPath, _ := cmd.Flags().GetString("audio")
		model, _ := cmd.Flags().GetString("model")
		sessionID, _ := cmd.Flags().GetString("session")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := newLogger()

		req := render.Request{
			SessionID: sessionID,
			Duration:  duration,
			Model:     model,
			Text:      text,
		}
		if phonemesPath != "" {
			if req.Phonemes, err = loadPhonemes(phonemesPath, ""); err != nil {
				return err
			}
		}
		if audioPath != "" {
			if req.Audio, err = readInput(audioPath); err != nil {
				return err
			}
		}

		dispatcher, err := app.NewDispatcher(cfg, logger, nil, nil)
		if err != nil {
			return err
		}
		result := dispatcher.Dispatch(cmd.Context(), req)
		// Temp audio is only needed while the renderer runs.
		_ = dispatcher.Close()

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().String("phonemes", "", "phoneme JSON file (\"-\" for stdin)")
	renderCmd.Flags().String("text", "", "utterance text; also used for phonemes when none are given")
	renderCmd.Flags().Float64("duration", 0, "clip duration in seconds (0 derives it from audio or phonemes)")
	renderCmd.Flags().String("audio", "", "WAV or raw PCM16 mono 16kHz file")
	renderCmd.Flags().String("model", "", "renderer model name")
	renderCmd.Flags().String("session", "", "session id recorded with the job")
}
