package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/vouch/internal/config"
	"github.com/MrWong99/vouch/internal/observe"
	"github.com/MrWong99/vouch/internal/voice/speaker"
)

var voicesCommand = &cobra.Command{
	Use:   "voices",
	Short: "List the TTS voice catalogue and the voice the interviewer would pick",
	Long: `Lists the voices offered by the configured TTS backends. The voice marked
with * is the one selected from voice.id or voice.preferences.`,
	Args: cobra.NoArgs,
	RunE: listVoices,
}

func init() {
	rootCmd.AddCommand(voicesCommand)
}

func listVoices(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, _ := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, captureLanguage(cfg), nil)
	p, err := reg.BuildTTS(cfg.Providers.TTS, cfg.Providers.Breaker.FallbackConfig("tts", observe.DefaultMetrics()))
	if err != nil {
		return fmt.Errorf("build tts: %w", err)
	}

	wait := cfg.Voice.CatalogueWait
	if wait <= 0 {
		wait = speaker.DefaultVoiceWait
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), wait+shutdownTimeout)
	defer cancel()
	voices, err := speaker.WaitForVoices(ctx, p, wait)
	if err != nil {
		return err
	}

	picked := cfg.Voice.ID
	if picked == "" {
		prefs := cfg.Voice.Preferences
		if len(prefs) == 0 {
			prefs = speaker.DefaultPreferences
		}
		picked = speaker.PickVoice(voices, prefs).ID
	}
	fmt.Fprint(os.Stdout, renderVoices(voices, picked))
	return nil
}
