package server

import (
	"github.com/MrWong99/phonerelay/internal/config"
	"github.com/MrWong99/phonerelay/internal/relay"
	"github.com/MrWong99/phonerelay/pkg/provider/stt"
	"github.com/MrWong99/phonerelay/pkg/provider/tts"
)

// Telephony media streams carry 8 kHz mono μ-law in both directions.
const (
	telephonyEncoding   = "mulaw"
	telephonySampleRate = 8000
)

// RelayConfig converts the pipeline section of the configuration into the
// per-call relay settings.
func RelayConfig(p config.PipelineConfig) relay.Config {
	return relay.Config{
		SystemPrompt:        p.SystemPrompt,
		SpeakingIdleTimeout: p.SpeakingIdleTimeout,
		WriteTimeout:        p.WriteTimeout,
		Temperature:         p.Temperature,
		MaxTokens:           p.MaxTokens,
		STT: stt.StreamConfig{
			Model:          p.STT.Model,
			Language:       p.STT.Language,
			Encoding:       telephonyEncoding,
			SampleRate:     telephonySampleRate,
			Channels:       1,
			InterimResults: !p.STT.DisableInterim,
			Endpointing:    p.STT.Endpointing,
			UtteranceEnd:   p.STT.UtteranceEnd,
			SmartFormat:    !p.STT.DisableSmartFormat,
		},
		TTS: tts.StreamConfig{
			Voice:      p.TTS.Voice,
			Encoding:   telephonyEncoding,
			SampleRate: telephonySampleRate,
		},
	}
}
