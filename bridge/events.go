package bridge

// providerEvent is the superset of fields the streaming provider emits,
// discriminated by Type. Events with an unknown Type but a non-empty Error
// are treated as error reports.
type providerEvent struct {
	Type                 string  `json:"type"`
	ID                   string  `json:"id"`
	Transcript           string  `json:"transcript"`
	EndOfTurn            bool    `json:"end_of_turn"`
	TurnIsFormatted      bool    `json:"turn_is_formatted"`
	AudioDurationSeconds float64 `json:"audio_duration_seconds"`
	Error                string  `json:"error"`
}

// LiveTranscript is broadcast immediately for every non-empty turn, before
// any translation or refinement work begins.
type LiveTranscript struct {
	Type string             `json:"type"`
	Data LiveTranscriptData `json:"data"`
}

type LiveTranscriptData struct {
	SessionID         string  `json:"session_id"`
	Text              string  `json:"text"`
	TextTranslated    *string `json:"text_translated"`
	TargetLanguage    *string `json:"target_language"`
	TranslationStatus string  `json:"translation_status"`
	IsFinal           bool    `json:"is_final"`
	Timestamp         string  `json:"timestamp"`
}

// ErrorMessage is broadcast when the provider reports an error or audio
// forwarding fails.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
