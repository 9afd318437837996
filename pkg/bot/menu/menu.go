package menu

import "strings"

// State names one menu screen. None means no menu is open.
type State int

const (
	None State = iota
	RootMenu
	VoiceOnMenu
	VoiceOptionsMenu
)

func (s State) String() string {
	switch s {
	case RootMenu:
		return "root"
	case VoiceOnMenu:
		return "voice_on"
	case VoiceOptionsMenu:
		return "voice_options"
	default:
		return "none"
	}
}

// Callback tokens carried in keyboard buttons.
const (
	tokenVoiceOff     = "mode_text"
	tokenVoiceOn      = "mode_voice"
	tokenVoiceOptions = "voice_options"
	tokenBack         = "back"
	tokenCancel       = "cancel"
	voiceTokenPrefix  = "voice:"
)

type TokenKind int

const (
	TokenUnknown TokenKind = iota
	TokenSelectVoiceOff
	TokenSelectVoiceOn
	TokenOpenVoiceOptions
	TokenPickVoice
	TokenBack
	TokenCancel
)

type Token struct {
	Kind  TokenKind
	Voice string // set for TokenPickVoice
}

func PickVoiceToken(voice string) string {
	return voiceTokenPrefix + voice
}

func ParseToken(raw string) Token {
	switch raw {
	case tokenVoiceOff:
		return Token{Kind: TokenSelectVoiceOff}
	case tokenVoiceOn:
		return Token{Kind: TokenSelectVoiceOn}
	case tokenVoiceOptions:
		return Token{Kind: TokenOpenVoiceOptions}
	case tokenBack:
		return Token{Kind: TokenBack}
	case tokenCancel:
		return Token{Kind: TokenCancel}
	}
	if v, ok := strings.CutPrefix(raw, voiceTokenPrefix); ok && v != "" {
		return Token{Kind: TokenPickVoice, Voice: v}
	}
	return Token{Kind: TokenUnknown}
}

// EffectKind is one menu side effect. Effects are applied strictly in order;
// every transition that creates a preview retires the old one first, so a
// session never shows more than one live preview.
type EffectKind int

const (
	EffectSetModeText EffectKind = iota
	EffectSetModeVoice
	EffectRetirePreview
	EffectSendPreview
	EffectRenderMenu
	EffectDeleteMenu
)

type Effect struct {
	Kind  EffectKind
	Voice string // EffectSetModeVoice, EffectSendPreview
}

type Transition struct {
	Next    State
	Effects []Effect
}

// Transit is the pure transition table: (screen, token) to (next screen,
// ordered side effects). ok is false for tokens that do not apply to the
// current screen; such presses are ignored.
func Transit(state State, tok Token, currentVoice, defaultVoice string) (Transition, bool) {
	if tok.Kind == TokenCancel && state != None {
		return Transition{Next: None, Effects: []Effect{{Kind: EffectDeleteMenu}}}, true
	}

	switch state {
	case RootMenu:
		switch tok.Kind {
		case TokenSelectVoiceOff:
			return Transition{
				Next: RootMenu,
				Effects: []Effect{
					{Kind: EffectSetModeText},
					{Kind: EffectRenderMenu},
				},
			}, true
		case TokenSelectVoiceOn:
			return Transition{
				Next: VoiceOnMenu,
				Effects: []Effect{
					{Kind: EffectSetModeVoice, Voice: defaultVoice},
					{Kind: EffectRenderMenu},
				},
			}, true
		}
	case VoiceOnMenu:
		switch tok.Kind {
		case TokenSelectVoiceOff:
			return Transition{
				Next: RootMenu,
				Effects: []Effect{
					{Kind: EffectSetModeText},
					{Kind: EffectRenderMenu},
				},
			}, true
		case TokenOpenVoiceOptions:
			return Transition{
				Next: VoiceOptionsMenu,
				Effects: []Effect{
					{Kind: EffectRetirePreview},
					{Kind: EffectRenderMenu},
					{Kind: EffectSendPreview, Voice: currentVoice},
				},
			}, true
		}
	case VoiceOptionsMenu:
		switch tok.Kind {
		case TokenPickVoice:
			return Transition{
				Next: VoiceOptionsMenu,
				Effects: []Effect{
					{Kind: EffectRetirePreview},
					{Kind: EffectSetModeVoice, Voice: tok.Voice},
					{Kind: EffectRenderMenu},
					{Kind: EffectSendPreview, Voice: tok.Voice},
				},
			}, true
		case TokenBack:
			return Transition{
				Next: VoiceOnMenu,
				Effects: []Effect{
					{Kind: EffectRetirePreview},
					{Kind: EffectRenderMenu},
				},
			}, true
		}
	}
	return Transition{}, false
}
