package menu

import "github.com/voxgate/voxgate/pkg/bot/core"

const (
	activeMark   = "✅"
	inactiveMark = "❌"
)

func mark(active bool) string {
	if active {
		return activeMark
	}
	return inactiveMark
}

// Keyboard renders the deterministic layout for a screen. voiceMode and
// activeVoice come from the session; voices is the configured preset list.
func Keyboard(state State, voiceMode bool, activeVoice string, voices []string) *core.Keyboard {
	switch state {
	case RootMenu:
		return &core.Keyboard{Rows: [][]core.Button{
			{
				{Label: mark(!voiceMode) + "TEXT", Token: tokenVoiceOff},
				{Label: mark(voiceMode) + "VOICE", Token: tokenVoiceOn},
			},
			{
				{Label: "CANCEL", Token: tokenCancel},
			},
		}}
	case VoiceOnMenu:
		return &core.Keyboard{Rows: [][]core.Button{
			{
				{Label: mark(!voiceMode) + "TEXT", Token: tokenVoiceOff},
				{Label: mark(voiceMode) + "VOICE", Token: tokenVoiceOn},
			},
			{
				{Label: "CANCEL", Token: tokenCancel},
				{Label: "Select Voice", Token: tokenVoiceOptions},
			},
		}}
	case VoiceOptionsMenu:
		kb := &core.Keyboard{}
		var row []core.Button
		for _, v := range voices {
			row = append(row, core.Button{
				Label: mark(v == activeVoice) + v,
				Token: PickVoiceToken(v),
			})
			if len(row) == 2 {
				kb.Rows = append(kb.Rows, row)
				row = nil
			}
		}
		if len(row) > 0 {
			kb.Rows = append(kb.Rows, row)
		}
		kb.Rows = append(kb.Rows, []core.Button{{Label: "Back", Token: tokenBack}})
		return kb
	default:
		return nil
	}
}

// Title is the message text the keyboard hangs off.
func Title(state State) string {
	switch state {
	case VoiceOptionsMenu:
		return "Please pick a voice you favor:"
	default:
		return "Please choose mode:"
	}
}
