// Package dispatch routes inbound transport events to command handlers,
// menu transitions, and the prompt pipelines. One goroutine per event;
// events for the same chat are serialized by the session store.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/pkg/bot/admission"
	"github.com/voxgate/voxgate/pkg/bot/backend"
	"github.com/voxgate/voxgate/pkg/bot/core"
	"github.com/voxgate/voxgate/pkg/bot/i18n"
	"github.com/voxgate/voxgate/pkg/bot/ingest"
	"github.com/voxgate/voxgate/pkg/bot/ledger"
	"github.com/voxgate/voxgate/pkg/bot/menu"
	"github.com/voxgate/voxgate/pkg/bot/metrics"
	"github.com/voxgate/voxgate/pkg/bot/session"
	"github.com/voxgate/voxgate/pkg/bot/transport"
)

// Ingester is the media pipeline as the dispatcher sees it.
type Ingester interface {
	Run(ctx context.Context, user core.UserID, ref core.AttachmentRef) (ingest.Result, error)
}

// Deliverer is the reply pipeline as the dispatcher sees it.
type Deliverer interface {
	SendTextReply(ctx context.Context, chat core.ChatID, user core.UserID, text string, tokens int, replyTo core.MessageID) error
	SendVoiceReply(ctx context.Context, chat core.ChatID, user core.UserID, text, voice string, replyTo core.MessageID) error
}

type Config struct {
	DefaultVoice string
	Voices       []string
	PreviewText  string
	EventTimeout time.Duration
	BudgetPeriod string // "daily" or "monthly"
}

type Dispatcher struct {
	Transport transport.Transport
	Backend   backend.Backend
	Gate      *admission.Gate
	Ledger    *ledger.Ledger
	Sessions  *session.Store
	Ingest    Ingester
	Deliver   Deliverer
	Texts     *i18n.Table
	Metrics   *metrics.Metrics
	Config    Config
	Logger    *slog.Logger
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Run consumes events until ctx is cancelled or the channel closes, then
// waits for in-flight handlers to drain.
func (d *Dispatcher) Run(ctx context.Context, events <-chan transport.Event) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.Handle(ctx, ev)
			}()
		}
	}
}

// Handle processes one event end to end. Safe for concurrent use; two
// events for the same chat run one after the other, and a redelivered
// update id is dropped without side effects.
func (d *Dispatcher) Handle(ctx context.Context, ev transport.Event) {
	start := time.Now()
	logger := d.logger().With(
		"event_id", uuid.NewString(),
		"kind", kindString(ev.Kind),
		"chat_id", int64(ev.Chat),
		"user_id", int64(ev.User),
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked", "panic", r)
			if d.Metrics != nil {
				d.Metrics.RecordError(string(core.ErrInternal))
			}
		}
	}()

	if d.Config.EventTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Config.EventTimeout)
		defer cancel()
	}

	applied := d.Sessions.DoIfNewUpdate(ev.Chat, ev.UpdateID, func(s *session.Session) {
		d.route(ctx, ev, s, logger)
	})
	status := "ok"
	if !applied {
		status = "duplicate"
		logger.Debug("duplicate update dropped", "update_id", ev.UpdateID)
	}
	if d.Metrics != nil {
		d.Metrics.RecordEvent(kindString(ev.Kind), status, time.Since(start))
	}
	logger.Info("event handled", "status", status, "duration_ms", time.Since(start).Milliseconds())
}

func (d *Dispatcher) route(ctx context.Context, ev transport.Event, s *session.Session, logger *slog.Logger) {
	switch ev.Kind {
	case transport.EventCommand:
		d.handleCommand(ctx, ev, s, logger)
	case transport.EventCallback:
		d.handleCallback(ctx, ev, s, logger)
	case transport.EventVoice:
		d.handleVoice(ctx, ev, s, logger)
	case transport.EventText:
		if !d.admit(ctx, ev, logger) {
			return
		}
		d.handlePrompt(ctx, ev, s, ev.Text, true, logger)
	}
}

// admit runs the gate and, on a negative outcome, sends exactly one notice.
func (d *Dispatcher) admit(ctx context.Context, ev transport.Event, logger *slog.Logger) bool {
	switch d.Gate.Check(ev.User, ev.Chat) {
	case admission.Disallowed:
		d.notify(ctx, ev.Chat, d.Texts.Text("disallowed"), logger)
		d.recordRejection(admission.Disallowed)
		return false
	case admission.BudgetExceeded:
		d.notify(ctx, ev.Chat, d.Texts.Text("budget_limit"), logger)
		d.recordRejection(admission.BudgetExceeded)
		return false
	}
	return true
}

// admitAllowOnly enforces only the allow-list; budget state is irrelevant
// for zero-cost operations.
func (d *Dispatcher) admitAllowOnly(ctx context.Context, ev transport.Event, logger *slog.Logger) bool {
	if d.Gate.IsAllowed != nil && !d.Gate.IsAllowed(ev.User) {
		d.notify(ctx, ev.Chat, d.Texts.Text("disallowed"), logger)
		d.recordRejection(admission.Disallowed)
		return false
	}
	return true
}

func (d *Dispatcher) recordRejection(outcome admission.Outcome) {
	if d.Metrics != nil {
		d.Metrics.RecordRejection(outcome.String())
	}
}

func (d *Dispatcher) handleCommand(ctx context.Context, ev transport.Event, s *session.Session, logger *slog.Logger) {
	switch ev.Command {
	case "start", "help":
		d.notify(ctx, ev.Chat, d.helpText(), logger)
		return
	}

	// Commands that consume no backend budget only need the allow-list;
	// /resend replays a prompt and takes the full gate.
	if !d.admitAllowOnly(ctx, ev, logger) {
		return
	}

	switch ev.Command {
	case "reset":
		d.Backend.ResetHistory(ev.Chat, strings.TrimSpace(ev.Text))
		s.LastPrompt = ""
		d.notify(ctx, ev.Chat, d.Texts.Text("reset_done"), logger)
	case "stats":
		d.sendStats(ctx, ev, logger)
	case "resend":
		if !d.admit(ctx, ev, logger) {
			return
		}
		if s.LastPrompt == "" {
			d.notify(ctx, ev.Chat, d.Texts.Text("resend_failed"), logger)
			return
		}
		d.handlePrompt(ctx, ev, s, s.LastPrompt, false, logger)
	case "setting":
		d.openMenu(ctx, ev, s, logger)
	default:
		logger.Debug("unknown command ignored", "command", ev.Command)
	}
}

// Commands lists the registered command names with localized descriptions,
// in display order.
func Commands(texts *i18n.Table) []core.Command {
	names := []string{"help", "reset", "stats", "resend", "setting"}
	cmds := make([]core.Command, 0, len(names))
	for _, n := range names {
		cmds = append(cmds, core.Command{
			Name:        n,
			Description: texts.Text(n + "_description"),
		})
	}
	return cmds
}

func (d *Dispatcher) helpText() string {
	var b strings.Builder
	b.WriteString(strings.Join(d.Texts.TextList("help_text"), "\n\n"))
	b.WriteString("\n")
	for _, c := range Commands(d.Texts) {
		fmt.Fprintf(&b, "\n/%s - %s", c.Name, c.Description)
	}
	return b.String()
}

func (d *Dispatcher) sendStats(ctx context.Context, ev transport.Event, logger *slog.Logger) {
	messages, approxTokens := d.Backend.HistoryStats(ev.Chat)
	today, month := d.Ledger.CurrentMetrics(ev.User)
	cost := d.Ledger.CurrentCost(ev.User)

	var b strings.Builder
	conv := d.Texts.TextList("stats_conversation")
	fmt.Fprintf(&b, "*%s*:\n", conv[0])
	fmt.Fprintf(&b, "%d %s\n", messages, conv[1])
	fmt.Fprintf(&b, "%d %s\n", approxTokens, conv[2])
	b.WriteString("----------------------------\n\n")

	writePeriod := func(title string, m ledger.Metrics, spent float64) {
		fmt.Fprintf(&b, "*%s:*\n", title)
		fmt.Fprintf(&b, "%d %s\n", m.Tokens, d.Texts.Text("stats_tokens"))
		fmt.Fprintf(&b, "%d %s\n", m.Images, d.Texts.Text("stats_images"))
		fmt.Fprintf(&b, "%d %s\n", m.TTSCharacters, d.Texts.Text("stats_tts"))
		tr := d.Texts.TextList("stats_transcribe")
		mins := int(m.TranscriptionSeconds) / 60
		secs := m.TranscriptionSeconds - float64(mins*60)
		fmt.Fprintf(&b, "%d %s %.2f %s\n", mins, tr[0], secs, tr[1])
		fmt.Fprintf(&b, "%s%.2f\n", d.Texts.Text("stats_total"), spent)
	}
	writePeriod(d.Texts.Text("usage_today"), today, cost.Today)
	b.WriteString("\n----------------------------\n\n")
	writePeriod(d.Texts.Text("usage_month"), month, cost.Month)

	if remaining := d.Ledger.RemainingBudget(ev.User); !math.IsInf(remaining, 1) {
		period := d.Texts.Text("monthly")
		if d.Config.BudgetPeriod == "daily" {
			period = d.Texts.Text("daily")
		}
		fmt.Fprintf(&b, "\n%s%s: $%.2f", d.Texts.Text("stats_budget"), period, remaining)
	}

	if _, err := d.Transport.SendText(ctx, ev.Chat, b.String(), core.FormatMarkdown, 0, nil); err != nil {
		logger.Warn("stats reply failed", "error", err)
		d.notify(ctx, ev.Chat, b.String(), logger)
	}
}

func (d *Dispatcher) openMenu(ctx context.Context, ev transport.Event, s *session.Session, logger *slog.Logger) {
	// A stale open menu is replaced, not stacked, and its preview note
	// goes with it.
	d.retirePreview(ctx, ev.Chat, s, logger)
	if s.MenuMessage != 0 {
		if err := d.Transport.DeleteMessage(ctx, ev.Chat, s.MenuMessage); err != nil {
			logger.Debug("stale menu delete failed", "message_id", int(s.MenuMessage), "error", err)
		}
		s.MenuMessage = 0
	}

	next := menu.RootMenu
	kb := menu.Keyboard(next, s.Mode.Voice, s.Mode.VoiceID, d.Config.Voices)
	id, err := d.Transport.SendText(ctx, ev.Chat, menu.Title(next), core.FormatPlain, 0, kb)
	if err != nil {
		logger.Warn("menu send failed", "error", err)
		return
	}
	s.Menu = next
	s.MenuMessage = id
}

func (d *Dispatcher) handleCallback(ctx context.Context, ev transport.Event, s *session.Session, logger *slog.Logger) {
	if err := d.Transport.AnswerCallback(ctx, ev.CallbackID); err != nil {
		logger.Debug("callback ack failed", "error", err)
	}
	// Menu navigation consumes no backend budget (previews are unbilled),
	// so a user over the ceiling can still dismiss their menu.
	if !d.admitAllowOnly(ctx, ev, logger) {
		return
	}

	// An expired session can receive presses from a keyboard that outlived
	// it; adopt the message the keyboard lives on.
	if s.MenuMessage == 0 && ev.CallbackMessage != 0 {
		s.MenuMessage = ev.CallbackMessage
	}

	tok := menu.ParseToken(ev.CallbackToken)
	tr, ok := menu.Transit(s.Menu, tok, s.Mode.VoiceID, d.Config.DefaultVoice)
	if !ok {
		logger.Debug("token does not apply to screen",
			"screen", s.Menu.String(), "token", ev.CallbackToken)
		return
	}
	for _, e := range tr.Effects {
		d.applyEffect(ctx, ev, s, tr.Next, e, logger)
	}
	s.Menu = tr.Next
}

// applyEffect executes one menu side effect. Failures of optional effects
// (retiring a preview, redrawing the keyboard) are logged and swallowed so
// they never break the transition.
func (d *Dispatcher) applyEffect(ctx context.Context, ev transport.Event, s *session.Session, next menu.State, e menu.Effect, logger *slog.Logger) {
	switch e.Kind {
	case menu.EffectSetModeText:
		s.Mode.Voice = false
	case menu.EffectSetModeVoice:
		s.Mode.Voice = true
		s.Mode.VoiceID = e.Voice
	case menu.EffectRetirePreview:
		d.retirePreview(ctx, ev.Chat, s, logger)
	case menu.EffectRenderMenu:
		kb := menu.Keyboard(next, s.Mode.Voice, s.Mode.VoiceID, d.Config.Voices)
		if err := d.Transport.EditText(ctx, ev.Chat, s.MenuMessage, menu.Title(next), kb); err != nil {
			logger.Warn("menu redraw failed", "error", err)
		}
	case menu.EffectSendPreview:
		d.sendPreview(ctx, ev.Chat, s, e.Voice, logger)
	case menu.EffectDeleteMenu:
		d.retirePreview(ctx, ev.Chat, s, logger)
		if s.MenuMessage != 0 {
			if err := d.Transport.DeleteMessage(ctx, ev.Chat, s.MenuMessage); err != nil {
				logger.Debug("menu delete failed", "error", err)
			}
			s.MenuMessage = 0
		}
	}
}

// retirePreview forgets the tracked preview before attempting the delete,
// so a failed delete can never resurrect a stale id.
func (d *Dispatcher) retirePreview(ctx context.Context, chat core.ChatID, s *session.Session, logger *slog.Logger) {
	if s.Preview == 0 {
		return
	}
	id := s.Preview
	s.Preview = 0
	if err := d.Transport.DeleteMessage(ctx, chat, id); err != nil {
		logger.Warn("preview delete failed", "message_id", int(id), "error", err)
	}
}

// sendPreview plays a short sample in the chosen voice. Samples are free:
// nothing is recorded against the ledger.
func (d *Dispatcher) sendPreview(ctx context.Context, chat core.ChatID, s *session.Session, voice string, logger *slog.Logger) {
	audio, _, err := d.Backend.Synthesize(ctx, d.Config.PreviewText, voice)
	if err != nil {
		logger.Warn("preview synthesis failed", "voice", voice, "error", err)
		d.notify(ctx, chat, d.Texts.Text("tts_fail"), logger)
		return
	}
	id, err := d.Transport.SendVoice(ctx, chat, audio, 0)
	if err != nil {
		logger.Warn("preview send failed", "voice", voice, "error", err)
		return
	}
	s.Preview = id
}

func (d *Dispatcher) handleVoice(ctx context.Context, ev transport.Event, s *session.Session, logger *slog.Logger) {
	if !d.admit(ctx, ev, logger) {
		return
	}
	if ev.Attachment == nil {
		logger.Warn("voice event without attachment")
		return
	}

	res, err := d.Ingest.Run(ctx, ev.User, *ev.Attachment)
	if err != nil {
		d.notifyIngestFailure(ctx, ev.Chat, err, logger)
		return
	}
	d.handlePrompt(ctx, ev, s, res.Transcript, res.CachePrompt, logger)
}

func (d *Dispatcher) notifyIngestFailure(ctx context.Context, chat core.ChatID, err error, logger *slog.Logger) {
	logger.Warn("ingest failed", "error", err)
	switch core.TypeOf(err) {
	case core.ErrTransport:
		lines := append(d.Texts.TextList("media_download_fail"), core.UserMessage(err))
		d.notify(ctx, chat, strings.Join(lines, "\n"), logger)
	case core.ErrUnsupportedMedia:
		d.notify(ctx, chat, d.Texts.Text("media_type_fail"), logger)
	default:
		d.notify(ctx, chat, d.Texts.Text("transcribe_fail")+"\n"+core.UserMessage(err), logger)
	}
}

// handlePrompt runs one prompt through the backend and delivers the reply
// in the session's current mode. cache controls whether the prompt becomes
// the /resend target.
func (d *Dispatcher) handlePrompt(ctx context.Context, ev transport.Event, s *session.Session, prompt string, cache bool, logger *slog.Logger) {
	if strings.TrimSpace(prompt) == "" {
		return
	}
	if err := d.Transport.SendChatAction(ctx, ev.Chat, transport.ActionTyping); err != nil {
		logger.Debug("chat action failed", "error", err)
	}

	text, tokens, err := d.Backend.ChatComplete(ctx, ev.Chat, prompt)
	if err != nil {
		logger.Warn("chat completion failed", "error", err)
		if d.Metrics != nil {
			d.Metrics.RecordError(string(core.TypeOf(err)))
		}
		d.notify(ctx, ev.Chat, d.Texts.Text("chat_fail")+" "+core.UserMessage(err), logger)
		return
	}
	if cache {
		s.LastPrompt = prompt
	}

	if s.Mode.Voice {
		if err := d.Deliver.SendVoiceReply(ctx, ev.Chat, ev.User, text, s.Mode.VoiceID, ev.MessageID); err != nil {
			logger.Warn("voice reply failed", "error", err)
			if d.Metrics != nil {
				d.Metrics.RecordError(string(core.TypeOf(err)))
			}
			d.notify(ctx, ev.Chat, d.Texts.Text("tts_fail")+"\n"+core.UserMessage(err), logger)
		}
		return
	}
	if err := d.Deliver.SendTextReply(ctx, ev.Chat, ev.User, text, tokens, ev.MessageID); err != nil {
		logger.Warn("text reply failed", "error", err)
		if d.Metrics != nil {
			d.Metrics.RecordError(string(core.TypeOf(err)))
		}
	}
}

// notify sends a plain one-off message, logging and swallowing failures.
func (d *Dispatcher) notify(ctx context.Context, chat core.ChatID, text string, logger *slog.Logger) {
	if _, err := d.Transport.SendText(ctx, chat, text, core.FormatPlain, 0, nil); err != nil {
		logger.Warn("notice send failed", "error", err)
	}
}

func kindString(k transport.EventKind) string {
	switch k {
	case transport.EventCommand:
		return "command"
	case transport.EventText:
		return "text"
	case transport.EventVoice:
		return "voice"
	case transport.EventCallback:
		return "callback"
	default:
		return "unknown"
	}
}
