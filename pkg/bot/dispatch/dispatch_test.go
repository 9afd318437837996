package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxgate/voxgate/pkg/bot/admission"
	"github.com/voxgate/voxgate/pkg/bot/core"
	"github.com/voxgate/voxgate/pkg/bot/i18n"
	"github.com/voxgate/voxgate/pkg/bot/ingest"
	"github.com/voxgate/voxgate/pkg/bot/ledger"
	"github.com/voxgate/voxgate/pkg/bot/session"
	"github.com/voxgate/voxgate/pkg/bot/transport"
)

type sentText struct {
	chat    core.ChatID
	text    string
	format  core.Formatting
	replyTo core.MessageID
	kb      *core.Keyboard
}

type fakeTransport struct {
	mu      sync.Mutex
	nextID  core.MessageID
	sent    []sentText
	edits   []sentText
	deleted []core.MessageID
	voices  []core.MessageID
	actions []string
	acks    []string
}

func (f *fakeTransport) SendText(_ context.Context, chat core.ChatID, text string, format core.Formatting, replyTo core.MessageID, kb *core.Keyboard) (core.MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentText{chat, text, format, replyTo, kb})
	return f.nextID, nil
}

func (f *fakeTransport) EditText(_ context.Context, chat core.ChatID, _ core.MessageID, text string, kb *core.Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sentText{chat: chat, text: text, kb: kb})
	return nil
}

func (f *fakeTransport) DeleteMessage(_ context.Context, _ core.ChatID, msg core.MessageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, msg)
	return nil
}

func (f *fakeTransport) SendVoice(_ context.Context, _ core.ChatID, _ []byte, _ core.MessageID) (core.MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.voices = append(f.voices, f.nextID)
	return f.nextID, nil
}

func (f *fakeTransport) FetchAttachment(context.Context, core.AttachmentRef, string) error {
	return nil
}

func (f *fakeTransport) SendChatAction(_ context.Context, _ core.ChatID, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeTransport) AnswerCallback(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, id)
	return nil
}

func (f *fakeTransport) livePreviews() []core.MessageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	gone := make(map[core.MessageID]bool, len(f.deleted))
	for _, id := range f.deleted {
		gone[id] = true
	}
	var live []core.MessageID
	for _, id := range f.voices {
		if !gone[id] {
			live = append(live, id)
		}
	}
	return live
}

type fakeBackend struct {
	mu         sync.Mutex
	chatResp   string
	chatTokens int
	chatErr    error
	chatCalls  []string
	synthCalls []string
	synthErr   error
	resets     int
}

func (f *fakeBackend) ChatComplete(_ context.Context, _ core.ChatID, prompt string) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls = append(f.chatCalls, prompt)
	return f.chatResp, f.chatTokens, f.chatErr
}

func (f *fakeBackend) Transcribe(context.Context, string) (string, error) { return "", nil }

func (f *fakeBackend) Synthesize(_ context.Context, _ string, voice string) ([]byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.synthErr != nil {
		return nil, 0, f.synthErr
	}
	f.synthCalls = append(f.synthCalls, voice)
	return []byte("opus"), 10, nil
}

func (f *fakeBackend) ResetHistory(core.ChatID, string) { f.resets++ }

func (f *fakeBackend) HistoryStats(core.ChatID) (int, int) { return 2, 117 }

type fakeDeliver struct {
	mu     sync.Mutex
	texts  []string
	voices []string
	err    error
}

func (f *fakeDeliver) SendTextReply(_ context.Context, _ core.ChatID, _ core.UserID, text string, _ int, _ core.MessageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return f.err
}

func (f *fakeDeliver) SendVoiceReply(_ context.Context, _ core.ChatID, _ core.UserID, text, voice string, _ core.MessageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voices = append(f.voices, text+"/"+voice)
	return f.err
}

type fakeIngest struct {
	res ingest.Result
	err error
}

func (f *fakeIngest) Run(context.Context, core.UserID, core.AttachmentRef) (ingest.Result, error) {
	return f.res, f.err
}

type fixedBudget struct{ remaining float64 }

func (b fixedBudget) RemainingBudget(core.UserID) float64 { return b.remaining }

type harness struct {
	d         *Dispatcher
	transport *fakeTransport
	backend   *fakeBackend
	deliver   *fakeDeliver
	ingest    *fakeIngest
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	texts, err := i18n.Load("en", logger)
	if err != nil {
		t.Fatalf("load translations: %v", err)
	}
	tp := &fakeTransport{}
	be := &fakeBackend{chatResp: "the answer", chatTokens: 21}
	dl := &fakeDeliver{}
	ig := &fakeIngest{res: ingest.Result{Transcript: "spoken prompt", CachePrompt: true, Seconds: 3}}
	led := ledger.New(ledger.Config{
		Prices: ledger.PriceTable{TokenPer1K: 0.002},
		Logger: logger,
	})
	d := &Dispatcher{
		Transport: tp,
		Backend:   be,
		Gate: &admission.Gate{
			IsAllowed: func(core.UserID) bool { return true },
			Budget:    fixedBudget{remaining: 5},
			Logger:    logger,
		},
		Ledger:   led,
		Sessions: session.NewStore(session.Config{DefaultVoice: "alloy"}),
		Ingest:   ig,
		Deliver:  dl,
		Texts:    texts,
		Config: Config{
			DefaultVoice: "alloy",
			Voices:       []string{"alloy", "echo", "nova"},
			PreviewText:  "Hi there",
			EventTimeout: 5 * time.Second,
			BudgetPeriod: "monthly",
		},
		Logger: logger,
	}
	return &harness{d: d, transport: tp, backend: be, deliver: dl, ingest: ig}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

var nextUpdate = 0

func event(kind transport.EventKind) transport.Event {
	nextUpdate++
	return transport.Event{
		UpdateID:  nextUpdate,
		Chat:      100,
		User:      7,
		MessageID: 500,
		Kind:      kind,
	}
}

func TestTextPrompt_DeliveredAndCached(t *testing.T) {
	h := newHarness(t)
	ev := event(transport.EventText)
	ev.Text = "hello"
	h.d.Handle(context.Background(), ev)

	if len(h.backend.chatCalls) != 1 || h.backend.chatCalls[0] != "hello" {
		t.Fatalf("backend calls = %v", h.backend.chatCalls)
	}
	if len(h.deliver.texts) != 1 || h.deliver.texts[0] != "the answer" {
		t.Fatalf("delivered = %v", h.deliver.texts)
	}

	// The prompt became the /resend target.
	re := event(transport.EventCommand)
	re.Command = "resend"
	h.d.Handle(context.Background(), re)
	if len(h.backend.chatCalls) != 2 || h.backend.chatCalls[1] != "hello" {
		t.Fatalf("resend calls = %v", h.backend.chatCalls)
	}
}

func TestExhaustedBudget_OneNoticeZeroBackendCalls(t *testing.T) {
	h := newHarness(t)
	h.d.Gate.Budget = fixedBudget{remaining: 0}

	ev := event(transport.EventText)
	ev.Text = "hello"
	h.d.Handle(context.Background(), ev)

	if len(h.backend.chatCalls) != 0 {
		t.Fatalf("backend reached despite exhausted budget: %v", h.backend.chatCalls)
	}
	if len(h.transport.sent) != 1 {
		t.Fatalf("got %d notices, want exactly 1", len(h.transport.sent))
	}
	if want := h.d.Texts.Text("budget_limit"); h.transport.sent[0].text != want {
		t.Fatalf("notice = %q, want %q", h.transport.sent[0].text, want)
	}
}

func TestExhaustedBudget_StatsStillAnswersButResendBlocked(t *testing.T) {
	h := newHarness(t)
	h.d.Gate.Budget = fixedBudget{remaining: 0}

	st := event(transport.EventCommand)
	st.Command = "stats"
	h.d.Handle(context.Background(), st)
	if len(h.transport.sent) != 1 || !strings.Contains(h.transport.sent[0].text, "Usage today") {
		t.Fatalf("stats blocked by budget: %v", h.transport.sent)
	}

	re := event(transport.EventCommand)
	re.Command = "resend"
	h.d.Handle(context.Background(), re)
	if got := h.transport.sent[1].text; got != h.d.Texts.Text("budget_limit") {
		t.Fatalf("resend notice = %q, want budget limit", got)
	}
}

func TestDisallowedUser_SingleNotice(t *testing.T) {
	h := newHarness(t)
	h.d.Gate.IsAllowed = func(core.UserID) bool { return false }

	ev := event(transport.EventText)
	ev.Text = "hello"
	h.d.Handle(context.Background(), ev)

	if len(h.backend.chatCalls) != 0 {
		t.Fatal("backend reached by disallowed user")
	}
	if len(h.transport.sent) != 1 || h.transport.sent[0].text != h.d.Texts.Text("disallowed") {
		t.Fatalf("sent = %v", h.transport.sent)
	}
}

func TestDuplicateUpdate_DroppedWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	ev := event(transport.EventText)
	ev.Text = "hello"
	h.d.Handle(context.Background(), ev)
	h.d.Handle(context.Background(), ev)

	if len(h.backend.chatCalls) != 1 {
		t.Fatalf("duplicate replayed: %d backend calls", len(h.backend.chatCalls))
	}
}

func TestResend_NothingCached(t *testing.T) {
	h := newHarness(t)
	ev := event(transport.EventCommand)
	ev.Command = "resend"
	h.d.Handle(context.Background(), ev)

	if len(h.backend.chatCalls) != 0 {
		t.Fatal("resend with empty cache reached the backend")
	}
	if len(h.transport.sent) != 1 || h.transport.sent[0].text != h.d.Texts.Text("resend_failed") {
		t.Fatalf("sent = %v", h.transport.sent)
	}
}

func TestReset_ClearsHistoryAndResendTarget(t *testing.T) {
	h := newHarness(t)
	ev := event(transport.EventText)
	ev.Text = "hello"
	h.d.Handle(context.Background(), ev)

	rs := event(transport.EventCommand)
	rs.Command = "reset"
	h.d.Handle(context.Background(), rs)
	if h.backend.resets != 1 {
		t.Fatalf("resets = %d", h.backend.resets)
	}

	re := event(transport.EventCommand)
	re.Command = "resend"
	h.d.Handle(context.Background(), re)
	if len(h.backend.chatCalls) != 1 {
		t.Fatal("resend survived a reset")
	}
}

func TestVoicePrompt_IngestFeedsBackend(t *testing.T) {
	h := newHarness(t)
	ev := event(transport.EventVoice)
	ev.Attachment = &core.AttachmentRef{FileID: "f", UniqueID: "u"}
	h.d.Handle(context.Background(), ev)

	if len(h.backend.chatCalls) != 1 || h.backend.chatCalls[0] != "spoken prompt" {
		t.Fatalf("backend calls = %v", h.backend.chatCalls)
	}
}

func TestVoicePrompt_IgnorePrefixNotCachedForResend(t *testing.T) {
	h := newHarness(t)
	h.ingest.res = ingest.Result{Transcript: "hey bot do something", CachePrompt: false}

	ev := event(transport.EventVoice)
	ev.Attachment = &core.AttachmentRef{UniqueID: "u"}
	h.d.Handle(context.Background(), ev)

	re := event(transport.EventCommand)
	re.Command = "resend"
	h.d.Handle(context.Background(), re)
	if len(h.backend.chatCalls) != 1 {
		t.Fatal("uncacheable transcript became the resend target")
	}
}

func TestVoiceIngestFailures_MapToNotices(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want string
	}{
		{core.NewTransportError("file is too big"), "Failed to download audio file"},
		{core.NewUnsupportedMediaError("unsupported media type"), "Unsupported file type"},
		{core.NewBackendError("whisper down"), "Failed to transcribe text"},
	} {
		h := newHarness(t)
		h.ingest.err = tc.err

		ev := event(transport.EventVoice)
		ev.Attachment = &core.AttachmentRef{UniqueID: "u"}
		h.d.Handle(context.Background(), ev)

		if len(h.backend.chatCalls) != 0 {
			t.Fatalf("%v: backend reached after ingest failure", tc.err)
		}
		if len(h.transport.sent) != 1 || !strings.HasPrefix(h.transport.sent[0].text, tc.want) {
			t.Fatalf("%v: sent = %v", tc.err, h.transport.sent)
		}
	}
}

func TestHelp_ListsEveryCommand(t *testing.T) {
	h := newHarness(t)
	ev := event(transport.EventCommand)
	ev.Command = "help"
	h.d.Handle(context.Background(), ev)

	if len(h.transport.sent) != 1 {
		t.Fatalf("sent = %v", h.transport.sent)
	}
	for _, c := range Commands(h.d.Texts) {
		if !strings.Contains(h.transport.sent[0].text, "/"+c.Name) {
			t.Fatalf("help text misses /%s:\n%s", c.Name, h.transport.sent[0].text)
		}
	}
}

func TestStats_ReportsUsageAndConversation(t *testing.T) {
	h := newHarness(t)
	h.d.Ledger.RecordTokens(7, 1500)

	ev := event(transport.EventCommand)
	ev.Command = "stats"
	h.d.Handle(context.Background(), ev)

	if len(h.transport.sent) != 1 {
		t.Fatalf("sent = %v", h.transport.sent)
	}
	text := h.transport.sent[0].text
	for _, want := range []string{"1500", "117", "$0.00"} {
		if !strings.Contains(text, want) {
			t.Fatalf("stats text misses %q:\n%s", want, text)
		}
	}
}

// Walks /setting then voice mode, voice options, and two successive voice
// picks, asserting only the last preview note stays alive.
func TestVoicePicks_ExactlyOneLivePreview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	open := event(transport.EventCommand)
	open.Command = "setting"
	h.d.Handle(ctx, open)
	if len(h.transport.sent) != 1 || h.transport.sent[0].kb == nil {
		t.Fatalf("menu not sent: %v", h.transport.sent)
	}

	press := func(token string) {
		ev := event(transport.EventCallback)
		ev.CallbackID = "cb-" + token
		ev.CallbackToken = token
		h.d.Handle(ctx, ev)
	}

	press("mode_voice")
	press("voice_options") // previews the default voice
	press("voice:echo")
	press("voice:nova")

	if got := h.backend.synthCalls; len(got) != 3 || got[0] != "alloy" || got[1] != "echo" || got[2] != "nova" {
		t.Fatalf("synth calls = %v", got)
	}
	live := h.transport.livePreviews()
	if len(live) != 1 {
		t.Fatalf("%d live previews, want exactly 1", len(live))
	}
	// The survivor is the nova note, sent last.
	if live[0] != h.transport.voices[2] {
		t.Fatalf("live preview = %v, want the final note %v", live[0], h.transport.voices[2])
	}
	// The echo note had a delete attempted.
	echoDeleted := false
	for _, id := range h.transport.deleted {
		if id == h.transport.voices[1] {
			echoDeleted = true
		}
	}
	if !echoDeleted {
		t.Fatal("no delete attempted for the replaced preview")
	}

	// Voice mode now drives replies.
	ev := event(transport.EventText)
	ev.Text = "speak to me"
	h.d.Handle(ctx, ev)
	if len(h.deliver.voices) != 1 || h.deliver.voices[0] != "the answer/nova" {
		t.Fatalf("voice replies = %v", h.deliver.voices)
	}
}

// Reopening the menu while a preview note is live must not orphan it: the
// second walk to the voice grid ends with exactly one live preview.
func TestMenuReopen_RetiresOldPreview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	press := func(token string) {
		ev := event(transport.EventCallback)
		ev.CallbackToken = token
		h.d.Handle(ctx, ev)
	}
	open := func() {
		ev := event(transport.EventCommand)
		ev.Command = "setting"
		h.d.Handle(ctx, ev)
	}

	open()
	press("mode_voice")
	press("voice_options") // first preview

	open()
	press("mode_voice")
	press("voice_options") // second preview

	live := h.transport.livePreviews()
	if len(live) != 1 {
		t.Fatalf("live previews = %v, want exactly 1", live)
	}
	if live[0] != h.transport.voices[1] {
		t.Fatalf("live preview = %v, want the second note %v", live[0], h.transport.voices[1])
	}
}

// Long polling plus retries can hand over updates out of id order; a lower
// id never applied before is a distinct message, not a duplicate.
func TestReorderedUpdates_BothApplied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	second := transport.Event{UpdateID: 2, Chat: 100, User: 7, Kind: transport.EventText, Text: "second"}
	first := transport.Event{UpdateID: 1, Chat: 100, User: 7, Kind: transport.EventText, Text: "first"}
	h.d.Handle(ctx, second)
	h.d.Handle(ctx, first)

	if got := h.backend.chatCalls; len(got) != 2 || got[0] != "second" || got[1] != "first" {
		t.Fatalf("backend calls = %v, want both messages", got)
	}

	// Redelivery of either id is still dropped.
	h.d.Handle(ctx, first)
	if len(h.backend.chatCalls) != 2 {
		t.Fatalf("redelivered update replayed: %v", h.backend.chatCalls)
	}
}

// Dismissing a menu costs nothing, so the budget ceiling must not trap a
// user with an open keyboard.
func TestExhaustedBudget_CancelStillClosesMenu(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	open := event(transport.EventCommand)
	open.Command = "setting"
	h.d.Handle(ctx, open)

	h.d.Gate.Budget = fixedBudget{remaining: 0}
	ev := event(transport.EventCallback)
	ev.CallbackToken = "cancel"
	h.d.Handle(ctx, ev)

	menuDeleted := false
	for _, id := range h.transport.deleted {
		if id == 1 {
			menuDeleted = true
		}
	}
	if !menuDeleted {
		t.Fatal("menu message not deleted on cancel")
	}
	for _, m := range h.transport.sent {
		if m.text == h.d.Texts.Text("budget_limit") {
			t.Fatal("cancel rejected by the budget gate")
		}
	}
}

func TestCancel_ClosesMenuAndRetiresPreview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	open := event(transport.EventCommand)
	open.Command = "setting"
	h.d.Handle(ctx, open)

	press := func(token string) {
		ev := event(transport.EventCallback)
		ev.CallbackToken = token
		h.d.Handle(ctx, ev)
	}
	press("mode_voice")
	press("voice_options")
	press("cancel")

	if live := h.transport.livePreviews(); len(live) != 0 {
		t.Fatalf("preview survived cancel: %v", live)
	}
	// The menu message itself was deleted too.
	menuDeleted := false
	for _, id := range h.transport.deleted {
		if id == 1 {
			menuDeleted = true
		}
	}
	if !menuDeleted {
		t.Fatal("menu message not deleted on cancel")
	}
}

func TestForeignToken_Ignored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	open := event(transport.EventCommand)
	open.Command = "setting"
	h.d.Handle(ctx, open)

	ev := event(transport.EventCallback)
	ev.CallbackToken = "voice:nova" // not valid on the root screen
	h.d.Handle(ctx, ev)

	if len(h.transport.edits) != 0 || len(h.transport.voices) != 0 {
		t.Fatal("foreign token produced effects")
	}
	if h.d.Sessions.Len() == 0 {
		t.Fatal("session vanished")
	}
}

func TestChatFailure_SurfacesBackendText(t *testing.T) {
	h := newHarness(t)
	h.backend.chatErr = core.NewBackendError("model overloaded")

	ev := event(transport.EventText)
	ev.Text = "hello"
	h.d.Handle(context.Background(), ev)

	if len(h.transport.sent) != 1 || !strings.Contains(h.transport.sent[0].text, "model overloaded") {
		t.Fatalf("sent = %v", h.transport.sent)
	}
	if len(h.deliver.texts) != 0 {
		t.Fatal("delivery ran after a failed completion")
	}
}

func TestRun_DrainsChannelAndStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	events := make(chan transport.Event, 2)
	ev := event(transport.EventText)
	ev.Text = "hello"
	events <- ev
	close(events)

	if err := h.d.Run(context.Background(), events); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.backend.chatCalls) != 1 {
		t.Fatalf("backend calls = %v", h.backend.chatCalls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.d.Run(ctx, make(chan transport.Event)); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
