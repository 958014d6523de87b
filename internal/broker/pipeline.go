// Package broker implements the event pipeline and lifecycle
// orchestration that sit between the ingress server, the store, the
// chat client, and the pane adapter.
package broker

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cmakafui/codelatch/internal/chatclient"
	"github.com/cmakafui/codelatch/internal/envelope"
	"github.com/cmakafui/codelatch/internal/metrics"
	"github.com/cmakafui/codelatch/internal/pane"
	"github.com/cmakafui/codelatch/internal/redact"
	"github.com/cmakafui/codelatch/internal/store"
	"github.com/cmakafui/codelatch/pkg/logger"
)

// chatSender is the subset of *chatclient.Client the pipeline depends
// on, seamed out so tests can supply a fake without a live bot token.
type chatSender interface {
	ChatID() int64
	SendMessage(ctx context.Context, text string) (int64, error)
	SendMarkdown(ctx context.Context, title, body string, markup *telego.InlineKeyboardMarkup) (int64, error)
	SendDocument(ctx context.Context, fileName string, data []byte, caption string) (int64, error)
	SendPermissionMessage(ctx context.Context, sessionName, redactedCommand, cwd, requestID string, timeoutSeconds int) (int64, error)
	EditMessage(ctx context.Context, messageID int64, text string) error
	AnswerCallbackQuery(ctx context.Context, id string) error
}

// paneOps is the subset of *pane.Adapter the pipeline depends on,
// seamed out for the same reason.
type paneOps interface {
	CaptureContext(ctx context.Context, pane string, lines int) (string, bool)
	SendInterrupt(ctx context.Context, pane string) bool
	InjectReply(ctx context.Context, pane, text string) bool
	DetectRunningCommand(ctx context.Context, pane string) string
	GitDiff(ctx context.Context, cwd string) (string, error)
}

// Config is the subset of daemon configuration the pipeline consults
// directly.
type Config struct {
	AutoDenySeconds int
	ContextLines    int
	MaxInlineLength int
	MetricsAddr     string
}

// Pipeline wires the store, chat client, and pane adapter into the
// permission, async-event, and chat-update handlers. It owns the
// in-memory waiter table.
type Pipeline struct {
	store   *store.Store
	chat    chatSender
	pane    paneOps
	waiters *waiterTable
	cfg     Config
	now     func() int64
}

// NewPipeline constructs a Pipeline over the given collaborators.
func NewPipeline(st *store.Store, chat chatSender, paneAdapter paneOps, cfg Config) *Pipeline {
	return &Pipeline{
		store:   st,
		chat:    chat,
		pane:    paneAdapter,
		waiters: newWaiterTable(),
		cfg:     cfg,
		now:     func() int64 { return time.Now().Unix() },
	}
}

// HandleEnvelope is the ingress.Handler entry point: blocking
// PermissionRequest envelopes are routed to the permission handler and
// awaited; every other envelope is handled asynchronously and
// produces no response frame.
func (p *Pipeline) HandleEnvelope(ctx context.Context, e *envelope.HookEnvelope) *envelope.HookResponseEnvelope {
	metrics.EnvelopesTotal.WithLabelValues(e.HookEventName).Inc()
	if e.Blocking && e.HookEventName == envelope.EventPermissionRequest {
		return p.handlePermissionRequest(ctx, e)
	}
	p.handleAsyncEvent(ctx, e)
	return nil
}

func (p *Pipeline) handlePermissionRequest(ctx context.Context, e *envelope.HookEnvelope) *envelope.HookResponseEnvelope {
	timer := prometheus.NewTimer(metrics.PermissionLatency)
	defer timer.ObserveDuration()

	now := p.now()
	expiresAt := now + int64(p.cfg.AutoDenySeconds)

	if err := p.store.UpsertSession(ctx, e, now); err != nil {
		logger.ErrorCF("pipeline", "upsert session failed", map[string]interface{}{"error": err.Error()})
	}
	if err := p.store.InsertPendingRequest(ctx, e, expiresAt, now); err != nil {
		logger.ErrorCF("pipeline", "insert pending request failed", map[string]interface{}{"error": err.Error()})
		return &envelope.HookResponseEnvelope{
			RequestID:  e.RequestID,
			HookOutput: envelope.DenyOutput("Denied because request could not be recorded"),
		}
	}

	command := envelope.ToolInputCommand(e.Payload)
	redactedCommand := redact.Redact(command)

	messageID, err := p.chat.SendPermissionMessage(ctx, e.SessionName, redactedCommand, e.CWD, e.RequestID, p.cfg.AutoDenySeconds)
	if err != nil {
		logger.WarnCF("pipeline", "send permission message failed", map[string]interface{}{"error": err.Error()})
	} else if err := p.store.SetPendingMessageId(ctx, e.RequestID, messageID); err != nil {
		logger.WarnCF("pipeline", "set pending message id failed", map[string]interface{}{"error": err.Error()})
	}

	waitCh := p.waiters.register(e.RequestID)
	metrics.PendingRequests.Inc()
	defer metrics.PendingRequests.Dec()
	timeout := time.Duration(p.cfg.AutoDenySeconds) * time.Second
	go p.runTimeout(ctx, e.RequestID, messageID, timeout)

	select {
	case resp := <-waitCh:
		return resp
	case <-ctx.Done():
		p.waiters.remove(e.RequestID)
		return &envelope.HookResponseEnvelope{
			RequestID:  e.RequestID,
			HookOutput: envelope.DenyOutput("Denied because daemon waiter closed"),
		}
	}
}

// runTimeout auto-denies a pending request once timeout elapses,
// unless ctx is cancelled first (daemon shutdown) or the request was
// already resolved by an operator callback.
func (p *Pipeline) runTimeout(ctx context.Context, requestID string, messageID int64, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	changed, err := p.store.TransitionPendingState(context.Background(), requestID, store.StateTimedOut)
	if err != nil {
		logger.ErrorCF("pipeline", "timeout transition failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if !changed {
		return
	}
	metrics.PermissionDecisionsTotal.WithLabelValues("timeout").Inc()

	if messageID != 0 {
		if err := p.chat.EditMessage(context.Background(), messageID, chatclient.EscapeMarkdownV2("⏳ Timed out — denied")); err != nil {
			logger.WarnCF("pipeline", "edit timeout message failed", map[string]interface{}{"error": err.Error()})
		}
	}

	p.waiters.complete(requestID, &envelope.HookResponseEnvelope{
		RequestID:  requestID,
		HookOutput: envelope.DenyOutput("Denied by timeout"),
	})
}

func (p *Pipeline) handleAsyncEvent(ctx context.Context, e *envelope.HookEnvelope) {
	now := p.now()
	if err := p.store.UpsertSession(ctx, e, now); err != nil {
		logger.ErrorCF("pipeline", "upsert session failed", map[string]interface{}{"error": err.Error()})
	}

	payloadJSON, err := json.MarshalIndent(e.Payload, "", "  ")
	if err != nil {
		payloadJSON = []byte(e.Payload)
	}
	redactedPayload := redact.Redact(string(payloadJSON))

	var redactedContext string
	var hasContext bool
	if e.TmuxPane != nil && *e.TmuxPane != "" {
		if captured, ok := p.pane.CaptureContext(ctx, *e.TmuxPane, p.cfg.ContextLines); ok && captured != "" {
			redactedContext = redact.Redact(captured)
			hasContext = true
		}
	}

	body := renderAsyncBody(e, redactedPayload, redactedContext, hasContext)
	title := titleFor(e.HookEventName, e.Payload)

	var messageID int64
	if chatclient.CodepointLen(body) <= p.cfg.MaxInlineLength {
		messageID, err = p.chat.SendMarkdown(ctx, title, body, nil)
	} else {
		fileName := SafeFilename(e.SessionName+"-"+e.HookEventName) + "-event.txt"
		messageID, err = p.chat.SendDocument(ctx, fileName, []byte(body), title)
	}
	if err != nil {
		logger.WarnCF("pipeline", "send async event failed", map[string]interface{}{"error": err.Error()})
		return
	}

	if e.HookEventName == envelope.EventNotification {
		if err := p.store.InsertReplyRoute(ctx, messageID, e, now); err != nil {
			logger.WarnCF("pipeline", "insert reply route failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// resolveSession implements the §4.6 chat-to-session resolution
// order: reply route, then default route, then most-recently-seen
// session, then none.
func (p *Pipeline) resolveSession(ctx context.Context, replyTo *int64) (*store.SessionRecord, error) {
	if replyTo != nil {
		route, err := p.store.LookupReplyRoute(ctx, *replyTo)
		if err != nil {
			return nil, err
		}
		if route != nil {
			if sess, err := p.store.GetSession(ctx, route.SessionID); err == nil && sess != nil {
				return sess, nil
			}
		}
	}

	def, err := p.store.GetDefaultRoute(ctx)
	if err != nil {
		return nil, err
	}
	if def != nil {
		if sess, err := p.store.GetSession(ctx, def.SessionID); err == nil && sess != nil {
			return sess, nil
		}
	}

	sessions, err := p.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	if len(sessions) > 0 {
		return &sessions[0], nil
	}
	return nil, nil
}

func (p *Pipeline) resolveSessionForCommand(ctx context.Context, m *chatclient.Message, args []string) (*store.SessionRecord, error) {
	if len(args) > 0 {
		if sess, err := p.store.FindSessionByName(ctx, args[0]); err == nil && sess != nil {
			return sess, nil
		}
	}
	return p.resolveSession(ctx, replyToOf(m))
}

func replyToOf(m *chatclient.Message) *int64 {
	if m == nil {
		return nil
	}
	return m.ReplyToMessage
}

// HandleChatUpdate dispatches one incoming Update to the command,
// reply-routing, or callback-query handlers.
func (p *Pipeline) HandleChatUpdate(ctx context.Context, u chatclient.Update) {
	if u.Callback != nil {
		p.handleCallback(ctx, u.Callback)
		return
	}
	if u.Message != nil {
		p.handleMessage(ctx, u.Message)
	}
}

func (p *Pipeline) handleMessage(ctx context.Context, m *chatclient.Message) {
	if m.ChatID != p.chat.ChatID() {
		return
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		p.handleCommand(ctx, m, text)
		return
	}
	p.handleReplyOrDefault(ctx, m, text)
}

func (p *Pipeline) handleCommand(ctx context.Context, m *chatclient.Message, text string) {
	fields := strings.Fields(text)
	cmd := fields[0]
	if idx := strings.Index(cmd, "@"); idx >= 0 {
		cmd = cmd[:idx]
	}
	args := fields[1:]

	switch cmd {
	case "/peek":
		p.cmdPeek(ctx, m, args)
	case "/diff":
		p.cmdDiff(ctx, m, nil)
	case "/log":
		p.cmdLog(ctx, m, nil)
	case "/sessions":
		p.cmdSessions(ctx)
	case "/switch":
		p.cmdSwitch(ctx, args)
	}
}

func (p *Pipeline) cmdPeek(ctx context.Context, m *chatclient.Message, args []string) {
	sess, err := p.resolveSessionForCommand(ctx, m, args)
	if err != nil || sess == nil {
		p.reply(ctx, "No active session")
		return
	}

	var contextText, running string
	running = "idle"
	if sess.TmuxPane != "" {
		if captured, ok := p.pane.CaptureContext(ctx, sess.TmuxPane, 30); ok {
			contextText = redact.Redact(captured)
		}
		running = p.pane.DetectRunningCommand(ctx, sess.TmuxPane)
	}
	currentFile, _ := pane.DetectCurrentFile(running, contextText)
	lastLine := lastNonEmptyLine(contextText)

	body := p.renderPeek(sess, running, currentFile, lastLine, contextText)
	markup := chatclient.PeekKeyboard(sess.SessionID)
	if _, err := p.chat.SendMarkdown(ctx, "Peek", body, markup); err != nil {
		logger.WarnCF("pipeline", "send peek failed", map[string]interface{}{"error": err.Error()})
	}
}

func (p *Pipeline) renderPeek(sess *store.SessionRecord, running, currentFile, lastLine, contextText string) string {
	var header strings.Builder
	header.WriteString("*" + chatclient.EscapeMarkdownV2("Peek: "+sess.Name) + "*\n")
	header.WriteString("Running: " + chatclient.InlineCode(running) + "\n")
	if currentFile != "" {
		header.WriteString("File: " + chatclient.InlineCode(currentFile) + "\n")
	}
	if lastLine != "" {
		header.WriteString("Task: " + chatclient.EscapeMarkdownV2(lastLine) + "\n")
	}

	body := header.String() + chatclient.CodeBlock("", contextText)
	if chatclient.CodepointLen(body) > p.cfg.MaxInlineLength {
		truncated := tailTruncate(contextText, 1800)
		body = header.String() + chatclient.CodeBlock("", truncated) + "\n" + chatclient.EscapeMarkdownV2("Truncated")
	}
	return body
}

func (p *Pipeline) cmdDiff(ctx context.Context, m *chatclient.Message, sess *store.SessionRecord) {
	if sess == nil {
		var err error
		sess, err = p.resolveSession(ctx, replyToOf(m))
		if err != nil || sess == nil {
			p.reply(ctx, "No active session")
			return
		}
	}

	out, err := p.pane.GitDiff(ctx, sess.CWD)
	if err != nil {
		p.reply(ctx, "Failed to run git diff")
		return
	}
	redacted := redact.Redact(pane.NormalizeTerminalText(out))
	if strings.TrimSpace(redacted) == "" {
		p.reply(ctx, "No changes")
		return
	}

	body := chatclient.CodeBlock("diff", redacted)
	if chatclient.CodepointLen(body) <= p.cfg.MaxInlineLength {
		if _, err := p.chat.SendMarkdown(ctx, "Diff", body, nil); err != nil {
			logger.WarnCF("pipeline", "send diff failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	fileName := SafeFilename(sess.Name) + "-diff.patch"
	if _, err := p.chat.SendDocument(ctx, fileName, []byte(redacted), "Diff"); err != nil {
		logger.WarnCF("pipeline", "send diff document failed", map[string]interface{}{"error": err.Error()})
	}
}

func (p *Pipeline) cmdLog(ctx context.Context, m *chatclient.Message, sess *store.SessionRecord) {
	if sess == nil {
		var err error
		sess, err = p.resolveSession(ctx, replyToOf(m))
		if err != nil || sess == nil {
			p.reply(ctx, "No active session")
			return
		}
	}
	if sess.TmuxPane == "" {
		p.reply(ctx, "No pane for session "+sess.Name)
		return
	}

	text, ok := p.pane.CaptureContext(ctx, sess.TmuxPane, 200)
	if !ok {
		p.reply(ctx, "Failed to capture pane log")
		return
	}
	redacted := redact.Redact(text)
	fileName := SafeFilename(sess.Name) + "-log.txt"
	if _, err := p.chat.SendDocument(ctx, fileName, []byte(redacted), "Log"); err != nil {
		logger.WarnCF("pipeline", "send log document failed", map[string]interface{}{"error": err.Error()})
	}
}

func (p *Pipeline) cmdSessions(ctx context.Context) {
	sessions, err := p.store.ListSessions(ctx)
	if err != nil {
		logger.WarnCF("pipeline", "list sessions failed", map[string]interface{}{"error": err.Error()})
		p.reply(ctx, "Failed to list sessions")
		return
	}
	metrics.ActiveSessions.Set(float64(len(sessions)))
	def, _ := p.store.GetDefaultRoute(ctx)

	var b strings.Builder
	b.WriteString("*" + chatclient.EscapeMarkdownV2("Sessions") + "*\n")
	if len(sessions) == 0 {
		b.WriteString(chatclient.EscapeMarkdownV2("No active sessions"))
	}
	for _, s := range sessions {
		prefix := ""
		if def != nil && def.SessionID == s.SessionID {
			prefix = "* "
		}
		b.WriteString(chatclient.EscapeMarkdownV2(prefix+s.Name) + " " + chatclient.InlineCode(s.SessionID) + "\n")
	}
	if _, err := p.chat.SendMarkdown(ctx, "Sessions", b.String(), nil); err != nil {
		logger.WarnCF("pipeline", "send sessions list failed", map[string]interface{}{"error": err.Error()})
	}
}

func (p *Pipeline) cmdSwitch(ctx context.Context, args []string) {
	if len(args) == 0 {
		def, err := p.store.GetDefaultRoute(ctx)
		if err != nil || def == nil {
			p.reply(ctx, "No default session set")
			return
		}
		p.reply(ctx, "Default session: "+def.SessionName)
		return
	}

	name := args[0]
	sess, err := p.store.FindSessionByName(ctx, name)
	if err != nil || sess == nil {
		p.reply(ctx, "No session named "+name)
		return
	}
	route := store.DefaultRoute{SessionID: sess.SessionID, SessionName: sess.Name, TmuxPane: sess.TmuxPane}
	if err := p.store.SetDefaultRoute(ctx, route, p.now()); err != nil {
		p.reply(ctx, "Failed to switch default session")
		return
	}
	p.reply(ctx, "Switched default session to "+sess.Name)
}

func (p *Pipeline) handleReplyOrDefault(ctx context.Context, m *chatclient.Message, text string) {
	if m.ReplyToMessage != nil {
		route, err := p.store.LookupReplyRoute(ctx, *m.ReplyToMessage)
		if err != nil || route == nil {
			return
		}
		if route.TmuxPane == "" || !p.pane.InjectReply(ctx, route.TmuxPane, text) {
			p.reply(ctx, "Failed to deliver reply")
			return
		}
		p.reply(ctx, "Sent reply to session "+route.SessionID)
		return
	}

	def, err := p.store.GetDefaultRoute(ctx)
	if err != nil || def == nil {
		p.reply(ctx, "No default session — use /switch <name> to set one")
		return
	}
	if def.TmuxPane == "" || !p.pane.InjectReply(ctx, def.TmuxPane, text) {
		p.reply(ctx, "Failed to deliver reply")
		return
	}
	p.reply(ctx, "Sent reply to session "+def.SessionID)
}

func (p *Pipeline) handleCallback(ctx context.Context, cb *chatclient.CallbackQuery) {
	if err := p.chat.AnswerCallbackQuery(ctx, cb.ID); err != nil {
		logger.WarnCF("pipeline", "answer callback query failed", map[string]interface{}{"error": err.Error()})
	}

	parts := strings.SplitN(cb.Data, ":", 3)
	if len(parts) != 3 {
		return
	}
	switch parts[0] {
	case "permit":
		p.handlePermitCallback(ctx, cb, parts[1], parts[2])
	case "peek":
		p.handlePeekCallback(ctx, parts[1], parts[2])
	}
}

func (p *Pipeline) handlePermitCallback(ctx context.Context, cb *chatclient.CallbackQuery, requestID, decision string) {
	var nextState, statusText string
	var output json.RawMessage
	switch decision {
	case "allow":
		nextState = store.StateApproved
		output = envelope.AllowOutput()
		statusText = "✅ Approved"
	case "deny":
		nextState = store.StateDenied
		output = envelope.DenyOutput("Denied by operator")
		statusText = "❌ Denied"
	default:
		return
	}

	changed, err := p.store.TransitionPendingState(ctx, requestID, nextState)
	if err != nil {
		logger.ErrorCF("pipeline", "permit transition failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if !changed {
		return
	}
	metrics.PermissionDecisionsTotal.WithLabelValues(decision).Inc()

	if cb.OriginMessageID != 0 {
		if err := p.chat.EditMessage(ctx, cb.OriginMessageID, chatclient.EscapeMarkdownV2(statusText)); err != nil {
			logger.WarnCF("pipeline", "edit permission message failed", map[string]interface{}{"error": err.Error()})
		}
	}
	p.waiters.complete(requestID, &envelope.HookResponseEnvelope{RequestID: requestID, HookOutput: output})
}

func (p *Pipeline) handlePeekCallback(ctx context.Context, action, sessionID string) {
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return
	}
	switch action {
	case "diff":
		p.cmdDiff(ctx, nil, sess)
	case "log":
		p.cmdLog(ctx, nil, sess)
	case "stop":
		if sess.TmuxPane != "" && p.pane.SendInterrupt(ctx, sess.TmuxPane) {
			p.reply(ctx, "Interrupted session "+sess.Name)
		} else {
			p.reply(ctx, "Failed to interrupt session "+sess.Name)
		}
	}
}

func (p *Pipeline) reply(ctx context.Context, text string) {
	if _, err := p.chat.SendMessage(ctx, text); err != nil {
		logger.WarnCF("pipeline", "reply failed", map[string]interface{}{"error": err.Error()})
	}
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func tailTruncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
