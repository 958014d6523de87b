package broker

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/cmakafui/codelatch/internal/chatclient"
	"github.com/cmakafui/codelatch/internal/envelope"
)

const (
	iconElicitation  = "🟡"
	iconPermission   = "🔴"
	iconNotification = "🔵"
	iconFailure      = "❌"
	iconDone         = "✅"
)

// iconFor returns the event icon per the formatting table: Notification
// sub-types get elicitation/permission/default icons, terminal events
// get a checkmark, everything else a blue circle.
func iconFor(hookEventName string, payload json.RawMessage) string {
	switch hookEventName {
	case envelope.EventNotification:
		switch envelope.NotificationType(payload) {
		case "elicitation_dialog":
			return iconElicitation
		case "permission_prompt":
			return iconPermission
		default:
			return iconNotification
		}
	case envelope.EventPostToolUseFailure:
		return iconFailure
	case envelope.EventStop, envelope.EventTaskCompleted, envelope.EventSessionEnd:
		return iconDone
	case envelope.EventSessionStart:
		return iconNotification
	default:
		return iconNotification
	}
}

// titleFor returns a human title mirroring iconFor, e.g. "❌ Tool Failure".
func titleFor(hookEventName string, payload json.RawMessage) string {
	icon := iconFor(hookEventName, payload)
	switch hookEventName {
	case envelope.EventPostToolUseFailure:
		return icon + " Tool Failure"
	case envelope.EventStop:
		return icon + " Done"
	case envelope.EventTaskCompleted:
		return icon + " Done"
	case envelope.EventSessionEnd:
		return icon + " Done"
	case envelope.EventSessionStart:
		return icon + " Session Start"
	case envelope.EventNotification:
		return icon + " Notification"
	default:
		return icon + " " + hookEventName
	}
}

// renderAsyncBody builds the markdown body for a non-blocking event:
// title, a redacted JSON code block of the payload, an optional
// redacted pane-context code block, and any event-specific phrase.
func renderAsyncBody(e *envelope.HookEnvelope, redactedPayloadJSON string, redactedContext string, hasContext bool) string {
	var b strings.Builder
	b.WriteString("*" + chatclient.EscapeMarkdownV2(titleFor(e.HookEventName, e.Payload)) + "*\n")

	switch e.HookEventName {
	case envelope.EventSessionStart:
		b.WriteString("cwd: " + chatclient.InlineCode(e.CWD) + "\n")
		b.WriteString(chatclient.EscapeMarkdownV2("New session latched"))
	case envelope.EventSessionEnd:
		b.WriteString(chatclient.EscapeMarkdownV2("Session ended"))
	case envelope.EventStop, envelope.EventTaskCompleted:
		b.WriteString(chatclient.EscapeMarkdownV2("Task finished"))
	default:
		b.WriteString(chatclient.CodeBlock("json", redactedPayloadJSON))
		if hasContext {
			b.WriteString("\n" + chatclient.CodeBlock("", redactedContext))
		}
	}

	if e.HookEventName == envelope.EventNotification {
		b.WriteString("\n" + chatclient.EscapeMarkdownV2("Reply to this message"))
	}
	return b.String()
}

var unsafeFilenameChar = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SafeFilename replaces any character outside [A-Za-z0-9._-] with an
// underscore; an all-unsafe input falls back to the literal
// "codelatch".
func SafeFilename(s string) string {
	out := unsafeFilenameChar.ReplaceAllString(s, "_")
	if out == "" {
		return "codelatch"
	}
	return out
}
