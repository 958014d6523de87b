package broker

import (
	"encoding/json"
	"testing"

	"github.com/cmakafui/codelatch/internal/envelope"
)

func TestIconFor(t *testing.T) {
	cases := []struct {
		event   string
		payload string
		want    string
	}{
		{envelope.EventNotification, `{"notification_type":"elicitation_dialog"}`, iconElicitation},
		{envelope.EventNotification, `{"notification_type":"permission_prompt"}`, iconPermission},
		{envelope.EventNotification, `{}`, iconNotification},
		{envelope.EventPostToolUseFailure, `{}`, iconFailure},
		{envelope.EventStop, `{}`, iconDone},
		{envelope.EventTaskCompleted, `{}`, iconDone},
		{envelope.EventSessionEnd, `{}`, iconDone},
		{envelope.EventSessionStart, `{}`, iconNotification},
		{"SomeOtherEvent", `{}`, iconNotification},
	}
	for _, c := range cases {
		got := iconFor(c.event, json.RawMessage(c.payload))
		if got != c.want {
			t.Errorf("iconFor(%q, %q) = %q, want %q", c.event, c.payload, got, c.want)
		}
	}
}

func TestSafeFilename(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"demo-abc123.txt", "demo-abc123.txt"},
		{"with spaces/and:colons", "with_spaces_and_colons"},
		{"", "codelatch"},
		{"!!!", "___"},
	}
	for _, c := range cases {
		got := SafeFilename(c.in)
		if got != c.want {
			t.Errorf("SafeFilename(%q) = %q, want %q", c.in, got, c.want)
		}
		if got == "" {
			t.Errorf("SafeFilename(%q) returned empty string", c.in)
		}
	}
}

func TestRenderAsyncBodySessionStart(t *testing.T) {
	e := &envelope.HookEnvelope{HookEventName: envelope.EventSessionStart, CWD: "/w"}
	body := renderAsyncBody(e, "", "", false)
	if !contains(body, "New session latched") {
		t.Errorf("expected 'New session latched' phrase, got %q", body)
	}
}

func TestRenderAsyncBodyNotificationAppendsReplyPrompt(t *testing.T) {
	e := &envelope.HookEnvelope{HookEventName: envelope.EventNotification, Payload: json.RawMessage(`{}`)}
	body := renderAsyncBody(e, "{}", "", false)
	if !contains(body, "Reply to this message") {
		t.Errorf("expected reply prompt, got %q", body)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
