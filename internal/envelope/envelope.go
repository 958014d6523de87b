// Package envelope defines the wire types exchanged between the
// hook-client binary and the ingress server over the length-delimited
// local socket protocol.
package envelope

import "encoding/json"

// Blocking hook event names recognized by the broker. Non-blocking
// events may use any free-form name.
const (
	EventPermissionRequest  = "PermissionRequest"
	EventNotification       = "Notification"
	EventPostToolUseFailure = "PostToolUseFailure"
	EventStop               = "Stop"
	EventTaskCompleted      = "TaskCompleted"
	EventSessionStart       = "SessionStart"
	EventSessionEnd         = "SessionEnd"
)

// HookEnvelope is the request frame sent by a hook-client process.
type HookEnvelope struct {
	Version       int             `json:"version"`
	RequestID     string          `json:"request_id"`
	SessionID     string          `json:"session_id"`
	SessionName   string          `json:"session_name"`
	TmuxPane      *string         `json:"tmux_pane,omitempty"`
	HookEventName string          `json:"hook_event_name"`
	Blocking      bool            `json:"blocking"`
	CWD           string          `json:"cwd"`
	Payload       json.RawMessage `json:"payload"`
}

// HookResponseEnvelope is the response frame returned for blocking
// permission requests only.
type HookResponseEnvelope struct {
	RequestID  string          `json:"request_id"`
	HookOutput json.RawMessage `json:"hook_output"`
}

// PermissionDecision is the shape encoded into HookOutput for
// PermissionRequest responses.
type PermissionDecision struct {
	HookSpecificOutput PermissionSpecificOutput `json:"hookSpecificOutput"`
}

// PermissionSpecificOutput carries the allow/deny verdict.
type PermissionSpecificOutput struct {
	HookEventName string              `json:"hookEventName"`
	Decision      PermissionDecisionV `json:"decision"`
}

// PermissionDecisionV is the behavior and optional message.
type PermissionDecisionV struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// AllowOutput builds the hook_output JSON for an approved request.
func AllowOutput() json.RawMessage {
	b, _ := json.Marshal(PermissionDecision{
		HookSpecificOutput: PermissionSpecificOutput{
			HookEventName: EventPermissionRequest,
			Decision:      PermissionDecisionV{Behavior: "allow"},
		},
	})
	return b
}

// DenyOutput builds the hook_output JSON for a denied request, with an
// optional explanatory message.
func DenyOutput(message string) json.RawMessage {
	b, _ := json.Marshal(PermissionDecision{
		HookSpecificOutput: PermissionSpecificOutput{
			HookEventName: EventPermissionRequest,
			Decision:      PermissionDecisionV{Behavior: "deny", Message: message},
		},
	})
	return b
}

// ToolInputCommand extracts payload.tool_input.command if present.
func ToolInputCommand(payload json.RawMessage) string {
	var wrapper struct {
		ToolInput struct {
			Command string `json:"command"`
		} `json:"tool_input"`
	}
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return "<unknown command>"
	}
	if wrapper.ToolInput.Command == "" {
		return "<unknown command>"
	}
	return wrapper.ToolInput.Command
}

// NotificationType extracts payload.notification_type if present.
func NotificationType(payload json.RawMessage) string {
	var wrapper struct {
		NotificationType string `json:"notification_type"`
	}
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return ""
	}
	return wrapper.NotificationType
}
