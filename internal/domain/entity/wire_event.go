package entity

// EventKind is the tag of a WireEvent's closed union.
type EventKind string

const (
	EventTurnBegin        EventKind = "TurnBegin"
	EventTurnEnd          EventKind = "TurnEnd"
	EventStepBegin        EventKind = "StepBegin"
	EventStepInterrupted  EventKind = "StepInterrupted"
	EventCompactionBegin  EventKind = "CompactionBegin"
	EventCompactionEnd    EventKind = "CompactionEnd"
	EventTextPart         EventKind = "TextPart"
	EventThinkPart        EventKind = "ThinkPart"
	EventImageURLPart     EventKind = "ImageUrlPart"
	EventAudioURLPart     EventKind = "AudioUrlPart"
	EventVideoURLPart     EventKind = "VideoUrlPart"
	EventToolCall         EventKind = "ToolCall"
	EventToolCallPart     EventKind = "ToolCallPart"
	EventToolBegin        EventKind = "ToolBegin"
	EventToolEnd          EventKind = "ToolEnd"
	EventToolResult       EventKind = "ToolResult"
	EventApprovalRequest  EventKind = "ApprovalRequest"
	EventApprovalResponse EventKind = "ApprovalResponse"
	EventStatusUpdate     EventKind = "StatusUpdate"
	EventSubagentEvent    EventKind = "SubagentEvent"
)

// WireEvent is the one type flowing through the Wire. Payload holds the
// variant-specific fields; only the fields relevant to Kind are populated.
// A tagged struct (rather than an interface per variant) keeps the Wire's
// merge logic (coalescing adjacent TextPart events) a plain value comparison
// on Kind, and keeps JSON round-tripping to wire.jsonl a single Marshal call.
type WireEvent struct {
	Kind EventKind `json:"tag"`

	// TurnBegin
	UserInput *UserInput `json:"user_input,omitempty"`

	// StepBegin / StepInterrupted
	Step int `json:"step,omitempty"`

	// TextPart / ThinkPart
	Text string `json:"text,omitempty"`

	// ImageUrlPart / AudioUrlPart / VideoUrlPart
	URL string `json:"url,omitempty"`

	// ToolCall / ToolCallPart / ToolBegin / ToolEnd
	ToolCallID string         `json:"id,omitempty"`
	ToolName   string         `json:"name,omitempty"`
	Arguments  string         `json:"arguments,omitempty"`
	ToolIndex  int            `json:"index,omitempty"`
	ToolResult *ToolResult    `json:"result,omitempty"`

	// ApprovalRequest / ApprovalResponse
	Approval         *ApprovalRequest  `json:"approval,omitempty"`
	ApprovalRespID   string            `json:"request_id,omitempty"`
	ApprovalResponse *ApprovalResponse `json:"response,omitempty"`

	// StatusUpdate
	ContextUsage *float64 `json:"context_usage,omitempty"`
	TokenUsage   *int     `json:"token_usage,omitempty"`
	MessageID    string   `json:"message_id,omitempty"`

	// SubagentEvent
	TaskToolCallID string     `json:"task_tool_call_id,omitempty"`
	SubEvent       *WireEvent `json:"event,omitempty"`
}

func TurnBeginEvent(input UserInput) WireEvent {
	return WireEvent{Kind: EventTurnBegin, UserInput: &input}
}

func TurnEndEvent() WireEvent { return WireEvent{Kind: EventTurnEnd} }

func StepBeginEvent(n int) WireEvent { return WireEvent{Kind: EventStepBegin, Step: n} }

func StepInterruptedEvent(n int) WireEvent { return WireEvent{Kind: EventStepInterrupted, Step: n} }

func CompactionBeginEvent() WireEvent { return WireEvent{Kind: EventCompactionBegin} }

func CompactionEndEvent() WireEvent { return WireEvent{Kind: EventCompactionEnd} }

func TextPartEvent(text string) WireEvent { return WireEvent{Kind: EventTextPart, Text: text} }

func ThinkPartEvent(text string) WireEvent { return WireEvent{Kind: EventThinkPart, Text: text} }

func ToolCallEvent(id, name, arguments string) WireEvent {
	return WireEvent{Kind: EventToolCall, ToolCallID: id, ToolName: name, Arguments: arguments}
}

func ToolCallPartEvent(index int, id, name, argsFragment string) WireEvent {
	return WireEvent{Kind: EventToolCallPart, ToolIndex: index, ToolCallID: id, ToolName: name, Arguments: argsFragment}
}

func ToolBeginEvent(name, arguments string) WireEvent {
	return WireEvent{Kind: EventToolBegin, ToolName: name, Arguments: arguments}
}

func ToolEndEvent(name string, result ToolResult) WireEvent {
	return WireEvent{Kind: EventToolEnd, ToolName: name, ToolResult: &result}
}

func ToolResultEvent(result ToolResult) WireEvent {
	return WireEvent{Kind: EventToolResult, ToolCallID: result.ToolCallID, ToolResult: &result}
}

func ApprovalRequestEvent(req ApprovalRequest) WireEvent {
	return WireEvent{Kind: EventApprovalRequest, Approval: &req}
}

func ApprovalResponseEvent(requestID string, resp ApprovalResponse) WireEvent {
	return WireEvent{Kind: EventApprovalResponse, ApprovalRespID: requestID, ApprovalResponse: &resp}
}

func StatusUpdateEvent(contextUsage *float64, tokenUsage *int, messageID string) WireEvent {
	return WireEvent{Kind: EventStatusUpdate, ContextUsage: contextUsage, TokenUsage: tokenUsage, MessageID: messageID}
}

func SubagentEventOf(taskToolCallID string, inner WireEvent) WireEvent {
	return WireEvent{Kind: EventSubagentEvent, TaskToolCallID: taskToolCallID, SubEvent: &inner}
}

// IsTextPart reports whether this event is a TextPart — the only kind the
// Wire's merged view coalesces.
func (e WireEvent) IsTextPart() bool { return e.Kind == EventTextPart }
