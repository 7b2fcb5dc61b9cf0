package session

import "ToolChat/internal/chaterr"

// Outstanding returns the tool calls of the nearest preceding assistant
// tool request that have not been answered yet, in request order.
func Outstanding(history []Message) []ToolCall {
	answered := 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		switch {
		case m.Role == RoleTool:
			answered++
		case m.HasToolCalls():
			if answered >= len(m.ToolCalls) {
				return nil
			}
			return m.ToolCalls[answered:]
		default:
			return nil
		}
	}
	return nil
}

// CheckAppend reports whether next may follow history without breaking the
// tool call pairing: every assistant tool request is followed by exactly one
// tool message per call, in request order, before anything else.
func CheckAppend(history []Message, next Message) error {
	if err := next.Validate(); err != nil {
		return err
	}

	pending := Outstanding(history)
	if next.Role == RoleTool {
		if len(pending) == 0 {
			return chaterr.New(chaterr.KindProtocolViolation, "append",
				"tool result %s does not answer an outstanding tool call", next.ToolCallID)
		}
		if pending[0].ID != next.ToolCallID {
			return chaterr.New(chaterr.KindProtocolViolation, "append",
				"tool result %s out of order, expected %s", next.ToolCallID, pending[0].ID)
		}
		return nil
	}

	if len(pending) > 0 {
		return chaterr.New(chaterr.KindProtocolViolation, "append",
			"%s message while %d tool call(s) are unanswered", next.Role, len(pending))
	}
	return nil
}

// ValidateHistory checks a complete message sequence. A trailing tool
// request with unanswered calls is accepted; the turn that produced it was
// interrupted before dispatch.
func ValidateHistory(msgs []Message) error {
	for i := range msgs {
		if err := CheckAppend(msgs[:i], msgs[i]); err != nil {
			return err
		}
	}
	return nil
}
