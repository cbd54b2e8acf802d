package headless

import (
	"encoding/json"
	"strings"
)

// event is one parsed stream-json line from a provider CLI.
type event struct {
	Type      string          `json:"type"`
	SubType   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   *messageBody    `json:"message,omitempty"`
	Usage     *usageBody      `json:"usage,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

type messageBody struct {
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []contentBlock `json:"content,omitempty"`
}

// contentBlock is one block of an assistant message: text, tool_use, or
// tool_result.
type contentBlock struct {
	Type    string          `json:"type,omitempty"`
	Text    string          `json:"text,omitempty"`
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Content string          `json:"content,omitempty"`
}

type usageBody struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

func (e *event) isResult() bool { return e.Type == "result" }

// text concatenates the text blocks of an assistant message.
func (m *messageBody) text() string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range m.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// errorMessage extracts a human-readable message from the polymorphic
// error field: providers emit either a string or {"code","message"}.
func (e *event) errorMessage() string {
	if e.IsError && e.Result != "" {
		return e.Result
	}
	if len(e.Error) == 0 {
		return ""
	}
	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(e.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var str string
	if err := json.Unmarshal(e.Error, &str); err == nil {
		return str
	}
	return string(e.Error)
}

func parseEvent(line []byte) (event, error) {
	var e event
	if err := json.Unmarshal(line, &e); err != nil {
		return event{}, err
	}
	return e, nil
}
