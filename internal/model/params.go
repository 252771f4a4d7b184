package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Params is the typed parameter set of an ActionIntent. Each action type
// has exactly one implementation, so required fields are checked at
// construction instead of deep inside a dispatch branch.
type Params interface {
	ActionType() ActionType
	Validate() error
}

// ReadFileParams parameterizes read_file.
type ReadFileParams struct {
	Path string `json:"path"`
}

func (ReadFileParams) ActionType() ActionType { return ActionReadFile }

func (p ReadFileParams) Validate() error {
	if p.Path == "" {
		return fmt.Errorf("read_file: path is required")
	}
	return nil
}

// WriteFileParams parameterizes write_file.
type WriteFileParams struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Sanitize bool   `json:"sanitize,omitempty"`
}

func (WriteFileParams) ActionType() ActionType { return ActionWriteFile }

func (p WriteFileParams) Validate() error {
	if p.Path == "" {
		return fmt.Errorf("write_file: path is required")
	}
	return nil
}

// ExecuteCommandParams parameterizes execute_command. The command is the
// literal string evaluated against the policy table; it is never reparsed
// or reshaped between evaluation and execution.
type ExecuteCommandParams struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (ExecuteCommandParams) ActionType() ActionType { return ActionExecuteCommand }

func (p ExecuteCommandParams) Validate() error {
	if strings.TrimSpace(p.Command) == "" {
		return fmt.Errorf("execute_command: command is required")
	}
	if p.TimeoutSeconds < 0 {
		return fmt.Errorf("execute_command: timeout_seconds must not be negative")
	}
	return nil
}

// QueryDatabaseParams parameterizes query_database.
type QueryDatabaseParams struct {
	Query    string `json:"query"`
	Database string `json:"database,omitempty"`
}

func (QueryDatabaseParams) ActionType() ActionType { return ActionQueryDatabase }

func (p QueryDatabaseParams) Validate() error {
	if strings.TrimSpace(p.Query) == "" {
		return fmt.Errorf("query_database: query is required")
	}
	return nil
}

// CallAPIParams parameterizes call_api.
type CallAPIParams struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

func (CallAPIParams) ActionType() ActionType { return ActionCallAPI }

func (p CallAPIParams) Validate() error {
	if p.URL == "" {
		return fmt.Errorf("call_api: url is required")
	}
	switch strings.ToUpper(p.Method) {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD":
	case "":
		return fmt.Errorf("call_api: method is required")
	default:
		return fmt.Errorf("call_api: unsupported method %q", p.Method)
	}
	return nil
}

// DelegateTaskParams parameterizes delegate_task.
type DelegateTaskParams struct {
	TargetAgent string `json:"target_agent"`
	Task        string `json:"task"`
}

func (DelegateTaskParams) ActionType() ActionType { return ActionDelegateTask }

func (p DelegateTaskParams) Validate() error {
	if p.TargetAgent == "" {
		return fmt.Errorf("delegate_task: target_agent is required")
	}
	if strings.TrimSpace(p.Task) == "" {
		return fmt.Errorf("delegate_task: task is required")
	}
	return nil
}

// ReadMemoryParams parameterizes read_memory.
type ReadMemoryParams struct {
	Key string `json:"key"`
}

func (ReadMemoryParams) ActionType() ActionType { return ActionReadMemory }

func (p ReadMemoryParams) Validate() error {
	if p.Key == "" {
		return fmt.Errorf("read_memory: key is required")
	}
	return nil
}

// WriteMemoryParams parameterizes write_memory.
type WriteMemoryParams struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Sanitize bool   `json:"sanitize,omitempty"`
}

func (WriteMemoryParams) ActionType() ActionType { return ActionWriteMemory }

func (p WriteMemoryParams) Validate() error {
	if p.Key == "" {
		return fmt.Errorf("write_memory: key is required")
	}
	return nil
}

// SearchWebParams parameterizes search_web.
type SearchWebParams struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

func (SearchWebParams) ActionType() ActionType { return ActionSearchWeb }

func (p SearchWebParams) Validate() error {
	if strings.TrimSpace(p.Query) == "" {
		return fmt.Errorf("search_web: query is required")
	}
	if p.MaxResults < 0 {
		return fmt.Errorf("search_web: max_results must not be negative")
	}
	return nil
}

// SendMessageParams parameterizes send_message.
type SendMessageParams struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
}

func (SendMessageParams) ActionType() ActionType { return ActionSendMessage }

func (p SendMessageParams) Validate() error {
	if p.Recipient == "" {
		return fmt.Errorf("send_message: recipient is required")
	}
	if p.Body == "" {
		return fmt.Errorf("send_message: body is required")
	}
	return nil
}

// DecodeParams unmarshals raw JSON parameters into the typed variant for
// the given action type. Unknown action types are rejected here so no
// untyped parameter map ever enters the pipeline.
func DecodeParams(t ActionType, raw json.RawMessage) (Params, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var p Params
	switch t {
	case ActionReadFile:
		p = &ReadFileParams{}
	case ActionWriteFile:
		p = &WriteFileParams{}
	case ActionExecuteCommand:
		p = &ExecuteCommandParams{}
	case ActionQueryDatabase:
		p = &QueryDatabaseParams{}
	case ActionCallAPI:
		p = &CallAPIParams{}
	case ActionDelegateTask:
		p = &DelegateTaskParams{}
	case ActionReadMemory:
		p = &ReadMemoryParams{}
	case ActionWriteMemory:
		p = &WriteMemoryParams{}
	case ActionSearchWeb:
		p = &SearchWebParams{}
	case ActionSendMessage:
		p = &SendMessageParams{}
	default:
		return nil, fmt.Errorf("unknown action type %q", t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s parameters: %w", t, err)
	}
	return deref(p), nil
}

// deref converts the pointer used for unmarshaling back to the value form
// the rest of the pipeline works with.
func deref(p Params) Params {
	switch v := p.(type) {
	case *ReadFileParams:
		return *v
	case *WriteFileParams:
		return *v
	case *ExecuteCommandParams:
		return *v
	case *QueryDatabaseParams:
		return *v
	case *CallAPIParams:
		return *v
	case *DelegateTaskParams:
		return *v
	case *ReadMemoryParams:
		return *v
	case *WriteMemoryParams:
		return *v
	case *SearchWebParams:
		return *v
	case *SendMessageParams:
		return *v
	default:
		return p
	}
}

// ParamsText flattens the parameter values into one searchable string.
// Hard rules and detectors scan this, so every user-controllable field
// must be represented.
func ParamsText(p Params) string {
	switch v := p.(type) {
	case ReadFileParams:
		return v.Path
	case WriteFileParams:
		return v.Path + " " + v.Content
	case ExecuteCommandParams:
		return v.Command
	case QueryDatabaseParams:
		return v.Database + " " + v.Query
	case CallAPIParams:
		var b strings.Builder
		b.WriteString(v.Method + " " + v.URL + " " + v.Body)
		for k, hv := range v.Headers {
			b.WriteString(" " + k + "=" + hv)
		}
		return b.String()
	case DelegateTaskParams:
		return v.TargetAgent + " " + v.Task
	case ReadMemoryParams:
		return v.Key
	case WriteMemoryParams:
		return v.Key + " " + v.Value
	case SearchWebParams:
		return v.Query
	case SendMessageParams:
		return v.Recipient + " " + v.Subject + " " + v.Body
	default:
		return ""
	}
}

// WantsSanitize reports whether the parameter variant itself requests the
// sanitation hook. Sanitize rides on write-type parameters rather than
// being a second capability on the token.
func WantsSanitize(p Params) bool {
	switch v := p.(type) {
	case WriteFileParams:
		return v.Sanitize
	case WriteMemoryParams:
		return v.Sanitize
	default:
		return false
	}
}
