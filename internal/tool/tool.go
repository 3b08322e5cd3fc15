package tool

import (
	"time"
)

// SideEffect 描述工具对业务系统的影响程度。
type SideEffect string

const (
	SideEffectRead      SideEffect = "READ"
	SideEffectWrite     SideEffect = "WRITE"
	SideEffectSensitive SideEffect = "SENSITIVE"
)

// FieldType 是参数的基础类型。
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		return true
	}
	return false
}

// Field 描述工具的一个参数。
type Field struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Enum        []string  `json:"enum,omitempty" yaml:"enum,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
	// Items 为数组元素的类型，仅在 Type 为 array 时生效。
	Items FieldType `json:"items,omitempty" yaml:"items,omitempty"`
}

// Endpoint 描述工具在业务动作 API 上对应的 HTTP 路由。
// Path 中的 {name} 占位符会被同名参数替换。
type Endpoint struct {
	Method string `json:"method,omitempty" yaml:"method,omitempty"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Definition 是一个可被模型调用的工具的完整声明，注册后不可修改。
type Definition struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Parameters  []Field    `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	SideEffect  SideEffect `json:"side_effect" yaml:"side_effect"`
	// Closed 为 true 时拒绝未声明的参数。
	Closed   bool     `json:"closed,omitempty" yaml:"closed,omitempty"`
	Endpoint Endpoint `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// Sensitive 表示该工具执行前必须经过人工审批。
func (d Definition) Sensitive() bool {
	return d.SideEffect == SideEffectSensitive
}

// Field 按名称查找参数声明。
func (d Definition) Field(name string) (Field, bool) {
	for _, f := range d.Parameters {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// RequiredFields 返回按声明顺序排列的必填参数名。
func (d Definition) RequiredFields() []string {
	var out []string
	for _, f := range d.Parameters {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// Arguments 是经过归一化和校验后的工具参数。
type Arguments map[string]any

// CallRequest 是模型发出的一次工具调用请求。
//
// RawArguments 可以是 JSON 字符串、[]byte、json.RawMessage 或 map[string]any，
// 由 Registry.Validate 统一归一化。
type CallRequest struct {
	ToolName     string `json:"tool_name"`
	RawArguments any    `json:"arguments,omitempty"`
	CallID       string `json:"call_id,omitempty"`
}

// OutcomeError 是工具执行失败时的结构化错误。
type OutcomeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Outcome 记录工具执行的结果。
type Outcome struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   *OutcomeError `json:"error,omitempty"`
}

// CallResult 是一次工具调用的最终结果。
type CallResult struct {
	ToolName  string    `json:"tool_name"`
	Arguments Arguments `json:"arguments"`
	Outcome   Outcome   `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
}
