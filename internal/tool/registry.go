package tool

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	xerrors "OpenOps-Agent/internal/errors"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_\-]{0,63}$`)

// FieldError 描述单个参数的校验问题。
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError 汇总一次调用的全部参数问题。
type ValidationError struct {
	Tool     string       `json:"tool"`
	Problems []FieldError `json:"problems"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.Field == "" {
			parts = append(parts, p.Reason)
			continue
		}
		parts = append(parts, p.Field+": "+p.Reason)
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(parts, "; "))
}

// Registry 保存全部工具声明。构建完成后只读，可被多个任务并发访问。
type Registry struct {
	defs     map[string]Definition
	compiled map[string]*jsonschema.Schema
	names    []string
}

// NewRegistry 校验并注册工具声明，名称重复或类型非法时返回错误。
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{
		defs:     make(map[string]Definition, len(defs)),
		compiled: make(map[string]*jsonschema.Schema, len(defs)),
	}
	for _, d := range defs {
		if err := checkDefinition(d); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeFatalConfiguration, err, "非法的工具声明")
		}
		if _, exists := r.defs[d.Name]; exists {
			return nil, xerrors.New(xerrors.CodeFatalConfiguration, fmt.Sprintf("工具 %s 重复注册", d.Name))
		}
		sch, err := CompileSchema(d)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeFatalConfiguration, err, "工具参数 Schema 无法编译")
		}
		r.defs[d.Name] = cloneDefinition(d)
		r.compiled[d.Name] = sch
		r.names = append(r.names, d.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

func checkDefinition(d Definition) error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("tool name %q is invalid", d.Name)
	}
	switch d.SideEffect {
	case SideEffectRead, SideEffectWrite, SideEffectSensitive:
	default:
		return fmt.Errorf("tool %s: side effect %q is invalid", d.Name, d.SideEffect)
	}
	seen := make(map[string]bool, len(d.Parameters))
	for _, f := range d.Parameters {
		if f.Name == "" {
			return fmt.Errorf("tool %s: parameter without name", d.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("tool %s: parameter %s declared twice", d.Name, f.Name)
		}
		seen[f.Name] = true
		if !f.Type.valid() {
			return fmt.Errorf("tool %s: parameter %s has invalid type %q", d.Name, f.Name, f.Type)
		}
		if f.Items != "" && (f.Type != TypeArray || !f.Items.valid()) {
			return fmt.Errorf("tool %s: parameter %s has invalid items type %q", d.Name, f.Name, f.Items)
		}
		for _, e := range f.Enum {
			if _, err := coerce(e, f.Type, f.Items); err != nil {
				return fmt.Errorf("tool %s: enum value %q of %s: %v", d.Name, e, f.Name, err)
			}
		}
		if f.Default != nil {
			if _, err := coerce(f.Default, f.Type, f.Items); err != nil {
				return fmt.Errorf("tool %s: default of %s: %v", d.Name, f.Name, err)
			}
		}
	}
	return nil
}

func cloneDefinition(d Definition) Definition {
	params := make([]Field, len(d.Parameters))
	for i, f := range d.Parameters {
		f.Enum = append([]string(nil), f.Enum...)
		params[i] = f
	}
	d.Parameters = params
	return d
}

// Resolve 返回指定名称的工具声明。
func (r *Registry) Resolve(name string) (Definition, error) {
	d, ok := r.defs[name]
	if !ok {
		return Definition{}, NotFoundError(name)
	}
	return cloneDefinition(d), nil
}

// NotFoundError 构造工具不存在的错误。
func NotFoundError(name string) error {
	return xerrors.New(xerrors.CodeToolNotFound, fmt.Sprintf("tool %q is not registered", name),
		xerrors.WithMetadata("tool", name))
}

// ListAll 按名称排序返回全部工具声明。
func (r *Registry) ListAll() []Definition {
	out := make([]Definition, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, cloneDefinition(r.defs[name]))
	}
	return out
}

// Len 返回已注册的工具数量。
func (r *Registry) Len() int { return len(r.names) }

// Validate 归一化原始参数并按声明校验。
//
// 缺省值会被补齐，可转换的值（数字字符串、"true"/"false" 等）会被转换为声明类型。
// 所有问题一次性汇总在 ValidationError 中返回。
func (r *Registry) Validate(name string, raw any) (Arguments, error) {
	d, ok := r.defs[name]
	if !ok {
		return nil, NotFoundError(name)
	}

	input, err := Normalize(raw)
	if err != nil {
		return nil, invalid(name, []FieldError{{Reason: err.Error()}})
	}

	var problems []FieldError
	args := make(Arguments, len(input))
	for _, f := range d.Parameters {
		value, present := input[f.Name]
		if !present || value == nil {
			if f.Default != nil {
				value = f.Default
			} else {
				if f.Required {
					problems = append(problems, FieldError{Field: f.Name, Reason: "is required"})
				}
				continue
			}
		}
		coerced, err := coerce(value, f.Type, f.Items)
		if err != nil {
			problems = append(problems, FieldError{Field: f.Name, Reason: err.Error()})
			continue
		}
		if len(f.Enum) > 0 && !contains(f.Enum, enumKey(coerced)) {
			problems = append(problems, FieldError{
				Field:  f.Name,
				Reason: fmt.Sprintf("must be one of [%s]", strings.Join(f.Enum, ", ")),
			})
			continue
		}
		args[f.Name] = coerced
	}

	extra := make([]string, 0)
	for key := range input {
		if _, declared := d.Field(key); !declared {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		if d.Closed {
			problems = append(problems, FieldError{Field: key, Reason: "is not a declared parameter"})
			continue
		}
		args[key] = input[key]
	}

	if len(problems) > 0 {
		return nil, invalid(name, problems)
	}
	if sch := r.compiled[name]; sch != nil {
		if err := validateAgainst(sch, args); err != nil {
			return nil, invalid(name, []FieldError{{Reason: err.Error()}})
		}
	}
	return args, nil
}

func invalid(name string, problems []FieldError) error {
	verr := &ValidationError{Tool: name, Problems: problems}
	return xerrors.Wrap(xerrors.CodeValidation, verr, "参数校验失败", xerrors.WithMetadata("tool", name))
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
