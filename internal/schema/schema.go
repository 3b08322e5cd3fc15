package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/tool"
)

// Variant 表示模型侧的工具调用协议。
type Variant string

const (
	VariantTextual             Variant = "textual"
	VariantSingleTurnJSON      Variant = "single_turn_json"
	VariantStructuredMultiTurn Variant = "structured_multi_turn"
)

// ParseVariant 将配置中的字符串解析为 Variant。
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case VariantTextual, VariantSingleTurnJSON, VariantStructuredMultiTurn:
		return v, nil
	}
	return "", xerrors.New(xerrors.CodeFatalConfiguration, fmt.Sprintf("unsupported tool-call variant %q", s))
}

// ProviderToolSpec 是工具在某一协议下的表示，三个载荷字段中只有与 Variant 对应的一个非空。
type ProviderToolSpec struct {
	Variant     Variant              `json:"variant"`
	Name        string               `json:"name"`
	Text        string               `json:"text,omitempty"`
	Function    *FunctionSpec        `json:"function,omitempty"`
	Declaration *FunctionDeclaration `json:"declaration,omitempty"`
}

// FunctionSpec 对应单轮 JSON 函数调用协议中的 functions 条目。
type FunctionSpec struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Parameters  *tool.Schema `json:"parameters"`
}

// FunctionDeclaration 对应结构化多轮协议中的 functionDeclarations 条目。
type FunctionDeclaration struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  *DeclarationSchema `json:"parameters,omitempty"`
}

// DeclarationSchema 是结构化协议使用的 OpenAPI 子集，类型名为大写且不支持 additionalProperties。
type DeclarationSchema struct {
	Type             string                        `json:"type"`
	Description      string                        `json:"description,omitempty"`
	Properties       map[string]*DeclarationSchema `json:"properties,omitempty"`
	PropertyOrdering []string                      `json:"propertyOrdering,omitempty"`
	Required         []string                      `json:"required,omitempty"`
	Enum             []string                      `json:"enum,omitempty"`
	Format           string                        `json:"format,omitempty"`
	Items            *DeclarationSchema            `json:"items,omitempty"`
}

// ToProviderFormat 将工具声明转换为指定协议的表示，输出顺序与输入一致且结果确定。
func ToProviderFormat(defs []tool.Definition, variant Variant) ([]ProviderToolSpec, error) {
	specs := make([]ProviderToolSpec, 0, len(defs))
	for _, d := range defs {
		spec := ProviderToolSpec{Variant: variant, Name: d.Name}
		switch variant {
		case VariantTextual:
			text, err := renderText(d)
			if err != nil {
				return nil, err
			}
			spec.Text = text
		case VariantSingleTurnJSON:
			spec.Function = &FunctionSpec{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  tool.JSONSchemaOf(d),
			}
		case VariantStructuredMultiTurn:
			spec.Declaration = declarationOf(d)
		default:
			return nil, xerrors.New(xerrors.CodeFatalConfiguration, fmt.Sprintf("unsupported tool-call variant %q", variant))
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// FromProviderFormat 将协议表示还原为工具声明，用于核对模型实际看到的工具。
// 结构化协议不携带副作用等级，还原结果的 SideEffect 为空。
func FromProviderFormat(spec ProviderToolSpec) (tool.Definition, error) {
	switch spec.Variant {
	case VariantTextual:
		return parseText(spec.Text)
	case VariantSingleTurnJSON:
		if spec.Function == nil {
			return tool.Definition{}, fmt.Errorf("spec %s has no function payload", spec.Name)
		}
		fields, closed, err := tool.FieldsFromSchema(spec.Function.Parameters)
		if err != nil {
			return tool.Definition{}, fmt.Errorf("spec %s: %w", spec.Name, err)
		}
		return tool.Definition{
			Name:        spec.Function.Name,
			Description: spec.Function.Description,
			Parameters:  fields,
			Closed:      closed,
		}, nil
	case VariantStructuredMultiTurn:
		if spec.Declaration == nil {
			return tool.Definition{}, fmt.Errorf("spec %s has no declaration payload", spec.Name)
		}
		return definitionOf(spec.Declaration)
	}
	return tool.Definition{}, fmt.Errorf("unsupported tool-call variant %q", spec.Variant)
}

// RenderListing 把文本协议的工具说明拼接为提示词中的工具列表。
func RenderListing(specs []ProviderToolSpec) string {
	parts := make([]string, 0, len(specs))
	for _, s := range specs {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Functions 提取单轮 JSON 协议的函数列表。
func Functions(specs []ProviderToolSpec) []FunctionSpec {
	out := make([]FunctionSpec, 0, len(specs))
	for _, s := range specs {
		if s.Function != nil {
			out = append(out, *s.Function)
		}
	}
	return out
}

// Declarations 提取结构化协议的函数声明列表。
func Declarations(specs []ProviderToolSpec) []FunctionDeclaration {
	out := make([]FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		if s.Declaration != nil {
			out = append(out, *s.Declaration)
		}
	}
	return out
}

const (
	schemaPrefix = "  Input schema: "
	effectMarker = " [side effect: "
	approvalNote = "; requires human approval"
)

func renderText(d tool.Definition) (string, error) {
	raw, err := json.Marshal(tool.JSONSchemaOf(d))
	if err != nil {
		return "", fmt.Errorf("encode schema for %s: %w", d.Name, err)
	}
	note := string(d.SideEffect)
	if d.Sensitive() {
		note += approvalNote
	}
	description := strings.Join(strings.Fields(d.Description), " ")
	return fmt.Sprintf("%s: %s%s%s]\n%s%s", d.Name, description, effectMarker, note, schemaPrefix, raw), nil
}

func parseText(text string) (tool.Definition, error) {
	header, body, ok := strings.Cut(text, "\n")
	if !ok || !strings.HasPrefix(body, schemaPrefix) {
		return tool.Definition{}, fmt.Errorf("textual tool listing is missing its input schema line")
	}
	name, rest, ok := strings.Cut(header, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return tool.Definition{}, fmt.Errorf("textual tool listing has no name")
	}
	def := tool.Definition{Name: strings.TrimSpace(name)}

	rest = strings.TrimPrefix(rest, " ")
	if idx := strings.LastIndex(rest, effectMarker); idx >= 0 && strings.HasSuffix(rest, "]") {
		effect := strings.TrimSuffix(rest[idx+len(effectMarker):], "]")
		effect = strings.TrimSuffix(effect, approvalNote)
		def.SideEffect = tool.SideEffect(effect)
		rest = rest[:idx]
	}
	def.Description = strings.TrimSpace(rest)

	var schema tool.Schema
	if err := json.Unmarshal([]byte(strings.TrimPrefix(body, schemaPrefix)), &schema); err != nil {
		return tool.Definition{}, fmt.Errorf("textual tool listing for %s has an invalid schema: %w", def.Name, err)
	}
	fields, closed, err := tool.FieldsFromSchema(&schema)
	if err != nil {
		return tool.Definition{}, err
	}
	def.Parameters = fields
	def.Closed = closed
	return def, nil
}

func declarationOf(d tool.Definition) *FunctionDeclaration {
	decl := &FunctionDeclaration{Name: d.Name, Description: d.Description}
	if len(d.Parameters) == 0 {
		return decl
	}
	params := &DeclarationSchema{
		Type:       upperType(tool.TypeObject),
		Properties: make(map[string]*DeclarationSchema, len(d.Parameters)),
		Required:   d.RequiredFields(),
	}
	for _, f := range d.Parameters {
		prop := &DeclarationSchema{Type: upperType(f.Type), Description: f.Description}
		if len(f.Enum) > 0 {
			prop.Enum = append([]string(nil), f.Enum...)
			if f.Type == tool.TypeString {
				prop.Format = "enum"
			}
		}
		if f.Type == tool.TypeArray {
			items := f.Items
			if items == "" {
				items = tool.TypeString
			}
			prop.Items = &DeclarationSchema{Type: upperType(items)}
		}
		params.Properties[f.Name] = prop
		params.PropertyOrdering = append(params.PropertyOrdering, f.Name)
	}
	decl.Parameters = params
	return decl
}

func definitionOf(decl *FunctionDeclaration) (tool.Definition, error) {
	def := tool.Definition{Name: decl.Name, Description: decl.Description}
	if decl.Parameters == nil {
		return def, nil
	}
	if t := lowerType(decl.Parameters.Type); t != tool.TypeObject {
		return tool.Definition{}, fmt.Errorf("declaration %s: parameters must be OBJECT, got %q", decl.Name, decl.Parameters.Type)
	}
	order := decl.Parameters.PropertyOrdering
	if len(order) != len(decl.Parameters.Properties) {
		order = make([]string, 0, len(decl.Parameters.Properties))
		for name := range decl.Parameters.Properties {
			order = append(order, name)
		}
		sort.Strings(order)
	}
	required := make(map[string]bool, len(decl.Parameters.Required))
	for _, name := range decl.Parameters.Required {
		required[name] = true
	}
	for _, name := range order {
		prop, ok := decl.Parameters.Properties[name]
		if !ok || prop == nil {
			return tool.Definition{}, fmt.Errorf("declaration %s: property %s is missing", decl.Name, name)
		}
		f := tool.Field{
			Name:        name,
			Type:        lowerType(prop.Type),
			Description: prop.Description,
			Required:    required[name],
			Enum:        append([]string(nil), prop.Enum...),
		}
		if len(f.Enum) == 0 {
			f.Enum = nil
		}
		if prop.Items != nil {
			f.Items = lowerType(prop.Items.Type)
		}
		def.Parameters = append(def.Parameters, f)
	}
	return def, nil
}

func upperType(t tool.FieldType) string {
	return strings.ToUpper(string(t))
}

func lowerType(t string) tool.FieldType {
	return tool.FieldType(strings.ToLower(t))
}
