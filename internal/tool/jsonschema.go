package tool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema 是工具参数的 JSON Schema 表示，属性保持声明顺序。
type Schema struct {
	Type                 string     `json:"type,omitempty"`
	Description          string     `json:"description,omitempty"`
	Properties           Properties `json:"properties,omitempty"`
	Required             []string   `json:"required,omitempty"`
	Enum                 []any      `json:"enum,omitempty"`
	Default              any        `json:"default,omitempty"`
	Items                *Schema    `json:"items,omitempty"`
	AdditionalProperties *bool      `json:"additionalProperties,omitempty"`
}

// Property 是一个命名的子 Schema。
type Property struct {
	Name   string
	Schema *Schema
}

// Properties 以 JSON 对象形式编码，但保留插入顺序。
type Properties []Property

// MarshalJSON 按声明顺序输出属性。
func (p Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, prop := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(prop.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(prop.Schema)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON 解析对象并记录键的出现顺序。
func (p *Properties) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("properties must be an object")
	}
	var out Properties
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected property key %v", tok)
		}
		var schema Schema
		if err := dec.Decode(&schema); err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}
		out = append(out, Property{Name: name, Schema: &schema})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}

// Lookup 按名称查找属性。
func (p Properties) Lookup(name string) (*Schema, bool) {
	for _, prop := range p {
		if prop.Name == name {
			return prop.Schema, true
		}
	}
	return nil, false
}

// JSONSchemaOf 返回工具参数的规范 JSON Schema。
func JSONSchemaOf(d Definition) *Schema {
	s := &Schema{Type: string(TypeObject)}
	for _, f := range d.Parameters {
		s.Properties = append(s.Properties, Property{Name: f.Name, Schema: fieldSchema(f)})
	}
	s.Required = d.RequiredFields()
	if d.Closed {
		closed := false
		s.AdditionalProperties = &closed
	}
	return s
}

func fieldSchema(f Field) *Schema {
	s := &Schema{Type: string(f.Type), Description: f.Description}
	for _, e := range f.Enum {
		if v, err := coerce(e, f.Type, f.Items); err == nil {
			s.Enum = append(s.Enum, v)
		} else {
			s.Enum = append(s.Enum, e)
		}
	}
	if f.Default != nil {
		if v, err := coerce(f.Default, f.Type, f.Items); err == nil {
			s.Default = v
		} else {
			s.Default = f.Default
		}
	}
	if f.Type == TypeArray && f.Items != "" {
		s.Items = &Schema{Type: string(f.Items)}
	}
	return s
}

// FieldsFromSchema 将 JSON Schema 还原为参数声明，同时返回是否拒绝未知参数。
func FieldsFromSchema(s *Schema) ([]Field, bool, error) {
	if s == nil {
		return nil, false, nil
	}
	if s.Type != "" && s.Type != string(TypeObject) {
		return nil, false, fmt.Errorf("parameters schema must be an object, got %q", s.Type)
	}
	required := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		required[name] = true
	}
	fields := make([]Field, 0, len(s.Properties))
	for _, prop := range s.Properties {
		if prop.Schema == nil {
			return nil, false, fmt.Errorf("property %s has no schema", prop.Name)
		}
		f := Field{
			Name:        prop.Name,
			Type:        FieldType(prop.Schema.Type),
			Description: prop.Schema.Description,
			Required:    required[prop.Name],
			Default:     prop.Schema.Default,
		}
		for _, e := range prop.Schema.Enum {
			f.Enum = append(f.Enum, enumKey(e))
		}
		if prop.Schema.Items != nil {
			f.Items = FieldType(prop.Schema.Items.Type)
		}
		fields = append(fields, f)
	}
	closed := s.AdditionalProperties != nil && !*s.AdditionalProperties
	return fields, closed, nil
}

// CompileSchema 使用 JSON Schema 编译器编译工具的参数 Schema。
func CompileSchema(d Definition) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(JSONSchemaOf(d))
	if err != nil {
		return nil, fmt.Errorf("encode schema for %s: %w", d.Name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode schema for %s: %w", d.Name, err)
	}
	url := d.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("load schema for %s: %w", d.Name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", d.Name, err)
	}
	return sch, nil
}

// validateAgainst 把参数编码为 JSON 后交给编译好的 Schema 复核。
func validateAgainst(sch *jsonschema.Schema, args Arguments) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return sch.Validate(doc)
}
