package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Normalize 将模型给出的原始参数统一转换为 map。
// 空字符串与 nil 视为空对象。
func Normalize(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out, nil
	case Arguments:
		return Normalize(map[string]any(v))
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out, nil
	case string:
		return decodeObject([]byte(v))
	case []byte:
		return decodeObject(v)
	case json.RawMessage:
		return decodeObject(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("arguments of type %T are not serializable: %w", raw, err)
		}
		return decodeObject(encoded)
	}
}

func decodeObject(data []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// coerce 将值转换为声明的类型，无法转换时返回错误描述。
func coerce(value any, typ FieldType, items FieldType) (any, error) {
	switch typ {
	case TypeString:
		return coerceString(value)
	case TypeInteger:
		return coerceInteger(value)
	case TypeNumber:
		return coerceNumber(value)
	case TypeBoolean:
		return coerceBoolean(value)
	case TypeArray:
		return coerceArray(value, items)
	case TypeObject:
		return coerceObject(value)
	default:
		return nil, fmt.Errorf("unsupported type %q", typ)
	}
}

func coerceString(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v), nil
	}
	return nil, fmt.Errorf("expected string, got %s", describe(value))
}

func coerceInteger(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows", v)
		}
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows", v)
		}
		return int64(v), nil
	case float32:
		return integralFloat(float64(v))
	case float64:
		return integralFloat(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %q", v.String())
		}
		return integralFloat(f)
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %q", v)
		}
		return integralFloat(f)
	}
	return nil, fmt.Errorf("expected integer, got %s", describe(value))
}

func integralFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, fmt.Errorf("expected integer, got %v", f)
	}
	// float64(math.MaxInt64) 会舍入为 2^63，必须用半开区间判断。
	if f >= 1<<63 || f < -(1<<63) {
		return nil, fmt.Errorf("integer %v overflows", f)
	}
	return int64(f), nil
}

func coerceNumber(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("expected number, got %q", v.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("expected number, got %q", v)
		}
		return f, nil
	}
	return nil, fmt.Errorf("expected number, got %s", describe(value))
}

func coerceBoolean(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("expected boolean, got %q", v)
		}
		return b, nil
	}
	return nil, fmt.Errorf("expected boolean, got %s", describe(value))
}

func coerceArray(value any, items FieldType) (any, error) {
	var list []any
	switch v := value.(type) {
	case []any:
		list = v
	case []string:
		list = make([]any, len(v))
		for i := range v {
			list[i] = v[i]
		}
	case string:
		dec := json.NewDecoder(strings.NewReader(v))
		dec.UseNumber()
		if err := dec.Decode(&list); err != nil {
			return nil, fmt.Errorf("expected array, got %q", v)
		}
	default:
		return nil, fmt.Errorf("expected array, got %s", describe(value))
	}
	if items == "" {
		return list, nil
	}
	out := make([]any, len(list))
	for i, item := range list {
		c, err := coerce(item, items, "")
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out[i] = c
	}
	return out, nil
}

func coerceObject(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		return v, nil
	case string:
		obj, err := decodeObject([]byte(v))
		if err != nil {
			return nil, fmt.Errorf("expected object, got %q", v)
		}
		return obj, nil
	}
	return nil, fmt.Errorf("expected object, got %s", describe(value))
}

func describe(value any) string {
	switch value.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, float32, int, int64:
		return "number"
	}
	return fmt.Sprintf("%T", value)
}

// enumKey 把已转换的值格式化为可与 Enum 声明比较的字符串。
func enumKey(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return fmt.Sprint(value)
}
