package schema

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// AttrKind 属性值类型
type AttrKind uint8

const (
	AttrString AttrKind = iota + 1
	AttrBool
	AttrInt
	AttrFloat
)

// AttrValue 属性值：string / bool / int64 / float64 四选一
type AttrValue struct {
	kind AttrKind
	s    string
	b    bool
	i    int64
	f    float64
}

func StringAttr(v string) AttrValue { return AttrValue{kind: AttrString, s: v} }
func BoolAttr(v bool) AttrValue     { return AttrValue{kind: AttrBool, b: v} }
func IntAttr(v int64) AttrValue     { return AttrValue{kind: AttrInt, i: v} }
func FloatAttr(v float64) AttrValue { return AttrValue{kind: AttrFloat, f: v} }

func (v AttrValue) Kind() AttrKind { return v.kind }

func (v AttrValue) AsString() (string, bool) { return v.s, v.kind == AttrString }
func (v AttrValue) AsBool() (bool, bool)     { return v.b, v.kind == AttrBool }
func (v AttrValue) AsInt() (int64, bool)     { return v.i, v.kind == AttrInt }
func (v AttrValue) AsFloat() (float64, bool) { return v.f, v.kind == AttrFloat }

// Any 返回底层 Go 值，零值属性返回 nil
func (v AttrValue) Any() any {
	switch v.kind {
	case AttrString:
		return v.s
	case AttrBool:
		return v.b
	case AttrInt:
		return v.i
	case AttrFloat:
		return v.f
	default:
		return nil
	}
}

func (v AttrValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case 0:
		return nil, errors.New("attribute value is unset")
	case AttrFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("unsupported float attribute %v", v.f)
		}
		// 整数值的浮点数保留小数点，反序列化后类型不变
		s := strconv.FormatFloat(v.f, 'f', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return []byte(s), nil
	}
	return json.Marshal(v.Any())
}

func (v *AttrValue) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case string:
		*v = StringAttr(x)
	case bool:
		*v = BoolAttr(x)
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			n, err := x.Int64()
			if err == nil {
				*v = IntAttr(n)
				return nil
			}
		}
		f, err := x.Float64()
		if err != nil {
			return fmt.Errorf("invalid number attribute %q: %w", s, err)
		}
		*v = FloatAttr(f)
	default:
		return fmt.Errorf("unsupported attribute value %s", string(data))
	}
	return nil
}

// Attributes 事件的小型键值属性，序列化时键有序
type Attributes map[string]AttrValue

// Value 实现 driver.Valuer 接口，空集合存为 NULL
func (a Attributes) Value() (driver.Value, error) {
	if len(a) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(map[string]AttrValue(a))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner 接口
func (a *Attributes) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("invalid type for Attributes")
	}
	if len(b) == 0 {
		*a = nil
		return nil
	}

	out := make(map[string]AttrValue)
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*a = out
	return nil
}

// AttributesFromMap 把动态 map 收敛为封闭类型，不支持的值会返回错误
func AttributesFromMap(m map[string]any) (Attributes, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(Attributes, len(m))
	for k, raw := range m {
		switch x := raw.(type) {
		case string:
			out[k] = StringAttr(x)
		case bool:
			out[k] = BoolAttr(x)
		case int:
			out[k] = IntAttr(int64(x))
		case int32:
			out[k] = IntAttr(int64(x))
		case int64:
			out[k] = IntAttr(x)
		case float32:
			out[k] = FloatAttr(float64(x))
		case float64:
			out[k] = FloatAttr(x)
		case json.Number:
			var v AttrValue
			if err := v.UnmarshalJSON([]byte(x.String())); err != nil {
				return nil, fmt.Errorf("attribute %q: %w", k, err)
			}
			out[k] = v
		default:
			return nil, fmt.Errorf("attribute %q: unsupported type %T", k, raw)
		}
	}
	return out, nil
}
