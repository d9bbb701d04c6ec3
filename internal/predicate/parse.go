package predicate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/replica/internal/ir"
)

// Combinator keys of the filter grammar. Every other top-level key names a
// field.
const (
	keyAnd = "and"
	keyOr  = "or"
	keyNot = "not"

	keyAttributeExists = "attributeExists"
	keyAttributeType   = "attributeType"
	keySize            = "size"
)

var attributeTypes = map[string]bool{
	ir.AttrString: true,
	ir.AttrNumber: true,
	ir.AttrBool:   true,
	ir.AttrList:   true,
	ir.AttrMap:    true,
	ir.AttrNull:   true,
}

// ParseFilter decodes a filter or condition object. Empty input and JSON null
// decode to nil (no filter). Several keys in one object are joined with And
// in sorted key order, so the result is deterministic.
func ParseFilter(data []byte) (Predicate, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, ir.ValidationError("", "", "filter must be a JSON object: %v", err)
	}
	return parseObject(raw)
}

func parseObject(raw map[string]any) (Predicate, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var parts []Predicate
	for _, k := range keys {
		v := raw[k]
		switch k {
		case keyAnd, keyOr:
			list, ok := v.([]any)
			if !ok {
				return nil, ir.ValidationError("", "", "%q takes a list of filters", k)
			}
			subs := make([]Predicate, 0, len(list))
			for i, item := range list {
				obj, ok := item.(map[string]any)
				if !ok {
					return nil, ir.ValidationError("", "", "%s[%d] must be an object", k, i)
				}
				sub, err := parseObject(obj)
				if err != nil {
					return nil, err
				}
				subs = append(subs, sub)
			}
			if k == keyAnd {
				parts = append(parts, And{Predicates: subs})
			} else {
				parts = append(parts, Or{Predicates: subs})
			}
		case keyNot:
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, ir.ValidationError("", "", "%q takes a filter object", k)
			}
			sub, err := parseObject(obj)
			if err != nil {
				return nil, err
			}
			parts = append(parts, Not{Predicate: sub})
		default:
			ops, ok := v.(map[string]any)
			if !ok {
				return nil, ir.ValidationError("", k, "field filter must be an object of operators")
			}
			leaves, err := parseField(k, ops)
			if err != nil {
				return nil, err
			}
			parts = append(parts, leaves...)
		}
	}

	if len(parts) == 1 {
		return parts[0], nil
	}
	return And{Predicates: parts}, nil
}

func parseField(field string, ops map[string]any) ([]Predicate, error) {
	if len(ops) == 0 {
		return nil, ir.ValidationError("", field, "field filter has no operator")
	}
	names := make([]string, 0, len(ops))
	for k := range ops {
		names = append(names, k)
	}
	slices.Sort(names)

	out := make([]Predicate, 0, len(names))
	for _, name := range names {
		arg := ops[name]
		switch {
		case compareOps[Op(name)]:
			v, err := operand(field, name, arg)
			if err != nil {
				return nil, err
			}
			out = append(out, Compare{Field: field, Op: Op(name), Value: v})
		case Op(name) == OpBetween:
			lo, hi, err := bounds(field, arg)
			if err != nil {
				return nil, err
			}
			out = append(out, Between{Field: field, Low: lo, High: hi})
		case name == keyAttributeExists:
			b, ok := arg.(bool)
			if !ok {
				return nil, ir.ValidationError("", field, "attributeExists takes a boolean")
			}
			out = append(out, Exists{Field: field, Want: b})
		case name == keyAttributeType:
			s, ok := arg.(string)
			if !ok || !attributeTypes[s] {
				return nil, ir.ValidationError("", field, "attributeType must be one of string, number, bool, list, map, _null")
			}
			out = append(out, TypeIs{Field: field, Type: s})
		case name == keySize:
			sizes, err := parseSize(field, arg)
			if err != nil {
				return nil, err
			}
			out = append(out, sizes...)
		default:
			return nil, ir.ValidationError("", field, "unknown operator %q", name)
		}
	}
	return out, nil
}

func operand(field, op string, arg any) (ir.IRValue, error) {
	v, err := ir.FromAny(arg)
	if err != nil {
		return nil, ir.ValidationError("", field, "%s: %v", op, err)
	}
	if ir.IsNull(v) {
		return nil, ir.ValidationError("", field, "%s: null operand; use attributeExists", op)
	}
	return v, nil
}

func bounds(field string, arg any) (lo, hi ir.IRValue, err error) {
	list, ok := arg.([]any)
	if !ok || len(list) != 2 {
		return nil, nil, ir.ValidationError("", field, "between takes exactly two bounds")
	}
	if lo, err = operand(field, string(OpBetween), list[0]); err != nil {
		return nil, nil, err
	}
	if hi, err = operand(field, string(OpBetween), list[1]); err != nil {
		return nil, nil, err
	}
	return lo, hi, nil
}

func parseSize(field string, arg any) ([]Predicate, error) {
	ops, ok := arg.(map[string]any)
	if !ok || len(ops) == 0 {
		return nil, ir.ValidationError("", field, "size takes an object of operators")
	}
	names := make([]string, 0, len(ops))
	for k := range ops {
		names = append(names, k)
	}
	slices.Sort(names)

	out := make([]Predicate, 0, len(names))
	for _, name := range names {
		op := Op(name)
		if !sizeOps[op] {
			return nil, ir.ValidationError("", field, "unknown size operator %q", name)
		}
		if op == OpBetween {
			lo, hi, err := bounds(field, ops[name])
			if err != nil {
				return nil, err
			}
			n, ok1 := lo.(ir.IRInt)
			upper, ok2 := hi.(ir.IRInt)
			if !ok1 || !ok2 {
				return nil, ir.ValidationError("", field, "size bounds must be integers")
			}
			out = append(out, Size{Field: field, Op: op, N: int64(n), Upper: int64(upper)})
			continue
		}
		v, err := operand(field, name, ops[name])
		if err != nil {
			return nil, err
		}
		n, ok := v.(ir.IRInt)
		if !ok {
			return nil, ir.ValidationError("", field, "size %s takes an integer", name)
		}
		out = append(out, Size{Field: field, Op: op, N: int64(n)})
	}
	return out, nil
}

// MarshalFilter encodes p in the wire grammar. The output is canonical JSON.
// A nil predicate encodes as null.
func MarshalFilter(p Predicate) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	obj, err := toObject(p)
	if err != nil {
		return nil, err
	}
	return ir.MarshalCanonical(obj)
}

func toObject(p Predicate) (ir.IRObject, error) {
	field := func(name string, ops ir.IRObject) ir.IRObject {
		return ir.IRObject{name: ops}
	}
	switch pred := p.(type) {
	case Compare:
		if pred.Value == nil || ir.IsNull(pred.Value) {
			return nil, fmt.Errorf("predicate: %s %s has no operand", pred.Field, pred.Op)
		}
		return field(pred.Field, ir.IRObject{string(pred.Op): pred.Value}), nil
	case Between:
		return field(pred.Field, ir.IRObject{string(OpBetween): ir.IRArray{pred.Low, pred.High}}), nil
	case Exists:
		return field(pred.Field, ir.IRObject{keyAttributeExists: ir.IRBool(pred.Want)}), nil
	case TypeIs:
		return field(pred.Field, ir.IRObject{keyAttributeType: ir.IRString(pred.Type)}), nil
	case Size:
		var arg ir.IRValue = ir.IRInt(pred.N)
		if pred.Op == OpBetween {
			arg = ir.IRArray{ir.IRInt(pred.N), ir.IRInt(pred.Upper)}
		}
		return field(pred.Field, ir.IRObject{keySize: ir.IRObject{string(pred.Op): arg}}), nil
	case And:
		list, err := toList(pred.Predicates)
		if err != nil {
			return nil, err
		}
		return ir.IRObject{keyAnd: list}, nil
	case Or:
		list, err := toList(pred.Predicates)
		if err != nil {
			return nil, err
		}
		return ir.IRObject{keyOr: list}, nil
	case Not:
		if pred.Predicate == nil {
			return nil, fmt.Errorf("predicate: not without operand")
		}
		sub, err := toObject(pred.Predicate)
		if err != nil {
			return nil, err
		}
		return ir.IRObject{keyNot: sub}, nil
	}
	return nil, fmt.Errorf("predicate: unknown node %T", p)
}

func toList(preds []Predicate) (ir.IRArray, error) {
	list := make(ir.IRArray, 0, len(preds))
	for _, sub := range preds {
		obj, err := toObject(sub)
		if err != nil {
			return nil, err
		}
		list = append(list, obj)
	}
	return list, nil
}

// ParseSort decodes a sort list. Directions are case-insensitive and default
// to ASC.
func ParseSort(data []byte) ([]SortKey, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	var keys []SortKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, ir.ValidationError("", "", "sort must be a list of {field, direction}: %v", err)
	}
	return normalizeSort(keys)
}

// ParseSortString decodes the compact form "rating:asc,title:desc" used by
// command-line flags and query strings.
func ParseSortString(s string) ([]SortKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "[") {
		return ParseSort([]byte(s))
	}
	var keys []SortKey
	for _, part := range strings.Split(s, ",") {
		name, dir, _ := strings.Cut(strings.TrimSpace(part), ":")
		keys = append(keys, SortKey{Field: name, Direction: Direction(dir)})
	}
	return normalizeSort(keys)
}

func normalizeSort(keys []SortKey) ([]SortKey, error) {
	for i := range keys {
		if keys[i].Field == "" {
			return nil, ir.ValidationError("", "", "sort key %d has no field", i)
		}
		switch Direction(strings.ToUpper(string(keys[i].Direction))) {
		case "", Asc:
			keys[i].Direction = Asc
		case Desc:
			keys[i].Direction = Desc
		default:
			return nil, ir.ValidationError("", keys[i].Field, "sort direction must be ASC or DESC, got %q", keys[i].Direction)
		}
	}
	return keys, nil
}

// MarshalSort encodes sort keys canonically. Nil encodes as [].
func MarshalSort(keys []SortKey) ([]byte, error) {
	list := make(ir.IRArray, 0, len(keys))
	for _, k := range keys {
		list = append(list, ir.IRObject{
			"field":     ir.IRString(k.Field),
			"direction": ir.IRString(k.Direction),
		})
	}
	return ir.MarshalCanonical(list)
}
