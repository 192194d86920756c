package credential

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"strings"
	"unicode"

	"github.com/mcpagents/aa-subscriber/evm"
)

// toMessage turns a JSON-serialisable document into an EIP-712 message:
// nulls are dropped, integers become *big.Int and arrays []interface{}.
func toMessage(doc interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var generic map[string]interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	normalized, err := normalize(generic)
	if err != nil {
		return nil, err
	}
	return normalized.(map[string]interface{}), nil
}

func normalize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			if item == nil {
				continue
			}
			n, err := normalize(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for _, item := range val {
			if item == nil {
				continue
			}
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case json.Number:
		i, ok := new(big.Int).SetString(val.String(), 10)
		if !ok || i.Sign() < 0 {
			return nil, fmt.Errorf("number %s is not an unsigned integer", val)
		}
		return i, nil
	default:
		return val, nil
	}
}

// typeBuilder derives EIP-712 types from a message the way
// eip-712-types-generation does: keys sorted, nested objects become structs
// named after their capitalised key. A name already taken by a different
// struct is prefixed with its parent's name.
type typeBuilder struct {
	types    map[string][]evm.TypedDataField
	building map[string]bool
}

// typesFor returns the EIP-712 types of message with primaryType as root.
func typesFor(message map[string]interface{}, primaryType string) (map[string][]evm.TypedDataField, error) {
	b := &typeBuilder{types: map[string][]evm.TypedDataField{}, building: map[string]bool{}}
	b.building[primaryType] = true
	fields, err := b.fields(message, primaryType)
	if err != nil {
		return nil, err
	}
	b.types[primaryType] = fields
	return b.types, nil
}

func (b *typeBuilder) fields(obj map[string]interface{}, typeName string) ([]evm.TypedDataField, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]evm.TypedDataField, 0, len(keys))
	for _, key := range keys {
		fieldType, err := b.fieldType(key, obj[key], typeName)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", typeName, key, err)
		}
		fields = append(fields, evm.TypedDataField{Name: key, Type: fieldType})
	}
	return fields, nil
}

func (b *typeBuilder) fieldType(key string, value interface{}, parent string) (string, error) {
	switch v := value.(type) {
	case string:
		return "string", nil
	case bool:
		return "bool", nil
	case *big.Int:
		return "uint256", nil
	case map[string]interface{}:
		return b.structType(key, v, parent)
	case []interface{}:
		if len(v) == 0 {
			return "string[]", nil
		}
		switch first := v[0].(type) {
		case map[string]interface{}:
			name, err := b.structType(key, first, parent)
			if err != nil {
				return "", err
			}
			return name + "[]", nil
		case []interface{}:
			return "", fmt.Errorf("nested arrays are not supported")
		default:
			elem, err := b.fieldType(key, first, parent)
			if err != nil {
				return "", err
			}
			return elem + "[]", nil
		}
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}

func (b *typeBuilder) structType(key string, obj map[string]interface{}, parent string) (string, error) {
	base := typeName(key)
	if base == "" {
		return "", fmt.Errorf("key %q cannot name a type", key)
	}

	// fields are computed under a provisional name so that nested structs see it as taken
	name := b.available(base, parent)
	b.building[name] = true
	fields, err := b.fields(obj, name)
	delete(b.building, name)
	if err != nil {
		return "", err
	}

	// reuse an identical definition registered under the base name
	if existing, ok := b.types[base]; ok && reflect.DeepEqual(existing, fields) {
		return base, nil
	}
	b.types[name] = fields
	return name, nil
}

func (b *typeBuilder) available(base, parent string) string {
	taken := func(n string) bool {
		_, exists := b.types[n]
		return exists || b.building[n] || n == "EIP712Domain"
	}
	if !taken(base) {
		return base
	}
	name := parent + base
	for i := 2; taken(name); i++ {
		name = fmt.Sprintf("%s%s%d", parent, base, i)
	}
	return name
}

// typeName capitalises key and drops characters that cannot appear in an
// EIP-712 type name.
func typeName(key string) string {
	var sb strings.Builder
	for _, r := range key {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			sb.WriteRune(r)
		}
	}
	name := sb.String()
	if name == "" || !unicode.IsLetter(rune(name[0])) {
		return ""
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
