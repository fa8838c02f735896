package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

const qclassKey = "@qclass"

const (
	qclassSlot      = "slot"
	qclassUndefined = "undefined"
	qclassError     = "error"
)

var ErrInvalidCapData = errors.New("message: invalid capdata")

// CapData is a serialized body plus the ordered list of slots it references.
type CapData struct {
	Body  string   `json:"body"`
	Slots []SlotID `json:"slots"`
}

// Ref is a body-level reference to a kernel slot.
type Ref struct {
	Slot SlotID
}

// Undefined is the explicit "no value" marker.
type Undefined struct{}

// ErrorValue is a serialized error descriptor.
type ErrorValue struct {
	Name    string
	Message string
}

func (e ErrorValue) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Validate parses the body and checks that every slot reference indexes the
// slot list.
func (c CapData) Validate() error {
	_, err := Unmarshal(c)
	return err
}

// Marshal serializes v into capdata. Refs are collected into the slot list in
// first-seen order; repeated refs share one index.
func Marshal(v any) (CapData, error) {
	enc := encoder{index: make(map[SlotID]int)}
	tree, err := enc.encode(v)
	if err != nil {
		return CapData{}, err
	}
	var buf bytes.Buffer
	jenc := json.NewEncoder(&buf)
	jenc.SetEscapeHTML(false)
	if err := jenc.Encode(tree); err != nil {
		return CapData{}, fmt.Errorf("%w: %v", ErrInvalidCapData, err)
	}
	slots := enc.slots
	if slots == nil {
		slots = []SlotID{}
	}
	return CapData{Body: string(bytes.TrimRight(buf.Bytes(), "\n")), Slots: slots}, nil
}

// MustMarshal is Marshal for values known to be encodable.
func MustMarshal(v any) CapData {
	out, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}

type encoder struct {
	slots []SlotID
	index map[SlotID]int
}

func (e *encoder) encode(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case Undefined:
		return map[string]any{qclassKey: qclassUndefined}, nil
	case Ref:
		return map[string]any{qclassKey: qclassSlot, "index": e.slotIndex(val.Slot)}, nil
	case *Ref:
		if val == nil {
			return nil, nil
		}
		return e.encode(*val)
	case ErrorValue:
		return errorTree(val), nil
	case *ErrorValue:
		return errorTree(*val), nil
	case error:
		var ev ErrorValue
		if errors.As(val, &ev) {
			return errorTree(ev), nil
		}
		return errorTree(ErrorValue{Name: "Error", Message: val.Error()}), nil
	case string, bool:
		return val, nil
	case int:
		return val, nil
	case int32:
		return val, nil
	case int64:
		return val, nil
	case uint32:
		return val, nil
	case uint64:
		return val, nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("%w: non-finite number", ErrInvalidCapData)
		}
		return val, nil
	case VatID:
		return string(val), nil
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			enc, err := e.encode(item)
			if err != nil {
				return nil, err
			}
			out = append(out, enc)
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			if k == qclassKey {
				return nil, fmt.Errorf("%w: reserved key %q", ErrInvalidCapData, qclassKey)
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			enc, err := e.encode(val[k])
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidCapData, v)
	}
}

func (e *encoder) slotIndex(slot SlotID) int {
	if i, ok := e.index[slot]; ok {
		return i
	}
	i := len(e.slots)
	e.slots = append(e.slots, slot)
	e.index[slot] = i
	return i
}

func errorTree(ev ErrorValue) map[string]any {
	name := ev.Name
	if name == "" {
		name = "Error"
	}
	return map[string]any{qclassKey: qclassError, "name": name, "message": ev.Message}
}

// Unmarshal decodes capdata, resolving slot references against c.Slots.
// Integral numbers decode as int64, others as float64.
func Unmarshal(c CapData) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(c.Body)))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCapData, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidCapData)
	}
	return decodeTree(tree, c.Slots)
}

func decodeTree(v any, slots []SlotID) (any, error) {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCapData, err)
		}
		return f, nil
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			dec, err := decodeTree(item, slots)
			if err != nil {
				return nil, err
			}
			out = append(out, dec)
		}
		return out, nil
	case map[string]any:
		if qc, ok := val[qclassKey]; ok {
			return decodeSpecial(qc, val, slots)
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			dec, err := decodeTree(item, slots)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	default:
		return val, nil
	}
}

func decodeSpecial(qc any, val map[string]any, slots []SlotID) (any, error) {
	switch qc {
	case qclassUndefined:
		return Undefined{}, nil
	case qclassError:
		name, _ := val["name"].(string)
		msg, _ := val["message"].(string)
		return ErrorValue{Name: name, Message: msg}, nil
	case qclassSlot:
		num, ok := val["index"].(json.Number)
		if !ok {
			return nil, fmt.Errorf("%w: slot reference without index", ErrInvalidCapData)
		}
		i, err := num.Int64()
		if err != nil || i < 0 || i >= int64(len(slots)) {
			return nil, fmt.Errorf("%w: slot index %s outside slot list of %d", ErrInvalidCapData, num, len(slots))
		}
		return Ref{Slot: slots[i]}, nil
	default:
		return nil, fmt.Errorf("%w: unknown %s %v", ErrInvalidCapData, qclassKey, qc)
	}
}
