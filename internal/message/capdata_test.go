package message

import (
	"errors"
	"reflect"
	"testing"

	"github.com/danmuck/vatctl/internal/testutil/testlog"
)

func TestMarshalNewVatSuccessShape(t *testing.T) {
	testlog.Start(t)
	cd, err := Marshal([]any{VatID("v10"), map[string]any{"rootObject": Ref{Slot: 42}}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `["v10",{"rootObject":{"@qclass":"slot","index":0}}]`
	if cd.Body != want {
		t.Fatalf("unexpected body: got=%s want=%s", cd.Body, want)
	}
	if !reflect.DeepEqual(cd.Slots, []SlotID{42}) {
		t.Fatalf("unexpected slots: %v", cd.Slots)
	}
}

func TestMarshalDedupesRepeatedRefs(t *testing.T) {
	testlog.Start(t)
	cd, err := Marshal([]any{Ref{Slot: 7}, Ref{Slot: 9}, Ref{Slot: 7}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !reflect.DeepEqual(cd.Slots, []SlotID{7, 9}) {
		t.Fatalf("unexpected slots: %v", cd.Slots)
	}
	got, err := Unmarshal(cd)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []any{Ref{Slot: 7}, Ref{Slot: 9}, Ref{Slot: 7}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected decode: %#v", got)
	}
}

func TestMarshalSpecialValues(t *testing.T) {
	testlog.Start(t)
	cd, err := Marshal([]any{VatID("v10"), errors.New("boom"), Undefined{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `["v10",{"@qclass":"error","message":"boom","name":"Error"},{"@qclass":"undefined"}]`
	if cd.Body != want {
		t.Fatalf("unexpected body: %s", cd.Body)
	}
	if len(cd.Slots) != 0 {
		t.Fatalf("expected empty slot list, got %v", cd.Slots)
	}

	got, err := Unmarshal(cd)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	list := got.([]any)
	if list[0] != "v10" {
		t.Fatalf("unexpected vat id: %#v", list[0])
	}
	if ev, ok := list[1].(ErrorValue); !ok || ev.Name != "Error" || ev.Message != "boom" {
		t.Fatalf("unexpected error value: %#v", list[1])
	}
	if _, ok := list[2].(Undefined); !ok {
		t.Fatalf("expected undefined marker, got %#v", list[2])
	}
}

func TestUnmarshalNumbers(t *testing.T) {
	testlog.Start(t)
	got, err := Unmarshal(CapData{Body: `[1,2.5,"x",true,null]`})
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []any{int64(1), 2.5, "x", true, nil}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected decode: %#v", got)
	}
}

func TestValidateRejectsDanglingSlotReference(t *testing.T) {
	testlog.Start(t)
	cases := []CapData{
		{Body: `{"@qclass":"slot","index":0}`},
		{Body: `{"@qclass":"slot","index":2}`, Slots: []SlotID{1, 2}},
		{Body: `{"@qclass":"slot"}`, Slots: []SlotID{1}},
		{Body: `{"@qclass":"bogus"}`},
		{Body: `[1,`},
		{Body: `1 2`},
	}
	for _, cd := range cases {
		if err := cd.Validate(); !errors.Is(err, ErrInvalidCapData) {
			t.Fatalf("expected ErrInvalidCapData for %q, got %v", cd.Body, err)
		}
	}
}

func TestMarshalRejectsReservedKeyAndUnsupportedTypes(t *testing.T) {
	testlog.Start(t)
	if _, err := Marshal(map[string]any{"@qclass": "slot"}); !errors.Is(err, ErrInvalidCapData) {
		t.Fatalf("expected reserved key rejection, got %v", err)
	}
	if _, err := Marshal(struct{}{}); !errors.Is(err, ErrInvalidCapData) {
		t.Fatalf("expected unsupported type rejection, got %v", err)
	}
}

func TestMessageValidate(t *testing.T) {
	testlog.Start(t)
	ok := Message{TargetVat: "v1", Target: 1, Method: "newVatCallback", Args: MustMarshal([]any{"v10"})}
	if err := ok.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	bad := []Message{
		{Target: 1, Method: "m", Args: MustMarshal([]any{})},
		{TargetVat: "v1", Target: 1, Args: MustMarshal([]any{})},
		{TargetVat: "v1", Target: 1, Method: "m", Args: CapData{Body: `{"@qclass":"slot","index":0}`}},
	}
	for _, msg := range bad {
		if err := msg.Validate(); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("expected ErrInvalidMessage for %+v, got %v", msg, err)
		}
	}
}

func TestParseVatID(t *testing.T) {
	testlog.Start(t)
	id, err := ParseVatID(" v12 ")
	if err != nil || id != "v12" {
		t.Fatalf("parse: id=%q err=%v", id, err)
	}
	for _, raw := range []string{"", "v", "12", "vx", "w1"} {
		if _, err := ParseVatID(raw); !errors.Is(err, ErrInvalidVatID) {
			t.Fatalf("expected ErrInvalidVatID for %q, got %v", raw, err)
		}
	}
	if FormatVatID(10) != "v10" {
		t.Fatalf("unexpected format: %q", FormatVatID(10))
	}
	if SlotID(42).String() != "ko42" {
		t.Fatalf("unexpected slot string: %q", SlotID(42).String())
	}
}
