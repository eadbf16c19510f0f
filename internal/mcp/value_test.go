package mcp

import (
	"encoding/json"
	"testing"
)

func TestValue_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"null", `null`, `null`},
		{"bool", `true`, `true`},
		{"integer", `42`, `42`},
		{"big integer keeps precision", `9007199254740993`, `9007199254740993`},
		{"float", `2.5`, `2.5`},
		{"string", `"héllo"`, `"héllo"`},
		{"array", `[1,"a",null]`, `[1,"a",null]`},
		{"object keys sorted", `{"b":1,"a":{"z":[],"y":false}}`, `{"a":{"y":false,"z":[]},"b":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v Value
			if err := json.Unmarshal([]byte(tt.input), &v); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			got, err := json.Marshal(v)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValue_Accessors(t *testing.T) {
	v := Object(map[string]Value{
		"city":  String("Paris"),
		"days":  Int(3),
		"ratio": Float(0.5),
		"ok":    Bool(true),
		"tags":  Array(String("a")),
	})

	obj, ok := v.AsObject()
	if !ok {
		t.Fatal("AsObject() failed")
	}
	if s, ok := obj["city"].AsString(); !ok || s != "Paris" {
		t.Errorf("city = %q, %v", s, ok)
	}
	if n, ok := obj["days"].AsInt(); !ok || n != 3 {
		t.Errorf("days = %d, %v", n, ok)
	}
	if _, ok := obj["ratio"].AsInt(); ok {
		t.Error("0.5 should not convert to int")
	}
	if f, ok := obj["ratio"].AsFloat(); !ok || f != 0.5 {
		t.Errorf("ratio = %v, %v", f, ok)
	}
	if b, ok := obj["ok"].AsBool(); !ok || !b {
		t.Errorf("ok = %v, %v", b, ok)
	}
	if _, ok := obj["city"].AsInt(); ok {
		t.Error("string should not convert to int")
	}
	if arr, ok := obj["tags"].AsArray(); !ok || len(arr) != 1 {
		t.Errorf("tags = %v, %v", arr, ok)
	}
	if Null().Kind() != KindNull {
		t.Errorf("Null().Kind() = %s", Null().Kind())
	}
}

func TestValue_Equal(t *testing.T) {
	a := Object(map[string]Value{"n": Int(1), "l": Array(Bool(true))})
	b := Object(map[string]Value{"l": Array(Bool(true)), "n": Float(1)})
	c := Object(map[string]Value{"n": Int(2), "l": Array(Bool(true))})

	if !a.Equal(b) {
		t.Error("numerically equal objects should be Equal")
	}
	if a.Equal(c) {
		t.Error("different objects should not be Equal")
	}
	if String("1").Equal(Int(1)) {
		t.Error("string and number should not be Equal")
	}
}

func TestValue_Any(t *testing.T) {
	v := Object(map[string]Value{"n": Int(2), "s": String("x"), "z": Null()})
	m, ok := v.Any().(map[string]any)
	if !ok {
		t.Fatalf("Any() = %T, want map", v.Any())
	}
	if m["n"] != float64(2) {
		t.Errorf("n = %v (%T), want float64 2", m["n"], m["n"])
	}
	if m["z"] != nil {
		t.Errorf("z = %v, want nil", m["z"])
	}
}

func TestParseArguments(t *testing.T) {
	args, err := ParseArguments(json.RawMessage(`{"city":"Oslo","days":2}`))
	if err != nil {
		t.Fatalf("ParseArguments: %v", err)
	}
	if city, _ := args.String("city"); city != "Oslo" {
		t.Errorf("city = %q", city)
	}
	if days, _ := args.Int("days"); days != 2 {
		t.Errorf("days = %d", days)
	}

	for _, raw := range []string{``, `null`, `  `} {
		args, err := ParseArguments(json.RawMessage(raw))
		if err != nil || len(args) != 0 {
			t.Errorf("ParseArguments(%q) = %v, %v; want empty", raw, args, err)
		}
	}

	if _, err := ParseArguments(json.RawMessage(`[1]`)); err == nil {
		t.Error("array arguments should fail")
	}
	if _, err := ParseArguments(json.RawMessage(`{"a":`)); err == nil {
		t.Error("malformed arguments should fail")
	}
}

func TestArguments_NilMarshalsAsObject(t *testing.T) {
	var args Arguments
	data, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{}` {
		t.Errorf("Marshal(nil) = %s, want {}", data)
	}
}
