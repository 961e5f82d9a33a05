package handlers_test

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"testing"

	"pgregory.net/rapid"

	"refgen_worker/handlers"
	"refgen_worker/pipeline"
)

func TestCoerceInt(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		want    int64
		wantErr bool
	}{
		{name: "int", value: 28, want: 28},
		{name: "int64", value: int64(-5), want: -5},
		{name: "integral float", value: 1024.0, want: 1024},
		{name: "json number", value: json.Number("20"), want: 20},
		{name: "json number with exponent", value: json.Number("1e3"), want: 1000},
		{name: "numeric string", value: " 768 ", want: 768},
		{name: "float string", value: "12.0", want: 12},
		{name: "fractional float", value: 2.5, wantErr: true},
		{name: "fractional string", value: "2.5", wantErr: true},
		{name: "word", value: "ten", wantErr: true},
		{name: "bool", value: true, wantErr: true},
		{name: "NaN", value: math.NaN(), wantErr: true},
		{name: "too large", value: 1e300, wantErr: true},
		{name: "list", value: []interface{}{1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := handlers.CoerceInt(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CoerceInt(%v) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("CoerceInt(%v) = %d, want %d", tt.value, got, tt.want)
			}
		})
	}
}

func TestCoerceFloat(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		want    float64
		wantErr bool
	}{
		{name: "float", value: 5.0, want: 5},
		{name: "int", value: 7, want: 7},
		{name: "json number", value: json.Number("7.5"), want: 7.5},
		{name: "string", value: "3.25", want: 3.25},
		{name: "infinity string", value: "Inf", wantErr: true},
		{name: "word", value: "high", wantErr: true},
		{name: "nil-like map", value: map[string]interface{}{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := handlers.CoerceFloat(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CoerceFloat(%v) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("CoerceFloat(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestCoerceBool(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		want    bool
		wantErr bool
	}{
		{name: "true", value: true, want: true},
		{name: "false string", value: "false", want: false},
		{name: "capital True", value: "True", want: true},
		{name: "yes", value: "yes", want: true},
		{name: "off", value: "OFF", want: false},
		{name: "zero", value: 0.0, want: false},
		{name: "one json number", value: json.Number("1"), want: true},
		{name: "word", value: "maybe", wantErr: true},
		{name: "list", value: []interface{}{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := handlers.CoerceBool(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CoerceBool(%v) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("CoerceBool(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestGetStringListField(t *testing.T) {
	tests := []struct {
		name    string
		input   handlers.Input
		want    int
		wantErr bool
	}{
		{name: "absent", input: handlers.Input{}, want: 0},
		{name: "null", input: handlers.Input{"images": nil}, want: 0},
		{name: "interface list", input: handlers.Input{"images": []interface{}{"a", "b"}}, want: 2},
		{name: "string slice", input: handlers.Input{"images": []string{"a"}}, want: 1},
		{name: "empty entry", input: handlers.Input{"images": []interface{}{"a", " "}}, wantErr: true},
		{name: "number entry", input: handlers.Input{"images": []interface{}{"a", 3}}, wantErr: true},
		{name: "bare string", input: handlers.Input{"images": "a"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := handlers.GetStringListField(tt.input, "images")
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, handlers.ErrInvalidField) {
				t.Errorf("error %v does not wrap ErrInvalidField", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d entries, want %d", len(got), tt.want)
			}
		})
	}
}

func TestParseRequest_Defaults(t *testing.T) {
	d := handlers.DefaultsForProfile("standard")
	req, err := handlers.ParseRequest(handlers.Input{"prompt": "a portrait", "images": []interface{}{"AAAA"}}, d)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Steps != 28 || req.Guidance != 5.0 || req.Width != 1024 || req.Height != 1024 || !req.ReturnBase64 {
		t.Errorf("standard defaults not applied: %+v", req)
	}
	if req.Seed != nil {
		t.Errorf("seed = %d, want nil", *req.Seed)
	}

	light := handlers.DefaultsForProfile("light")
	if light.Steps != 20 || light.Width != 768 || light.Height != 768 || light.Guidance != 5.0 {
		t.Errorf("light defaults = %+v", light)
	}
	if handlers.DefaultsForProfile("unknown") != d {
		t.Error("unknown profile should use standard defaults")
	}
}

func TestParseRequest_SeedNull(t *testing.T) {
	req, err := handlers.ParseRequest(handlers.Input{
		"prompt": "a portrait",
		"images": []interface{}{"AAAA"},
		"seed":   nil,
	}, handlers.DefaultsForProfile("standard"))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Seed != nil {
		t.Error("null seed should mean random")
	}
}

func TestParseRequest_RangeErrorsWrapPipelineSentinels(t *testing.T) {
	_, err := handlers.ParseRequest(handlers.Input{
		"prompt": "a portrait",
		"images": []interface{}{"AAAA"},
		"steps":  -5,
	}, handlers.DefaultsForProfile("standard"))
	if !errors.Is(err, pipeline.ErrInvalidParams) {
		t.Fatalf("error = %v, want ErrInvalidParams", err)
	}
}

func TestCoerceInt_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Int64().Draw(t, "n")
		s := strconv.FormatInt(n, 10)

		for _, v := range []interface{}{s, json.Number(s), n} {
			got, err := handlers.CoerceInt(v)
			if err != nil {
				t.Fatalf("CoerceInt(%#v): %v", v, err)
			}
			if got != n {
				t.Fatalf("CoerceInt(%#v) = %d, want %d", v, got, n)
			}
		}
	})
}

func TestCoerceFloat_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := rapid.Float64().Draw(t, "f")
		s := strconv.FormatFloat(f, 'g', -1, 64)

		got, err := handlers.CoerceFloat(s)
		if err != nil {
			t.Fatalf("CoerceFloat(%q): %v", s, err)
		}
		if got != f {
			t.Fatalf("CoerceFloat(%q) = %v, want %v", s, got, f)
		}
	})
}

func TestCoerceBool_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := rapid.Bool().Draw(t, "b")
		got, err := handlers.CoerceBool(strconv.FormatBool(b))
		if err != nil || got != b {
			t.Fatalf("CoerceBool(%q) = %v, %v", strconv.FormatBool(b), got, err)
		}
	})
}
