package ai

import (
	"reflect"
	"testing"
)

type sampleOut struct {
	HandlerID  string  `json:"handler_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func TestUnmarshalFlexible(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    sampleOut
		wantErr bool
	}{
		{
			name:  "standard json",
			input: `{"handler_id": "bug-handler", "confidence": 0.92, "reasoning": "clear bug report"}`,
			want:  sampleOut{HandlerID: "bug-handler", Confidence: 0.92, Reasoning: "clear bug report"},
		},
		{
			name:  "double encoded",
			input: `"{\"handler_id\": \"feature-handler\", \"confidence\": 0.8, \"reasoning\": \"ok\"}"`,
			want:  sampleOut{HandlerID: "feature-handler", Confidence: 0.8, Reasoning: "ok"},
		},
		{
			name:  "unquoted keys repaired",
			input: `{handler_id: "bug-handler", confidence: 0.7, reasoning: "fine"}`,
			want:  sampleOut{HandlerID: "bug-handler", Confidence: 0.7, Reasoning: "fine"},
		},
		{
			name:  "duplicate leading brace",
			input: `{{"handler_id": "bug-handler", "confidence": 0.7, "reasoning": "fine"}`,
			want:  sampleOut{HandlerID: "bug-handler", Confidence: 0.7, Reasoning: "fine"},
		},
		{
			name:  "surrounding whitespace",
			input: "\n  {\"handler_id\": \"bug-handler\", \"confidence\": 1, \"reasoning\": \"x\"}  \n",
			want:  sampleOut{HandlerID: "bug-handler", Confidence: 1, Reasoning: "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got sampleOut
			err := UnmarshalFlexible(tt.input, &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalFlexible() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("UnmarshalFlexible() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestStripDuplicateLeadingBrace(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "no brace", input: "plain", want: "plain"},
		{name: "single brace", input: `{"a": 1}`, want: `{"a": 1}`},
		{name: "double brace", input: `{{"a": 1}`, want: `{"a": 1}`},
		{name: "double brace with space", input: `{ {"a": 1}`, want: `{"a": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripDuplicateLeadingBrace(tt.input); got != tt.want {
				t.Errorf("stripDuplicateLeadingBrace() = %q, want %q", got, tt.want)
			}
		})
	}
}
