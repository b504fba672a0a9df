package graph

import (
	"testing"

	"github.com/stagebridge/backend/pkg/common"
)

func TestValidate(t *testing.T) {
	validator := NewValidator(DefaultPolicy())

	tests := []struct {
		name       string
		draft      common.Node
		wantAccept bool
		wantReason Reason
	}{
		{
			name: "high confidence finding with evidence",
			draft: common.Node{
				Kind:        common.KindFinding,
				Label:       "export button missing",
				Description: "the export button is not rendered on the report page",
				Confidence:  0.92,
				CreatedBy:   "stage-analysis",
				Evidence:    []common.Evidence{{Locator: "report.tsx:120", Tier: 4}},
			},
			wantAccept: true,
			wantReason: ReasonNone,
		},
		{
			name: "low confidence decision",
			draft: common.Node{
				Kind:        common.KindDecision,
				Label:       "use polling",
				Description: "poll the export service every 5s",
				Confidence:  0.40,
				CreatedBy:   "stage-design",
			},
			wantAccept: false,
			wantReason: ReasonBelowThreshold,
		},
		{
			name: "decision above admission but below review threshold",
			draft: common.Node{
				Kind:        common.KindDecision,
				Label:       "cache exports",
				Description: "cache rendered exports for an hour",
				Confidence:  0.87,
				CreatedBy:   "stage-design",
			},
			wantAccept: false,
			wantReason: ReasonBelowThreshold,
		},
		{
			name: "low confidence uncertainty is allowed",
			draft: common.Node{
				Kind:        common.KindUncertainty,
				Label:       "unknown export path",
				Description: "unclear whether exports go through the v1 or v2 API",
				Confidence:  0.30,
				CreatedBy:   "stage-analysis",
			},
			wantAccept: true,
			wantReason: ReasonNone,
		},
		{
			name: "missing label",
			draft: common.Node{
				Kind:        common.KindFinding,
				Description: "something",
				Confidence:  0.95,
				CreatedBy:   "stage-analysis",
				Evidence:    []common.Evidence{{Locator: "x", Tier: 3}},
			},
			wantAccept: false,
			wantReason: ReasonMissingField,
		},
		{
			name: "missing created_by",
			draft: common.Node{
				Kind:        common.KindFinding,
				Label:       "x",
				Description: "y",
				Confidence:  0.95,
				Evidence:    []common.Evidence{{Locator: "x", Tier: 3}},
			},
			wantAccept: false,
			wantReason: ReasonMissingField,
		},
		{
			name: "zero confidence counts as missing",
			draft: common.Node{
				Kind:        common.KindFinding,
				Label:       "x",
				Description: "y",
				CreatedBy:   "stage-analysis",
				Evidence:    []common.Evidence{{Locator: "x", Tier: 3}},
			},
			wantAccept: false,
			wantReason: ReasonMissingField,
		},
		{
			name: "finding without evidence",
			draft: common.Node{
				Kind:        common.KindFinding,
				Label:       "x",
				Description: "y",
				Confidence:  0.95,
				CreatedBy:   "stage-analysis",
			},
			wantAccept: false,
			wantReason: ReasonNoEvidence,
		},
		{
			name: "verified finding with one method record",
			draft: common.Node{
				Kind:        common.KindVerifiedFinding,
				Label:       "export button missing",
				Description: "confirmed against the report page source",
				Confidence:  0.95,
				CreatedBy:   "verify",
				Evidence:    []common.Evidence{{Locator: "report.tsx:120", Tier: 3, Method: "model-assessment"}},
			},
			wantAccept: false,
			wantReason: ReasonNoEvidence,
		},
		{
			name: "verified finding with duplicate methods",
			draft: common.Node{
				Kind:        common.KindVerifiedFinding,
				Label:       "export button missing",
				Description: "confirmed against the report page source",
				Confidence:  0.95,
				CreatedBy:   "verify",
				Evidence: []common.Evidence{
					{Locator: "report.tsx:120", Tier: 3, Method: "model-assessment"},
					{Locator: "report.tsx:121", Tier: 3, Method: "model-assessment"},
				},
			},
			wantAccept: false,
			wantReason: ReasonNoEvidence,
		},
		{
			name: "verified finding with two independent methods",
			draft: common.Node{
				Kind:        common.KindVerifiedFinding,
				Label:       "export button missing",
				Description: "confirmed against the report page source",
				Confidence:  0.95,
				CreatedBy:   "verify",
				Evidence: []common.Evidence{
					{Locator: "report.tsx:120", Tier: 3, Method: "model-assessment"},
					{Locator: "work-item", Tier: 3, Method: "work-item-overlap"},
				},
			},
			wantAccept: true,
			wantReason: ReasonNone,
		},
		{
			name: "decision without evidence is allowed",
			draft: common.Node{
				Kind:        common.KindDecision,
				Label:       "x",
				Description: "y",
				Confidence:  0.95,
				CreatedBy:   "stage-design",
			},
			wantAccept: true,
			wantReason: ReasonNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accept, reason := validator.Validate(tt.draft)
			if accept != tt.wantAccept || reason != tt.wantReason {
				t.Errorf("Validate() = (%v, %q), want (%v, %q)", accept, reason, tt.wantAccept, tt.wantReason)
			}
		})
	}
}

func TestGap(t *testing.T) {
	validator := NewValidator(DefaultPolicy())

	tests := []struct {
		name       string
		confidence float64
		want       float64
	}{
		{name: "below threshold", confidence: 0.45, want: 0.40},
		{name: "at threshold", confidence: 0.85, want: 0},
		{name: "above threshold", confidence: 0.95, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			draft := common.Node{Confidence: tt.confidence}
			got := validator.Gap(draft)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Gap() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Policy)
		wantErr bool
	}{
		{name: "defaults", mutate: func(p *Policy) {}},
		{
			name:    "weights not summing to one",
			mutate:  func(p *Policy) { p.Weights.Confidence = 0.5 },
			wantErr: true,
		},
		{
			name:    "negative weight",
			mutate:  func(p *Policy) { p.Weights.Recency = -0.1; p.Weights.Confidence = 0.45 },
			wantErr: true,
		},
		{
			name:    "fallback above routing minimum",
			mutate:  func(p *Policy) { p.FallbackConfidence = 0.75 },
			wantErr: true,
		},
		{
			name:    "threshold out of range",
			mutate:  func(p *Policy) { p.AdmissionThreshold = 1.5 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
