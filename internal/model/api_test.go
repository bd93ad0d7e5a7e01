package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruthCheckRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     TruthCheckRequest
		wantErr string
	}{
		{
			name: "valid text",
			req:  TruthCheckRequest{InputType: InputTypeText, InputPayload: "서울 지하철이 파업했다"},
		},
		{
			name:    "empty payload",
			req:     TruthCheckRequest{InputType: InputTypeText, InputPayload: "   "},
			wantErr: "input_payload is required",
		},
		{
			name:    "oversized payload",
			req:     TruthCheckRequest{InputType: InputTypeText, InputPayload: strings.Repeat("a", MaxInputPayloadBytes+1)},
			wantErr: "exceeds maximum length",
		},
		{
			name:    "unknown input type",
			req:     TruthCheckRequest{InputType: "video", InputPayload: "x"},
			wantErr: "unknown input_type",
		},
		{
			name: "collect alias accepted in window",
			req: TruthCheckRequest{
				InputType: InputTypeText, InputPayload: "x",
				StartStage: StageCollect, EndStage: StageCollect,
			},
		},
		{
			name:    "unknown start stage",
			req:     TruthCheckRequest{InputType: InputTypeText, InputPayload: "x", StartStage: "stage99"},
			wantErr: "unknown start_stage",
		},
		{
			name:    "unknown end stage",
			req:     TruthCheckRequest{InputType: InputTypeText, InputPayload: "x", EndStage: "stage99"},
			wantErr: "unknown end_stage",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestResolveStageWindow(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		wantStart  string
		wantEnd    string
	}{
		{"defaults", "", "", StageNormalize, StageJudge},
		{"explicit", StageQuerygen, StageTopK, StageQuerygen, StageTopK},
		{"collect alias start", StageCollect, "", StageWiki, StageJudge},
		{"collect alias end", "", StageCollect, StageNormalize, StageMerge},
		{"collect alias both", StageCollect, StageCollect, StageWiki, StageMerge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := TruthCheckRequest{StartStage: tt.start, EndStage: tt.end}
			start, end := req.ResolveStageWindow()
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}
}

func TestStageIndex(t *testing.T) {
	assert.Equal(t, 0, StageIndex(StageNormalize))
	assert.Equal(t, len(StageOrder)-1, StageIndex(StageJudge))
	assert.Equal(t, -1, StageIndex(StageCollect))
	assert.Equal(t, -1, StageIndex("bogus"))

	// The wiki/web/merge sub-stages hold consecutive positions.
	assert.Equal(t, StageIndex(StageWiki)+1, StageIndex(StageWeb))
	assert.Equal(t, StageIndex(StageWeb)+1, StageIndex(StageMerge))
}
