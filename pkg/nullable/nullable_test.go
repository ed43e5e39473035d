package nullable

import (
	"encoding/json"
	"testing"
)

func TestNullable_UnmarshalJSON_NotProvided(t *testing.T) {
	type testStruct struct {
		Name      string           `json:"name"`
		SegmentID Nullable[string] `json:"segmentId"`
	}

	var result testStruct

	if err := json.Unmarshal([]byte(`{"name": "n1"}`), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if result.SegmentID.IsSet {
		t.Fatalf("SegmentID should not be set when absent from JSON")
	}

	if result.SegmentID.ShouldUpdate() {
		t.Fatalf("ShouldUpdate should be false when field is absent")
	}
}

func TestNullable_UnmarshalJSON_ExplicitNull(t *testing.T) {
	type testStruct struct {
		SegmentID Nullable[string] `json:"segmentId"`
	}

	var result testStruct

	if err := json.Unmarshal([]byte(`{"segmentId": null}`), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !result.SegmentID.IsSet || !result.SegmentID.IsNull {
		t.Fatalf("explicit null should set IsSet and IsNull")
	}

	if !result.SegmentID.ShouldUpdate() {
		t.Fatalf("explicit null should request an update (clear the field)")
	}
}

func TestNullable_UnmarshalJSON_Value(t *testing.T) {
	type testStruct struct {
		SegmentID Nullable[string] `json:"segmentId"`
	}

	var result testStruct

	if err := json.Unmarshal([]byte(`{"segmentId": "abc"}`), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !result.SegmentID.IsSet || result.SegmentID.IsNull || result.SegmentID.Value != "abc" {
		t.Fatalf("unexpected state: %+v", result.SegmentID)
	}
}
