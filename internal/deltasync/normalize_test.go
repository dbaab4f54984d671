package deltasync

import (
	"errors"
	"testing"
)

func TestNormalizeSplitsEmbeddedRecords(t *testing.T) {
	groups, err := Normalize(ModelTypeIdentificationEvent, []Record{
		{
			"id":         "ie1",
			"occurredAt": "2026-10-01T08:00:00Z",
			"member":     map[string]any{"id": "m1", "fullName": "Amina Yusuf"},
			"encounter": map[string]any{
				"id":     "e1",
				"status": "draft",
				"member": map[string]any{"id": "m1", "membershipNumber": "NHIS-001"},
			},
		},
	})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	event := groups[ModelTypeIdentificationEvent]["ie1"]
	if event["member"] != "m1" || event["encounter"] != "e1" {
		t.Fatalf("embedded objects should be replaced by ids, got %#v", event)
	}
	encounter := groups[ModelTypeEncounter]["e1"]
	if encounter["member"] != "m1" {
		t.Fatalf("nested member should be replaced by id, got %#v", encounter)
	}
	member := groups[ModelTypeMember]["m1"]
	if member["fullName"] != "Amina Yusuf" || member["membershipNumber"] != "NHIS-001" {
		t.Fatalf("repeated member payloads should merge, got %#v", member)
	}
	if groups.Count() != 3 {
		t.Fatalf("expected 3 normalized records, got %d", groups.Count())
	}
}

func TestNormalizeLeavesIDReferencesAlone(t *testing.T) {
	groups, err := Normalize(ModelTypeEncounter, []Record{
		{"id": "e1", "memberId": "m1", "identificationEvent": "ie1"},
	})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if len(groups[ModelTypeMember]) != 0 || len(groups[ModelTypeIdentificationEvent]) != 0 {
		t.Fatalf("id references must not produce groups: %#v", groups)
	}
	if groups[ModelTypeEncounter]["e1"]["memberId"] != "m1" {
		t.Fatalf("record fields should be preserved")
	}
}

func TestNormalizeRejectsRecordWithoutID(t *testing.T) {
	_, err := Normalize(ModelTypeEncounter, []Record{
		{"id": "e1", "member": map[string]any{"fullName": "no id"}},
	})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected invalid record error, got %v", err)
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	input := Record{"id": "e1", "member": map[string]any{"id": "m1"}}
	if _, err := Normalize(ModelTypeEncounter, []Record{input}); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if _, ok := input["member"].(map[string]any); !ok {
		t.Fatalf("input record was mutated: %#v", input)
	}
}

func TestReferencedIDForms(t *testing.T) {
	ref := reference{field: "member", target: ModelTypeMember}
	testCases := []struct {
		name   string
		record Record
		want   string
	}{
		{name: "embedded", record: Record{"member": map[string]any{"id": "m1"}}, want: "m1"},
		{name: "bare-id", record: Record{"member": "m2"}, want: "m2"},
		{name: "sibling-id", record: Record{"memberId": "m3"}, want: "m3"},
		{name: "absent", record: Record{"other": "x"}, want: ""},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := referencedID(testCase.record, ref); got != testCase.want {
				t.Fatalf("expected %q, got %q", testCase.want, got)
			}
		})
	}
}
