package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestLoadFileAcceptsShippedLibrary(t *testing.T) {
	t.Parallel()

	result, err := LoadFile("testdata/protocols.json")
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if len(result.Rejected) != 0 {
		t.Fatalf("unexpected rejections: %v", result.Rejected)
	}
	if len(result.Protocols) != 1 || result.Protocols[0].ID != "hemorrhage" {
		t.Fatalf("unexpected protocols: %+v", result.Protocols)
	}
	if got := result.Protocols[0].EntryStepID(); got != "step_1" {
		t.Fatalf("unexpected entry step %s", got)
	}
}

func TestLoadExcludesOnlyTheProtocolWithDanglingReference(t *testing.T) {
	t.Parallel()

	doc := `{
		"protocols": [
			{
				"id": "broken",
				"name": "Broken Tree",
				"keywords": ["broken"],
				"tree": {
					"step_1": {
						"voice": "Does it hurt?",
						"options": {"yes": "step_missing"}
					}
				}
			},
			{
				"id": "intact",
				"name": "Intact Tree",
				"keywords": ["intact"],
				"tree": {
					"step_1": {"voice": "Stay calm."}
				}
			}
		]
	}`

	result, err := Load([]byte(doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(result.Protocols) != 1 || result.Protocols[0].ID != "intact" {
		t.Fatalf("expected only intact protocol accepted, got %+v", result.Protocols)
	}
	if len(result.Rejected) != 1 {
		t.Fatalf("expected one rejection, got %d", len(result.Rejected))
	}
	rejection := result.Rejected[0]
	if rejection.ProtocolID != "broken" {
		t.Fatalf("unexpected rejected protocol %s", rejection.ProtocolID)
	}
	// The offending step and reference must be identified.
	if !strings.Contains(rejection.Error(), "step_1") || !strings.Contains(rejection.Error(), "step_missing") {
		t.Fatalf("rejection does not name the dangling reference: %v", rejection)
	}
}

func TestLoadRejectsDocumentFailingSchema(t *testing.T) {
	t.Parallel()

	if _, err := Load([]byte(`{"protocols": "not an array"}`)); err == nil {
		t.Fatalf("expected schema validation failure")
	}
}

func TestLoadRejectsUnparseableDocument(t *testing.T) {
	t.Parallel()

	if _, err := Load([]byte(`{"protocols": [`)); err == nil {
		t.Fatalf("expected parse failure")
	}
}

func TestLoadErrorUnwraps(t *testing.T) {
	t.Parallel()

	inner := errors.New("bad tree")
	loadErr := LoadError{ProtocolID: "x", Err: inner}
	if !errors.Is(loadErr, inner) {
		t.Fatalf("expected unwrap to inner error")
	}
}
