package event

import (
	"errors"
	"testing"
)

func TestValidate_OK(t *testing.T) {
	raw := []byte(`{
		"event_id": "e-1",
		"tenant_id": "t-1",
		"aggregate_id": "p-1",
		"aggregate_type": "product",
		"event_type": "CREATE",
		"version": 1,
		"payload": {"title": "A"},
		"producer_id": "catalog-api"
	}`)

	env, err := Validate(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.AggregateID != "p-1" || env.Type != TypeCreate || env.Version != 1 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestValidate_MalformedJSON(t *testing.T) {
	_, err := Validate([]byte(`{not json`))
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
}

func TestValidate_MissingFields(t *testing.T) {
	cases := map[string]string{
		"aggregate_id": `{"event_type":"CREATE","version":1}`,
		"event_type":   `{"aggregate_id":"p-1","version":1}`,
		"version":      `{"aggregate_id":"p-1","event_type":"CREATE"}`,
	}
	for field, raw := range cases {
		_, err := Validate([]byte(raw))
		var se *SchemaError
		if !errors.As(err, &se) {
			t.Fatalf("%s: expected SchemaError, got %v", field, err)
		}
		if se.Field != field {
			t.Fatalf("expected field %q, got %q", field, se.Field)
		}
	}
}

func TestValidate_UnknownType(t *testing.T) {
	raw := []byte(`{"aggregate_id":"p-1","event_type":"ARCHIVE","version":3}`)
	env, err := Validate(raw)
	var ue *UnknownTypeError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
	// The envelope is still returned so the caller can log what it skipped.
	if env.AggregateID != "p-1" || env.Version != 3 {
		t.Fatalf("expected parsed envelope alongside error, got %+v", env)
	}
}
