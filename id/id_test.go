package id

import "testing"

func TestNewCarriesPrefix(t *testing.T) {
	jobID := NewJobID()
	if jobID.IsNil() {
		t.Fatal("NewJobID returned the nil id")
	}
	if jobID.Prefix() != PrefixJob {
		t.Errorf("prefix = %q, want %q", jobID.Prefix(), PrefixJob)
	}
}

func TestParseRoundTrip(t *testing.T) {
	orig := NewScheduleID()
	parsed, err := Parse(orig.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != orig {
		t.Errorf("round trip changed id: %s != %s", parsed, orig)
	}
}

func TestParseWithPrefixRejectsMismatch(t *testing.T) {
	jobID := NewJobID()
	if _, err := ParseWithPrefix(jobID.String(), PrefixChain); err == nil {
		t.Error("mismatched prefix accepted")
	}
	if _, err := ParseJobID(jobID.String()); err != nil {
		t.Errorf("matching prefix rejected: %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "no-underscore", "job_!!!!"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) accepted invalid input", s)
		}
	}
}

func TestNilIDBehaviour(t *testing.T) {
	if Nil.String() != "" {
		t.Errorf("Nil.String() = %q, want empty", Nil.String())
	}
	if !Nil.IsNil() {
		t.Error("Nil.IsNil() = false")
	}

	v, err := Nil.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if v != nil {
		t.Errorf("Nil.Value() = %v, want nil for NULL storage", v)
	}
}

func TestTextMarshalling(t *testing.T) {
	orig := NewWorkerID()
	data, err := orig.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}

	var decoded ID
	if err := decoded.UnmarshalText(data); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if decoded != orig {
		t.Errorf("round trip changed id: %s != %s", decoded, orig)
	}

	var empty ID
	if err := empty.UnmarshalText(nil); err != nil {
		t.Fatalf("UnmarshalText(nil): %v", err)
	}
	if !empty.IsNil() {
		t.Error("empty text did not decode to Nil")
	}
}

func TestScanSources(t *testing.T) {
	orig := NewJobID()

	var fromString ID
	if err := fromString.Scan(orig.String()); err != nil {
		t.Fatalf("Scan(string): %v", err)
	}
	if fromString != orig {
		t.Error("string scan mismatch")
	}

	var fromBytes ID
	if err := fromBytes.Scan([]byte(orig.String())); err != nil {
		t.Fatalf("Scan([]byte): %v", err)
	}
	if fromBytes != orig {
		t.Error("bytes scan mismatch")
	}

	var fromNil ID
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if !fromNil.IsNil() {
		t.Error("nil scan did not produce Nil")
	}

	var bad ID
	if err := bad.Scan(42); err == nil {
		t.Error("int scan accepted")
	}
}
