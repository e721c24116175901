package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"legal-rag-backend/internal/config"
)

// fakeMappingStore is an in-memory MappingStore for tests.
type fakeMappingStore struct {
	mappings map[string]map[string]string
}

func newFakeMappingStore() *fakeMappingStore {
	return &fakeMappingStore{mappings: make(map[string]map[string]string)}
}

func (f *fakeMappingStore) SaveMapping(ctx context.Context, requestID string, mapping map[string]string, ttl time.Duration) error {
	stored := make(map[string]string, len(mapping))
	for k, v := range mapping {
		stored[k] = v
	}
	f.mappings[requestID] = stored
	return nil
}

func (f *fakeMappingStore) GetMapping(ctx context.Context, requestID string) (map[string]string, error) {
	return f.mappings[requestID], nil
}

func (f *fakeMappingStore) DeleteMapping(ctx context.Context, requestID string) error {
	delete(f.mappings, requestID)
	return nil
}

func (f *fakeMappingStore) MappingExists(ctx context.Context, requestID string) (bool, error) {
	_, ok := f.mappings[requestID]
	return ok, nil
}

func newTestAnonymizer(store MappingStore) *Anonymizer {
	return NewAnonymizer(&config.Config{
		PIIConfidenceThreshold: 0.7,
		PIIMappingTTL:          5 * time.Minute,
	}, store)
}

func TestAnonymizeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newFakeMappingStore()
	a := newTestAnonymizer(store)

	original := "Dr. Eva Müller in Berlin."

	anonymized, mapping, err := a.Anonymize(ctx, original, "req-1")
	if err != nil {
		t.Fatalf("Anonymize failed: %v", err)
	}

	if !strings.Contains(anonymized, "<PERSON_1>") {
		t.Errorf("missing person placeholder: %q", anonymized)
	}
	if !strings.Contains(anonymized, "<LOCATION_1>") {
		t.Errorf("missing location placeholder: %q", anonymized)
	}
	for _, literal := range []string{"Eva", "Müller", "Berlin"} {
		if strings.Contains(anonymized, literal) {
			t.Errorf("literal %q leaked into anonymized text: %q", literal, anonymized)
		}
	}
	if len(mapping) != 2 {
		t.Errorf("mapping has %d entries, want 2", len(mapping))
	}

	restored, err := a.Deanonymize(ctx, anonymized, "req-1")
	if err != nil {
		t.Fatalf("Deanonymize failed: %v", err)
	}
	if restored != original {
		t.Errorf("round trip mismatch: %q != %q", restored, original)
	}

	// The mapping is single-use.
	if exists, _ := store.MappingExists(ctx, "req-1"); exists {
		t.Error("mapping must be consumed after deanonymize")
	}
}

func TestAnonymizeSpanExcludesTrailingSpace(t *testing.T) {
	ctx := context.Background()
	store := newFakeMappingStore()
	a := newTestAnonymizer(store)

	anonymized, mapping, err := a.Anonymize(ctx, "Dr. Eva Müller in Berlin.", "req-5")
	if err != nil {
		t.Fatalf("Anonymize failed: %v", err)
	}

	if got := mapping["<PERSON_1>"]; got != "Eva Müller" {
		t.Errorf("person surface = %q, want %q", got, "Eva Müller")
	}
	if !strings.Contains(anonymized, "<PERSON_1> in") {
		t.Errorf("placeholder glued to the following word: %q", anonymized)
	}
}

func TestAnonymizeNoPII(t *testing.T) {
	ctx := context.Background()
	a := newTestAnonymizer(newFakeMappingStore())

	text := "Die Kündigungsfrist beträgt drei Monate."
	anonymized, mapping, err := a.Anonymize(ctx, text, "req-2")
	if err != nil {
		t.Fatalf("Anonymize failed: %v", err)
	}
	if anonymized != text {
		t.Errorf("clean text was modified: %q", anonymized)
	}
	if mapping != nil {
		t.Errorf("expected no mapping, got %v", mapping)
	}
}

func TestDetectStructuredPII(t *testing.T) {
	a := newTestAnonymizer(newFakeMappingStore())

	cases := []struct {
		text   string
		entity string
	}{
		{"Kontakt: max.mustermann@kanzlei.de bitte", EntityEmail},
		{"Konto DE89 3704 0044 0532 0130 00 der Beklagten", EntityIBAN},
		{"Aktenzeichen 4 C 123/21 des Amtsgerichts", EntityCaseNumber},
		{"Steuernummer: 12 345 678 901 vorgelegt", EntityTaxID},
		{"Rückruf unter +49 30 901820 erbeten", EntityPhone},
		{"Vertrag mit der Musterbau GmbH geschlossen", EntityOrg},
	}

	for _, tc := range cases {
		spans := a.Detect(tc.text)
		found := false
		for _, s := range spans {
			if s.EntityType == tc.entity {
				found = true
			}
		}
		if !found {
			t.Errorf("entity %s not detected in %q (spans: %v)", tc.entity, tc.text, spans)
		}
	}
}

func TestDetectSpansOrderedAndDisjoint(t *testing.T) {
	a := newTestAnonymizer(newFakeMappingStore())

	spans := a.Detect("Dr. Eva Müller aus Hamburg schreibt an max@kanzlei.de wegen 4 C 123/21.")
	for i := 1; i < len(spans); i++ {
		if spans[i].Start < spans[i-1].End {
			t.Errorf("spans overlap or are unordered: %v", spans)
		}
	}
}

func TestDetectBelowThresholdIgnored(t *testing.T) {
	a := newTestAnonymizer(newFakeMappingStore())

	// A bare capitalized pair without a title anchor scores below the
	// threshold and must not be flagged.
	spans := a.Detect("Schöne Grüße")
	if len(spans) != 0 {
		t.Errorf("low-confidence match leaked: %v", spans)
	}
}

func TestAnonymizeAppendContinuesCounters(t *testing.T) {
	ctx := context.Background()
	store := newFakeMappingStore()
	a := newTestAnonymizer(store)

	if _, _, err := a.Anonymize(ctx, "Dr. Eva Müller in Berlin.", "req-3"); err != nil {
		t.Fatalf("Anonymize failed: %v", err)
	}

	appended, err := a.AnonymizeAppend(ctx, "Frau Anna Schmidt wohnt in Berlin.", "req-3")
	if err != nil {
		t.Fatalf("AnonymizeAppend failed: %v", err)
	}

	if !strings.Contains(appended, "<PERSON_2>") {
		t.Errorf("counter did not continue across calls: %q", appended)
	}
	// A surface already mapped in this request reuses its placeholder.
	if !strings.Contains(appended, "<LOCATION_1>") {
		t.Errorf("repeated surface got a new placeholder: %q", appended)
	}
	if strings.Contains(appended, "Anna") || strings.Contains(appended, "Schmidt") {
		t.Errorf("literal leaked: %q", appended)
	}

	mapping := store.mappings["req-3"]
	if len(mapping) != 3 {
		t.Errorf("merged mapping has %d entries, want 3: %v", len(mapping), mapping)
	}
}

func TestDeanonymizeMissingMapping(t *testing.T) {
	ctx := context.Background()
	a := newTestAnonymizer(newFakeMappingStore())

	text := "Antwort mit <PERSON_1> ohne Mapping."
	restored, err := a.Deanonymize(ctx, text, "req-expired")
	if err != nil {
		t.Fatalf("Deanonymize failed: %v", err)
	}
	if restored != text {
		t.Errorf("missing mapping must leave text unchanged, got %q", restored)
	}
}

func TestVerifyClean(t *testing.T) {
	a := newTestAnonymizer(newFakeMappingStore())

	if a.VerifyClean("Kontakt: max@example.com") {
		t.Error("text with an email must not verify clean")
	}
	if !a.VerifyClean("Die Miete ist monatlich zu zahlen.") {
		t.Error("clean text must verify clean")
	}
}
