package rules

import (
	"context"
	"testing"

	"github.com/halcyon-health/halcyon/pkg/provider/phi"
	"github.com/halcyon-health/halcyon/pkg/types"
)

func mustDetector(t *testing.T, mode phi.Mode, opts ...Option) *Detector {
	t.Helper()
	d, err := New(mode, opts...)
	if err != nil {
		t.Fatalf("New(%q) error: %v", mode, err)
	}
	return d
}

func kinds(v types.PHIVerdict) []types.PHIEntityKind {
	out := make([]types.PHIEntityKind, len(v.Entities))
	for i, e := range v.Entities {
		out[i] = e.Kind
	}
	return out
}

func hasKind(v types.PHIVerdict, kind types.PHIEntityKind) bool {
	for _, e := range v.Entities {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func TestNew_InvalidMode(t *testing.T) {
	if _, err := New(phi.Mode("paranoid")); err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestDetect_StructuredIdentifiers(t *testing.T) {
	d := mustDetector(t, phi.ModeLenient)
	ctx := context.Background()

	tests := []struct {
		name string
		text string
		want types.PHIEntityKind
	}{
		{"labelled mrn", "please pull labs for MRN 12345678", types.PHIMRN},
		{"mrn with colon", "medical record number: 987654321", types.PHIMRN},
		{"ssn", "ssn on file is 123-45-6789", types.PHINationalID},
		{"phone", "call the family at (555) 123-4567", types.PHIPhoneNumber},
		{"iso date", "admitted 2024-03-14 with chest pain", types.PHIDate},
		{"written date", "follow up on March 14, 2024", types.PHIDate},
		{"address", "discharged to 42 Elm Street yesterday", types.PHIAddress},
		{"honorific name", "Mrs. Alvarez reports dizziness", types.PHIPersonName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := d.Detect(ctx, tt.text)
			if err != nil {
				t.Fatal(err)
			}
			if !v.HasPHI {
				t.Fatalf("HasPHI = false, want true for %q", tt.text)
			}
			if !hasKind(v, tt.want) {
				t.Errorf("kinds = %v, want to include %v", kinds(v), tt.want)
			}
		})
	}
}

func TestDetect_CleanClinicalText(t *testing.T) {
	d := mustDetector(t, phi.ModeLenient)
	v, err := d.Detect(context.Background(),
		"what is the recommended heparin dosing for DVT prophylaxis")
	if err != nil {
		t.Fatal(err)
	}
	if v.HasPHI {
		t.Fatalf("HasPHI = true for clean text, entities: %+v", v.Entities)
	}
}

func TestDetect_StrictVsLenient(t *testing.T) {
	ctx := context.Background()

	t.Run("bare digit run", func(t *testing.T) {
		text := "chart 84739210 shows elevated troponin"
		strict := mustDetector(t, phi.ModeStrict)
		lenient := mustDetector(t, phi.ModeLenient)

		vs, _ := strict.Detect(ctx, text)
		if !hasKind(vs, types.PHIMRN) {
			t.Errorf("strict: kinds = %v, want mrn", kinds(vs))
		}
		vl, _ := lenient.Detect(ctx, text)
		if vl.HasPHI {
			t.Errorf("lenient flagged bare digits: %+v", vl.Entities)
		}
	})

	t.Run("partial date", func(t *testing.T) {
		text := "seen in clinic on 3/14 for follow-up"
		strict := mustDetector(t, phi.ModeStrict)
		lenient := mustDetector(t, phi.ModeLenient)

		vs, _ := strict.Detect(ctx, text)
		if !hasKind(vs, types.PHIDate) {
			t.Errorf("strict: kinds = %v, want date", kinds(vs))
		}
		vl, _ := lenient.Detect(ctx, text)
		if vl.HasPHI {
			t.Errorf("lenient flagged partial date: %+v", vl.Entities)
		}
	})
}

func TestDetect_ModeOff(t *testing.T) {
	d := mustDetector(t, phi.ModeOff)
	v, err := d.Detect(context.Background(), "MRN 12345678 for Mrs. Alvarez")
	if err != nil {
		t.Fatal(err)
	}
	if v.HasPHI {
		t.Fatal("ModeOff must never flag")
	}
}

func TestDetect_NameRoster(t *testing.T) {
	d := mustDetector(t, phi.ModeLenient,
		WithNameRoster([]string{"John Smith", "Maria Delgado"}))
	ctx := context.Background()

	t.Run("exact roster hit", func(t *testing.T) {
		v, _ := d.Detect(ctx, "does Smith have any drug allergies")
		if !hasKind(v, types.PHIPersonName) {
			t.Errorf("kinds = %v, want person_name", kinds(v))
		}
	})

	t.Run("phonetic roster hit", func(t *testing.T) {
		v, _ := d.Detect(ctx, "reviewing labs for Smyth today")
		if !hasKind(v, types.PHIPersonName) {
			t.Errorf("kinds = %v, want person_name for phonetic match", kinds(v))
		}
	})

	t.Run("non-roster name ignored", func(t *testing.T) {
		v, _ := d.Detect(ctx, "the Framingham risk score applies here")
		if hasKind(v, types.PHIPersonName) {
			t.Errorf("flagged non-roster token: %+v", v.Entities)
		}
	})
}

func TestDetect_SpanOrderingAndSurfaces(t *testing.T) {
	d := mustDetector(t, phi.ModeLenient)
	text := "Mrs. Alvarez, MRN 12345678, call (555) 123-4567"
	v, err := d.Detect(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Entities) < 3 {
		t.Fatalf("entities = %d, want >= 3: %+v", len(v.Entities), v.Entities)
	}
	for i := 1; i < len(v.Entities); i++ {
		if v.Entities[i].Start < v.Entities[i-1].Start {
			t.Fatalf("entities not ordered by Start: %+v", v.Entities)
		}
	}
	for _, e := range v.Entities {
		if text[e.Start:e.End] != e.Surface {
			t.Errorf("Surface %q does not match span %q", e.Surface, text[e.Start:e.End])
		}
	}
}

func TestMode(t *testing.T) {
	d := mustDetector(t, phi.ModeStrict)
	if d.Mode() != phi.ModeStrict {
		t.Fatalf("Mode() = %v, want strict", d.Mode())
	}
}
