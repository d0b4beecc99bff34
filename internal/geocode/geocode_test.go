package geocode

import (
	"context"
	"reflect"
	"testing"

	"geoimport/internal/model"
)

func TestResults_Lookup(t *testing.T) {
	t.Parallel()

	oslo := Result{Coordinates: model.Coordinates{Lat: 59.91, Lng: 10.75}, Confidence: 0.9}
	r := Results{"Oslo, Norway": oslo}

	if got, ok := r.Lookup("Oslo, Norway"); !ok || got != oslo {
		t.Errorf("Lookup = %+v, %v", got, ok)
	}
	if _, ok := r.Lookup("Bergen"); ok {
		t.Errorf("unknown location resolved")
	}
	if _, ok := r.Lookup(""); ok {
		t.Errorf("empty location resolved")
	}
	var nilResults Results
	if _, ok := nilResults.Lookup("Oslo, Norway"); ok {
		t.Errorf("nil map resolved")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	in := Results{
		"Oslo": {Coordinates: model.Coordinates{Lat: 59.91, Lng: 10.75}, Confidence: 0.8},
	}
	raw, err := in.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestUnmarshal_Empty(t *testing.T) {
	t.Parallel()

	for _, raw := range [][]byte{nil, []byte("null")} {
		r, err := Unmarshal(raw)
		if err != nil {
			t.Fatalf("Unmarshal(%q): %v", raw, err)
		}
		if r == nil {
			t.Errorf("Unmarshal(%q) returned nil map", raw)
		}
	}
}

func TestStatic_Resolve(t *testing.T) {
	t.Parallel()

	g := Static{Table: Results{
		"Oslo": {Coordinates: model.Coordinates{Lat: 59.91, Lng: 10.75}},
	}}
	got, err := g.Resolve(context.Background(), []string{"Oslo", "Atlantis"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("resolved %d locations, want 1", len(got))
	}
	if _, ok := got.Lookup("Oslo"); !ok {
		t.Errorf("Oslo missing from results")
	}
}

func TestNoOp_Resolve(t *testing.T) {
	t.Parallel()

	got, err := NoOp{}.Resolve(context.Background(), []string{"anywhere"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("NoOp resolved %d locations", len(got))
	}
}
