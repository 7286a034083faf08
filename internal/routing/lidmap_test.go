package routing

import (
	"context"
	"testing"
)

func TestLIDMap_PutResolve(t *testing.T) {
	m, err := OpenLIDMap(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	ctx := context.Background()

	if err := m.Put(ctx, "12345@lid", "+1 555 123 4567"); err != nil {
		t.Fatal(err)
	}
	phone, err := m.Resolve(ctx, "12345@lid")
	if err != nil {
		t.Fatal(err)
	}
	if phone != "+15551234567" {
		t.Errorf("phone = %q, want normalised +15551234567", phone)
	}

	// Unknown lid is not an error.
	phone, err = m.Resolve(ctx, "nope@lid")
	if err != nil || phone != "" {
		t.Errorf("unknown lid = %q, %v", phone, err)
	}

	// Re-binding replaces.
	if err := m.Put(ctx, "12345@lid", "+442079460958"); err != nil {
		t.Fatal(err)
	}
	phone, _ = m.Resolve(ctx, "12345@lid")
	if phone != "+442079460958" {
		t.Errorf("rebound phone = %q", phone)
	}
}
