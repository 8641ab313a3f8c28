package retrieval

import (
	"testing"

	"github.com/kozaktomas/turtle-id/internal/database"
)

func diversityIndex(t *testing.T) *database.Index {
	t.Helper()
	vectors := [][]float32{
		{0, 0},
		{0.1, 0},
		{1, 0},
		{2, 0},
		{3, 0},
		{0.2, 0},
	}
	records := []database.Record{
		{StoragePath: "a1.jpg", SiteID: "a", Location: "Keys"},
		{StoragePath: "a2.jpg", SiteID: "a", Location: "Keys"},
		{StoragePath: "b1.jpg", SiteID: "b", Location: "Reef"},
		{StoragePath: "u1.jpg", SiteID: database.UnassignedSite, Location: "Keys"},
		{StoragePath: "u2.jpg", SiteID: database.UnassignedSite, Location: "Reef"},
		{StoragePath: "a3.jpg", SiteID: "a", Location: "Reef"},
	}
	idx, err := database.Build(vectors, records, database.DefaultParams())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return idx
}

func TestRetrieveDistinctSites(t *testing.T) {
	r := NewRetriever(diversityIndex(t), 10)

	tests := []struct {
		name     string
		location string
		k        int
		want     []string
	}{
		{"all", "", 10, []string{"a1.jpg", "b1.jpg", "u1.jpg", "u2.jpg"}},
		{"limited", "", 2, []string{"a1.jpg", "b1.jpg"}},
		{"location", "reef", 10, []string{"a3.jpg", "b1.jpg", "u2.jpg"}},
		{"unknown location", "nowhere", 10, []string{}},
		{"zero k", "", 0, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Retrieve([]float32{0, 0}, tt.location, tt.k)
			if err != nil {
				t.Fatalf("Retrieve: %v", err)
			}
			if got == nil {
				t.Fatal("Retrieve returned nil slice")
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d candidates %+v, want %v", len(got), got, tt.want)
			}
			for i := range got {
				if got[i].StoragePath != tt.want[i] {
					t.Errorf("candidate %d = %s, want %s", i, got[i].StoragePath, tt.want[i])
				}
				if i > 0 && got[i].VectorDistance < got[i-1].VectorDistance {
					t.Errorf("candidates not in ascending distance at %d", i)
				}
			}
		})
	}
}

func TestRetrieveAtMostOnePerSite(t *testing.T) {
	r := NewRetriever(diversityIndex(t), 1)
	got, err := r.Retrieve([]float32{0.15, 0}, "", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	seen := make(map[string]bool)
	for _, c := range got {
		if c.SiteID != database.UnassignedSite && seen[c.SiteID] {
			t.Errorf("site %s returned twice", c.SiteID)
		}
		seen[c.SiteID] = true
	}
}

func TestRetrieveEmptyIndex(t *testing.T) {
	r := NewRetriever(database.NewIndex(0, database.DefaultParams()), 0)
	got, err := r.Retrieve([]float32{1, 2}, "", 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d candidates from empty index", len(got))
	}
}
