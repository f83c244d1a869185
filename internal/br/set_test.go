package br_test

import (
	"math/rand"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/itsdave-de/frappebr/internal/br"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func rec(name string, size int64, offset time.Duration) *br.BackupRecord {
	return br.NewBackupRecord(name, "/backups/"+name, "erp.example.com", size, base.Add(offset))
}

func TestGroupIntoSets_TypeDerivation(t *testing.T) {
	sets := br.GroupIntoSets([]*br.BackupRecord{
		rec("20250101_000000_database.sql.gz", 100, 0),
		rec("20250101_000000_public.tar", 250, time.Second),
	})
	if len(sets) != 1 {
		t.Fatalf("len(sets) = %d, want 1", len(sets))
	}
	s := sets[0]
	if s.Type != br.TypeComplete {
		t.Errorf("Type = %q, want %q", s.Type, br.TypeComplete)
	}
	if s.TotalSizeBytes != 350 {
		t.Errorf("TotalSizeBytes = %d, want 350", s.TotalSizeBytes)
	}
	if !s.CreatedAt.Equal(base.Add(time.Second)) {
		t.Errorf("CreatedAt = %v, want newest member time", s.CreatedAt)
	}
	if s.Timestamp != "20250101_000000" {
		t.Errorf("Timestamp = %q, want %q", s.Timestamp, "20250101_000000")
	}
}

func TestGroupIntoSets_TokenOnly(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  string
	}{
		{"extension right after token", []string{"20250101_000000.sql.gz", "20250101_000000.tar"}, "20250101_000000"},
		{"text glued to token", []string{"20250101_000000database.sql.gz", "20250101_000000files.tar"}, "20250101_000000"},
		{"impossible date", []string{"20251399_000000_database.sql.gz", "20251399_000000_public.tar"}, "20251399_000000"},
		{"mixed separators", []string{"20250101_000000-s-database.sql.gz", "20250101_000000_public.tar"}, "20250101_000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var records []*br.BackupRecord
			for _, f := range tt.files {
				records = append(records, rec(f, 1, 0))
			}
			sets := br.GroupIntoSets(records)
			if len(sets) != 1 {
				t.Fatalf("got %d sets, want 1", len(sets))
			}
			if sets[0].Timestamp != tt.want {
				t.Errorf("Timestamp = %q, want %q", sets[0].Timestamp, tt.want)
			}
			if sets[0].Type != br.TypeComplete {
				t.Errorf("Type = %q, want %q", sets[0].Type, br.TypeComplete)
			}
			if len(sets[0].Files) != len(tt.files) {
				t.Errorf("len(Files) = %d, want %d", len(sets[0].Files), len(tt.files))
			}
		})
	}
}

func TestGroupIntoSets_SetTypes(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  br.BackupType
	}{
		{"database only", []string{"20250101_000000-s-database.sql.gz"}, br.TypeDatabase},
		{"database with config", []string{"20250101_000000-s-database.sql.gz", "20250101_000000-s-site_config_backup.json"}, br.TypeDatabase},
		{"files only", []string{"20250101_000000-s-files.tar", "20250101_000000-s-private-files.tar"}, br.TypeFiles},
		{"full bench backup", []string{
			"20250101_000000-s-database.sql.gz",
			"20250101_000000-s-files.tar",
			"20250101_000000-s-private-files.tar",
			"20250101_000000-s-site_config_backup.json",
		}, br.TypeComplete},
		{"config only", []string{"20250101_000000-s-site_config_backup.json"}, br.TypeMixed},
		{"database with unknown", []string{"20250101_000000-s-database.sql.gz", "20250101_000000-s-notes.txt"}, br.TypeMixed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var records []*br.BackupRecord
			for _, f := range tt.files {
				records = append(records, rec(f, 1, 0))
			}
			sets := br.GroupIntoSets(records)
			if len(sets) != 1 {
				t.Fatalf("len(sets) = %d, want 1", len(sets))
			}
			if sets[0].Type != tt.want {
				t.Errorf("Type = %q, want %q", sets[0].Type, tt.want)
			}
		})
	}
}

func TestGroupIntoSets_OrderAndSingletons(t *testing.T) {
	records := []*br.BackupRecord{
		rec("20250101_000000-s-database.sql.gz", 1, 0),
		rec("README", 1, time.Hour),
		rec("20250102_000000-s-database.sql.gz", 1, 24*time.Hour),
		rec("20250101_000000-s-files.tar", 1, time.Minute),
		rec("other.bin", 1, time.Hour),
	}
	sets := br.GroupIntoSets(records)

	var got []string
	for _, s := range sets {
		got = append(got, s.Timestamp)
	}
	// README and other.bin tie at +1h and keep input order.
	want := []string{"20250102_000000", "README", "other.bin", "20250101_000000"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("set order = %v, want %v", got, want)
	}

	last := sets[len(sets)-1]
	if names := last.Filenames(); !reflect.DeepEqual(names, []string{"20250101_000000-s-database.sql.gz", "20250101_000000-s-files.tar"}) {
		t.Errorf("Filenames() = %v, want discovery order", names)
	}
	if last.Database() == nil || last.Database().Filename != "20250101_000000-s-database.sql.gz" {
		t.Errorf("Database() = %v, want the database dump", last.Database())
	}
}

func TestGroupIntoSets_PermutationInvariant(t *testing.T) {
	records := []*br.BackupRecord{
		rec("20250101_000000-s-database.sql.gz", 10, 0),
		rec("20250101_000000-s-files.tar", 20, time.Second),
		rec("20250102_120000-s-database.sql.gz", 30, 36*time.Hour),
		rec("20250102_120000-s-private-files.tar", 40, 36*time.Hour),
		rec("20250103_000000-s-site_config_backup.json", 1, 48*time.Hour),
		rec("junk.txt", 2, 5*time.Hour),
		rec("20250101_000000-s-site_config_backup.json", 3, 2*time.Second),
	}

	mapping := func(sets []*br.BackupSet) map[string][]string {
		m := make(map[string][]string)
		for _, s := range sets {
			names := s.Filenames()
			sort.Strings(names)
			m[s.Timestamp] = names
		}
		return m
	}
	want := mapping(br.GroupIntoSets(records))

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := append([]*br.BackupRecord(nil), records...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		if got := mapping(br.GroupIntoSets(shuffled)); !reflect.DeepEqual(got, want) {
			t.Fatalf("permutation %d: mapping = %v, want %v", i, got, want)
		}
	}
}

func TestGroupIntoSets_Empty(t *testing.T) {
	if sets := br.GroupIntoSets(nil); len(sets) != 0 {
		t.Errorf("GroupIntoSets(nil) = %v, want empty", sets)
	}
}

func TestGroupIntoSets_SiteName(t *testing.T) {
	sets := br.GroupIntoSets([]*br.BackupRecord{
		br.NewBackupRecord("20250101_000000_database.sql.gz", "/x", "", 1, base),
	})
	if sets[0].SiteName != "unknown" {
		t.Errorf("SiteName = %q, want %q", sets[0].SiteName, "unknown")
	}
}
