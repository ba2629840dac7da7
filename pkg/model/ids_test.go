package model

import (
	"strings"
	"testing"
)

func assertAlphabet(t *testing.T, id, alphabet string) {
	t.Helper()
	for _, r := range id {
		if !strings.ContainsRune(alphabet, r) {
			t.Fatalf("id %q contains %q outside alphabet", id, r)
		}
	}
}

func TestNewProjectID(t *testing.T) {
	id := NewProjectID()
	if len(id) != ProjectIDSize {
		t.Fatalf("len = %d, want %d", len(id), ProjectIDSize)
	}
	assertAlphabet(t, id, projectAlphabet)
}

func TestNewWFID(t *testing.T) {
	id := NewWFID()
	if len(id) != WFIDSize {
		t.Fatalf("len = %d, want %d", len(id), WFIDSize)
	}
	assertAlphabet(t, id, mixedAlphabet)
}

func TestNewExecID(t *testing.T) {
	id := NewExecID()
	if len(id) != ExecIDSize {
		t.Fatalf("len = %d, want %d", len(id), ExecIDSize)
	}
	assertAlphabet(t, id, mixedAlphabet)
}

func TestFirmExecID(t *testing.T) {
	id := FirmExecID(ExecIDFirmWeb)
	firm, rest, ok := strings.Cut(id, ".")
	if !ok {
		t.Fatalf("firm execid %q has no separator", id)
	}
	if firm != ExecIDFirmWeb {
		t.Errorf("firm = %q, want %q", firm, ExecIDFirmWeb)
	}
	if len(rest) != ExecIDSize {
		t.Errorf("random part len = %d, want %d", len(rest), ExecIDSize)
	}

	if bare := FirmExecID(""); strings.Contains(bare, ".") {
		t.Errorf("empty firm should yield bare execid, got %q", bare)
	}
}

func TestNewTmpWFID(t *testing.T) {
	id := NewTmpWFID()
	if !strings.HasPrefix(id, "tmp") {
		t.Fatalf("tmp wfid %q missing prefix", id)
	}
	if len(id) != 11 {
		t.Fatalf("len = %d, want 11", len(id))
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewExecID()
		if seen[id] {
			t.Fatalf("duplicate execid %q after %d draws", id, i)
		}
		seen[id] = true
	}
}
