package fleet

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/antonkrylov/nbgate/internal/errors"
)

const sample = `Welcome to the cluster
maintenance window friday
#CPU LOAD TOTAL HOST TYPE RAMAVAIL RAMTOTAL PROG USER
12.5 0.3 16 node01 intel 64.0 128.0 none
rsh: fork failed: Resource temporarily unavailable
3.0 12.1 32 GPU-node02 amd 200.5 256.0 python alice
down node03 - - - - - -
1.0 2.0 8 node04 intel 12.0
7.25 1.5 24.0 node05 xeon 200.5 512.0 jupyter
`

func TestParseSingleRow(t *testing.T) {
	got := Parse("#CPU LOAD ...\n12.5 0.3 16 node01 intel 64.0 128.0 none   \n")
	if len(got) != 1 {
		t.Fatalf("expected one worker, got %#v", got)
	}
	w := got[0]
	if w.CPUAvail != 12.5 || w.Host != "node01" || w.HasGPU {
		t.Fatalf("unexpected worker: %#v", w)
	}
	if w.Load != 0.3 || w.CPUTotal != 16 || w.CPUType != "intel" || w.RAMAvailGB != 64.0 || w.RAMTotalGB != 128.0 || w.Program != "none" {
		t.Fatalf("fields not parsed: %#v", w)
	}
	if w.User != "" {
		t.Fatalf("expected empty user, got %q", w.User)
	}
}

func TestParseSkipsNoiseAndMalformedRows(t *testing.T) {
	got := Parse(sample)
	if len(got) != 3 {
		t.Fatalf("expected 3 workers, got %d: %#v", len(got), got)
	}
	hosts := []string{got[0].Host, got[1].Host, got[2].Host}
	want := []string{"node01", "GPU-node02", "node05"}
	for i := range want {
		if hosts[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", hosts, want)
		}
	}
	if !got[1].HasGPU || got[0].HasGPU || got[2].HasGPU {
		t.Fatalf("gpu flag mismatch: %#v", got)
	}
	if got[1].User != "alice" {
		t.Fatalf("expected user alice, got %q", got[1].User)
	}
	if got[2].CPUTotal != 24 {
		t.Fatalf("expected float cpu total to parse, got %d", got[2].CPUTotal)
	}
}

func TestParseIgnoresRowsBeforeHeader(t *testing.T) {
	got := Parse("1.0 1.0 4 early intel 1.0 2.0 none\n#CPU\n2.0 1.0 4 late intel 1.0 2.0 none\n")
	if len(got) != 1 || got[0].Host != "late" {
		t.Fatalf("expected only post-header row, got %#v", got)
	}
	if got := Parse("2.0 1.0 4 late intel 1.0 2.0 none\n"); len(got) != 0 {
		t.Fatalf("expected nothing without header, got %#v", got)
	}
}

func TestBestPrefersRAMAndKeepsFirstOnTie(t *testing.T) {
	workers := Parse(sample)
	best, ok := Best(workers)
	if !ok || best.Host != "GPU-node02" {
		t.Fatalf("expected GPU-node02 (first of the tie), got %#v", best)
	}
	if _, ok := Best(nil); ok {
		t.Fatalf("expected no best worker for empty slice")
	}
}

func TestSortedAndFilter(t *testing.T) {
	workers := Parse(sample)
	byLoad, err := Sorted(workers, SortLoad)
	if err != nil {
		t.Fatalf("Sorted: %v", err)
	}
	if byLoad[0].Host != "node01" || byLoad[2].Host != "GPU-node02" {
		t.Fatalf("unexpected load order: %#v", byLoad)
	}
	if workers[0].Host != "node01" || workers[1].Host != "GPU-node02" {
		t.Fatalf("Sorted mutated its input")
	}
	if _, err := Sorted(workers, "disk"); err == nil {
		t.Fatalf("expected error for unknown key")
	}
	gpu := FilterGPU(workers)
	if len(gpu) != 1 || gpu[0].Host != "GPU-node02" {
		t.Fatalf("unexpected gpu filter result: %#v", gpu)
	}
	if _, ok := Find(workers, "node05"); !ok {
		t.Fatalf("expected to find node05")
	}
}

func TestRosterReplacesWholeSet(t *testing.T) {
	var r Roster
	r.Replace(Parse(sample))
	snap := r.Snapshot()
	snap[0].Host = "mutated"
	if r.Snapshot()[0].Host != "node01" {
		t.Fatalf("snapshot aliases roster storage")
	}
	r.Replace([]Worker{{Host: "only"}})
	if got := r.Snapshot(); len(got) != 1 || got[0].Host != "only" {
		t.Fatalf("expected replaced roster, got %#v", got)
	}
}

func TestQuery(t *testing.T) {
	var gotCmd string
	ex := ExecFunc(func(ctx context.Context, command string) (string, error) {
		gotCmd = command
		return sample, nil
	})
	workers, err := Query(context.Background(), ex, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if gotCmd != DefaultCommand || len(workers) != 3 {
		t.Fatalf("unexpected query result cmd=%q workers=%d", gotCmd, len(workers))
	}

	empty := ExecFunc(func(ctx context.Context, command string) (string, error) { return "banner only\n", nil })
	if _, err := Query(context.Background(), empty, "ai"); !apperrors.IsCode(err, apperrors.CodeFleetNoWorkers) {
		t.Fatalf("expected fleet.no_workers, got %v", err)
	}

	boom := errors.New("boom")
	failing := ExecFunc(func(ctx context.Context, command string) (string, error) { return "", boom })
	if _, err := Query(context.Background(), failing, "ai"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}
