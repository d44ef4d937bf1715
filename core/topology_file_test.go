package core

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
)

const estuaryNetwork = `SOURCE sun 2
SOURCE rain 1.5
SPLIT estuary
TANK pond
COPRODUCT mill
PRODUCT fish
PRODUCT timber

LINK sun estuary
LINK rain pond 0.8
LINK estuary pond 0.4
LINK estuary mill 0.6
LINK pond fish
LINK mill fish
LINK mill timber 1 false 2 0.5 1000 250
`

func TestReadTopologyParsesGrammar(t *testing.T) {
	topo, err := ReadTopology(strings.NewReader(estuaryNetwork))
	if err != nil {
		t.Fatalf("ReadTopology: %v", err)
	}
	if topo.NumNodes() != 7 {
		t.Fatalf("NumNodes = %d, want 7", topo.NumNodes())
	}

	sun := mustID(t, topo, "sun")
	uev, err := topo.Node(sun).UEV()
	if err != nil {
		t.Fatalf("UEV: %v", err)
	}
	if uev != 2 {
		t.Errorf("sun uev = %g, want 2", uev)
	}

	rain := mustID(t, topo, "rain")
	pond := mustID(t, topo, "pond")
	if w := topo.Arc(rain, pond).Weight; w != 0.8 {
		t.Errorf("rain->pond weight = %g, want 0.8", w)
	}

	mill := mustID(t, topo, "mill")
	timber := mustID(t, topo, "timber")
	slow := topo.Arc(mill, timber)
	if slow.IsFast {
		t.Error("mill->timber should be slow")
	}
	if slow.Length != 2 || slow.Diameter != 0.5 || slow.MassDensity != 1000 || slow.FlowRate != 250 {
		t.Errorf("mill->timber physical parameters = %+v", slow)
	}
	wantMass := 1000 * 2 * math.Pi * 0.0625
	if math.Abs(slow.Mass-wantMass) > 1e-9 {
		t.Errorf("mill->timber mass = %g, want %g", slow.Mass, wantMass)
	}

	// The pond got its self-loop, which is never part of the file.
	if loop := topo.Arc(pond, pond); loop == nil || !loop.IsLoop() {
		t.Error("expected an injected self-loop on the pond")
	}
}

// TestEncodeRoundTrip re-reads an encoded topology and verifies the
// second encoding is byte-identical: same ids, same arcs, same
// default omission.
func TestEncodeRoundTrip(t *testing.T) {
	topo, err := ReadTopology(strings.NewReader(estuaryNetwork))
	if err != nil {
		t.Fatalf("ReadTopology: %v", err)
	}

	var first bytes.Buffer
	if err := topo.Encode(&first); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	reread, err := ReadTopology(bytes.NewReader(first.Bytes()))
	if err != nil {
		t.Fatalf("ReadTopology(encoded): %v", err)
	}
	var second bytes.Buffer
	if err := reread.Encode(&second); err != nil {
		t.Fatalf("Encode(reread): %v", err)
	}
	if first.String() != second.String() {
		t.Errorf("round trip diverged:\nfirst:\n%s\nsecond:\n%s", first.String(), second.String())
	}
	if strings.Contains(first.String(), "pond pond") {
		t.Error("self-loop leaked into the encoded file")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	topo, err := ReadTopology(strings.NewReader(estuaryNetwork))
	if err != nil {
		t.Fatalf("ReadTopology: %v", err)
	}
	path := filepath.Join(t.TempDir(), "estuary.top")
	if err := topo.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadTopology(path)
	if err != nil {
		t.Fatalf("LoadTopology: %v", err)
	}
	if loaded.NumNodes() != topo.NumNodes() {
		t.Fatalf("NumNodes = %d, want %d", loaded.NumNodes(), topo.NumNodes())
	}
	for id := 0; id < topo.NumNodes(); id++ {
		a, b := topo.Node(id), loaded.Node(id)
		if a.Label != b.Label || a.Kind != b.Kind {
			t.Errorf("node %d: %s/%s vs %s/%s", id, a.Label, a.Kind, b.Label, b.Kind)
		}
	}
}

// TestLoadAcceptsPythonBooleans covers the legacy True/False spelling
// in LINK lines.
func TestLoadAcceptsPythonBooleans(t *testing.T) {
	input := `SOURCE sun 1
PRODUCT fish
LINK sun fish 1 False 2 1 1000 500
`
	topo, err := ReadTopology(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadTopology: %v", err)
	}
	arc := topo.Arc(mustID(t, topo, "sun"), mustID(t, topo, "fish"))
	if arc.IsFast {
		t.Error("IsFast = true, want false from 'False'")
	}
}

func TestReadTopologyFormatErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  error
		line  string
	}{
		{
			name:  "unknown keyword",
			input: "SOURCE sun 1\nWELL w\n",
			want:  ErrFormat,
			line:  "line 2",
		},
		{
			name:  "source missing uev",
			input: "SOURCE sun\n",
			want:  ErrFormat,
			line:  "line 1",
		},
		{
			name:  "source bad uev",
			input: "SOURCE sun abc\n",
			want:  ErrFormat,
			line:  "line 1",
		},
		{
			name:  "split extra token",
			input: "SPLIT estuary 0.5\n",
			want:  ErrFormat,
			line:  "line 1",
		},
		{
			name:  "link bad arity",
			input: "SOURCE sun 1\nPRODUCT fish\nLINK sun fish 1 false\n",
			want:  ErrFormat,
			line:  "line 3",
		},
		{
			name:  "link unknown label",
			input: "SOURCE sun 1\nLINK sun moon\n",
			want:  ErrUnknownLabel,
			line:  "line 2",
		},
		{
			name:  "duplicate label",
			input: "SOURCE sun 1\nPRODUCT sun\n",
			want:  ErrDuplicateLabel,
			line:  "line 2",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadTopology(strings.NewReader(tc.input))
			if !errors.Is(err, tc.want) {
				t.Fatalf("ReadTopology = %v, want %v", err, tc.want)
			}
			if !strings.Contains(err.Error(), tc.line) {
				t.Errorf("error %q does not carry %q", err, tc.line)
			}
		})
	}
}

func TestEncodeRequiresNormalized(t *testing.T) {
	topo := NewTopology()
	var buf bytes.Buffer
	if err := topo.Encode(&buf); !errors.Is(err, ErrNotNormalized) {
		t.Fatalf("Encode = %v, want ErrNotNormalized", err)
	}
}
