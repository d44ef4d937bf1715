package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrFormat marks malformed persisted files: unknown keywords, wrong
// token counts, non-numeric fields. Wrapped errors carry the line
// number of the offending input.
var ErrFormat = errors.New("malformed file")

// Persisted network grammar, one declaration per line:
//
//	SOURCE <label> <uev>
//	SPLIT <label>
//	COPRODUCT <label>
//	TANK <label>
//	PRODUCT <label>
//	LINK <head> <tail> [weight [is_fast length diameter mass_density flow_rate]]
//
// Trailing LINK parameters are omitted on save when they equal the
// defaults; tank self-loops are never written.
const (
	kwSource    = "SOURCE"
	kwSplit     = "SPLIT"
	kwCoproduct = "COPRODUCT"
	kwTank      = "TANK"
	kwProduct   = "PRODUCT"
	kwLink      = "LINK"
)

// LoadTopology reads a persisted network file and returns the
// normalized topology.
func LoadTopology(path string) (*Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open network file: %w", err)
	}
	defer f.Close()
	t, err := ReadTopology(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ReadTopology parses the persisted grammar from r and normalizes
// the result. Any malformed line aborts the parse; no partial
// topology is returned.
func ReadTopology(r io.Reader) (*Topology, error) {
	t := NewTopology()
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if err := parseLine(t, fields); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read network file: %w", err)
	}
	if err := t.Normalize(); err != nil {
		return nil, err
	}
	return t, nil
}

func parseLine(t *Topology, fields []string) error {
	switch fields[0] {
	case kwSource:
		if len(fields) != 3 {
			return fmt.Errorf("%w: SOURCE wants a label and a uev, got %d tokens", ErrFormat, len(fields)-1)
		}
		uev, err := parseFloat(fields[2], "uev")
		if err != nil {
			return err
		}
		return t.AddSource(fields[1], uev)
	case kwSplit, kwCoproduct, kwTank, kwProduct:
		if len(fields) != 2 {
			return fmt.Errorf("%w: %s wants exactly a label, got %d tokens", ErrFormat, fields[0], len(fields)-1)
		}
		switch fields[0] {
		case kwSplit:
			return t.AddSplit(fields[1])
		case kwCoproduct:
			return t.AddCoproduct(fields[1])
		case kwTank:
			return t.AddTank(fields[1])
		default:
			return t.AddProduct(fields[1])
		}
	case kwLink:
		return parseLink(t, fields)
	default:
		return fmt.Errorf("%w: unknown keyword %q", ErrFormat, fields[0])
	}
}

// parseLink accepts a bare link, a link with a weight, or a link
// with the weight plus all five physical parameters.
func parseLink(t *Topology, fields []string) error {
	if len(fields) < 3 {
		return fmt.Errorf("%w: LINK wants head and tail labels", ErrFormat)
	}
	head, tail := fields[1], fields[2]
	params := DefaultArcParams()
	extra := fields[3:]
	switch len(extra) {
	case 0:
	case 1:
		w, err := parseFloat(extra[0], "weight")
		if err != nil {
			return err
		}
		params.Weight = w
	case 6:
		w, err := parseFloat(extra[0], "weight")
		if err != nil {
			return err
		}
		fast, err := strconv.ParseBool(extra[1])
		if err != nil {
			return fmt.Errorf("%w: bad is_fast %q", ErrFormat, extra[1])
		}
		length, err := parseFloat(extra[2], "length")
		if err != nil {
			return err
		}
		diameter, err := parseFloat(extra[3], "diameter")
		if err != nil {
			return err
		}
		density, err := parseFloat(extra[4], "mass_density")
		if err != nil {
			return err
		}
		rate, err := parseFloat(extra[5], "flow_rate")
		if err != nil {
			return err
		}
		params.Weight = w
		params.IsFast = fast
		params.Length = length
		params.Diameter = diameter
		params.MassDensity = density
		params.FlowRate = rate
	default:
		return fmt.Errorf("%w: LINK wants 0, 1 or 6 trailing parameters, got %d", ErrFormat, len(extra))
	}
	return t.AddArc(head, tail, params)
}

func parseFloat(tok, name string) (float64, error) {
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s %q", ErrFormat, name, tok)
	}
	return v, nil
}

// Save writes the topology to path in the persisted grammar.
func (t *Topology) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create network file: %w", err)
	}
	if err := t.Encode(f); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

// Encode writes the persisted grammar to w: node declarations in id
// order, then non-loop arcs in (head, tail) order. Trailing LINK
// parameters equal to the defaults are omitted: slow arcs carry the
// full parameter set, fast arcs at most a weight.
func (t *Topology) Encode(w io.Writer) error {
	if !t.normalized {
		return ErrNotNormalized
	}
	bw := bufio.NewWriter(w)
	for id := range t.nodes {
		n := &t.nodes[id]
		switch n.Kind {
		case KindSource:
			fmt.Fprintf(bw, "%s %s %s\n", kwSource, n.Label, formatFloat(n.uev))
		case KindSplit:
			fmt.Fprintf(bw, "%s %s\n", kwSplit, n.Label)
		case KindCoproduct:
			fmt.Fprintf(bw, "%s %s\n", kwCoproduct, n.Label)
		case KindTank:
			fmt.Fprintf(bw, "%s %s\n", kwTank, n.Label)
		case KindProduct:
			fmt.Fprintf(bw, "%s %s\n", kwProduct, n.Label)
		}
	}
	for _, a := range t.ArcList() {
		if a.IsLoop() {
			continue
		}
		head := t.nodes[a.Head].Label
		tail := t.nodes[a.Tail].Label
		switch {
		case !a.IsFast:
			fmt.Fprintf(bw, "%s %s %s %s %t %s %s %s %s\n", kwLink, head, tail,
				formatFloat(a.Weight), a.IsFast, formatFloat(a.Length), formatFloat(a.Diameter),
				formatFloat(a.MassDensity), formatFloat(a.FlowRate))
		case a.Weight != 1.0:
			fmt.Fprintf(bw, "%s %s %s %s\n", kwLink, head, tail, formatFloat(a.Weight))
		default:
			fmt.Fprintf(bw, "%s %s %s\n", kwLink, head, tail)
		}
	}
	return bw.Flush()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
