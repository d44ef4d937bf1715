package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ScenarioReader parses a scenario input file: a header naming, in
// block order, the source labels, the tank labels for flows, the
// tank labels for loads, and head:tail arc-status columns; then one
// row of values per external step. Within a block the header may
// order labels freely, but every block must cover its node or arc
// set exactly. Tank self-loops never appear; they are always
// operational.
type ScenarioReader struct {
	sc     *bufio.Scanner
	lineNo int

	sourceCols   []int
	tankFlowCols []int
	tankLoadCols []int
	arcCols      []ArcKey
	want         int
}

// NewScenarioReader reads and validates the header line.
func NewScenarioReader(topo *Topology, r io.Reader) (*ScenarioReader, error) {
	if !topo.Normalized() {
		return nil, ErrNotNormalized
	}

	sr := &ScenarioReader{sc: bufio.NewScanner(r)}
	if !sr.sc.Scan() {
		if err := sr.sc.Err(); err != nil {
			return nil, fmt.Errorf("read scenario header: %w", err)
		}
		return nil, fmt.Errorf("%w: empty scenario file", ErrFormat)
	}
	sr.lineNo = 1
	fields := strings.Fields(sr.sc.Text())

	sources := topo.SourceIDs()
	tanks := topo.TankIDs()
	var arcs []ArcKey
	for _, a := range topo.ArcList() {
		if !a.IsLoop() {
			arcs = append(arcs, ArcKey{a.Head, a.Tail})
		}
	}
	sr.want = len(sources) + 2*len(tanks) + len(arcs)
	if len(fields) != sr.want {
		return nil, fmt.Errorf("%w: header has %d columns, topology wants %d (%d sources, 2x%d tanks, %d arcs)",
			ErrFormat, len(fields), sr.want, len(sources), len(tanks), len(arcs))
	}

	var err error
	ns, nt := len(sources), len(tanks)
	if sr.sourceCols, err = nodeBlock(topo, fields[:ns], KindSource); err != nil {
		return nil, err
	}
	if sr.tankFlowCols, err = nodeBlock(topo, fields[ns:ns+nt], KindTank); err != nil {
		return nil, err
	}
	if sr.tankLoadCols, err = nodeBlock(topo, fields[ns+nt:ns+2*nt], KindTank); err != nil {
		return nil, err
	}
	if sr.arcCols, err = arcBlock(topo, fields[ns+2*nt:]); err != nil {
		return nil, err
	}
	return sr, nil
}

// nodeBlock resolves one header block to ids, enforcing kind and
// uniqueness. The block length already matches the kind's node
// count, so uniqueness implies the block covers the set.
func nodeBlock(topo *Topology, labels []string, kind NodeKind) ([]int, error) {
	ids := make([]int, len(labels))
	seen := make(map[int]bool, len(labels))
	for i, label := range labels {
		id, err := topo.NodeID(label)
		if err != nil {
			return nil, fmt.Errorf("%w: header column %q: %v", ErrFormat, label, err)
		}
		if topo.Node(id).Kind != kind {
			return nil, fmt.Errorf("%w: header column %q is a %s, expected a %s",
				ErrFormat, label, topo.Node(id).Kind, kind)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: header column %q repeated in its block", ErrFormat, label)
		}
		seen[id] = true
		ids[i] = id
	}
	return ids, nil
}

func arcBlock(topo *Topology, cols []string) ([]ArcKey, error) {
	keys := make([]ArcKey, len(cols))
	seen := make(map[ArcKey]bool, len(cols))
	for i, col := range cols {
		head, tail, ok := strings.Cut(col, ":")
		if !ok || head == "" || tail == "" {
			return nil, fmt.Errorf("%w: arc column %q is not head:tail", ErrFormat, col)
		}
		h, err := topo.NodeID(head)
		if err != nil {
			return nil, fmt.Errorf("%w: arc column %q: %v", ErrFormat, col, err)
		}
		t, err := topo.NodeID(tail)
		if err != nil {
			return nil, fmt.Errorf("%w: arc column %q: %v", ErrFormat, col, err)
		}
		arc := topo.Arc(h, t)
		if arc == nil || arc.IsLoop() {
			return nil, fmt.Errorf("%w: arc column %q does not name an arc", ErrFormat, col)
		}
		key := ArcKey{h, t}
		if seen[key] {
			return nil, fmt.Errorf("%w: arc column %q repeated", ErrFormat, col)
		}
		seen[key] = true
		keys[i] = key
	}
	return keys, nil
}

// Read returns the next step's inputs, or io.EOF after the last row.
// Blank lines are skipped; any other malformed row fails with its
// line number.
func (sr *ScenarioReader) Read() (StepInputs, error) {
	var in StepInputs
	for {
		if !sr.sc.Scan() {
			if err := sr.sc.Err(); err != nil {
				return in, fmt.Errorf("read scenario row: %w", err)
			}
			return in, io.EOF
		}
		sr.lineNo++
		fields := strings.Fields(sr.sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != sr.want {
			return in, fmt.Errorf("%w: line %d has %d values, want %d",
				ErrFormat, sr.lineNo, len(fields), sr.want)
		}

		in = StepInputs{
			SourceFlow:  make(map[int]float64, len(sr.sourceCols)),
			TankFlow:    make(map[int]float64, len(sr.tankFlowCols)),
			TankLoad:    make(map[int]float64, len(sr.tankLoadCols)),
			Operational: make(map[ArcKey]bool, len(sr.arcCols)),
		}
		pos := 0
		for _, id := range sr.sourceCols {
			v, err := sr.cellFloat(fields[pos])
			if err != nil {
				return in, err
			}
			in.SourceFlow[id] = v
			pos++
		}
		for _, id := range sr.tankFlowCols {
			v, err := sr.cellFloat(fields[pos])
			if err != nil {
				return in, err
			}
			in.TankFlow[id] = v
			pos++
		}
		for _, id := range sr.tankLoadCols {
			v, err := sr.cellFloat(fields[pos])
			if err != nil {
				return in, err
			}
			in.TankLoad[id] = v
			pos++
		}
		for _, key := range sr.arcCols {
			b, err := strconv.ParseBool(fields[pos])
			if err != nil {
				return in, fmt.Errorf("%w: line %d: bad status %q", ErrFormat, sr.lineNo, fields[pos])
			}
			in.Operational[key] = b
			pos++
		}
		return in, nil
	}
}

func (sr *ScenarioReader) cellFloat(tok string) (float64, error) {
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: line %d: bad value %q", ErrFormat, sr.lineNo, tok)
	}
	return v, nil
}

// ScenarioWriter writes a scenario output file: a header with the
// product labels twice (emergy block, then empower block) and one
// row of values per completed step.
type ScenarioWriter struct {
	bw     *bufio.Writer
	labels []string
}

// NewScenarioWriter writes the output header for the topology's
// products, in id order.
func NewScenarioWriter(topo *Topology, w io.Writer) (*ScenarioWriter, error) {
	if !topo.Normalized() {
		return nil, ErrNotNormalized
	}
	sw := &ScenarioWriter{bw: bufio.NewWriter(w)}
	for _, p := range topo.ProductIDs() {
		sw.labels = append(sw.labels, topo.Node(p).Label)
	}
	cols := append(append([]string{}, sw.labels...), sw.labels...)
	if _, err := fmt.Fprintln(sw.bw, strings.Join(cols, " ")); err != nil {
		return nil, fmt.Errorf("write scenario header: %w", err)
	}
	return sw, nil
}

// WriteStep appends one row: per-product emergy, then empower.
func (sw *ScenarioWriter) WriteStep(emergy, empower map[string]float64) error {
	vals := make([]string, 0, 2*len(sw.labels))
	for _, label := range sw.labels {
		vals = append(vals, formatFloat(emergy[label]))
	}
	for _, label := range sw.labels {
		vals = append(vals, formatFloat(empower[label]))
	}
	if _, err := fmt.Fprintln(sw.bw, strings.Join(vals, " ")); err != nil {
		return fmt.Errorf("write scenario row: %w", err)
	}
	return nil
}

// Flush drains the buffered output.
func (sw *ScenarioWriter) Flush() error { return sw.bw.Flush() }

// WriteScenarioHeader writes the input header template a scenario
// author should start from: every source, every tank twice, then
// every non-loop arc as head:tail, all in id order.
func WriteScenarioHeader(topo *Topology, w io.Writer) error {
	if !topo.Normalized() {
		return ErrNotNormalized
	}
	var cols []string
	for _, id := range topo.SourceIDs() {
		cols = append(cols, topo.Node(id).Label)
	}
	for i := 0; i < 2; i++ {
		for _, id := range topo.TankIDs() {
			cols = append(cols, topo.Node(id).Label)
		}
	}
	for _, a := range topo.ArcList() {
		if !a.IsLoop() {
			cols = append(cols, topo.Node(a.Head).Label+":"+topo.Node(a.Tail).Label)
		}
	}
	_, err := fmt.Fprintln(w, strings.Join(cols, " "))
	return err
}

// StepSink observes completed scenario steps. Sinks run on the
// scenario goroutine; a sink that blocks delays the next row, which
// pacing sinks rely on.
type StepSink interface {
	OnStep(step int, emergy, empower map[string]float64)
}

// RunScenario drives one Update per input row, honouring ctx between
// rows. When outputPath is non-empty, every step appends an output
// row; sinks observe every step either way. Both files are closed on
// all exit paths. Returns the number of completed steps.
func (s *System) RunScenario(ctx context.Context, inputPath, outputPath string, maxAccuracy bool, sinks ...StepSink) (int, error) {
	inFile, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open scenario: %w", err)
	}
	defer inFile.Close()

	reader, err := NewScenarioReader(s.topo, inFile)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", inputPath, err)
	}

	var writer *ScenarioWriter
	var outFile *os.File
	if outputPath != "" {
		outFile, err = os.Create(outputPath)
		if err != nil {
			return 0, fmt.Errorf("create scenario output: %w", err)
		}
		defer outFile.Close()
		if writer, err = NewScenarioWriter(s.topo, outFile); err != nil {
			return 0, fmt.Errorf("%s: %w", outputPath, err)
		}
	}

	steps := 0
	for {
		if err := ctx.Err(); err != nil {
			return steps, err
		}
		in, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return steps, fmt.Errorf("%s: %w", inputPath, err)
		}
		if err := s.Update(in, maxAccuracy); err != nil {
			return steps, err
		}
		steps++
		if writer != nil {
			if err := writer.WriteStep(s.emergy, s.empower); err != nil {
				return steps, fmt.Errorf("%s: %w", outputPath, err)
			}
		}
		if len(sinks) > 0 {
			emergy := copyLabelMap(s.emergy)
			empower := copyLabelMap(s.empower)
			for _, sink := range sinks {
				sink.OnStep(s.step-1, emergy, empower)
			}
		}
	}

	if writer != nil {
		if err := writer.Flush(); err != nil {
			return steps, fmt.Errorf("%s: %w", outputPath, err)
		}
		if err := outFile.Close(); err != nil {
			return steps, fmt.Errorf("%s: %w", outputPath, err)
		}
	}
	return steps, nil
}
