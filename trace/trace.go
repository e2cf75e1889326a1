package trace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// maxSizeHint caps how much is preallocated from a trace's own header counts
const maxSizeHint = 1 << 16

// ErrMalformed marks every error produced while parsing a trace
var ErrMalformed = errors.New("malformed trace")

// OpKind identifies the request a trace line makes of the allocator
type OpKind int

const (
	OpReserve OpKind = iota
	OpResize
	OpRelease
)

var opKindMapping = map[OpKind]string{
	OpReserve: "a",
	OpResize:  "r",
	OpRelease: "f",
}

func (k OpKind) String() string {
	str, ok := opKindMapping[k]
	if !ok {
		return "unknown"
	}
	return str
}

// Op is a single request in a trace. Size is unused for OpRelease.
type Op struct {
	Kind OpKind
	ID   int
	Size int
}

func (o Op) String() string {
	if o.Kind == OpRelease {
		return o.Kind.String() + " " + strconv.Itoa(o.ID)
	}
	return o.Kind.String() + " " + strconv.Itoa(o.ID) + " " + strconv.Itoa(o.Size)
}

// Trace is a parsed allocation trace. Every id is reserved before it is resized or released,
// and is not reserved again while it is live.
type Trace struct {
	// SuggestedHeapSize is the heap size the trace's author expected it to need. It is
	// informational only.
	SuggestedHeapSize int
	// IDCount is one more than the largest block id the trace may use
	IDCount int
	// Weight is the trace's weight in a scored run. Zero-weight traces are replayed but not
	// scored.
	Weight int
	Ops    []Op
}

func malformed(line int, format string, args ...any) error {
	return errors.Wrapf(ErrMalformed, "line %d: %s", line, fmt.Sprintf(format, args...))
}

// ParseFile opens and parses the trace at path
func ParseFile(path string) (*Trace, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open trace %s", path)
	}
	defer file.Close()

	tr, err := Parse(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse trace %s", path)
	}
	return tr, nil
}

// Parse reads a trace in the text format used by the malloc lab driver: four header lines
// holding the suggested heap size, the id count, the op count and the weight, followed by
// one op per line: "a <id> <size>", "r <id> <size>" or "f <id>". Blank lines are ignored.
func Parse(r io.Reader) (*Trace, error) {
	scanner := bufio.NewScanner(r)
	lineNumber := 0

	nextLine := func() ([]string, bool) {
		for scanner.Scan() {
			lineNumber++
			fields := strings.Fields(scanner.Text())
			if len(fields) > 0 {
				return fields, true
			}
		}
		return nil, false
	}

	var header [4]int
	headerNames := [4]string{"suggested heap size", "id count", "op count", "weight"}
	for i := range header {
		fields, ok := nextLine()
		if !ok {
			if err := scanner.Err(); err != nil {
				return nil, errors.Wrap(err, "failed to read trace")
			}
			return nil, malformed(lineNumber, "trace ended before the %s header", headerNames[i])
		}
		if len(fields) != 1 {
			return nil, malformed(lineNumber, "expected the %s header, found %q", headerNames[i], strings.Join(fields, " "))
		}

		value, err := strconv.Atoi(fields[0])
		if err != nil || value < 0 {
			return nil, malformed(lineNumber, "%s header %q is not a non-negative integer", headerNames[i], fields[0])
		}
		header[i] = value
	}

	tr := &Trace{
		SuggestedHeapSize: header[0],
		IDCount:           header[1],
		Weight:            header[3],
		Ops:               make([]Op, 0, min(header[2], maxSizeHint)),
	}
	live := swiss.NewMap[int, struct{}](uint32(min(tr.IDCount, maxSizeHint)))

	for {
		fields, ok := nextLine()
		if !ok {
			break
		}

		op, err := parseOp(fields, tr.IDCount)
		if err != nil {
			return nil, malformed(lineNumber, "%v", err)
		}

		switch op.Kind {
		case OpReserve:
			if live.Has(op.ID) {
				return nil, malformed(lineNumber, "id %d is reserved while it is still live", op.ID)
			}
			live.Put(op.ID, struct{}{})
		case OpResize, OpRelease:
			if !live.Has(op.ID) {
				return nil, malformed(lineNumber, "id %d is used before it is reserved", op.ID)
			}
			if op.Kind == OpRelease {
				live.Delete(op.ID)
			}
		}

		tr.Ops = append(tr.Ops, op)
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read trace")
	}

	if len(tr.Ops) != header[2] {
		return nil, malformed(lineNumber, "header promises %d ops, but the trace holds %d", header[2], len(tr.Ops))
	}

	return tr, nil
}

func parseOp(fields []string, idCount int) (Op, error) {
	var op Op
	wantFields := 3

	switch fields[0] {
	case "a":
		op.Kind = OpReserve
	case "r":
		op.Kind = OpResize
	case "f":
		op.Kind = OpRelease
		wantFields = 2
	default:
		return op, errors.Newf("unknown op %q", fields[0])
	}

	if len(fields) != wantFields {
		return op, errors.Newf("op %q takes %d arguments, found %d", fields[0], wantFields-1, len(fields)-1)
	}

	id, err := strconv.Atoi(fields[1])
	if err != nil || id < 0 || id >= idCount {
		return op, errors.Newf("id %q is not in the range [0, %d)", fields[1], idCount)
	}
	op.ID = id

	if wantFields == 3 {
		size, err := strconv.Atoi(fields[2])
		if err != nil || size < 0 {
			return op, errors.Newf("size %q is not a non-negative integer", fields[2])
		}
		op.Size = size
	}

	return op, nil
}
