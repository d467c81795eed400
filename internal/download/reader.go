package download

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"gamdam/internal/logging"
)

// MaxLineLength bounds a single input record. A longer line surfaces as a
// read error and aborts the batch; the framing cannot be trusted past it.
const MaxLineLength = 65535

// Reader produces a lazy sequence of Items from newline-delimited JSON.
// Invalid lines are skipped with a warning naming the line number; the
// stream ends with io.EOF.
type Reader struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	line    int
}

// NewReader wraps an input stream. A nil logger discards warnings.
func NewReader(r io.Reader, logger *slog.Logger) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineLength)
	return &Reader{
		scanner: scanner,
		logger:  logging.NewComponentLogger(logger, "reader"),
	}
}

// Next returns the next valid Item, or io.EOF once the input is exhausted.
// Read errors other than end-of-stream are returned as-is and are fatal to
// the batch.
func (r *Reader) Next() (Item, error) {
	for r.scanner.Scan() {
		r.line++
		text := strings.TrimSpace(r.scanner.Text())
		if text == "" {
			r.warn("blank line")
			continue
		}

		var item Item
		if err := json.Unmarshal([]byte(text), &item); err != nil {
			r.warn(err.Error())
			continue
		}
		if err := item.Validate(); err != nil {
			r.warn(err.Error())
			continue
		}
		return item, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Item{}, err
	}
	return Item{}, io.EOF
}

// Line reports the number of input lines consumed so far.
func (r *Reader) Line() int { return r.line }

func (r *Reader) warn(reason string) {
	r.logger.Warn("discarding invalid input line",
		logging.Int(logging.FieldLine, r.line),
		logging.String("reason", reason),
	)
}
