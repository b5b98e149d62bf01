package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Handler consumes media events.
type Handler interface {
	Handle(ev MediaEvent)
}

// ReplayTrace reads one JSON MediaEvent per line from r and hands each to h. Blank lines and
// lines starting with # are skipped. When pace is true, events are delayed to their At offset.
// It returns the number of events handled.
func ReplayTrace(ctx context.Context, r io.Reader, h Handler, pace bool) (int, error) {
	sc := bufio.NewScanner(r)
	start := time.Now()
	n := 0
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var ev MediaEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return n, fmt.Errorf("trace line %d: %w", line, err)
		}
		if ev.Kind == "" {
			return n, fmt.Errorf("trace line %d: missing event kind", line)
		}
		if pace && ev.At > 0 {
			wait := time.Until(start.Add(time.Duration(ev.At) * time.Millisecond))
			if wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return n, ctx.Err()
				case <-t.C:
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		h.Handle(ev)
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("read trace: %w", err)
	}
	return n, nil
}
