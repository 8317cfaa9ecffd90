package activity

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// DefaultPairWindow is how close a ui_action and its dispatch must be when
// they are paired by session and role.
const DefaultPairWindow = 5 * time.Second

// maxLineBytes bounds a single activity line when reading.
const maxLineBytes = 4 << 20

// ReadEvents loads every well-formed line of the log at path. Malformed
// lines are skipped. A missing file yields no events.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("activity: open %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return events, fmt.Errorf("activity: read %s: %w", path, err)
	}
	return events, nil
}

// Summary is one display row. A ui_action paired with the dispatch it
// produced carries both; every other event stands alone.
type Summary struct {
	Event
	Dispatch *Event `json:"dispatch,omitempty"`
}

// Summarize pairs each ui_action with the dispatch that shares its
// correlation id, or failing that, the nearest dispatch with the same
// sessionId and role no more than window apart. Each dispatch pairs at most
// once. Input order is kept.
func Summarize(events []Event, window time.Duration) []Summary {
	if window <= 0 {
		window = DefaultPairWindow
	}
	consumed := make([]bool, len(events))
	partner := make(map[int]int)

	for i, ev := range events {
		if ev.Type != TypeUIAction {
			continue
		}
		if j := findPartner(events, consumed, i, window); j >= 0 {
			consumed[j] = true
			partner[i] = j
		}
	}

	out := make([]Summary, 0, len(events))
	for i, ev := range events {
		if consumed[i] {
			continue
		}
		s := Summary{Event: ev}
		if j, ok := partner[i]; ok {
			d := events[j]
			s.Dispatch = &d
		}
		out = append(out, s)
	}
	return out
}

func findPartner(events []Event, consumed []bool, i int, window time.Duration) int {
	ui := events[i]
	if ui.CorrelationID != "" {
		for j, ev := range events {
			if !consumed[j] && ev.Type == TypeDispatch && ev.CorrelationID == ui.CorrelationID {
				return j
			}
		}
	}

	session, role := ui.Field("sessionId"), ui.Field("role")
	if session == "" || role == "" {
		return -1
	}
	uiAt := ui.Time()
	best, bestGap := -1, window+1
	for j, ev := range events {
		if consumed[j] || ev.Type != TypeDispatch {
			continue
		}
		if ev.Field("sessionId") != session || ev.Field("role") != role {
			continue
		}
		gap := ev.Time().Sub(uiAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= window && gap < bestGap {
			best, bestGap = j, gap
		}
	}
	return best
}
