// Package subtitle parses WebVTT and SRT caption files into timed cues
// and answers "which cue is active at this playback position".
package subtitle

import (
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/otakuhub/streamcore/internal/metrics"
)

// Cue is one timed caption fragment.
type Cue struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// CueList is an ordered sequence of cues for one caption track.
type CueList struct {
	cues []Cue
}

var (
	// HH:MM:SS.mmm or MM:SS.mmm, dot or comma fraction (SRT uses comma).
	timestampRe = regexp.MustCompile(`^(?:(\d{1,2}):)?(\d{1,2}):(\d{2})[.,](\d{1,3})$`)
	tagRe       = regexp.MustCompile(`<[^>]*>`)
	braceTagRe  = regexp.MustCompile(`\{[^}]*\}`)
)

// Parse converts raw WebVTT or SRT text into a cue list. Header and
// metadata blocks are skipped, identifier lines ignored, inline markup
// stripped and entities decoded. Malformed blocks are dropped; one bad
// cue never aborts the rest of the file.
func Parse(raw string) CueList {
	raw = strings.TrimPrefix(raw, "\ufeff")
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")

	cues := make([]Cue, 0, 128)
	for _, block := range splitBlocks(raw) {
		if cue, ok := parseBlock(block); ok {
			cues = append(cues, cue)
		}
	}

	sort.SliceStable(cues, func(i, j int) bool {
		return cues[i].Start < cues[j].Start
	})
	return CueList{cues: cues}
}

func splitBlocks(raw string) [][]string {
	blocks := make([][]string, 0, 128)
	current := make([]string, 0, 4)
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				blocks = append(blocks, current)
				current = make([]string, 0, 4)
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}
	return blocks
}

func parseBlock(lines []string) (Cue, bool) {
	head := strings.TrimSpace(lines[0])
	switch {
	case strings.HasPrefix(head, "WEBVTT"),
		strings.HasPrefix(head, "NOTE"),
		strings.HasPrefix(head, "STYLE"),
		strings.HasPrefix(head, "REGION"):
		return Cue{}, false
	}

	// The timing line is the first, or the second after an identifier.
	timing := -1
	for i, line := range lines {
		if i > 1 {
			break
		}
		if strings.Contains(line, "-->") {
			timing = i
			break
		}
	}
	if timing < 0 || timing+1 >= len(lines) {
		metrics.CueBlocksDroppedTotal.Inc()
		return Cue{}, false
	}

	start, end, ok := parseTiming(lines[timing])
	if !ok || end <= start {
		metrics.CueBlocksDroppedTotal.Inc()
		return Cue{}, false
	}

	text := cleanText(strings.Join(lines[timing+1:], "\n"))
	if text == "" {
		metrics.CueBlocksDroppedTotal.Inc()
		return Cue{}, false
	}
	return Cue{Start: start, End: end, Text: text}, true
}

func parseTiming(line string) (start, end time.Duration, ok bool) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, ok = parseTimestamp(strings.TrimSpace(parts[0]))
	if !ok {
		return 0, 0, false
	}
	// VTT cue settings (position, align) follow the end timestamp.
	endFields := strings.Fields(strings.TrimSpace(parts[1]))
	if len(endFields) == 0 {
		return 0, 0, false
	}
	end, ok = parseTimestamp(endFields[0])
	if !ok {
		return 0, 0, false
	}
	return start, end, true
}

func parseTimestamp(raw string) (time.Duration, bool) {
	m := timestampRe.FindStringSubmatch(raw)
	if m == nil {
		return 0, false
	}
	hours := 0
	if m[1] != "" {
		hours, _ = strconv.Atoi(m[1])
	}
	minutes, _ := strconv.Atoi(m[2])
	seconds, _ := strconv.Atoi(m[3])
	frac, _ := strconv.Atoi(m[4])
	switch len(m[4]) {
	case 1:
		frac *= 100
	case 2:
		frac *= 10
	}

	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		time.Duration(frac)*time.Millisecond
	return d, true
}

func cleanText(raw string) string {
	out := tagRe.ReplaceAllString(raw, "")
	out = braceTagRe.ReplaceAllString(out, "")
	out = html.UnescapeString(out)
	return strings.TrimSpace(out)
}

func (l CueList) Len() int {
	return len(l.cues)
}

func (l CueList) Cues() []Cue {
	return l.cues
}

// ActiveText returns the text of the cue covering the position, or ""
// when no cue is active. Intervals are half-open [start, end): at a
// shared boundary the later cue wins. Binary search keeps this cheap
// for the multiple-per-second lookup rate.
func (l CueList) ActiveText(position time.Duration) string {
	idx := sort.Search(len(l.cues), func(i int) bool {
		return l.cues[i].Start > position
	})
	if idx == 0 {
		return ""
	}
	cue := l.cues[idx-1]
	if position >= cue.Start && position < cue.End {
		return cue.Text
	}
	return ""
}
