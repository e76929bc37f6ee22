package chat

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

type SegmentKind int

const (
	SegmentAnswer SegmentKind = iota
	SegmentThought
)

func (k SegmentKind) String() string {
	if k == SegmentThought {
		return "thought"
	}
	return "answer"
}

// Segment is a classified slice of an assistant message. Open is set on a
// thought that is the last segment of the text, i.e. the model is still
// thinking or the answer has not started yet.
type Segment struct {
	Kind SegmentKind
	Text string
	Open bool
}

// Segments splits text on the closing think tag and classifies each part.
// Empty parts are dropped.
func Segments(text string) []Segment {
	parts := strings.Split(text, thinkClose)
	out := make([]Segment, 0, len(parts))
	for idx, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, thinkOpen) {
			out = append(out, Segment{
				Kind: SegmentThought,
				Text: strings.TrimSpace(strings.TrimPrefix(part, thinkOpen)),
				Open: idx == len(parts)-1,
			})
			continue
		}
		out = append(out, Segment{Kind: SegmentAnswer, Text: part})
	}
	return out
}

// Answer returns only the answer segments joined by blank lines.
func Answer(text string) string {
	var parts []string
	for _, s := range Segments(text) {
		if s.Kind == SegmentAnswer {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}
