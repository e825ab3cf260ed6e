// Package hl7v2 parses pipe-delimited HL7 v2.x messages into a segment tree
// the ingestion connectors walk. Only parsing lives here; mapping segments to
// the unified entity model is the connector's job.
package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message is a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 (e.g. "ADT^A01")
	TriggerEvent string    // MSH-9.2 (e.g. "A01")
	ControlID    string    // MSH-10
	Version      string    // MSH-12
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	Segments     []Segment
}

// Segment is a single named segment (MSH, PID, PV1, OBX, DG1, IN1, ...).
type Segment struct {
	Name   string
	Fields []Field
}

// Field holds a raw field value with its component (^) and repetition (~)
// breakdowns.
type Field struct {
	Value      string
	Components []string
	Repeats    [][]string
}

// Parse parses raw HL7v2 bytes. Segment separators may be \r, \n, or \r\n.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	msg := &Message{}
	for _, line := range lines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msg.extractHeader()
	return msg, nil
}

func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	seg := Segment{}

	// MSH is special: MSH-1 is the field separator character itself.
	if strings.HasPrefix(line, "MSH") {
		seg.Name = "MSH"
		if len(line) < 4 {
			return seg, nil
		}
		sep := string(line[3])
		seg.Fields = append(seg.Fields, Field{Value: sep, Components: []string{sep}})
		for _, part := range strings.Split(line[4:], sep) {
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg, nil
	}

	parts := strings.SplitN(line, "|", 2)
	seg.Name = parts[0]
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}
	return seg, nil
}

func parseField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, "~") {
		f.Repeats = append(f.Repeats, strings.Split(rep, "^"))
	}
	f.Components = f.Repeats[0]
	return f
}

// extractHeader lifts the commonly used MSH fields onto the Message.
func (m *Message) extractHeader() {
	msh := m.Segment("MSH")
	if msh == nil {
		return
	}
	m.SendingApp = msh.Field(3)
	m.SendingFac = msh.Field(4)
	if ts, err := ParseTimestamp(msh.Field(7)); err == nil {
		m.Timestamp = ts
	}
	m.Type = msh.Field(9)
	m.TriggerEvent = msh.Component(9, 2)
	m.ControlID = msh.Field(10)
	m.Version = msh.Field(12)
}

// Segment returns the first segment with the given name, or nil.
func (m *Message) Segment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// AllSegments returns every segment with the given name.
func (m *Message) AllSegments(name string) []Segment {
	var out []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			out = append(out, seg)
		}
	}
	return out
}

// Field returns a field value by 1-based HL7 index. For MSH, Fields[0] holds
// MSH-1 (the separator); for other segments Fields[0] holds field 1.
func (s *Segment) Field(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// Component returns a component value by 1-based field and component indices.
func (s *Segment) Component(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	ci := compIdx - 1
	comps := s.Fields[idx].Components
	if ci < 0 || ci >= len(comps) {
		return ""
	}
	return comps[ci]
}

// ParseTimestamp parses an HL7 timestamp (YYYYMMDD[HHMM[SS]]).
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// ISODate converts an HL7 date to ISO form with zero-padding. Year-month and
// year-only values are accepted because birth dates may omit the day.
func ISODate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		if t, err := time.Parse("20060102150405", s[:14]); err == nil {
			return t.UTC().Format(time.RFC3339), true
		}
	case len(s) >= 8:
		if t, err := time.Parse("20060102", s[:8]); err == nil {
			return t.Format("2006-01-02"), true
		}
	case len(s) == 6:
		if t, err := time.Parse("200601", s); err == nil {
			return t.Format("2006-01"), true
		}
	case len(s) == 4:
		if t, err := time.Parse("2006", s); err == nil {
			return t.Format("2006"), true
		}
	}
	return "", false
}
