// Package calendar reconciles the cabin's inventory with an external iCalendar feed
// and publishes direct reservations back as a feed.
package calendar

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

const (
	icalDate      = "20060102"
	icalDateTime  = "20060102T150405"
	icalDateTimeZ = "20060102T150405Z"
	maxLineOctets = 75
)

// Event is one VEVENT written to an exported feed.
type Event struct {
	UID     string
	Start   time.Time
	End     time.Time
	Summary string
	// AllDay events are written as DATE values from the civil dates of Start and End.
	AllDay bool
}

type property struct {
	name   string
	params map[string]string
	value  string
}

// Parse reads VEVENT blocks from an iCalendar document. Events missing UID or DTSTART,
// with unreadable dates, or ending before they start are skipped and counted.
// DATE values are interpreted as midnight in loc, as are floating times.
func Parse(r io.Reader, loc *time.Location) (events []model.ExternalEvent, skipped int, err error) {
	if loc == nil {
		loc = time.UTC
	}
	lines, err := unfold(r)
	if err != nil {
		return nil, 0, err
	}

	var (
		inEvent bool
		props   []property
	)
	for _, line := range lines {
		switch {
		case strings.EqualFold(line, "BEGIN:VEVENT"):
			inEvent = true
			props = props[:0]
		case strings.EqualFold(line, "END:VEVENT"):
			if !inEvent {
				continue
			}
			inEvent = false
			ev, ok := buildEvent(props, loc)
			if !ok {
				skipped++
				continue
			}
			events = append(events, ev)
		case inEvent:
			if p, ok := parseProperty(line); ok {
				props = append(props, p)
			}
		}
	}
	if inEvent {
		// Truncated document.
		skipped++
	}
	return events, skipped, nil
}

func unfold(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lines []string
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read calendar: %w", err)
	}
	return lines, nil
}

func parseProperty(line string) (property, bool) {
	colon := -1
	quoted := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			quoted = !quoted
		case ':':
			if !quoted {
				colon = i
			}
		}
		if colon >= 0 {
			break
		}
	}
	if colon <= 0 {
		return property{}, false
	}

	head := strings.Split(line[:colon], ";")
	p := property{
		name:   strings.ToUpper(strings.TrimSpace(head[0])),
		params: make(map[string]string, len(head)-1),
		value:  line[colon+1:],
	}
	for _, param := range head[1:] {
		k, v, ok := strings.Cut(param, "=")
		if !ok {
			continue
		}
		p.params[strings.ToUpper(k)] = strings.Trim(v, `"`)
	}
	return p, true
}

func buildEvent(props []property, loc *time.Location) (model.ExternalEvent, bool) {
	var (
		ev               model.ExternalEvent
		hasStart, hasEnd bool
		startIsDate      bool
		startErr, endErr error
	)
	for _, p := range props {
		switch p.name {
		case "UID":
			ev.UID = strings.TrimSpace(p.value)
		case "SUMMARY":
			ev.Summary = unescapeText(p.value)
		case "DTSTART":
			ev.Start, startIsDate, startErr = parseTime(p, loc)
			hasStart = true
		case "DTEND":
			ev.End, _, endErr = parseTime(p, loc)
			hasEnd = true
		}
	}
	if ev.UID == "" || !hasStart || startErr != nil || endErr != nil {
		return ev, false
	}
	if !hasEnd {
		if !startIsDate {
			return ev, false
		}
		ev.End = ev.Start.AddDate(0, 0, 1)
	}
	if !ev.End.After(ev.Start) {
		return ev, false
	}
	return ev, true
}

func parseTime(p property, loc *time.Location) (time.Time, bool, error) {
	v := strings.TrimSpace(p.value)
	if strings.EqualFold(p.params["VALUE"], "DATE") || len(v) == len(icalDate) {
		t, err := time.ParseInLocation(icalDate, v, loc)
		return t, true, err
	}
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse(icalDateTimeZ, v)
		return t, false, err
	}
	zone := loc
	if tzid := p.params["TZID"]; tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			zone = l
		}
	}
	t, err := time.ParseInLocation(icalDateTime, v, zone)
	return t, false, err
}

func unescapeText(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func escapeText(s string) string {
	r := strings.NewReplacer(`\`, `\\`, ";", `\;`, ",", `\,`, "\r\n", `\n`, "\n", `\n`)
	return r.Replace(s)
}

// Encode writes events as a VCALENDAR document with CRLF line endings.
func Encode(w io.Writer, prodID string, stamp time.Time, events []Event) error {
	bw := bufio.NewWriter(w)
	write := func(line string) {
		writeFolded(bw, line)
	}

	write("BEGIN:VCALENDAR")
	write("VERSION:2.0")
	write("PRODID:" + prodID)
	write("CALSCALE:GREGORIAN")
	write("METHOD:PUBLISH")
	for _, ev := range events {
		write("BEGIN:VEVENT")
		write("UID:" + ev.UID)
		write("DTSTAMP:" + stamp.UTC().Format(icalDateTimeZ))
		if ev.AllDay {
			write("DTSTART;VALUE=DATE:" + ev.Start.Format(icalDate))
			write("DTEND;VALUE=DATE:" + ev.End.Format(icalDate))
		} else {
			write("DTSTART:" + ev.Start.UTC().Format(icalDateTimeZ))
			write("DTEND:" + ev.End.UTC().Format(icalDateTimeZ))
		}
		if ev.Summary != "" {
			write("SUMMARY:" + escapeText(ev.Summary))
		}
		write("STATUS:CONFIRMED")
		write("END:VEVENT")
	}
	write("END:VCALENDAR")
	return bw.Flush()
}

// writeFolded splits lines longer than 75 octets without breaking UTF-8 sequences.
func writeFolded(w *bufio.Writer, line string) {
	first := true
	for len(line) > 0 {
		limit := maxLineOctets
		if !first {
			limit--
		}
		if len(line) <= limit {
			if !first {
				w.WriteByte(' ')
			}
			w.WriteString(line)
			break
		}
		cut := limit
		for cut > 0 && line[cut]&0xC0 == 0x80 {
			cut--
		}
		if !first {
			w.WriteByte(' ')
		}
		w.WriteString(line[:cut])
		w.WriteString("\r\n")
		line = line[cut:]
		first = false
	}
	w.WriteString("\r\n")
}
