package narration

import (
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	emphasisRate  = 0.9
	emphasisPitch = 1.1
)

var breakStrengths = map[string]time.Duration{
	"none":     0,
	"x-weak":   50 * time.Millisecond,
	"weak":     100 * time.Millisecond,
	"medium":   200 * time.Millisecond,
	"strong":   400 * time.Millisecond,
	"x-strong": 800 * time.Millisecond,
}

var (
	tagPattern  = regexp.MustCompile(`<\s*(/?)\s*([A-Za-z][\w:-]*)((?:\s+[^<>]*?)?)\s*(/?)\s*>`)
	attrPattern = regexp.MustCompile(`([\w:-]+)\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s"'>/]+))`)
)

// Chunk is one segment of parsed markup: either text spoken with the given
// rate and pitch multipliers, or a pause.
type Chunk struct {
	Text     string
	Break    time.Duration
	RateMul  float64
	PitchMul float64
	Emphasis bool
}

// IsBreak reports whether the chunk is a pause.
func (c Chunk) IsBreak() bool { return c.Text == "" }

// ParseMarkup splits markup into chunks. Supported tags are break, emphasis
// and say-as; every other tag is dropped while its content is kept. Runs of
// whitespace in text are collapsed and trimmed at segment boundaries.
func ParseMarkup(markup string) []Chunk {
	var (
		chunks   []Chunk
		emphasis int
		sayAs    []string
	)

	emitText := func(raw string) {
		text := collapseWhitespace(html.UnescapeString(raw))
		if len(sayAs) > 0 {
			text = interpretAs(sayAs[len(sayAs)-1], text)
		}
		if text == "" {
			return
		}
		chunk := Chunk{Text: text, RateMul: 1, PitchMul: 1}
		if emphasis > 0 {
			chunk.Emphasis = true
			chunk.RateMul = emphasisRate
			chunk.PitchMul = emphasisPitch
		}
		chunks = append(chunks, chunk)
	}

	pos := 0
	for _, m := range tagPattern.FindAllStringSubmatchIndex(markup, -1) {
		emitText(markup[pos:m[0]])
		pos = m[1]

		closing := m[3] > m[2]
		name := strings.ToLower(markup[m[4]:m[5]])
		attrs := parseAttributes(markup[m[6]:m[7]])
		selfClosing := m[9] > m[8]

		switch name {
		case "break":
			if !closing {
				if pause := breakDuration(attrs); pause > 0 {
					chunks = append(chunks, Chunk{Break: pause, RateMul: 1, PitchMul: 1})
				}
			}
		case "emphasis":
			switch {
			case closing:
				if emphasis > 0 {
					emphasis--
				}
			case !selfClosing:
				emphasis++
			}
		case "say-as":
			switch {
			case closing:
				if len(sayAs) > 0 {
					sayAs = sayAs[:len(sayAs)-1]
				}
			case !selfClosing:
				sayAs = append(sayAs, strings.ToLower(attrs["interpret-as"]))
			}
		}
	}
	emitText(markup[pos:])
	return chunks
}

// StripMarkup returns the plain text that markup would speak. The result is a
// fixed point: stripping it again yields the same string.
func StripMarkup(markup string) string {
	current := markup
	for {
		next := plainText(ParseMarkup(current))
		if next == current {
			return next
		}
		current = next
	}
}

// PlainText joins the text chunks with single spaces.
func PlainText(chunks []Chunk) string {
	return plainText(chunks)
}

func plainText(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		if c.IsBreak() {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(c.Text)
	}
	return b.String()
}

func parseAttributes(raw string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(raw, -1) {
		value := m[2]
		if value == "" {
			value = m[3]
		}
		if value == "" {
			value = m[4]
		}
		attrs[strings.ToLower(m[1])] = strings.TrimSpace(value)
	}
	return attrs
}

func breakDuration(attrs map[string]string) time.Duration {
	if raw, ok := attrs["time"]; ok {
		if d, ok := parseBreakTime(raw); ok {
			return d
		}
	}
	if strength, ok := breakStrengths[strings.ToLower(attrs["strength"])]; ok {
		return strength
	}
	return breakStrengths["medium"]
}

func parseBreakTime(raw string) (time.Duration, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	unit := time.Second
	switch {
	case strings.HasSuffix(raw, "ms"):
		raw, unit = strings.TrimSuffix(raw, "ms"), time.Millisecond
	case strings.HasSuffix(raw, "s"):
		raw = strings.TrimSuffix(raw, "s")
	default:
		unit = time.Millisecond
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || value < 0 {
		return 0, false
	}
	return time.Duration(value * float64(unit)), true
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// interpretAs expands text for say-as. characters and spell-out separate
// every rune; digits separates the digits of numbers only.
func interpretAs(mode, text string) string {
	switch mode {
	case "characters", "spell-out":
		return spaced(text, func(rune) bool { return true })
	case "digits":
		return spaced(text, unicode.IsDigit)
	}
	return text
}

func spaced(text string, split func(rune) bool) string {
	var b strings.Builder
	prevSplit := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if b.Len() > 0 && !strings.HasSuffix(b.String(), " ") {
				b.WriteByte(' ')
			}
			prevSplit = false
			continue
		}
		cur := split(r)
		if b.Len() > 0 && (cur || prevSplit) && !strings.HasSuffix(b.String(), " ") {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
		prevSplit = cur
	}
	return strings.TrimSpace(b.String())
}
