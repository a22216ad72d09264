// Package proc_extractor implements the deterministic pattern extractors:
// header listings, checkbox templates, narrative action rules, and explicit
// negation, preceded by a prefilter that masks billing-menu boilerplate.
// Every emitted evidence span is a literal substring of the note at its
// stated offsets.
package proc_extractor

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CanonicalNote returns the NFC-normalized form of a raw note. It runs once
// at intake; every offset the pipeline produces indexes into the string this
// returns, so nothing downstream may re-normalize.
func CanonicalNote(raw string) string {
	return norm.NFC.String(raw)
}

// Menu-line shapes. Documentation templates often embed option menus listing
// every billable code or modifier; mentions inside them describe choices, not
// acts, and must never become evidence.
var (
	// A five-digit code introducing an option row, with or without a
	// checkbox: "[ ] 31622 - Bronchoscopy, diagnostic".
	menuCodeLineRe = regexp.MustCompile(`^[ \t]*(?:[\[(][ xX]?[\])][ \t]*)?\d{5}(?:[ \t]*[-–:|]|[ \t]{2,})`)

	// Two or more checkbox tokens on one line form an option row, not a
	// completed template entry.
	menuMultiBoxRe = regexp.MustCompile(`[\[(][ xX]?[\])].*[\[(][ xX]?[\])]`)

	// Modifier enumerations: "-59: distinct procedural service".
	menuModifierLineRe = regexp.MustCompile(`^[ \t]*-?\d{2}[ \t]*[-–:][ \t]*[A-Za-z]`)
)

// menuRunThreshold is the minimum run of consecutive menu-like lines that
// gets masked. Shorter runs are left alone: a single code mention may be
// narrative ("...consistent with 31622 criteria").
const menuRunThreshold = 3

// MaskMenuBlocks blanks menu boilerplate in place: every masked byte that is
// not a newline becomes a space, so the result has the same length and line
// structure as the input and all offsets remain valid.
func MaskMenuBlocks(note string) string {
	if note == "" {
		return note
	}

	lines := splitKeepOffsets(note)
	menuish := make([]bool, len(lines))
	for i, ln := range lines {
		menuish[i] = isMenuLine(ln.text)
	}

	masked := []byte(note)
	changed := false
	for i := 0; i < len(lines); {
		if !menuish[i] {
			i++
			continue
		}
		j := i
		for j < len(lines) && menuish[j] {
			j++
		}
		if j-i >= menuRunThreshold {
			blank(masked, lines[i].start, lines[j-1].end)
			changed = true
		}
		i = j
	}
	if !changed {
		return note
	}
	return string(masked)
}

func isMenuLine(line string) bool {
	if strings.Count(line, "|") >= 2 {
		return true
	}
	return menuCodeLineRe.MatchString(line) ||
		menuMultiBoxRe.MatchString(line) ||
		menuModifierLineRe.MatchString(line)
}

type noteLine struct {
	text  string
	start int
	end   int // exclusive, not counting the newline
}

// splitKeepOffsets splits on newlines while recording each line's byte range
// in the original string.
func splitKeepOffsets(note string) []noteLine {
	var lines []noteLine
	start := 0
	for i := 0; i < len(note); i++ {
		if note[i] == '\n' {
			lines = append(lines, noteLine{text: note[start:i], start: start, end: i})
			start = i + 1
		}
	}
	if start <= len(note) {
		lines = append(lines, noteLine{text: note[start:], start: start, end: len(note)})
	}
	return lines
}

// blank overwrites [start,end) with spaces, newlines excepted.
func blank(buf []byte, start, end int) {
	for i := start; i < end && i < len(buf); i++ {
		if buf[i] != '\n' {
			buf[i] = ' '
		}
	}
}
