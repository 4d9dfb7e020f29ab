// Package progress mines percent values out of installer tool output and keeps the
// per-workflow high-water mark that makes reported progress monotonic.
package progress

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind selects the extraction function used for one tool's output.
type Kind string

const (
	// KindNone marks output that carries no minable percent.
	KindNone Kind = ""
	// KindPercent matches "NN%" or "NN.N%" anywhere in a line (createinstallmedia).
	KindPercent Kind = "percent"
	// KindASR understands asr puppet strings and its dotted progress meter.
	KindASR Kind = "asr"
)

// Progress patterns found in tool output:
var (
	// "Erasing disk: 0%... 10%... 20%..." - the last value on the line wins
	percentRegex = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)\s*%`)

	// asr --puppetstrings: "PSTRT", "PINF 45.2", "PSTOP"
	asrInfoRegex  = regexp.MustCompile(`^PINF\s+(\d{1,3}(?:\.\d+)?)`)
	asrStartRegex = regexp.MustCompile(`^PSTRT\b`)
	asrStopRegex  = regexp.MustCompile(`^PSTOP\b`)

	// asr without puppet strings: "Restoring  ....10....20....30"
	asrDotsRegex = regexp.MustCompile(`\.{2,}(\d{1,3})`)

	// Error patterns
	errorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)error.*?:`),
		regexp.MustCompile(`(?i)failed.*?:`),
		regexp.MustCompile(`(?i)cannot.*?:`),
		regexp.MustCompile(`(?i)could not\b`),
		regexp.MustCompile(`(?i)^usage:`),
	}
)

// Parse extracts a 0-100 percent from line using the extraction function for kind.
func Parse(kind Kind, line string) (float64, bool) {
	switch kind {
	case KindPercent:
		return ParsePercent(line)
	case KindASR:
		return ParseASR(line)
	default:
		return 0, false
	}
}

// ParsePercent returns the last "NN[.N]%" value in line.
func ParsePercent(line string) (float64, bool) {
	matches := percentRegex.FindAllStringSubmatch(line, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		if value, ok := parseBounded(matches[i][1]); ok {
			return value, true
		}
	}
	return 0, false
}

// ParseASR handles the three shapes asr emits: puppet-string info lines, the dotted
// meter, and plain percentages.
func ParseASR(line string) (float64, bool) {
	line = strings.TrimSpace(line)

	if matches := asrInfoRegex.FindStringSubmatch(line); len(matches) > 1 {
		return parseBounded(matches[1])
	}
	if asrStopRegex.MatchString(line) {
		return 100, true
	}

	if matches := asrDotsRegex.FindAllStringSubmatch(line, -1); len(matches) > 0 {
		if value, ok := parseBounded(matches[len(matches)-1][1]); ok {
			return value, true
		}
	}

	return ParsePercent(line)
}

// StatusText turns a raw tool line into the human status shown to the user. For most
// tools that is the line itself; asr puppet strings are paraphrased.
func StatusText(kind Kind, line string) string {
	line = strings.TrimSpace(line)
	if kind != KindASR {
		return line
	}

	switch {
	case asrStartRegex.MatchString(line):
		return "Starting restore"
	case asrStopRegex.MatchString(line):
		return "Restore finished"
	}
	if matches := asrInfoRegex.FindStringSubmatch(line); len(matches) > 1 {
		if value, ok := parseBounded(matches[1]); ok {
			return "Restoring " + strconv.FormatFloat(value, 'f', -1, 64) + "%"
		}
	}
	return line
}

// IsErrorLine reports whether line looks like a tool error message.
func IsErrorLine(line string) bool {
	for _, errorRegex := range errorPatterns {
		if errorRegex.MatchString(line) {
			return true
		}
	}
	return false
}

// Scale maps a tool-local percent into the [start,end] window a stage owns.
func Scale(start, end, percent float64) float64 {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return start + (end-start)*percent/100
}

func parseBounded(s string) (float64, bool) {
	value, err := strconv.ParseFloat(s, 64)
	if err != nil || value < 0 || value > 100 {
		return 0, false
	}
	return value, true
}
