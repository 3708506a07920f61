package sheet

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pavelanni/grader/internal/model"
)

// DefaultHeaderWindow is how many non-empty lines are searched for the header.
const DefaultHeaderWindow = 5

// DefaultHeaderPattern matches "学号: <id> 姓名: <name> 机号: <machine>" with
// either an ASCII or a full-width colon and any kind of space between fields.
var DefaultHeaderPattern = HeaderPattern("学号", "姓名", "机号")

// HeaderPattern builds a header pattern from the three field labels.
func HeaderPattern(idLabel, nameLabel, machineLabel string) string {
	return regexp.QuoteMeta(idLabel) + `[：:]` + space + `*(?P<id>.*?)` + space + `+` +
		regexp.QuoteMeta(nameLabel) + `[：:]` + space + `*(?P<name>.*?)` + space + `+` +
		regexp.QuoteMeta(machineLabel) + `[：:]` + space + `*(?P<machine>.*)`
}

// MissingHeaderError is returned when no line in the scan window matches the
// header pattern. The document is rejected.
type MissingHeaderError struct {
	Window int
}

func (e *MissingHeaderError) Error() string {
	return fmt.Sprintf("missing header: none of the first %d non-empty lines contain student id, name and machine id", e.Window)
}

// HeaderExtractor pulls the student identity out of the top of a document.
type HeaderExtractor struct {
	re      *regexp.Regexp
	window  int
	id      int
	name    int
	machine int
}

// NewHeaderExtractor compiles pattern, which must define the named groups
// id, name and machine. A window below 1 uses DefaultHeaderWindow.
func NewHeaderExtractor(pattern string, window int) (*HeaderExtractor, error) {
	if pattern == "" {
		pattern = DefaultHeaderPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile header pattern: %w", err)
	}
	if window < 1 {
		window = DefaultHeaderWindow
	}
	h := &HeaderExtractor{
		re:      re,
		window:  window,
		id:      re.SubexpIndex("id"),
		name:    re.SubexpIndex("name"),
		machine: re.SubexpIndex("machine"),
	}
	if h.id < 0 || h.name < 0 || h.machine < 0 {
		return nil, fmt.Errorf("header pattern must define the named groups id, name and machine")
	}
	return h, nil
}

// Extract returns the identity found in the first non-empty lines of text.
func (h *HeaderExtractor) Extract(text string) (model.StudentIdentity, error) {
	scanned := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if scanned == h.window {
			break
		}
		scanned++

		m := h.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		return model.StudentIdentity{
			StudentNumber: strings.TrimSpace(m[h.id]),
			Name:          strings.TrimSpace(m[h.name]),
			MachineID:     strings.TrimSpace(m[h.machine]),
		}, nil
	}
	return model.StudentIdentity{}, &MissingHeaderError{Window: h.window}
}
