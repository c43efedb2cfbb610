// Package extract holds the pure token and form extractors. Nothing in here
// performs I/O; every function maps its input to a value or a typed error.
package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const sequenceCheckSuffix = ":sequencecheck"

// PassthroughFields are the hidden inputs copied verbatim from the question
// form into the submission. A form missing one of them is still valid; the
// field is simply not submitted.
var PassthroughFields = []string{"thispage", "nextpage", "timeup", "mdlscrollto", "slots"}

// ExtractionError reports a pattern that did not yield a capture.
type ExtractionError struct {
	Label string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: pattern produced no value", e.Label)
}

// ValidationError reports a question form that must not be submitted.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "invalid question form: missing " + strings.Join(e.Missing, ", ")
}

// Option is one selectable answer, keyed by the radio input's name.
type Option struct {
	Name  string
	Value string
}

// QuestionData is everything scraped from a question page that the
// submission step needs. Immutable once returned.
type QuestionData struct {
	QuestID    string
	SeqCheck   string
	Options    []Option
	Attempt    string
	Sesskey    string
	FormFields map[string]string
}

// URLParam returns the named query parameter. It reports false, and never
// fails, when the URL is malformed or the parameter is absent.
func URLParam(rawURL, name string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", false
	}
	if !values.Has(name) {
		return "", false
	}
	return values.Get(name), true
}

// ByPattern returns the first capture group of pattern in text. The label
// identifies the token in the resulting error.
func ByPattern(text, pattern, label string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", &ExtractionError{Label: label}
	}
	m := re.FindStringSubmatch(text)
	if len(m) < 2 || m[1] == "" {
		return "", &ExtractionError{Label: label}
	}
	return m[1], nil
}

// ScrapeQuestionForm classifies the hidden and radio inputs of a question
// page. Hidden inputs whose name carries the sequence-check suffix yield the
// question id and its anti-tamper token; `attempt` and `sesskey` map
// directly; the passthrough allow-list is copied verbatim. Radios whose name
// contains `_answer` become options unless their value is the "clear my
// choice" sentinel -1.
func ScrapeQuestionForm(doc *goquery.Document) (*QuestionData, error) {
	qd := &QuestionData{FormFields: make(map[string]string)}

	doc.Find(`input[type="hidden"]`).Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok {
			return
		}
		value := s.AttrOr("value", "")

		switch {
		case strings.Contains(name, sequenceCheckSuffix):
			qd.QuestID = name[:strings.Index(name, sequenceCheckSuffix)]
			qd.SeqCheck = value
		case name == "attempt":
			qd.Attempt = value
		case name == "sesskey":
			qd.Sesskey = value
		default:
			if isPassthrough(name) {
				qd.FormFields[name] = value
			}
		}
	})

	doc.Find(`input[type="radio"]`).Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || !strings.Contains(name, "_answer") {
			return
		}
		value := s.AttrOr("value", "")
		if value == "-1" {
			return
		}
		qd.Options = append(qd.Options, Option{Name: name, Value: value})
	})

	var missing []string
	if qd.QuestID == "" {
		missing = append(missing, "questId")
	}
	if qd.SeqCheck == "" {
		missing = append(missing, "sequencecheck")
	}
	if qd.Attempt == "" {
		missing = append(missing, "attempt")
	}
	if qd.Sesskey == "" {
		missing = append(missing, "sesskey")
	}
	if len(qd.Options) == 0 {
		missing = append(missing, "options")
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Missing: missing}
	}

	return qd, nil
}

func isPassthrough(name string) bool {
	for _, f := range PassthroughFields {
		if name == f {
			return true
		}
	}
	return false
}
