// Package scoreparse extracts score triples and the named sections from a
// reviewer's free-text reply.
package scoreparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/reviewer"
)

// Section headers recognised in a reply.
const (
	SectionScores   = "CROSS SCORES"
	SectionAnalysis = "ANALYSIS"
	SectionApproach = "PROPOSED APPROACH"
	SectionConcerns = "CONCERNS"
)

var (
	confidenceRe = scoreRe("Confidence")
	riskRe       = scoreRe("Risk")
	outcomeRe    = scoreRe("Outcome")
)

func scoreRe(field string) *regexp.Regexp {
	return regexp.MustCompile(`(?im)^[\s*#>-]*` + field + `\s*(?:score)?\**\s*[:=]\s*\**\s*(-?\d+(?:\.\d+)?)`)
}

var sections = []string{SectionScores, SectionAnalysis, SectionApproach, SectionConcerns}

// Parser implements reviewer.ScoreParser.
type Parser struct{}

var _ reviewer.ScoreParser = Parser{}

// Parse reads the three scores and the ANALYSIS, PROPOSED APPROACH and
// CONCERNS sections. Finite scores outside [0,100] are clamped into range.
// A missing or non-finite score is an error wrapping
// deliberation.ErrReviewerParse.
func (Parser) Parse(raw string) (deliberation.ReviewerResponse, error) {
	c, err := field(confidenceRe, "confidence", raw)
	if err != nil {
		return deliberation.ReviewerResponse{}, err
	}
	r, err := field(riskRe, "risk", raw)
	if err != nil {
		return deliberation.ReviewerResponse{}, err
	}
	o, err := field(outcomeRe, "outcome", raw)
	if err != nil {
		return deliberation.ReviewerResponse{}, err
	}
	score, err := deliberation.NewScoreTriple(c, r, o)
	if err != nil {
		return deliberation.ReviewerResponse{}, fmt.Errorf("%w: %w", deliberation.ErrReviewerParse, err)
	}

	body := splitSections(raw)
	return deliberation.ReviewerResponse{
		Raw:              raw,
		Score:            score,
		Analysis:         body[SectionAnalysis],
		ProposedApproach: body[SectionApproach],
		Concerns:         bullets(body[SectionConcerns]),
	}, nil
}

func field(re *regexp.Regexp, name, raw string) (float64, error) {
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return 0, fmt.Errorf("%w: no %s score", deliberation.ErrReviewerParse, name)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %w", deliberation.ErrReviewerParse, name, m[1], err)
	}
	return v, nil
}

// splitSections maps each recognised header to the text below it, up to
// the next recognised header. Text on the header line after the colon
// belongs to the section.
func splitSections(raw string) map[string]string {
	out := make(map[string]string, len(sections))
	var (
		current string
		buf     []string
	)
	flush := func() {
		if current != "" {
			out[current] = strings.TrimSpace(strings.Join(buf, "\n"))
		}
		buf = buf[:0]
	}
	for _, line := range strings.Split(raw, "\n") {
		if name, rest, ok := header(line); ok {
			flush()
			current = name
			if rest != "" {
				buf = append(buf, rest)
			}
			continue
		}
		if current != "" {
			buf = append(buf, line)
		}
	}
	flush()
	return out
}

// header recognises lines such as "PROPOSED APPROACH:", "## Analysis" or
// "**CONCERNS:** none".
func header(line string) (name, rest string, ok bool) {
	s := strings.TrimSpace(line)
	s = strings.TrimLeft(s, "#* ")
	upper := strings.ToUpper(s)
	for _, sec := range sections {
		if !strings.HasPrefix(upper, sec) {
			continue
		}
		tail := strings.TrimLeft(s[len(sec):], "* ")
		switch {
		case tail == "":
			return sec, "", true
		case tail[0] == ':':
			return sec, strings.TrimSpace(strings.TrimLeft(tail[1:], "* ")), true
		}
	}
	return "", "", false
}

// bullets returns the "-", "*" or "•" items of a section.
func bullets(section string) []string {
	var out []string
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		for _, p := range []string{"-", "*", "•"} {
			if strings.HasPrefix(line, p) {
				if item := strings.TrimSpace(line[len(p):]); item != "" {
					out = append(out, item)
				}
				break
			}
		}
	}
	return out
}
