package service

import (
	"fmt"
	"strings"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
)

const approachDigestChars = 100

// HistoryDigest renders the earlier rounds of an epoch for reviewers: merged
// numbers, the decision and each specialist's approach cut to a short
// prefix. Returns "" for the first round.
func HistoryDigest(rounds []deliberation.RoundResult) string {
	if len(rounds) == 0 {
		return ""
	}
	var b strings.Builder
	for i := range rounds {
		r := &rounds[i]
		fmt.Fprintf(&b, "Round %d: avg confidence %.1f, max risk %.1f, avg outcome %.1f -> %s\n",
			r.Number, r.Merged.MeanConfidence, r.Merged.PeakRisk, r.Merged.MeanOutcome, r.Decision)
		for j := range r.Responses {
			resp := &r.Responses[j]
			fmt.Fprintf(&b, "- %s: %s\n", resp.DisplayName(), truncate(oneLine(resp.ProposedApproach), approachDigestChars))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// RoundSummary is the compact text appended to the session context after a
// round that ends in CONTINUE.
func RoundSummary(r *deliberation.RoundResult, maxChars int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d summary: %s.", r.Number, r.Rationale)
	if approach := oneLine(r.Facilitator.ProposedApproach); approach != "" {
		fmt.Fprintf(&b, " Facilitator framing: %s.", approach)
	}
	if concerns := distinctConcerns(r.Responses); len(concerns) > 0 {
		fmt.Fprintf(&b, " Open concerns: %s.", strings.Join(concerns, "; "))
	}
	return truncate(b.String(), maxChars)
}

// FinalDecision synthesizes the decision text for a session that reached
// consensus, from its last round.
func FinalDecision(r *deliberation.RoundResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Consensus reached in round %d.\n%s\n", r.Number, r.Rationale)

	if approach := strings.TrimSpace(r.Facilitator.ProposedApproach); approach != "" {
		fmt.Fprintf(&b, "\nRecommended approach:\n%s\n", approach)
	}

	if len(r.Responses) > 0 {
		b.WriteString("\nSpecialist positions:\n")
		for i := range r.Responses {
			resp := &r.Responses[i]
			fmt.Fprintf(&b, "- %s (%s): %s\n", resp.DisplayName(), resp.Score, oneLine(resp.ProposedApproach))
		}
	}

	if concerns := distinctConcerns(r.Responses); len(concerns) > 0 {
		b.WriteString("\nResidual concerns:\n")
		for _, c := range concerns {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// DeadEndReport lists every specialist's proposal and concerns from the
// round that ended the epoch, so a human can choose how to proceed.
func DeadEndReport(r *deliberation.RoundResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "No consensus after round %d.\n%s\n", r.Number, r.Rationale)

	for i := range r.Responses {
		resp := &r.Responses[i]
		fmt.Fprintf(&b, "\n%s (%s)\n", resp.DisplayName(), resp.Score)
		fmt.Fprintf(&b, "Proposal: %s\n", strings.TrimSpace(resp.ProposedApproach))
		for _, c := range resp.Concerns {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	if len(r.Failures) > 0 {
		b.WriteString("\nDid not answer:\n")
		writeFailures(&b, r.Failures)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ErrorReport explains a failed round: which reviewers failed and why.
func ErrorReport(e *deliberation.RoundExecutionError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d failed: %s.\n", e.Round, e.Cause)
	writeFailures(&b, e.Failures)
	return strings.TrimRight(b.String(), "\n")
}

// Transcript renders the whole session as markdown.
func Transcript(s *deliberation.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Deliberation Session: %s\n\n", s.ID)
	fmt.Fprintf(&b, "**User:** %s\n", s.UserID)
	if s.ProjectName != "" {
		fmt.Fprintf(&b, "**Project:** %s\n", s.ProjectName)
	}
	fmt.Fprintf(&b, "**Created:** %s\n", s.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(&b, "**Status:** %s\n\n", s.Status)
	fmt.Fprintf(&b, "## Task\n\n%s\n\n", s.Task)
	if s.Context != "" {
		fmt.Fprintf(&b, "## Context\n\n%s\n\n", s.Context)
	}

	epoch := -1
	for i := range s.Rounds {
		r := &s.Rounds[i]
		if r.Epoch != epoch {
			epoch = r.Epoch
			if epoch > 0 {
				fmt.Fprintf(&b, "---\n\n## Epoch %d\n\n", epoch)
			}
		}
		writeTranscriptRound(&b, r)
	}

	switch s.Status {
	case deliberation.StatusConsensusReached:
		fmt.Fprintf(&b, "## Final Outcome: CONSENSUS\n\n%s\n", s.FinalDecision)
	case deliberation.StatusDeadEndAwaitingFeedback:
		fmt.Fprintf(&b, "## Outcome: DEAD END\n\n%s\n", s.Report)
	case deliberation.StatusErrored:
		fmt.Fprintf(&b, "## Outcome: ERRORED\n\n%s\n", s.Report)
	}
	return b.String()
}

func writeTranscriptRound(b *strings.Builder, r *deliberation.RoundResult) {
	fmt.Fprintf(b, "### Round %d\n\n", r.Number)
	writeTranscriptResponse(b, "Facilitator: "+r.Facilitator.DisplayName(), &r.Facilitator)
	for i := range r.Responses {
		writeTranscriptResponse(b, r.Responses[i].DisplayName(), &r.Responses[i])
	}
	if len(r.Failures) > 0 {
		b.WriteString("**Excluded reviewers:**\n")
		writeFailures(b, r.Failures)
		b.WriteString("\n")
	}
	m := r.Merged
	fmt.Fprintf(b, "**Merged (%d):** confidence %.1f (sd %.1f), max risk %.1f (sd %.1f), outcome %.1f (sd %.1f)\n\n",
		m.Contributors, m.MeanConfidence, m.StdConfidence, m.PeakRisk, m.StdRisk, m.MeanOutcome, m.StdOutcome)
	fmt.Fprintf(b, "**Decision:** %s\n\n%s\n\n", strings.ToUpper(string(r.Decision)), r.Rationale)
}

func writeTranscriptResponse(b *strings.Builder, title string, resp *deliberation.ReviewerResponse) {
	fmt.Fprintf(b, "#### %s\n\n", title)
	fmt.Fprintf(b, "- Confidence: %.1f/100\n- Risk: %.1f/100\n- Outcome: %.1f/100\n\n",
		resp.Score.Confidence, resp.Score.Risk, resp.Score.Outcome)
	fmt.Fprintf(b, "```\n%s\n```\n\n", strings.TrimSpace(resp.Raw))
}

func writeFailures(b *strings.Builder, failures []deliberation.ReviewerFailure) {
	for _, f := range failures {
		fmt.Fprintf(b, "- %s: %s after %d attempt(s): %s\n", f.ReviewerID, f.Kind, f.Attempts, f.Reason)
	}
}

// distinctConcerns collects concerns in reviewer order, dropping repeats.
func distinctConcerns(responses []deliberation.ReviewerResponse) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range responses {
		for _, c := range responses[i].Concerns {
			key := strings.ToLower(strings.TrimSpace(c))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, strings.TrimSpace(c))
		}
	}
	return out
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate cuts s to at most n runes, marking the cut with "...".
// n <= 0 disables truncation.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
