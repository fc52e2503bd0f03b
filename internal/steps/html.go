package steps

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/slsupport/email-agent/internal/domain"
	"github.com/slsupport/email-agent/internal/eligibility"
)

// specializeInput carries everything per-recipient HTML specialization
// needs besides the HTML itself.
type specializeInput struct {
	student  *domain.Student
	event    *domain.Event
	pools    []domain.Pool
	prompts  []domain.Prompt
	aid      string
	subEvent string
	lang     string
	preview  string
}

var (
	commentRe   = regexp.MustCompile(`(?s)<!--.*?-->`)
	metaCharset = regexp.MustCompile(`(?i)<meta\s+charset=["']?[\w-]+["']?\s*/?>`)
)

// contentTypeMeta is the explicit replacement for shorthand charset
// declarations some mail clients mishandle.
const contentTypeMeta = `<meta http-equiv="Content-Type" content="text/html; charset=utf-8">`

// stripTrailingCenter removes the template service's footer block, the
// last <center>…</center> of the document.
func stripTrailingCenter(html string) string {
	trimmed := strings.TrimRight(html, " \t\r\n")
	open := strings.LastIndex(trimmed, "<center>")
	close := strings.LastIndex(trimmed, "</center>")
	if open >= 0 && close > open && close+len("</center>") >= len(trimmed) {
		return trimmed[:open]
	}
	return html
}

// specializeHTML applies the per-recipient substitutions, in order, to
// prepared campaign HTML.
func specializeHTML(html string, in specializeInput) (string, error) {
	program := in.student.ProgramFor(in.aid)

	html = strings.ReplaceAll(html, "||name||", in.student.FullName())

	if strings.Contains(html, "||retreats||") {
		list, err := retreatList(program, in)
		if err != nil {
			return "", err
		}
		html = strings.ReplaceAll(html, "||retreats||", list)
	}

	if strings.Contains(html, "||balance||") {
		total, received := offeringTotals(program, in.event, in.subEvent)
		symbol, code := currencyFor(in.event)
		html = strings.ReplaceAll(html, "||balance||",
			fmt.Sprintf("%s%s %s", symbol, formatAmount(total-received), code))
	}

	html = strings.ReplaceAll(html, "*|MC_PREVIEW_TEXT|*", in.preview)
	html = strings.ReplaceAll(html, "*|MC:SUBJECT|*", in.preview)

	html = commentRe.ReplaceAllString(html, "")

	if !strings.Contains(strings.ToLower(html), `http-equiv="content-type"`) {
		html = metaCharset.ReplaceAllString(html, contentTypeMeta)
	}

	if strings.Contains(html, "||coord-email||") {
		coord := domain.PromptLookup(in.prompts, "coord-email", in.lang, in.aid)
		anchor := fmt.Sprintf(`<a href="mailto:%s">%s</a>`, coord, coord)
		html = strings.ReplaceAll(html, "||coord-email||", anchor)
	}

	html = strings.ReplaceAll(html, "123456789", in.student.ID)

	return evalConditionals(html, func(cond string) (bool, error) {
		return evalCondition(cond, program, in)
	})
}

// retreatList renders the recipient's selected retreats as an HTML
// list, each item resolved through the localized prompt table.
func retreatList(program domain.Program, in specializeInput) (string, error) {
	keys := eligibility.SelectedRetreats(program)
	if len(keys) == 0 {
		return "", &ValidationError{
			Reason: fmt.Sprintf("no retreats selected for recipient %s", in.student.ID),
		}
	}
	var b strings.Builder
	b.WriteString("<ul>")
	for _, key := range keys {
		promptKey := key
		if in.event != nil {
			if rc, ok := in.event.Config.WhichRetreatsConfig[key]; ok && rc.Prompt != "" {
				promptKey = rc.Prompt
			}
		}
		b.WriteString("<li>")
		b.WriteString(domain.PromptLookup(in.prompts, promptKey, in.lang, in.aid))
		b.WriteString("</li>")
	}
	b.WriteString("</ul>")
	return b.String(), nil
}

// offeringTotals computes the expected offering total over the selected
// retreats and the amount already received in installments for the
// sub-event. A limitFee program pays for at most two retreats.
func offeringTotals(program domain.Program, event *domain.Event, subEvent string) (total, received float64) {
	keys := eligibility.SelectedRetreats(program)
	if program.LimitFee && len(keys) > 2 {
		keys = keys[:2]
	}
	if event != nil {
		for _, key := range keys {
			total += event.Config.WhichRetreatsConfig[key].OfferingTotal
		}
	}
	for _, inst := range program.OfferingHistory[subEvent].Installments {
		received += inst.OfferingAmount - inst.OfferingRefund
	}
	return total, received
}

// offeringPaidInFull reports whether the installments received cover
// the expected total over the selected retreats. Recipients with no
// installments or no selected retreats read as unpaid.
func offeringPaidInFull(program domain.Program, event *domain.Event, subEvent string) (bool, error) {
	if len(program.OfferingHistory[subEvent].Installments) == 0 {
		return false, nil
	}
	if len(eligibility.SelectedRetreats(program)) == 0 {
		return false, nil
	}
	if len(event.Config.WhichRetreatsConfig) == 0 {
		return false, &QAFailureError{
			Reason: "#if offering needs whichRetreatsConfig when offerings are presented as installments",
		}
	}
	total, received := offeringTotals(program, event, subEvent)
	return total <= received, nil
}

func currencyFor(event *domain.Event) (symbol, code string) {
	if event != nil && event.Config.Currency == "EUR" {
		return "€", "EUR"
	}
	return "$", "USD"
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// evalCondition resolves one #if condition. Grammar: "oathed",
// "offering <subEvent>", "retreats <a> [<b>]". When the event presents
// offerings as installments, "offering" ignores its argument and checks
// whether the recipient has paid in full.
func evalCondition(cond string, program domain.Program, in specializeInput) (bool, error) {
	fields := strings.Fields(cond)
	if len(fields) == 0 {
		return false, &QAFailureError{Reason: "empty #if condition"}
	}
	switch fields[0] {
	case "oathed":
		return eligibility.Check("oath", in.student, in.aid, in.pools, in.subEvent)

	case "offering":
		if in.event != nil && in.event.Config.OfferingPresentation == "installments" {
			return offeringPaidInFull(program, in.event, in.subEvent)
		}
		if len(fields) < 2 {
			return false, nil
		}
		rec := program.OfferingHistory[fields[1]]
		return rec.OfferingSKU != "" || rec.OfferingIntent != "" || len(rec.Installments) > 0, nil

	case "retreats":
		if len(fields) < 2 {
			return false, &QAFailureError{Reason: "malformed condition: " + cond}
		}
		selected := eligibility.SelectedRetreats(program)
		for _, want := range fields[1:] {
			for _, key := range selected {
				if strings.HasPrefix(key, want) {
					return true, nil
				}
			}
		}
		return false, nil
	}
	return false, &QAFailureError{Reason: "unknown condition: " + cond}
}

// evalConditionals evaluates #if/#else/#endif blocks, innermost-last
// via recursion on the kept branch. The condition runs from "#if" to
// the end of the line or the next tag.
func evalConditionals(s string, eval func(string) (bool, error)) (string, error) {
	var out strings.Builder
	for {
		idx := findToken(s, "#if")
		if idx < 0 {
			out.WriteString(s)
			return out.String(), nil
		}
		out.WriteString(s[:idx])
		rest := s[idx:]

		cond, bodyStart := parseCondition(rest)
		thenPart, elsePart, after, err := splitBranches(rest[bodyStart:])
		if err != nil {
			return "", err
		}

		keep := thenPart
		ok, err := eval(cond)
		if err != nil {
			return "", err
		}
		if !ok {
			keep = elsePart
		}
		kept, err := evalConditionals(keep, eval)
		if err != nil {
			return "", err
		}
		out.WriteString(kept)
		s = after
	}
}

// parseCondition extracts the condition text after "#if" and returns
// it with the offset where the block body starts.
func parseCondition(s string) (cond string, bodyStart int) {
	rest := s[len("#if"):]
	end := len(rest)
	for i, r := range rest {
		if r == '\n' || r == '<' || r == '#' {
			end = i
			break
		}
	}
	return strings.TrimSpace(rest[:end]), len("#if") + end
}

// splitBranches walks a block body matching nested #if/#endif pairs and
// returns the then-branch, the else-branch, and the text after #endif.
func splitBranches(s string) (thenPart, elsePart, after string, err error) {
	depth := 0
	elseAt := -1
	i := 0
	for i < len(s) {
		switch {
		case hasTokenAt(s, i, "#if"):
			depth++
			i += len("#if")
		case hasTokenAt(s, i, "#endif"):
			if depth == 0 {
				end := i + len("#endif")
				if elseAt >= 0 {
					return s[:elseAt], s[elseAt+len("#else"):i], s[end:], nil
				}
				return s[:i], "", s[end:], nil
			}
			depth--
			i += len("#endif")
		case hasTokenAt(s, i, "#else"):
			if depth == 0 && elseAt < 0 {
				elseAt = i
			}
			i += len("#else")
		default:
			i++
		}
	}
	return "", "", "", &QAFailureError{Reason: "unterminated #if block"}
}

func findToken(s, tok string) int {
	for i := 0; i+len(tok) <= len(s); i++ {
		if hasTokenAt(s, i, tok) {
			return i
		}
	}
	return -1
}

// hasTokenAt matches a directive token, rejecting longer directives
// that share the prefix ("#if" inside "#ifdef"-like text never occurs,
// but "#else"/"#endif" share "#e").
func hasTokenAt(s string, i int, tok string) bool {
	if !strings.HasPrefix(s[i:], tok) {
		return false
	}
	if tok == "#if" {
		// Require a separator so "#iffy" is not a directive.
		rest := s[i+len(tok):]
		return rest == "" || rest[0] == ' ' || rest[0] == '\t'
	}
	return true
}
