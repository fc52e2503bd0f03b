package steps

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/slsupport/email-agent/internal/domain"
	"github.com/slsupport/email-agent/internal/workorder"
)

var (
	zoomURLRe = regexp.MustCompile(`https://[^\s"'<>]*zoom\.us/[^\s"'<>]*`)
	regLinkRe = regexp.MustCompile(`https://(?:reg|csf)\.slsupport\.link/[^\s"'<>]*`)
)

// recipientPlaceholder is the literal recipient id the template must
// carry in registration links; send replaces it per recipient.
const recipientPlaceholder = "123456789"

// qaCheckHTML runs the Prepare content checks. Any failure aborts the
// language with a QAFailureError carrying the first problem found.
func qaCheckHTML(html string, wo *workorder.WorkOrder, stage *domain.StageRecord) error {
	if err := qaCheckConditionals(html); err != nil {
		return err
	}

	if wo.SalutationRequired() && !strings.Contains(html, "||name||") {
		return &QAFailureError{Reason: "missing '||name||' in HTML"}
	}

	if stage != nil && stage.QAStepCheckZoomID && !wo.InPerson {
		if wo.ZoomID == "" {
			return &QAFailureError{Reason: "work order has no zoomId"}
		}
		found := false
		for _, url := range zoomURLRe.FindAllString(html, -1) {
			if strings.Contains(url, wo.ZoomID) {
				found = true
				break
			}
		}
		if !found {
			return &QAFailureError{
				Reason: fmt.Sprintf("no zoom link containing zoomId %s", wo.ZoomID),
			}
		}
	}

	if wo.RegLinkPresent {
		links := regLinkRe.FindAllString(html, -1)
		if len(links) == 0 {
			return &QAFailureError{Reason: "no registration links in HTML"}
		}
		ok := false
		for _, link := range links {
			if hasQueryParam(link, "aid", wo.EventCode) && hasQueryParam(link, "pid", recipientPlaceholder) {
				ok = true
				break
			}
		}
		if !ok {
			return &QAFailureError{
				Reason: fmt.Sprintf("no registration link with aid=%s and pid=%s",
					wo.EventCode, recipientPlaceholder),
			}
		}
	}

	return nil
}

func hasQueryParam(url, key, value string) bool {
	return strings.Contains(url, "?"+key+"="+value) ||
		strings.Contains(url, "&"+key+"="+value)
}

// qaCheckConditionals verifies #if/#else/#endif nesting: every block
// terminated, no dangling #else or #endif.
func qaCheckConditionals(html string) error {
	depth := 0
	sawElse := make([]bool, 0, 4)
	i := 0
	for i < len(html) {
		switch {
		case hasTokenAt(html, i, "#if"):
			depth++
			sawElse = append(sawElse, false)
			i += len("#if")
		case hasTokenAt(html, i, "#endif"):
			if depth == 0 {
				return &QAFailureError{Reason: "dangling #endif"}
			}
			depth--
			sawElse = sawElse[:depth]
			i += len("#endif")
		case hasTokenAt(html, i, "#else"):
			if depth == 0 {
				return &QAFailureError{Reason: "dangling #else"}
			}
			if sawElse[depth-1] {
				return &QAFailureError{Reason: "duplicate #else in #if block"}
			}
			sawElse[depth-1] = true
			i += len("#else")
		default:
			i++
		}
	}
	if depth != 0 {
		return &QAFailureError{Reason: "unterminated #if block"}
	}
	return nil
}
