package queue

import (
	"fmt"
	"strings"
)

const batchDelimiter = "\n---\n"

// renderBatch merges queued items into one numbered, delimited message. A
// non-empty drop ledger is appended as a digest so the recipient knows the
// batch is incomplete.
func renderBatch(items []Item, dropped int, summaryLines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d queued notifications:\n\n", len(items))
	for i, item := range items {
		if i > 0 {
			b.WriteString(batchDelimiter)
		}
		fmt.Fprintf(&b, "%d. %s", i+1, item.Text)
	}
	if dropped > 0 {
		b.WriteString("\n\n")
		b.WriteString(renderDigest(dropped, summaryLines))
	}
	return b.String()
}

// renderDigest renders the drop ledger as a compact suffix for a delivery.
func renderDigest(dropped int, summaryLines []string) string {
	noun := "notifications"
	if dropped == 1 {
		noun = "notification"
	}
	if len(summaryLines) == 0 {
		return fmt.Sprintf("(%d %s dropped under load)", dropped, noun)
	}
	return fmt.Sprintf("(%d %s dropped under load: %s)", dropped, noun, strings.Join(summaryLines, "; "))
}

// renderDigestOnly is used when the queue emptied but drops still need to be
// surfaced before the drain loop exits.
func renderDigestOnly(dropped int, summaryLines []string) string {
	return "Queued notifications were dropped under load. " + renderDigest(dropped, summaryLines)
}
