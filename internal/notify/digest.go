package notify

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/linkwatch/internal/collection"
)

// Digest summarizes a cycle's new links per target.
// Up to three targets are listed individually; beyond that the first two are
// named and the rest are folded into "and some more for K other pages.".
// ok is false when the cycle found nothing new.
func Digest(res collection.Result) (n Notification, ok bool) {
	totals := res.NewLinkTotals()
	if len(totals) == 0 {
		return Notification{}, false
	}

	chunks := make([]string, 0, 3)
	for i, t := range totals {
		if i == 3 {
			break
		}
		chunks = append(chunks, fmt.Sprintf("%d for %s", t.NewLinks, t.Name))
	}

	var msg string
	switch len(totals) {
	case 1:
		msg = chunks[0] + "."
	case 2:
		msg = fmt.Sprintf("%s and %s.", chunks[0], chunks[1])
	case 3:
		msg = fmt.Sprintf("%s, %s, and %s.", chunks[0], chunks[1], chunks[2])
	default:
		chunks[2] = fmt.Sprintf("and some more for %d other pages.", len(totals)-2)
		msg = strings.Join(chunks, ", ")
	}

	var newLinks int64
	for _, t := range totals {
		newLinks += int64(t.NewLinks)
	}
	title := fmt.Sprintf("%d new link", newLinks)
	if newLinks > 1 {
		title += "s"
	}
	return Notification{Kind: KindDigest, Title: title, Message: msg}, true
}
