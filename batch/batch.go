// Package batch groups translation units into bounded, order-preserving
// batches.
package batch

import (
	"strings"
	"unicode/utf8"

	"github.com/minios-linux/lokitd/segment"
)

// Separator joins units inside a batch. The batch translator recovers the
// unit count by splitting on it.
const Separator = "\n"

const (
	// DefaultMaxChars is the default character budget per batch.
	DefaultMaxChars = 6000
	// DefaultMaxUnits is the default unit-count budget per batch.
	DefaultMaxUnits = 10
)

// Limits bounds a batch. MaxChars is primary; MaxUnits is secondary.
// Zero or negative values mean "unbounded".
type Limits struct {
	MaxChars int
	MaxUnits int
}

// Batch is an ordered group of units sent in one translation request.
type Batch struct {
	// Index is the 0-based position of the batch in the job.
	Index int
	// Total is the number of batches in the job.
	Total int
	// Units holds the unit texts in source order.
	Units []string
	// Oversized marks a piece of a single unit that exceeded MaxChars and
	// was force-split.
	Oversized bool
}

// Text returns the serialized batch.
func (b Batch) Text() string {
	return strings.Join(b.Units, Separator)
}

// Len returns the serialized length in runes.
func (b Batch) Len() int {
	return utf8.RuneCountInString(b.Text())
}

// SplitText is the inverse of Batch.Text.
func SplitText(text string) []string {
	return strings.Split(text, Separator)
}

// Make groups units greedily. A new batch starts when adding the next unit
// would exceed MaxChars (checked first) or when the current batch already
// holds MaxUnits units. A unit longer than MaxChars flushes the current
// batch and is split into pieces that each become their own batch.
func Make(units []segment.Unit, lim Limits) []Batch {
	var (
		out     []Batch
		current []string
		size    int
	)
	sepLen := utf8.RuneCountInString(Separator)

	flush := func() {
		if len(current) == 0 {
			return
		}
		out = append(out, Batch{Units: current})
		current = nil
		size = 0
	}

	for _, u := range units {
		n := utf8.RuneCountInString(u.Text)

		if lim.MaxChars > 0 && n > lim.MaxChars {
			flush()
			for _, piece := range segment.SplitByLength(u.Text, lim.MaxChars) {
				out = append(out, Batch{Units: []string{piece}, Oversized: true})
			}
			continue
		}

		added := n
		if len(current) > 0 {
			added += sepLen
		}
		if lim.MaxChars > 0 && size+added > lim.MaxChars {
			flush()
			added = n
		}

		current = append(current, u.Text)
		size += added

		if lim.MaxUnits > 0 && len(current) >= lim.MaxUnits {
			flush()
		}
	}
	flush()

	for i := range out {
		out[i].Index = i
		out[i].Total = len(out)
	}
	return out
}

// TotalChars sums the rune length of all units.
func TotalChars(units []segment.Unit) int {
	total := 0
	for _, u := range units {
		total += utf8.RuneCountInString(u.Text)
	}
	return total
}
