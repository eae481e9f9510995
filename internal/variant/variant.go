// Package variant partitions a resolved audience across A/B variants.
package variant

import (
	"fmt"

	"github.com/foxzi/herald/internal/campaign"
)

// DefaultID names the implicit variant of campaigns without A/B testing
const DefaultID = "default"

// RemainderPolicy decides what happens to recipients left over by floor rounding
type RemainderPolicy string

const (
	// RemainderLargest appends the remainder to the variant with the largest percentage
	RemainderLargest RemainderPolicy = "largest"
	// RemainderUnassigned leaves the remainder in Allocation.Unassigned
	RemainderUnassigned RemainderPolicy = "unassigned"
)

// ParsePolicy validates a configured remainder policy. Empty means RemainderLargest.
func ParsePolicy(s string) (RemainderPolicy, error) {
	switch RemainderPolicy(s) {
	case "", RemainderLargest:
		return RemainderLargest, nil
	case RemainderUnassigned:
		return RemainderUnassigned, nil
	}
	return "", fmt.Errorf("unknown remainder policy %q", s)
}

// Group is one variant with its content and its slice of recipients
type Group struct {
	ID         string
	Name       string
	Subject    string
	Body       string
	HTML       string
	Recipients []campaign.Recipient
}

// Allocation is the result of partitioning an audience
type Allocation struct {
	Groups []Group
	// Unassigned holds recipients no variant received under RemainderUnassigned
	Unassigned []campaign.Recipient
	// Remainder is N minus the sum of floor(N*p/100) before the policy is applied
	Remainder int
}

// Allocate splits recipients across the campaign's variants in declaration order.
// Variant i receives the contiguous slice of floor(N*p_i/100) recipients following variant i-1.
func Allocate(c *campaign.Campaign, recipients []campaign.Recipient, policy RemainderPolicy) *Allocation {
	if !c.ABEnabled() || len(c.ABTest.Variants) == 0 {
		return &Allocation{Groups: []Group{{
			ID:         DefaultID,
			Name:       DefaultID,
			Subject:    c.Content.Subject,
			Body:       c.Content.Body,
			HTML:       c.Content.HTML,
			Recipients: recipients,
		}}}
	}

	n := len(recipients)
	variants := c.ABTest.Variants
	counts := make([]int, len(variants))
	assigned := 0
	for i, v := range variants {
		counts[i] = n * v.Percentage / 100
		assigned += counts[i]
	}

	alloc := &Allocation{Remainder: n - assigned}
	if alloc.Remainder > 0 && policy != RemainderUnassigned {
		counts[largest(variants)] += alloc.Remainder
	}

	offset := 0
	alloc.Groups = make([]Group, len(variants))
	for i, v := range variants {
		g := Group{
			ID:      v.ID,
			Name:    v.Name,
			Subject: fallback(v.Subject, c.Content.Subject),
			Body:    fallback(v.Body, c.Content.Body),
			HTML:    fallback(v.HTML, c.Content.HTML),
		}
		g.Recipients = recipients[offset : offset+counts[i]]
		offset += counts[i]
		alloc.Groups[i] = g
	}

	if offset < n {
		alloc.Unassigned = recipients[offset:]
	}
	return alloc
}

// Size returns the number of recipients that received a variant
func (a *Allocation) Size() int {
	total := 0
	for _, g := range a.Groups {
		total += len(g.Recipients)
	}
	return total
}

// largest returns the index of the variant with the highest percentage, first on ties
func largest(variants []campaign.Variant) int {
	best := 0
	for i, v := range variants {
		if v.Percentage > variants[best].Percentage {
			best = i
		}
	}
	return best
}

func fallback(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
