package variant

import (
	"fmt"
	"testing"

	"github.com/foxzi/herald/internal/campaign"
)

func makeRecipients(n int) []campaign.Recipient {
	out := make([]campaign.Recipient, n)
	for i := range out {
		out[i] = campaign.Recipient{ID: fmt.Sprintf("r%d", i)}
	}
	return out
}

func abCampaign(percentages ...int) *campaign.Campaign {
	c := &campaign.Campaign{
		Content: campaign.Content{Subject: "base subject", Body: "base body", HTML: "<p>base</p>"},
		ABTest:  &campaign.ABTestConfig{Enabled: true},
	}
	for i, p := range percentages {
		c.ABTest.Variants = append(c.ABTest.Variants, campaign.Variant{
			ID:         fmt.Sprintf("v%d", i),
			Name:       fmt.Sprintf("Variant %d", i),
			Percentage: p,
		})
	}
	return c
}

func TestAllocateWithoutABTest(t *testing.T) {
	c := &campaign.Campaign{Content: campaign.Content{Subject: "s", HTML: "h"}}
	recs := makeRecipients(5)

	a := Allocate(c, recs, RemainderLargest)
	if len(a.Groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(a.Groups))
	}
	g := a.Groups[0]
	if g.ID != DefaultID || len(g.Recipients) != 5 || g.Subject != "s" || g.HTML != "h" {
		t.Errorf("group = %+v", g)
	}
}

func TestAllocateFiftyFifty(t *testing.T) {
	a := Allocate(abCampaign(50, 50), makeRecipients(2), RemainderLargest)
	if len(a.Groups) != 2 {
		t.Fatalf("groups = %d", len(a.Groups))
	}
	if len(a.Groups[0].Recipients) != 1 || len(a.Groups[1].Recipients) != 1 {
		t.Fatalf("sizes = %d/%d", len(a.Groups[0].Recipients), len(a.Groups[1].Recipients))
	}
	if a.Groups[0].Recipients[0].ID != "r0" || a.Groups[1].Recipients[0].ID != "r1" {
		t.Error("slices should follow declaration order")
	}
}

func TestAllocateFloorAndUnassigned(t *testing.T) {
	tests := []struct {
		n           int
		percentages []int
	}{
		{10, []int{33, 33, 34}},
		{7, []int{50, 50}},
		{101, []int{10, 20, 70}},
		{3, []int{25, 25, 25, 25}},
		{0, []int{50, 50}},
		{1, []int{100}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%v", tt.n, tt.percentages), func(t *testing.T) {
			recs := makeRecipients(tt.n)
			a := Allocate(abCampaign(tt.percentages...), recs, RemainderUnassigned)

			seen := map[string]bool{}
			sum := 0
			for i, g := range a.Groups {
				want := tt.n * tt.percentages[i] / 100
				if len(g.Recipients) != want {
					t.Errorf("variant %d got %d recipients, want %d", i, len(g.Recipients), want)
				}
				for _, r := range g.Recipients {
					if seen[r.ID] {
						t.Errorf("recipient %s in two variants", r.ID)
					}
					seen[r.ID] = true
				}
				sum += want
			}

			if a.Remainder != tt.n-sum || len(a.Unassigned) != tt.n-sum {
				t.Errorf("remainder = %d, unassigned = %d, want %d", a.Remainder, len(a.Unassigned), tt.n-sum)
			}
			for _, r := range a.Unassigned {
				if seen[r.ID] {
					t.Errorf("unassigned recipient %s also allocated", r.ID)
				}
				seen[r.ID] = true
			}
			if len(seen) != tt.n {
				t.Errorf("covered %d recipients, want %d", len(seen), tt.n)
			}
		})
	}
}

func TestAllocateRemainderToLargest(t *testing.T) {
	a := Allocate(abCampaign(30, 40, 30), makeRecipients(11), RemainderLargest)

	// floor: 3, 4, 3 -> remainder 1 goes to the 40% variant
	sizes := []int{len(a.Groups[0].Recipients), len(a.Groups[1].Recipients), len(a.Groups[2].Recipients)}
	if sizes[0] != 3 || sizes[1] != 5 || sizes[2] != 3 {
		t.Errorf("sizes = %v, want [3 5 3]", sizes)
	}
	if a.Remainder != 1 || len(a.Unassigned) != 0 {
		t.Errorf("remainder = %d, unassigned = %d", a.Remainder, len(a.Unassigned))
	}
	if a.Size() != 11 {
		t.Errorf("Size = %d, want 11", a.Size())
	}
	if a.Groups[2].Recipients[0].ID != "r8" {
		t.Errorf("third slice starts at %s, want r8", a.Groups[2].Recipients[0].ID)
	}
}

func TestAllocateRemainderTieGoesFirst(t *testing.T) {
	a := Allocate(abCampaign(50, 50), makeRecipients(3), RemainderLargest)
	if len(a.Groups[0].Recipients) != 2 || len(a.Groups[1].Recipients) != 1 {
		t.Errorf("sizes = %d/%d, want 2/1", len(a.Groups[0].Recipients), len(a.Groups[1].Recipients))
	}
}

func TestAllocateDeterministic(t *testing.T) {
	recs := makeRecipients(20)
	c := abCampaign(25, 75)
	first := Allocate(c, recs, RemainderLargest)
	second := Allocate(c, recs, RemainderLargest)
	for i := range first.Groups {
		for j := range first.Groups[i].Recipients {
			if first.Groups[i].Recipients[j].ID != second.Groups[i].Recipients[j].ID {
				t.Fatal("allocation is not reproducible")
			}
		}
	}
}

func TestAllocateContentFallback(t *testing.T) {
	c := abCampaign(50, 50)
	c.ABTest.Variants[1].Subject = "override"
	c.ABTest.Variants[1].HTML = "<p>b</p>"

	a := Allocate(c, makeRecipients(2), RemainderLargest)
	if a.Groups[0].Subject != "base subject" || a.Groups[0].HTML != "<p>base</p>" {
		t.Errorf("variant 0 should use base content: %+v", a.Groups[0])
	}
	if a.Groups[1].Subject != "override" || a.Groups[1].HTML != "<p>b</p>" || a.Groups[1].Body != "base body" {
		t.Errorf("variant 1 content = %+v", a.Groups[1])
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    RemainderPolicy
		wantErr bool
	}{
		{"", RemainderLargest, false},
		{"largest", RemainderLargest, false},
		{"unassigned", RemainderUnassigned, false},
		{"random", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, %v", tt.in, got, err)
		}
	}
}
