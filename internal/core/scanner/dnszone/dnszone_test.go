package dnszone

import "testing"

func TestCrawlRejectsNonArpaZone(t *testing.T) {
	if _, err := Crawl(Config{Resolver: "127.0.0.1:53", RootZone: "example.com", Limit: 2}); err == nil {
		t.Fatal("expected an error for a non-ip6.arpa root zone")
	}
}

func TestWorkStackVisitsEachZoneOnce(t *testing.T) {
	visited := map[string]bool{}
	stack := []work{{zone: "a"}, {zone: "a"}, {zone: "b"}}
	var order []string
	for len(stack) > 0 {
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[w.zone] {
			continue
		}
		visited[w.zone] = true
		order = append(order, w.zone)
	}
	if len(order) != 2 {
		t.Fatalf("got %v, want 2 unique zones visited", order)
	}
}

func TestRandomNameRespectsCharLimitAndSuffix(t *testing.T) {
	charLimit := 2*4 + len(Suffix)
	name := randomName(charLimit)
	if len(name) > charLimit {
		t.Fatalf("got length %d, want at most %d", len(name), charLimit)
	}
	if name[len(name)-len(Suffix):] != Suffix {
		t.Fatalf("got %q, want it to end in %s", name, Suffix)
	}
}

func TestRandomNameTruncatesToAutogenLimit(t *testing.T) {
	// A huge charLimit must still cap the random label portion.
	name := randomName(2*64 + len(Suffix))
	nibbles := len(name) - len(Suffix)
	if nibbles > autogenNameLimit {
		t.Fatalf("got %d nibble characters, want at most %d", nibbles, autogenNameLimit)
	}
}
