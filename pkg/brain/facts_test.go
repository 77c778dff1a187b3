package brain

import (
	"sync"
	"testing"
)

func TestExtractFacts(t *testing.T) {
	cases := []struct {
		text string
		want map[string]string
	}{
		{"My name is Alice", map[string]string{FactUserName: "Alice"}},
		{"call me Al", map[string]string{FactUserName: "Al"}},
		{"my favourite colour is teal", map[string]string{FactFavoriteColor: "teal"}},
		{"my favorite food is ramen!", map[string]string{FactFavoriteFood: "ramen"}},
		{"I live in Lisbon.", map[string]string{FactLocation: "Lisbon"}},
		{"I'm from Ghent", map[string]string{FactLocation: "Ghent"}},
		{"I am 34 years old", map[string]string{FactAge: "34"}},
		{"I love gardening", map[string]string{FactHobby: "gardening"}},
		{"my dog is called Rex", map[string]string{"other_dog": "called Rex"}},
		{"what a nice day", map[string]string{}},
	}
	for _, tc := range cases {
		got := ExtractFacts(tc.text)
		if len(got) != len(tc.want) {
			t.Errorf("%q: got %v, want %v", tc.text, got, tc.want)
			continue
		}
		for k, v := range tc.want {
			if got[k] != v {
				t.Errorf("%q: key %s = %q, want %q", tc.text, k, got[k], v)
			}
		}
	}
}

func TestExtractFactsFirstMatchWins(t *testing.T) {
	got := ExtractFacts("my name is Alice but call me Al")
	if got[FactUserName] != "Alice" {
		t.Fatalf("expected first pattern to win, got %q", got[FactUserName])
	}
}

func TestSaveUserFactUpsert(t *testing.T) {
	b := newTestBrain(t)

	if err := b.SaveUserFact("alice", FactFavoriteColor, "teal"); err != nil {
		t.Fatal(err)
	}
	if err := b.SaveUserFact("alice", FactFavoriteColor, "mauve"); err != nil {
		t.Fatal(err)
	}

	facts, err := b.UserFacts("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 1 || facts[FactFavoriteColor] != "mauve" {
		t.Fatalf("unexpected facts: %v", facts)
	}
}

func TestUserFactsIsolatedPerUser(t *testing.T) {
	b := newTestBrain(t)

	if err := b.SaveUserFact("alice", FactUserName, "Alice"); err != nil {
		t.Fatal(err)
	}
	facts, err := b.UserFacts("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 0 {
		t.Fatalf("bob should have no facts, got %v", facts)
	}
}

func TestConcurrentFactSavesBothPersist(t *testing.T) {
	b := newTestBrain(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := b.SaveUserFact("alice", FactUserName, "Alice"); err != nil {
			t.Errorf("save name: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := b.SaveUserFact("alice", FactLocation, "Lisbon"); err != nil {
			t.Errorf("save location: %v", err)
		}
	}()
	wg.Wait()

	facts, err := b.UserFacts("alice")
	if err != nil {
		t.Fatal(err)
	}
	if facts[FactUserName] != "Alice" || facts[FactLocation] != "Lisbon" {
		t.Fatalf("lost a concurrent write: %v", facts)
	}
}
