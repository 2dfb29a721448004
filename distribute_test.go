package relay

import (
	"math/rand"
	"reflect"
	"testing"
)

func TestDistributeCoverage(t *testing.T) {
	var units []AtomicUnit
	for i := 0; i < 25; i++ {
		units = append(units, unitOf("", photoMsg(i+1, int64(i*100+1))))
	}
	a, err := Distribute(units, []string{"s1", "s2", "s3"})
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[int]int)
	for _, list := range a {
		for _, u := range list {
			seen[u.FirstID()]++
		}
	}
	if len(seen) != len(units) {
		t.Fatalf("expected %d units covered, got %d", len(units), len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("unit %d appears %d times", id, n)
		}
	}
}

func TestDistributeGroupIndivisibility(t *testing.T) {
	units := []AtomicUnit{
		unitOf("g1",
			groupMsg(10, "g1", KindPhoto, 500),
			groupMsg(11, "g1", KindVideo, 700)),
		unitOf("", photoMsg(1, 100)),
		unitOf("", photoMsg(2, 900)),
	}
	a, err := Distribute(units, []string{"s1", "s2"})
	if err != nil {
		t.Fatal(err)
	}
	for name, list := range a {
		for _, u := range list {
			if u.GroupID != "g1" {
				continue
			}
			if len(u.Messages) != 2 {
				t.Fatalf("group split: session %s holds %d of 2 messages", name, len(u.Messages))
			}
			if u.Messages[0].ID != 10 || u.Messages[1].ID != 11 {
				t.Errorf("group order broken: %v", u.Messages)
			}
		}
	}
}

func TestDistributeLoadBalance(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var units []AtomicUnit
	for i := 0; i < 40; i++ {
		units = append(units, unitOf("", photoMsg(i+1, int64(rng.Intn(1000)+100))))
	}
	a, err := Distribute(units, []string{"s1", "s2", "s3"})
	if err != nil {
		t.Fatal(err)
	}
	if imb := a.Imbalance(); imb > 0.4 {
		t.Errorf("imbalance %.2f exceeds 0.4", imb)
	}
}

func TestDistributeDeterministic(t *testing.T) {
	var units []AtomicUnit
	for i := 0; i < 30; i++ {
		units = append(units, unitOf("", photoMsg(i+1, int64((i*37)%500+10))))
	}
	first, err := Distribute(units, []string{"b", "a", "c"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := Distribute(units, []string{"c", "a", "b"})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("assignment differs between runs")
		}
	}
}

func TestDistributeSessionListsInSourceOrder(t *testing.T) {
	var units []AtomicUnit
	for i := 0; i < 12; i++ {
		units = append(units, unitOf("", photoMsg(i+1, int64(1000-i*50))))
	}
	a, err := Distribute(units, []string{"s1", "s2"})
	if err != nil {
		t.Fatal(err)
	}
	for name, list := range a {
		for i := 1; i < len(list); i++ {
			if list[i-1].FirstID() >= list[i].FirstID() {
				t.Errorf("session %s list out of source order at %d", name, i)
			}
		}
	}
}

func TestDistributeNoSessions(t *testing.T) {
	if _, err := Distribute([]AtomicUnit{unitOf("", photoMsg(1, 1))}, nil); err != ErrNoSessions {
		t.Fatalf("expected ErrNoSessions, got %v", err)
	}
}
