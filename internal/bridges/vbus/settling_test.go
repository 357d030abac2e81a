package vbus

import (
	"testing"
	"time"
)

func TestSettlingDetectorScenario(t *testing.T) {
	var dumped []Header
	calls := 0
	d := NewSettlingDetector(func(headers []Header) {
		calls++
		dumped = headers
	})

	now := time.Now()
	for _, key := range []HeaderKey{keyA, keyB, keyC} {
		if d.AddHeader(header(key, now)) {
			t.Fatalf("settled while discovering %s", key)
		}
	}
	if d.Countdown() != 6 {
		t.Fatalf("Countdown() = %d, want 6", d.Countdown())
	}

	repeats := []HeaderKey{keyA, keyB, keyC, keyA, keyB, keyC}
	for i, key := range repeats {
		settled := d.AddHeader(header(key, now))
		last := i == len(repeats)-1
		if settled != last {
			t.Fatalf("repeat %d: AddHeader() = %v, want %v", i+1, settled, last)
		}
	}

	if !d.Settled() {
		t.Fatal("detector not settled after 6 quiet headers")
	}
	if calls != 1 {
		t.Fatalf("callback calls = %d, want 1", calls)
	}
	want := []HeaderKey{keyA, keyB, keyC}
	if len(dumped) != len(want) {
		t.Fatalf("dumped %d headers, want %d", len(dumped), len(want))
	}
	for i := range want {
		if dumped[i].Key != want[i] {
			t.Errorf("dumped[%d] = %s, want %s", i, dumped[i].Key, want[i])
		}
	}
}

func TestSettlingDetectorNeverSettlesWhileGrowing(t *testing.T) {
	d := NewSettlingDetector(nil)
	now := time.Now()

	for i := range 200 {
		key := HeaderKey{Destination: 0x0010, Source: uint16(0x7E00 + i), Protocol: 0x10, Command: 0x0100}
		if d.AddHeader(header(key, now)) {
			t.Fatalf("settled on new key %d", i)
		}
		// One repeat per discovery never exhausts the 2N countdown.
		if d.AddHeader(header(key, now)) {
			t.Fatalf("settled on repeat after key %d", i)
		}
	}
	if d.Settled() {
		t.Error("Settled() = true while discovery kept growing")
	}
	if d.Discovered() != 200 {
		t.Errorf("Discovered() = %d, want 200", d.Discovered())
	}
}

func TestSettlingDetectorCountdownResetsOnDiscovery(t *testing.T) {
	d := NewSettlingDetector(nil)
	now := time.Now()

	d.AddHeader(header(keyA, now)) // countdown 2
	d.AddHeader(header(keyA, now)) // countdown 1
	d.AddHeader(header(keyB, now)) // countdown 4

	if d.Countdown() != 4 {
		t.Fatalf("Countdown() = %d, want 4", d.Countdown())
	}
	for i := range 3 {
		if d.AddHeader(header(keyA, now)) {
			t.Fatalf("settled early on quiet header %d", i+1)
		}
	}
	if !d.AddHeader(header(keyB, now)) {
		t.Fatal("did not settle on the 4th quiet header")
	}
}

func TestSettlingDetectorIgnoresHeadersAfterSettling(t *testing.T) {
	calls := 0
	d := NewSettlingDetector(func([]Header) { calls++ })
	now := time.Now()

	d.AddHeader(header(keyA, now))
	d.AddHeader(header(keyA, now))
	if !d.AddHeader(header(keyA, now)) {
		t.Fatal("single key did not settle after 2 quiet headers")
	}

	if d.AddHeader(header(keyB, now)) {
		t.Error("AddHeader() after settling returned true")
	}
	if d.Discovered() != 0 {
		t.Errorf("Discovered() = %d after settling, want 0", d.Discovered())
	}
	if calls != 1 {
		t.Errorf("callback calls = %d, want 1", calls)
	}
}
