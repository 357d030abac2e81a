package vbus

import "sync"

// SettlingDetector decides when the population of distinct packet types on
// the bus has stopped growing.
//
// Every newly discovered key resets a countdown to twice the current key
// count; every header that adds nothing decrements it. When the countdown
// reaches zero the detector settles, hands a sorted snapshot of the
// discovered headers to the callback once, and discards its discovery set.
// A settled detector never restarts.
//
// Thread Safety: All methods are safe for concurrent use.
type SettlingDetector struct {
	mu        sync.Mutex
	set       *HeaderSet
	countdown int
	settled   bool
	onSettled func(headers []Header)
}

// NewSettlingDetector creates a detector. onSettled may be nil.
func NewSettlingDetector(onSettled func(headers []Header)) *SettlingDetector {
	return &SettlingDetector{
		set:       NewHeaderSet(),
		onSettled: onSettled,
	}
}

// AddHeader feeds one header into discovery. It returns true only for the
// call that caused the detector to settle.
func (d *SettlingDetector) AddHeader(h Header) bool {
	d.mu.Lock()

	if d.settled {
		d.mu.Unlock()
		return false
	}

	before := d.set.Count()
	d.set.AddHeader(h)
	after := d.set.Count()

	switch {
	case after != before:
		d.countdown = 2 * after
		d.mu.Unlock()
		return false
	case d.countdown > 0:
		d.countdown--
		if d.countdown > 0 {
			d.mu.Unlock()
			return false
		}
	}

	d.settled = true
	discovered := d.set.SortedHeaders()
	d.set = nil
	callback := d.onSettled
	d.mu.Unlock()

	if callback != nil {
		callback(discovered)
	}
	return true
}

// Settled reports whether discovery has stabilised.
func (d *SettlingDetector) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// Discovered returns the number of distinct keys seen so far, or zero once
// the detector has settled and dropped its set.
func (d *SettlingDetector) Discovered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.set == nil {
		return 0
	}
	return d.set.Count()
}

// Countdown returns the remaining quiet headers required before settling.
func (d *SettlingDetector) Countdown() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.countdown
}
