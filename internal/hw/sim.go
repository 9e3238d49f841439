package hw

import "sync"

// SimPin is an in-memory pin for development hosts and tests.
type SimPin struct {
	mu     sync.Mutex
	level  bool
	writes int
}

// Set records the physical level.
func (p *SimPin) Set(on bool) error {
	p.mu.Lock()
	p.level = on
	p.writes++
	p.mu.Unlock()
	return nil
}

// Level returns the last written physical level.
func (p *SimPin) Level() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// Writes returns how many times the pin has been written.
func (p *SimPin) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func simPins(n int) []Pin {
	pins := make([]Pin, n)
	for i := range pins {
		pins[i] = &SimPin{}
	}
	return pins
}
