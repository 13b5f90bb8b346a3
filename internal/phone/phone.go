// Package phone holds the endpoint handles the capability coordinator drives:
// one logical phone slot per modem, its logical modem id and the capability
// currently committed on it.
package phone

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"pkt.systems/rcswitch/api"
)

// Phone is an addressable handle for one logical phone/modem pair.
type Phone interface {
	// ID is the logical phone index.
	ID() int
	// LogicalModemID is sent with every capability command so the modem can
	// identify itself regardless of which physical radio backs it.
	LogicalModemID() string
	// RadioAccessFamily returns the committed capability.
	RadioAccessFamily() api.RadioAccessFamily
	// SetRadioAccessFamily commits a new capability.
	SetRadioAccessFamily(api.RadioAccessFamily)
}

// Slot is the in-process Phone implementation.
type Slot struct {
	id      int
	modemID string
	raf     atomic.Uint32
}

// NewSlot constructs a Slot. An empty modemID defaults to the phone index.
func NewSlot(id int, modemID string, raf api.RadioAccessFamily) *Slot {
	if modemID == "" {
		modemID = strconv.Itoa(id)
	}
	s := &Slot{id: id, modemID: modemID}
	s.raf.Store(uint32(raf))
	return s
}

func (s *Slot) ID() int { return s.id }

func (s *Slot) LogicalModemID() string { return s.modemID }

func (s *Slot) RadioAccessFamily() api.RadioAccessFamily {
	return api.RadioAccessFamily(s.raf.Load())
}

func (s *Slot) SetRadioAccessFamily(raf api.RadioAccessFamily) {
	s.raf.Store(uint32(raf))
}

// Set is the fixed, index-ordered collection of phones. Its length never
// changes after construction.
type Set struct {
	phones []Phone
}

// NewSet validates that phones[i].ID() == i and wraps them.
func NewSet(phones ...Phone) (*Set, error) {
	if len(phones) == 0 {
		return nil, errors.New("phone: at least one phone required")
	}
	for i, p := range phones {
		if p == nil {
			return nil, fmt.Errorf("phone: phone %d is nil", i)
		}
		if p.ID() != i {
			return nil, fmt.Errorf("phone: phone at index %d reports id %d", i, p.ID())
		}
	}
	out := make([]Phone, len(phones))
	copy(out, phones)
	return &Set{phones: out}, nil
}

// NewSlots builds a Set of n Slots. initial and modemIDs may be shorter than n;
// missing capabilities default to fallback and missing modem ids to the index.
func NewSlots(n int, initial []api.RadioAccessFamily, fallback api.RadioAccessFamily, modemIDs []string) (*Set, error) {
	if n <= 0 {
		return nil, fmt.Errorf("phone: phone count must be > 0 (got %d)", n)
	}
	if len(initial) > n {
		return nil, fmt.Errorf("phone: %d initial capabilities for %d phones", len(initial), n)
	}
	if len(modemIDs) > n {
		return nil, fmt.Errorf("phone: %d modem ids for %d phones", len(modemIDs), n)
	}
	seen := make(map[string]int, n)
	phones := make([]Phone, n)
	for i := range phones {
		raf := fallback
		if i < len(initial) {
			raf = initial[i]
		}
		var modemID string
		if i < len(modemIDs) {
			modemID = modemIDs[i]
		}
		slot := NewSlot(i, modemID, raf)
		if prev, dup := seen[slot.modemID]; dup {
			return nil, fmt.Errorf("phone: modem id %q used by phones %d and %d", slot.modemID, prev, i)
		}
		seen[slot.modemID] = i
		phones[i] = slot
	}
	return NewSet(phones...)
}

// Len returns the number of phones.
func (s *Set) Len() int { return len(s.phones) }

// Phone returns the phone at index i or nil when out of range.
func (s *Set) Phone(i int) Phone {
	if i < 0 || i >= len(s.phones) {
		return nil
	}
	return s.phones[i]
}

// Capabilities returns the committed capability of every phone.
func (s *Set) Capabilities() []api.RadioAccessFamily {
	out := make([]api.RadioAccessFamily, len(s.phones))
	for i, p := range s.phones {
		out[i] = p.RadioAccessFamily()
	}
	return out
}

// LogicalModemIDs returns the modem id of every phone.
func (s *Set) LogicalModemIDs() []string {
	out := make([]string, len(s.phones))
	for i, p := range s.phones {
		out[i] = p.LogicalModemID()
	}
	return out
}
