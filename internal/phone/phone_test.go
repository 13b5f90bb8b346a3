package phone

import (
	"strings"
	"testing"

	"pkt.systems/rcswitch/api"
)

func TestNewSlotsDefaults(t *testing.T) {
	set, err := NewSlots(3, []api.RadioAccessFamily{api.RAFGSM}, api.RAFLTE, []string{"modem-a"})
	if err != nil {
		t.Fatalf("new slots: %v", err)
	}
	if set.Len() != 3 {
		t.Fatalf("expected 3 phones, got %d", set.Len())
	}
	caps := set.Capabilities()
	if caps[0] != api.RAFGSM || caps[1] != api.RAFLTE || caps[2] != api.RAFLTE {
		t.Fatalf("unexpected capabilities %v", caps)
	}
	ids := set.LogicalModemIDs()
	if ids[0] != "modem-a" || ids[1] != "1" || ids[2] != "2" {
		t.Fatalf("unexpected modem ids %v", ids)
	}
}

func TestNewSlotsRejectsInvalid(t *testing.T) {
	if _, err := NewSlots(0, nil, 0, nil); err == nil {
		t.Fatal("expected error for zero phones")
	}
	if _, err := NewSlots(1, []api.RadioAccessFamily{1, 2}, 0, nil); err == nil {
		t.Fatal("expected error for too many capabilities")
	}
	_, err := NewSlots(2, nil, 0, []string{"1"})
	if err == nil || !strings.Contains(err.Error(), "used by phones") {
		t.Fatalf("expected duplicate modem id error, got %v", err)
	}
}

func TestSetRejectsMisnumberedPhones(t *testing.T) {
	if _, err := NewSet(NewSlot(1, "", 0)); err == nil {
		t.Fatal("expected id mismatch error")
	}
}

func TestSetPhoneOutOfRange(t *testing.T) {
	set, err := NewSlots(2, nil, 0, nil)
	if err != nil {
		t.Fatalf("new slots: %v", err)
	}
	if set.Phone(-1) != nil || set.Phone(2) != nil {
		t.Fatal("expected nil for out of range phone")
	}
	p := set.Phone(1)
	p.SetRadioAccessFamily(api.RAFNR)
	if got := set.Capabilities()[1]; got != api.RAFNR {
		t.Fatalf("expected NR committed, got %s", got)
	}
}
