package api

import (
	"encoding/json"
	"testing"
)

func TestParseRadioAccessFamily(t *testing.T) {
	cases := []struct {
		in   string
		want RadioAccessFamily
	}{
		{"GSM", RAFGSM},
		{"gsm|umts|lte", RAFGSM | RAFUMTS | RAFLTE},
		{"GROUP_GSM+LTE", RAFGroupGSM | RAFLTE},
		{"16384", RAFLTE},
		{"0x4000", RAFLTE},
		{"LTE,0x1", RAFLTE | RAFUnknown},
		{"1xRTT", RAF1xRTT},
		{"none", 0},
	}
	for _, tc := range cases {
		got, err := ParseRadioAccessFamily(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q: got %s want %s", tc.in, got, tc.want)
		}
	}
}

func TestParseRadioAccessFamilyRejectsUnknownNames(t *testing.T) {
	for _, in := range []string{"", "WIMAX", "GSM|BOGUS"} {
		if _, err := ParseRadioAccessFamily(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestRadioAccessFamilyStringOrdersBits(t *testing.T) {
	raf := RAFLTE | RAFGSM | RAFUMTS
	if got := raf.String(); got != "UMTS|LTE|GSM" {
		t.Fatalf("unexpected string %q", got)
	}
	if got := RadioAccessFamily(1 << 18).String(); got != "0x40000" {
		t.Fatalf("unexpected string for unnamed bit %q", got)
	}
	if RadioAccessFamily(1 << 18).Valid() {
		t.Fatalf("bit 18 should not be valid")
	}
	if !(RAFGroupWCDMA).Has(RAFHSPA) {
		t.Fatalf("WCDMA group should include HSPA")
	}
}

func TestOutcomeCapabilitiesEncodeAsNames(t *testing.T) {
	out := Outcome{
		Event:        OutcomeEventDone,
		Success:      true,
		Capabilities: map[int]RadioAccessFamily{0: RAFLTE, 1: RAFGSM | RAFUMTS},
	}
	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Outcome
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Capabilities[1] != RAFGSM|RAFUMTS {
		t.Fatalf("capabilities did not survive encoding: %s", data)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	caps := raw["capabilities"].(map[string]any)
	if caps["0"] != "LTE" {
		t.Fatalf("expected LTE name on the wire, got %v", caps["0"])
	}
}
