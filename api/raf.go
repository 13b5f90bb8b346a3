package api

import (
	"fmt"
	"math/bits"
	"sort"
	"strconv"
	"strings"
)

// RadioAccessFamily is a bitmask of radio technologies a phone slot may use.
// Bit positions follow the platform radio technology numbering, so the mask
// for a technology T is 1 << T.
type RadioAccessFamily uint32

// Radio technology bits.
const (
	RAFUnknown RadioAccessFamily = 1 << 0
	RAFGPRS    RadioAccessFamily = 1 << 1
	RAFEDGE    RadioAccessFamily = 1 << 2
	RAFUMTS    RadioAccessFamily = 1 << 3
	RAFIS95A   RadioAccessFamily = 1 << 4
	RAFIS95B   RadioAccessFamily = 1 << 5
	RAF1xRTT   RadioAccessFamily = 1 << 6
	RAFEVDO0   RadioAccessFamily = 1 << 7
	RAFEVDOA   RadioAccessFamily = 1 << 8
	RAFHSDPA   RadioAccessFamily = 1 << 9
	RAFHSUPA   RadioAccessFamily = 1 << 10
	RAFHSPA    RadioAccessFamily = 1 << 11
	RAFEVDOB   RadioAccessFamily = 1 << 12
	RAFEHRPD   RadioAccessFamily = 1 << 13
	RAFLTE     RadioAccessFamily = 1 << 14
	RAFHSPAP   RadioAccessFamily = 1 << 15
	RAFGSM     RadioAccessFamily = 1 << 16
	RAFTDSCDMA RadioAccessFamily = 1 << 17
	RAFLTECA   RadioAccessFamily = 1 << 19
	RAFNR      RadioAccessFamily = 1 << 20
)

const rafKnownAll = RAFUnknown | RAFGPRS | RAFEDGE | RAFUMTS | RAFIS95A | RAFIS95B |
	RAF1xRTT | RAFEVDO0 | RAFEVDOA | RAFHSDPA | RAFHSUPA | RAFHSPA | RAFEVDOB | RAFEHRPD |
	RAFLTE | RAFHSPAP | RAFGSM | RAFTDSCDMA | RAFLTECA | RAFNR

// Technology groups commonly requested as a whole.
const (
	RAFGroupGSM   = RAFGSM | RAFGPRS | RAFEDGE
	RAFGroupHS    = RAFHSUPA | RAFHSDPA | RAFHSPA | RAFHSPAP
	RAFGroupCDMA  = RAFIS95A | RAFIS95B | RAF1xRTT
	RAFGroupEVDO  = RAFEVDO0 | RAFEVDOA | RAFEVDOB | RAFEHRPD
	RAFGroupWCDMA = RAFGroupHS | RAFUMTS
	RAFGroupLTE   = RAFLTE | RAFLTECA
)

var rafNames = map[RadioAccessFamily]string{
	RAFUnknown: "UNKNOWN",
	RAFGPRS:    "GPRS",
	RAFEDGE:    "EDGE",
	RAFUMTS:    "UMTS",
	RAFIS95A:   "IS95A",
	RAFIS95B:   "IS95B",
	RAF1xRTT:   "1XRTT",
	RAFEVDO0:   "EVDO_0",
	RAFEVDOA:   "EVDO_A",
	RAFHSDPA:   "HSDPA",
	RAFHSUPA:   "HSUPA",
	RAFHSPA:    "HSPA",
	RAFEVDOB:   "EVDO_B",
	RAFEHRPD:   "EHRPD",
	RAFLTE:     "LTE",
	RAFHSPAP:   "HSPAP",
	RAFGSM:     "GSM",
	RAFTDSCDMA: "TD_SCDMA",
	RAFLTECA:   "LTE_CA",
	RAFNR:      "NR",
}

var rafGroups = map[string]RadioAccessFamily{
	"GROUP_GSM":   RAFGroupGSM,
	"GROUP_HS":    RAFGroupHS,
	"GROUP_CDMA":  RAFGroupCDMA,
	"GROUP_EVDO":  RAFGroupEVDO,
	"GROUP_WCDMA": RAFGroupWCDMA,
	"GROUP_LTE":   RAFGroupLTE,
}

var rafByName = func() map[string]RadioAccessFamily {
	out := make(map[string]RadioAccessFamily, len(rafNames)+len(rafGroups))
	for bit, name := range rafNames {
		out[name] = bit
	}
	for name, mask := range rafGroups {
		out[name] = mask
	}
	return out
}()

// Valid reports whether r only carries known technology bits.
func (r RadioAccessFamily) Valid() bool {
	return r&^rafKnownAll == 0
}

// Has reports whether every bit in other is present in r.
func (r RadioAccessFamily) Has(other RadioAccessFamily) bool {
	return r&other == other
}

// Technologies returns the number of technology bits set.
func (r RadioAccessFamily) Technologies() int {
	return bits.OnesCount32(uint32(r))
}

// String renders the mask as "|"-joined technology names in bit order.
// Unknown bits are rendered as hex so the value round-trips.
func (r RadioAccessFamily) String() string {
	if r == 0 {
		return "NONE"
	}
	parts := make([]string, 0, r.Technologies())
	rest := r
	for i := 0; i < 32; i++ {
		bit := RadioAccessFamily(1) << i
		if r&bit == 0 {
			continue
		}
		if name, ok := rafNames[bit]; ok {
			parts = append(parts, name)
			rest &^= bit
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// MarshalText implements encoding.TextMarshaler.
func (r RadioAccessFamily) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RadioAccessFamily) UnmarshalText(text []byte) error {
	parsed, err := ParseRadioAccessFamily(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRadioAccessFamily accepts a decimal or 0x-prefixed mask, or a list of
// technology and group names separated by "|", "," or "+"
// (for example "GSM|UMTS|LTE" or "GROUP_GSM+LTE"). Names are case-insensitive.
func ParseRadioAccessFamily(raw string) (RadioAccessFamily, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("api: empty radio access family")
	}
	if strings.EqualFold(raw, "NONE") {
		return 0, nil
	}
	if n, err := strconv.ParseUint(raw, 0, 32); err == nil {
		return RadioAccessFamily(n), nil
	}
	var out RadioAccessFamily
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == '|' || r == ',' || r == '+'
	}) {
		name := strings.ToUpper(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if strings.HasPrefix(name, "0X") {
			n, err := strconv.ParseUint(name[2:], 16, 32)
			if err != nil {
				return 0, fmt.Errorf("api: radio access family %q: %w", part, err)
			}
			out |= RadioAccessFamily(n)
			continue
		}
		mask, ok := rafByName[name]
		if !ok {
			return 0, fmt.Errorf("api: unknown radio technology %q", part)
		}
		out |= mask
	}
	return out, nil
}

// RadioTechnologyNames lists every technology name accepted by
// ParseRadioAccessFamily, sorted.
func RadioTechnologyNames() []string {
	out := make([]string, 0, len(rafByName))
	for name := range rafByName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
