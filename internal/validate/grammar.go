package validate

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Placeholder kinds usable in pattern text.
const (
	SlotPeriod = "period"
	SlotAmount = "amount"
	SlotDate   = "date"
	SlotQty    = "qty"
)

// Periods is the fixed relative period vocabulary.
var Periods = []string{"td", "yd", "tw", "lw", "cm", "lm", "cq", "lq", "cy", "ly", "ytd"}

var periodSet = func() map[string]bool {
	m := make(map[string]bool, len(Periods))
	for _, p := range Periods {
		m[p] = true
	}
	return m
}()

var (
	amountRe   = regexp.MustCompile(`^[0-9]{1,12}[km]?$`)
	dateRe     = regexp.MustCompile(`^[0-9]{8}$`)
	qtyRe      = regexp.MustCompile(`^[0-9]{1,5}$`)
	quantityRe = regexp.MustCompile(`^([a-z][a-z0-9]{0,7})=([0-9]{1,5})$`)
	slotRe     = regexp.MustCompile(`^\{([a-z]+)([0-9]*)\}$`)
)

func IsPeriod(tok string) bool {
	return periodSet[tok]
}

// ParseAmount returns the amount with its k/m multiplier applied.
func ParseAmount(tok string) (int64, bool) {
	if !amountRe.MatchString(tok) {
		return 0, false
	}
	mult := int64(1)
	switch tok[len(tok)-1] {
	case 'k':
		mult, tok = 1_000, tok[:len(tok)-1]
	case 'm':
		mult, tok = 1_000_000, tok[:len(tok)-1]
	}
	v, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return 0, false
	}
	return v * mult, true
}

// ParseDate parses yyyymmdd and rejects dates that do not exist.
func ParseDate(tok string) (time.Time, bool) {
	if !dateRe.MatchString(tok) {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102", tok)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ParseQty accepts a positive integer in [1, 99999].
func ParseQty(tok string) (int, bool) {
	if !qtyRe.MatchString(tok) {
		return 0, false
	}
	v, err := strconv.Atoi(tok)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

// EntityQuantity is one code=qty pair of a multi-entity quantity input.
type EntityQuantity struct {
	Code     string
	Quantity int
}

// ParseQuantityList parses 1-5 space-separated code=qty tokens.
func ParseQuantityList(input string) ([]EntityQuantity, bool) {
	toks := strings.Split(input, " ")
	if len(toks) == 0 || len(toks) > 5 {
		return nil, false
	}
	out := make([]EntityQuantity, 0, len(toks))
	for _, tok := range toks {
		m := quantityRe.FindStringSubmatch(tok)
		if m == nil {
			return nil, false
		}
		qty, ok := ParseQty(m[2])
		if !ok {
			return nil, false
		}
		out = append(out, EntityQuantity{Code: m[1], Quantity: qty})
	}
	return out, true
}

// ParseDateRange parses a literal "yyyymmdd yyyymmdd" range with start <= end.
func ParseDateRange(input string) (time.Time, time.Time, bool) {
	toks := strings.Split(input, " ")
	if len(toks) != 2 {
		return time.Time{}, time.Time{}, false
	}
	from, ok := ParseDate(toks[0])
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	to, ok := ParseDate(toks[1])
	if !ok || to.Before(from) {
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// slot parses a whole-token placeholder such as {date2} into its kind and
// field name.
func slot(tok string) (kind, field string, ok bool) {
	m := slotRe.FindStringSubmatch(tok)
	if m == nil {
		return "", "", false
	}
	return m[1], m[1] + m[2], true
}

// matchSlot validates one input token against a placeholder kind. Unknown
// kinds accept any single token.
func matchSlot(kind, tok string) bool {
	switch kind {
	case SlotPeriod:
		return IsPeriod(tok)
	case SlotAmount:
		_, ok := ParseAmount(tok)
		return ok
	case SlotDate:
		_, ok := ParseDate(tok)
		return ok
	case SlotQty:
		_, ok := ParseQty(tok)
		return ok
	default:
		return tok != ""
	}
}

// MatchPattern reports whether input matches pattern text token by token and
// returns the placeholder values keyed by field name.
func MatchPattern(patternText, input string) (map[string]string, bool) {
	pt := strings.Split(patternText, " ")
	it := strings.Split(input, " ")
	if len(pt) != len(it) {
		return nil, false
	}
	var fields map[string]string
	for i, p := range pt {
		kind, field, isSlot := slot(p)
		if !isSlot {
			if p != it[i] {
				return nil, false
			}
			continue
		}
		if !matchSlot(kind, it[i]) {
			return nil, false
		}
		if fields == nil {
			fields = make(map[string]string)
		}
		fields[field] = it[i]
	}
	if fields == nil {
		fields = map[string]string{}
	}
	return fields, true
}
