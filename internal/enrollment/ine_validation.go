package enrollment

import (
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/BTreeMap/EnrollPipe/internal/models"
	"github.com/BTreeMap/EnrollPipe/internal/util"
)

// ReasonUnavailable is the verdict reason when validation could not run.
const ReasonUnavailable = "validation unavailable"

// Verdict is the outcome of comparing declared data with an extraction.
type Verdict struct {
	Match  bool
	Reason string
}

// Unavailable reports whether the verdict denies because validation itself failed.
func (v Verdict) Unavailable() bool {
	return !v.Match && v.Reason == ReasonUnavailable
}

var unavailable = Verdict{Match: false, Reason: ReasonUnavailable}

var digitRuns = regexp.MustCompile(`\d+`)

// ValidateFront checks the declared full name (order-insensitive), CURP and
// birth date against the front of the card.
func ValidateFront(declared models.InscriptionData, ext *Extraction) (v Verdict) {
	defer recoverVerdict("ValidateFront", &v)
	if ext == nil || ext.Side != SideFront || ext.Front == nil {
		return unavailable
	}
	f := ext.Front

	var reasons []string
	switch {
	case f.GivenNames == nil || f.PaternalSurname == nil:
		reasons = append(reasons, "no se pudo leer el nombre en la INE")
	default:
		extracted := nameTokens(*f.GivenNames, *f.PaternalSurname, deref(f.MaternalSurname))
		if !namesMatch(nameTokens(declared.Get(models.FieldFullName)), extracted, f.MaternalSurname == nil) {
			reasons = append(reasons, "el nombre no coincide con el de la INE")
		}
	}

	switch {
	case f.CURP == nil:
		reasons = append(reasons, "no se pudo leer la CURP en la INE")
	case normalizeCURP(declared.Get(models.FieldCURP)) != normalizeCURP(*f.CURP):
		reasons = append(reasons, "la CURP no coincide")
	}

	switch {
	case f.BirthDate == nil:
		reasons = append(reasons, "no se pudo leer la fecha de nacimiento en la INE")
	case !sameDate(declared.Get(models.FieldBirthDate), *f.BirthDate):
		reasons = append(reasons, "la fecha de nacimiento no coincide")
	}

	if len(reasons) > 0 {
		return Verdict{Match: false, Reason: strings.Join(reasons, "; ")}
	}
	return Verdict{Match: true}
}

// ValidateBack checks that the third machine-readable-zone line carries the
// declared name as SURNAME1<SURNAME2<<GIVENNAME.
func ValidateBack(declared models.InscriptionData, ext *Extraction) (v Verdict) {
	defer recoverVerdict("ValidateBack", &v)
	if ext == nil || ext.Side != SideBack || ext.Back == nil {
		return unavailable
	}
	if ext.Back.Line3 == nil {
		return Verdict{Match: false, Reason: "no se pudo leer la tercera línea del reverso"}
	}
	surnames, given, ok := parseMRZName(*ext.Back.Line3)
	if !ok {
		return Verdict{Match: false, Reason: "la tercera línea del reverso no tiene el formato esperado"}
	}
	wantSurnames, wantGiven, ok := mrzExpectation(nameTokens(declared.Get(models.FieldFullName)))
	if !ok || !slices.Equal(surnames, wantSurnames) || !slices.Equal(given, wantGiven) {
		return Verdict{Match: false, Reason: "el nombre no coincide con la zona de lectura del reverso"}
	}
	return Verdict{Match: true}
}

// mrzExpectation splits a declared name into the surnames and given names the
// MRZ line must carry, in order. The last two tokens are the surnames, or only
// the last one when two tokens are declared.
func mrzExpectation(declared []string) (surnames, given []string, ok bool) {
	switch n := len(declared); {
	case n >= 3:
		return declared[n-2:], declared[:n-2], true
	case n == 2:
		return declared[1:], declared[:1], true
	default:
		return nil, nil, false
	}
}

func recoverVerdict(op string, v *Verdict) {
	if r := recover(); r != nil {
		slog.Error("enrollment."+op+": validation panicked", "panic", r)
		*v = unavailable
	}
}

// nameTokens folds and splits name parts into comparable words.
func nameTokens(parts ...string) []string {
	var tokens []string
	for _, p := range parts {
		tokens = append(tokens, util.FoldTokens(p)...)
	}
	return tokens
}

// namesMatch compares token multisets. When the maternal surname could not be
// read, the declared name may carry exactly one extra token.
func namesMatch(declared, extracted []string, maternalUnknown bool) bool {
	if len(declared) == 0 || len(extracted) == 0 {
		return false
	}
	if sameTokens(declared, extracted) {
		return true
	}
	if !maternalUnknown || len(declared) != len(extracted)+1 {
		return false
	}
	counts := tokenCounts(declared)
	for _, t := range extracted {
		if counts[t] == 0 {
			return false
		}
		counts[t]--
	}
	return true
}

func sameTokens(a, b []string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	counts := tokenCounts(a)
	for _, t := range b {
		if counts[t] == 0 {
			return false
		}
		counts[t]--
	}
	return true
}

func tokenCounts(tokens []string) map[string]int {
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	return counts
}

// parseMRZName splits an MRZ name line into surnames and given names.
func parseMRZName(line string) (surnames, given []string, ok bool) {
	s := strings.ToUpper(strings.Join(strings.Fields(line), ""))
	s = strings.TrimRight(s, "<")
	idx := strings.Index(s, "<<")
	if idx <= 0 {
		return nil, nil, false
	}
	split := func(part string) []string {
		var out []string
		for _, p := range strings.Split(strings.Trim(part, "<"), "<") {
			out = append(out, util.FoldTokens(p)...)
		}
		return out
	}
	surnames = split(s[:idx])
	given = split(s[idx+2:])
	return surnames, given, len(surnames) > 0 && len(given) > 0
}

func normalizeCURP(s string) string {
	return strings.ToUpper(strings.Join(util.FoldTokens(s), ""))
}

// sameDate compares two DD/MM/YYYY dates, tolerating separators and leading zeros.
func sameDate(a, b string) bool {
	da, okA := parseDayMonthYear(a)
	db, okB := parseDayMonthYear(b)
	if okA && okB {
		return da == db
	}
	return util.FoldText(a) != "" && util.FoldText(a) == util.FoldText(b)
}

func parseDayMonthYear(s string) ([3]int, bool) {
	runs := digitRuns.FindAllString(s, -1)
	if len(runs) != 3 {
		return [3]int{}, false
	}
	var n [3]int
	for i, r := range runs {
		v, err := strconv.Atoi(r)
		if err != nil {
			return [3]int{}, false
		}
		n[i] = v
	}
	if len(runs[0]) == 4 {
		n[0], n[2] = n[2], n[0]
	}
	if n[0] < 1 || n[0] > 31 || n[1] < 1 || n[1] > 12 || n[2] < 1900 {
		return [3]int{}, false
	}
	return n, true
}
