package meta

import (
	"regexp"
	"strings"
)

// Reserved device names (sans extension) that never become children.
var reservedNames = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {}, "clock$": {},
	"com1": {}, "com2": {}, "com3": {}, "com4": {}, "com5": {},
	"com6": {}, "com7": {}, "com8": {}, "com9": {},
	"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {}, "lpt5": {},
	"lpt6": {}, "lpt7": {}, "lpt8": {}, "lpt9": {},
}

const illegalNameRunes = `"\/<>?:*|`

// ExcludedName reports whether a name component may never be created: the
// classical reserved-device set (matched on the stem, case-insensitively)
// or any illegal character.
func ExcludedName(name string) bool {
	stem := name
	if i := strings.LastIndexByte(stem, '.'); i > 0 {
		stem = stem[:i]
	}
	if _, ok := reservedNames[strings.ToLower(stem)]; ok {
		return true
	}
	return strings.ContainsAny(name, illegalNameRunes)
}

// maskSpecials are the regexp metacharacters escaped before wildcard
// translation. '*' and '?' are deliberately absent.
const maskSpecials = `.[]{}()+|^$`

func maskToRegexp(mask string) string {
	var b strings.Builder
	b.Grow(len(mask) + 8)
	for _, r := range mask {
		switch {
		case strings.ContainsRune(maskSpecials, r):
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '*':
			b.WriteString(".*")
		case r == '?':
			b.WriteByte('.')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MatchesMask reports whether name matches the wildcard mask in full,
// case-insensitively. '*' matches any run, '?' any single character. A mask
// that fails to compile matches nothing.
func MatchesMask(mask, name string) bool {
	re, err := regexp.Compile(`(?i)^` + maskToRegexp(mask) + `$`)
	if err != nil {
		return false
	}
	return re.MatchString(name)
}

// SearchesMask is the substring variant of MatchesMask.
func SearchesMask(mask, name string) bool {
	re, err := regexp.Compile(`(?i)` + maskToRegexp(mask))
	if err != nil {
		return false
	}
	return re.MatchString(name)
}
