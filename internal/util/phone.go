package util

import "strings"

// NormalizePhone strips whitespace and common separators agents type into the profile form.
func NormalizePhone(p string) string {
	r := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	return r.Replace(strings.TrimSpace(p))
}
