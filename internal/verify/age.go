package verify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/verity/internal/types"
)

// AgeResult is the terminal outcome of the age check.
type AgeResult int

const (
	Indeterminate AgeResult = iota
	Above21
	Below21
	ExpiredID
	ProfileMismatch
	ReadFailure
	SelfieInaccurate
)

func (a AgeResult) String() string {
	switch a {
	case Indeterminate:
		return "indeterminate"
	case Above21:
		return "above-threshold"
	case Below21:
		return "below-threshold"
	case ExpiredID:
		return "expired-id"
	case ProfileMismatch:
		return "profile-mismatch"
	case ReadFailure:
		return "read-failure"
	case SelfieInaccurate:
		return "selfie-inaccurate"
	default:
		return fmt.Sprintf("AgeResult(%d)", int(a))
	}
}

// Field names accepted from document readers, most specific first.
var (
	ageFields    = []string{"age"}
	birthFields  = []string{"dateOfBirth", "date_of_birth", "birthDate", "dob"}
	expiryFields = []string{"dateOfExpiry", "date_of_expiry", "expiryDate", "expiry"}
)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02.01.2006",
	"02/01/2006",
	"20060102",
	"02 Jan 2006",
	"Jan 2, 2006",
}

// parseDate accepts the layouts above plus the six-digit YYMMDD form used
// in machine-readable zones. pivot decides the century of YYMMDD dates:
// years after pivot fall in the previous century.
func parseDate(s string, pivot int) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, l := range dateLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, true
		}
	}
	if len(s) == 6 {
		if _, err := strconv.Atoi(s); err != nil {
			return time.Time{}, false
		}
		yy, _ := strconv.Atoi(s[:2])
		year := 2000 + yy
		if yy > pivot {
			year = 1900 + yy
		}
		t, err := time.Parse("20060102", strconv.Itoa(year)+s[2:])
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// documentAge returns the subject's age in whole years, from an explicit
// age field or else the date of birth.
func documentAge(doc types.Document, now time.Time) (int, bool) {
	if v, ok := doc.Field(ageFields...); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 && n < 150 {
			return n, true
		}
	}
	v, ok := doc.Field(birthFields...)
	if !ok {
		return 0, false
	}
	// A birth date is always in the past.
	dob, ok := parseDate(v, now.Year()%100)
	if !ok || dob.After(now) {
		return 0, false
	}
	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	return age, true
}

// documentExpired reports whether the expiry date is strictly before today.
// A missing or unreadable expiry is not treated as expired.
func documentExpired(doc types.Document, now time.Time) bool {
	v, ok := doc.Field(expiryFields...)
	if !ok {
		return false
	}
	// Expiry dates in YYMMDD form are always in this century.
	exp, ok := parseDate(v, 99)
	if !ok {
		return false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return exp.Before(today)
}

// deriveAge applies the decision order: expired document, selfie liveness,
// match, age availability, then the threshold itself.
func deriveAge(doc types.Document, selfieReal, matched bool, threshold int, now time.Time) (AgeResult, *bool) {
	switch {
	case documentExpired(doc, now):
		return ExpiredID, nil
	case !selfieReal:
		return SelfieInaccurate, nil
	case !matched:
		return ProfileMismatch, nil
	}
	age, ok := documentAge(doc, now)
	if !ok {
		return Indeterminate, nil
	}
	above := age >= threshold
	if above {
		return Above21, &above
	}
	return Below21, &above
}
