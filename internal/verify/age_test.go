package verify

import (
	"testing"
	"time"

	"github.com/andresmejia3/verity/internal/types"
	"github.com/stretchr/testify/assert"
)

func doc(fields map[string]string) types.Document { return types.Document{Fields: fields} }

func TestDeriveAge(t *testing.T) {
	now := time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)
	valid := "2030-01-01"

	tests := []struct {
		name     string
		doc      types.Document
		live     bool
		matched  bool
		want     AgeResult
		wantFlag *bool
	}{
		{"expired wins over everything", doc(map[string]string{"age": "40", "dateOfExpiry": "2026-06-14"}), false, false, ExpiredID, nil},
		{"expires today is still valid", doc(map[string]string{"age": "40", "dateOfExpiry": "2026-06-15"}), true, true, Above21, ptr(true)},
		{"fake selfie", doc(map[string]string{"age": "40", "dateOfExpiry": valid}), false, true, SelfieInaccurate, nil},
		{"mismatch", doc(map[string]string{"age": "40", "dateOfExpiry": valid}), true, false, ProfileMismatch, nil},
		{"no age data", doc(map[string]string{"dateOfExpiry": valid}), true, true, Indeterminate, nil},
		{"unparseable age", doc(map[string]string{"age": "forty"}), true, true, Indeterminate, nil},
		{"exactly threshold", doc(map[string]string{"age": "21"}), true, true, Above21, ptr(true)},
		{"below threshold", doc(map[string]string{"age": "20"}), true, true, Below21, ptr(false)},
		{"birthday today", doc(map[string]string{"dateOfBirth": "2005-06-15"}), true, true, Above21, ptr(true)},
		{"birthday tomorrow", doc(map[string]string{"dateOfBirth": "2005-06-16"}), true, true, Below21, ptr(false)},
		{"MRZ birth date", doc(map[string]string{"dob": "900101"}), true, true, Above21, ptr(true)},
		{"MRZ birth date this century", doc(map[string]string{"dob": "100101"}), true, true, Below21, ptr(false)},
		{"MRZ expiry", doc(map[string]string{"age": "30", "expiry": "251231"}), true, true, ExpiredID, nil},
		{"missing expiry is not expired", doc(map[string]string{"age": "30"}), true, true, Above21, ptr(true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, flag := deriveAge(tt.doc, tt.live, tt.matched, DefaultAgeThreshold, now)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantFlag, flag)
		})
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(1990, 3, 7, 0, 0, 0, 0, time.UTC)
	for _, s := range []string{"1990-03-07", "1990/03/07", "07.03.1990", "07/03/1990", "19900307", "07 Mar 1990", "Mar 7, 1990", "900307"} {
		got, ok := parseDate(s, 26)
		if assert.True(t, ok, s) {
			assert.True(t, want.Equal(got), "%s parsed as %s", s, got)
		}
	}
	for _, s := range []string{"", "soon", "99999", "901399"} {
		_, ok := parseDate(s, 26)
		assert.False(t, ok, s)
	}
}

func ptr(b bool) *bool { return &b }
