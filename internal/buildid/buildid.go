// Package buildid validates the calendar-dated build identifiers used to
// name update candidates (YYYYMMDD[.N]).
package buildid

import (
	"fmt"
	"strconv"

	"github.com/steamos/atomupd1d/internal/buserr"
)

// ID is a parsed build identifier: the calendar date as an integer
// (YYYYMMDD) and the optional incremental counter.
type ID struct {
	Date int
	Inc  int
}

// String renders the identifier back to its canonical YYYYMMDD[.N] form.
func (id ID) String() string {
	if id.Inc == 0 {
		return strconv.Itoa(id.Date)
	}
	return fmt.Sprintf("%d.%d", id.Date, id.Inc)
}

var daysInMonth = [...]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

func isLeap(year int) bool {
	return (year%4 == 0 && year%100 != 0) || year%400 == 0
}

func daysIn(year, month int) int {
	if month == 2 && isLeap(year) {
		return 29
	}
	return daysInMonth[month-1]
}

// Parse validates s against the grammar DATE(.INC)? where DATE is exactly
// 8 ASCII digits decoded as YYYYMMDD and INC, if present, is one or more
// ASCII digits. It returns the canonical error message on
// rejection.
func Parse(s string) (ID, error) {
	if s == "" {
		return ID{}, buserr.New(buserr.KindInvalidArg, "The provided Buildid is either NULL or empty")
	}

	datePart := s
	incPart := ""
	hasInc := false
	if i := indexByte(s, '.'); i >= 0 {
		datePart = s[:i]
		incPart = s[i+1:]
		hasInc = true
	}

	if len(datePart) != 8 || !allDigits(datePart) {
		return ID{}, invalidFormat(s)
	}
	if hasInc && !allDigits(incPart) {
		// Also rejects a bare trailing "." (incPart == "").
		return ID{}, invalidFormat(s)
	}

	year, _ := strconv.Atoi(datePart[0:4])
	month, _ := strconv.Atoi(datePart[4:6])
	day, _ := strconv.Atoi(datePart[6:8])

	if month < 1 || month > 12 {
		return ID{}, invalidFormat(s)
	}
	if day < 1 || day > daysIn(year, month) {
		return ID{}, invalidFormat(s)
	}

	date, err := strconv.Atoi(datePart)
	if err != nil {
		return ID{}, invalidFormat(s)
	}

	inc := 0
	if hasInc {
		inc, err = strconv.Atoi(incPart)
		if err != nil {
			return ID{}, invalidFormat(s)
		}
	}

	return ID{Date: date, Inc: inc}, nil
}

func invalidFormat(s string) error {
	return buserr.New(buserr.KindInvalidArg, fmt.Sprintf("Buildid '%s' doesn't follow the expected YYYYMMDD[.N] format", s))
}

func allDigits(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
