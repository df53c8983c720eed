// Package pricing computes booking price previews and renders display
// prices the way the marketplace listing pages do.
package pricing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceFeeCents is the flat per-booking service fee.
const ServiceFeeCents int64 = 2500

const hoursPerDay = 24

var (
	// ErrInvalidRange reports a drop-off that is not after the pickup.
	ErrInvalidRange = errors.New("pricing.quote.invalid_range")
	// ErrInvalidRate reports a non-positive daily rate.
	ErrInvalidRate = errors.New("pricing.quote.invalid_rate")
)

// Quote is an itemized booking price preview.
type Quote struct {
	Days           int64
	DailyRateCents int64
	SubtotalCents  int64
	ServiceCents   int64
	TotalCents     int64
}

// NewQuote prices a rental window. The window is billed in whole days,
// rounded up, with a minimum of one day.
func NewQuote(dailyRateCents int64, pickup, dropoff time.Time) (Quote, error) {
	if dailyRateCents <= 0 {
		return Quote{}, fmt.Errorf("%w: rate %d", ErrInvalidRate, dailyRateCents)
	}
	if !dropoff.After(pickup) {
		return Quote{}, fmt.Errorf("%w: pickup %s dropoff %s", ErrInvalidRange,
			pickup.Format(time.RFC3339), dropoff.Format(time.RFC3339))
	}
	span := dropoff.Sub(pickup)
	days := int64(span / (hoursPerDay * time.Hour))
	if span%(hoursPerDay*time.Hour) != 0 {
		days++
	}
	if days < 1 {
		days = 1
	}
	subtotal := days * dailyRateCents
	return Quote{
		Days:           days,
		DailyRateCents: dailyRateCents,
		SubtotalCents:  subtotal,
		ServiceCents:   ServiceFeeCents,
		TotalCents:     subtotal + ServiceFeeCents,
	}, nil
}

// FormatPrice renders a cent amount for display. Currency codes longer than
// four characters are truncated to three. Amounts of a thousand dollars or
// more collapse to a one-decimal K figure, with a trailing .0 stripped;
// smaller amounts get thousands separators, showing cents only when present.
func FormatPrice(cents int64, currencyCode string) string {
	displayCode := currencyCode
	if len(displayCode) > 4 {
		displayCode = displayCode[:3]
	}
	if displayCode == "" {
		displayCode = "USD"
	}

	dollars := cents / 100
	remainder := cents % 100
	if remainder < 0 {
		remainder = -remainder
	}

	var displayPrice string
	switch {
	case dollars >= 1000:
		kValue := fmt.Sprintf("%.1f", float64(cents)/100000)
		kValue = strings.TrimSuffix(kValue, ".0")
		displayPrice = kValue + "K"
	case remainder != 0:
		displayPrice = fmt.Sprintf("%s.%02d", groupThousands(dollars), remainder)
	default:
		displayPrice = groupThousands(dollars)
	}
	return displayCode + " " + displayPrice
}

func groupThousands(value int64) string {
	digits := fmt.Sprintf("%d", value)
	negative := strings.HasPrefix(digits, "-")
	if negative {
		digits = digits[1:]
	}
	var grouped strings.Builder
	leading := len(digits) % 3
	if leading > 0 {
		grouped.WriteString(digits[:leading])
	}
	for index := leading; index < len(digits); index += 3 {
		if grouped.Len() > 0 {
			grouped.WriteByte(',')
		}
		grouped.WriteString(digits[index : index+3])
	}
	if negative {
		return "-" + grouped.String()
	}
	return grouped.String()
}
