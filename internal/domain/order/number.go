package order

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

var numberSpace = big.NewInt(100_000_000)

// NewNumber returns a human-facing order number: the four-digit year followed
// by eight random digits. Uniqueness is enforced by storage.
func NewNumber(now time.Time) string {
	n, err := rand.Int(rand.Reader, numberSpace)
	if err != nil {
		n = big.NewInt(now.UnixMicro() % numberSpace.Int64())
	}
	return fmt.Sprintf("%04d%08d", now.Year(), n.Int64())
}

var deliveryBusinessDays = map[string]int{
	"standard":      5,
	"express":       2,
	"overnight":     1,
	"international": 10,
}

// EstimateDelivery returns the date that lies the method's number of business
// days after from. Unknown methods use the standard estimate.
func EstimateDelivery(from time.Time, method string) time.Time {
	days, ok := deliveryBusinessDays[method]
	if !ok {
		days = deliveryBusinessDays["standard"]
	}
	return AddBusinessDays(from, days)
}

// AddBusinessDays advances from by n weekdays, skipping Saturdays and Sundays.
func AddBusinessDays(from time.Time, n int) time.Time {
	d := from
	for added := 0; added < n; {
		d = d.AddDate(0, 0, 1)
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			added++
		}
	}
	return d
}
