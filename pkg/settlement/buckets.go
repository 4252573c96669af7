package settlement

import (
	"math"
	"sort"
	"time"
)

// dayBucket is the set of unpaid charges completed on the same civil calendar
// day. Under the day-limit policy a bucket settles whole or not at all.
type dayBucket struct {
	Day         time.Time
	TotalCents  int64
	ChargeIDs   []string
	ChargeCount int
}

// civilDay truncates a timestamp to midnight of its calendar day in location.
func civilDay(at time.Time, location *time.Location) time.Time {
	local := at.In(location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, location)
}

// elapsedCivilDays counts whole calendar days between two instants. Both sides
// are truncated to midnight in the same location before differencing, so a
// charge completed at 23:59 is one day old a minute later.
func elapsedCivilDays(from time.Time, to time.Time, location *time.Location) int {
	delta := civilDay(to, location).Sub(civilDay(from, location))
	return int(math.Round(delta.Hours() / 24))
}

// groupChargesByDay buckets unpaid charges by completion day, oldest day first.
func groupChargesByDay(charges []Charge, location *time.Location) []dayBucket {
	grouped := make(map[time.Time]*dayBucket)
	for _, charge := range charges {
		day := civilDay(charge.CompletedAt, location)
		bucket, seen := grouped[day]
		if !seen {
			bucket = &dayBucket{Day: day}
			grouped[day] = bucket
		}
		bucket.TotalCents += charge.AmountCents
		bucket.ChargeIDs = append(bucket.ChargeIDs, charge.ChargeID)
		bucket.ChargeCount++
	}
	buckets := make([]dayBucket, 0, len(grouped))
	for _, bucket := range grouped {
		buckets = append(buckets, *bucket)
	}
	sort.Slice(buckets, func(left, right int) bool {
		return buckets[left].Day.Before(buckets[right].Day)
	})
	return buckets
}
