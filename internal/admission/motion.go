package admission

import (
	"math"
	"slices"
	"time"

	"steward/internal/domain"
)

const (
	drivingSpeed  = 4.5 // m/s
	motionWindow  = 5 * time.Minute
	meetingWindow = 5 * time.Minute
	earthRadiusM  = 6371000.0
)

func haversine(a, b domain.LocationSample) float64 {
	lat1, lat2 := a.Latitude*math.Pi/180, b.Latitude*math.Pi/180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// AverageSpeed is the mean speed in m/s over the samples recorded in the last five
// minutes. Reported speeds are preferred; otherwise distance over elapsed time between
// fixes is used. ok is false when there is not enough data.
func AverageSpeed(samples []domain.LocationSample, now time.Time) (speed float64, ok bool) {
	from := now.Add(-motionWindow)
	var recent []domain.LocationSample
	for _, s := range samples {
		if !s.RecordedAt.Before(from) && !s.RecordedAt.After(now) {
			recent = append(recent, s)
		}
	}
	slices.SortStableFunc(recent, func(a, b domain.LocationSample) int {
		return a.RecordedAt.Compare(b.RecordedAt)
	})
	var sum float64
	var n int
	for _, s := range recent {
		if s.Speed != nil {
			sum += *s.Speed
			n++
		}
	}
	if n > 0 {
		return sum / float64(n), true
	}
	if len(recent) < 2 {
		return 0, false
	}
	var dist float64
	for i := 1; i < len(recent); i++ {
		dist += haversine(recent[i-1], recent[i])
	}
	elapsed := recent[len(recent)-1].RecordedAt.Sub(recent[0].RecordedAt).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	return dist / elapsed, true
}

// InMeeting reports whether any event overlaps the next five minutes.
func InMeeting(events []domain.CalendarEvent, now time.Time) (domain.CalendarEvent, bool) {
	for _, e := range events {
		if e.Overlaps(now, now.Add(meetingWindow)) {
			return e, true
		}
	}
	return domain.CalendarEvent{}, false
}
