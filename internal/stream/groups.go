package stream

import (
	"time"

	"github.com/studyhall/studysync/internal/attachment"
	"github.com/studyhall/studysync/internal/types"
)

// Entry is one render-ready item: either a day header or a message.
// A message with a file also carries its resolved attachment view, so
// the UI never inspects content types itself.
type Entry struct {
	DayHeader  string           `json:"day_header,omitempty"`
	Message    *types.Message   `json:"message,omitempty"`
	Attachment *attachment.View `json:"attachment,omitempty"`
}

// FormatDayHeader renders the header for a calendar day relative to
// now: the current day is "Today", the previous day "Yesterday", and
// older days a weekday/month/day label with the year appended only
// when it differs from the current year.
func FormatDayHeader(day, now time.Time) string {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	that := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, now.Location())

	switch {
	case that.Equal(today):
		return "Today"
	case that.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	case that.Year() != today.Year():
		return that.Format("Monday, January 2, 2006")
	default:
		return that.Format("Monday, January 2")
	}
}

// GroupByDay interleaves day headers into an ascending message window.
// Messages are grouped by the calendar day of their creation time in
// now's location.
func GroupByDay(msgs []types.Message, now time.Time) []Entry {
	entries := make([]Entry, 0, len(msgs)+1)

	var curDay time.Time
	for i := range msgs {
		msg := msgs[i]
		local := msg.CreatedAt.In(now.Location())
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, now.Location())

		if curDay.IsZero() || !day.Equal(curDay) {
			curDay = day
			entries = append(entries, Entry{DayHeader: FormatDayHeader(day, now)})
		}
		entries = append(entries, Entry{Message: &msg})
	}

	return entries
}
