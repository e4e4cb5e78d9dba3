package store

import (
	"time"

	"github.com/syntex82/WordPress-Node-sub005/internal/wire"
)

// DayGroup is one calendar day of messages, for display. Grouping is a
// derived view over the ordered list, never stored state.
type DayGroup struct {
	Day      time.Time // midnight, local time
	Messages []wire.Message
}

// GroupByDay splits an ascending message list into per-day groups.
func GroupByDay(msgs []wire.Message) []DayGroup {
	var groups []DayGroup
	for _, m := range msgs {
		t := time.UnixMilli(m.CreatedAt).Local()
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		if n := len(groups); n > 0 && groups[n-1].Day.Equal(day) {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, DayGroup{Day: day, Messages: []wire.Message{m}})
	}
	return groups
}
