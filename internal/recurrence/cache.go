package recurrence

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const cacheSize = 1024

type cacheKey struct {
	frequency       Frequency
	quantity        int
	endFrequency    Frequency
	endQuantity     int
	start           int64
	location        string
	excludeWeekends bool
	until           int64
}

func newCacheKey(r *Rule, start time.Time) cacheKey {
	k := cacheKey{
		frequency:       r.Period.Frequency,
		quantity:        r.Period.Quantity,
		start:           start.UnixNano(),
		location:        start.Location().String(),
		excludeWeekends: r.ExcludeWeekends,
	}
	if r.End != nil {
		k.endFrequency = r.End.Frequency
		k.endQuantity = r.End.Quantity
	}
	if r.Until != nil {
		k.until = r.Until.UnixNano()
	}
	return k
}

// occurrenceCache memoizes enumerated series. Entries are immutable; get
// hands out copies.
type occurrenceCache struct {
	entries *lru.Cache
}

var occurrences = newOccurrenceCache(cacheSize)

func newOccurrenceCache(size int) *occurrenceCache {
	c, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &occurrenceCache{entries: c}
}

func (c *occurrenceCache) get(k cacheKey) ([]time.Time, bool) {
	v, ok := c.entries.Get(k)
	if !ok {
		return nil, false
	}
	return append([]time.Time(nil), v.([]time.Time)...), true
}

func (c *occurrenceCache) add(k cacheKey, series []time.Time) {
	c.entries.Add(k, series)
}

func (c *occurrenceCache) len() int {
	return c.entries.Len()
}
