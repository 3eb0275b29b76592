/*
search.go - Itinerary search and the per-session itinerary cache

PURPOSE:
  Builds the ordered candidate set for a query and remembers it so a later
  Book can turn an itinerary id back into concrete flights.

ORDERING:
  Candidates are ordered by total duration ascending. On an exact duration
  tie a direct itinerary comes before an indirect one; remaining ties are
  broken by flight id(s). The set is capped at MaxResults.

  Direct flights are collected first (up to MaxResults). Only if that leaves
  room, and the query allows stops, are connecting pairs collected to fill
  it. The two lists are each already ordered, so they are merged.

CACHE GENERATIONS:
  Every search replaces the cached set and bumps its generation. A failed
  search also clears it, so ids from an older search can never be booked.

SEE ALSO:
  - store.go: Catalog interface
  - session.go: Owns one ItineraryCache per session
*/
package booking

import (
	"context"
	"strings"
)

// SearchQuery selects itineraries between two cities on one day of month.
type SearchQuery struct {
	Origin     string `json:"origin_city"`
	Dest       string `json:"dest_city"`
	DirectOnly bool   `json:"direct_only"`
	Day        int    `json:"day_of_month"`
	MaxResults int    `json:"max_results"`
}

// SearchItineraries queries catalog and returns the ordered candidate set with
// ids assigned. An empty result is not an error.
func SearchItineraries(ctx context.Context, catalog Catalog, q SearchQuery) ([]Itinerary, error) {
	if q.MaxResults <= 0 {
		return []Itinerary{}, nil
	}
	origin, dest := strings.TrimSpace(q.Origin), strings.TrimSpace(q.Dest)

	direct, err := catalog.DirectFlights(ctx, origin, dest, q.Day, q.MaxResults)
	if err != nil {
		return nil, failure(ErrSearchFailed, err)
	}
	if len(direct) > q.MaxResults {
		direct = direct[:q.MaxResults]
	}

	var connecting [][2]Flight
	if !q.DirectOnly && len(direct) < q.MaxResults {
		connecting, err = catalog.ConnectingFlights(ctx, origin, dest, q.Day, q.MaxResults-len(direct))
		if err != nil {
			return nil, failure(ErrSearchFailed, err)
		}
		if room := q.MaxResults - len(direct); len(connecting) > room {
			connecting = connecting[:room]
		}
	}

	return mergeItineraries(direct, connecting), nil
}

// mergeItineraries merges two ordered lists. Direct wins exact duration ties.
func mergeItineraries(direct []Flight, connecting [][2]Flight) []Itinerary {
	out := make([]Itinerary, 0, len(direct)+len(connecting))
	i, j := 0, 0
	for i < len(direct) || j < len(connecting) {
		takeDirect := j >= len(connecting) ||
			(i < len(direct) && direct[i].Duration <= connecting[j][0].Duration+connecting[j][1].Duration)
		if takeDirect {
			out = append(out, Itinerary{ID: len(out), Flights: []Flight{direct[i]}})
			i++
			continue
		}
		pair := connecting[j]
		out = append(out, Itinerary{ID: len(out), Flights: []Flight{pair[0], pair[1]}})
		j++
	}
	return out
}

// =============================================================================
// ITINERARY CACHE
// =============================================================================

// ItineraryCache holds the result of the most recent search. The zero value
// is an empty cache with generation 0. It is not safe for concurrent use;
// Session guards it.
type ItineraryCache struct {
	generation  uint64
	itineraries []Itinerary
	valid       bool
}

// Replace stores a new result set and returns its generation.
func (c *ItineraryCache) Replace(its []Itinerary) uint64 {
	c.generation++
	c.itineraries = its
	c.valid = true
	return c.generation
}

// Clear discards the cached set. Ids from any earlier search become invalid.
func (c *ItineraryCache) Clear() {
	c.generation++
	c.itineraries = nil
	c.valid = false
}

// Generation identifies the current set.
func (c *ItineraryCache) Generation() uint64 {
	return c.generation
}

// Len is the size of the current set.
func (c *ItineraryCache) Len() int {
	return len(c.itineraries)
}

// Lookup returns itinerary id from the current set.
func (c *ItineraryCache) Lookup(id int) (Itinerary, error) {
	if !c.valid || id < 0 || id >= len(c.itineraries) {
		return Itinerary{}, &NoSuchItineraryError{ID: id}
	}
	return c.itineraries[id], nil
}
