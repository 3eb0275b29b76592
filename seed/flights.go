// Package seed loads the flight catalog from CSV.
//
// The first row is a header. Columns are matched by name and may appear in
// any order; unknown columns are ignored, so a full flights export with
// delays, distances and state columns loads as-is. Required columns:
//
//	fid, day_of_month, carrier_id, flight_num, origin_city, dest_city,
//	actual_time, capacity, price
//
// An optional canceled column (1/0 or true/false) marks canceled flights.
package seed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/flight-engine/booking"
)

var requiredColumns = []string{
	"fid", "day_of_month", "carrier_id", "flight_num",
	"origin_city", "dest_city", "actual_time", "capacity", "price",
}

// Catalog is a store that can be seeded.
type Catalog interface {
	SaveFlights(ctx context.Context, flights []booking.Flight) error
	CancelFlight(ctx context.Context, fid int64) error
}

// Result is the parsed content of a flights file.
type Result struct {
	Flights  []booking.Flight
	Canceled []int64
}

// ReadFlights parses a flights CSV.
func ReadFlights(r io.Reader) (Result, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Result{}, errors.New("flights file is empty")
		}
		return Result{}, fmt.Errorf("failed to read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return Result{}, fmt.Errorf("missing column %q", name)
		}
	}
	canceledCol, hasCanceled := cols["canceled"]

	var res Result
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("line %d: %w", line, err)
		}

		f, err := parseFlight(record, cols)
		if err != nil {
			return Result{}, fmt.Errorf("line %d: %w", line, err)
		}
		res.Flights = append(res.Flights, f)

		if hasCanceled {
			switch strings.ToLower(strings.TrimSpace(record[canceledCol])) {
			case "1", "true":
				res.Canceled = append(res.Canceled, f.ID)
			}
		}
	}
	return res, nil
}

func parseFlight(record []string, cols map[string]int) (booking.Flight, error) {
	field := func(name string) string { return strings.TrimSpace(record[cols[name]]) }
	integer := func(name string) (int, error) {
		v, err := strconv.Atoi(field(name))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return v, nil
	}

	fid, err := strconv.ParseInt(field("fid"), 10, 64)
	if err != nil {
		return booking.Flight{}, fmt.Errorf("fid: %w", err)
	}
	day, err := integer("day_of_month")
	if err != nil {
		return booking.Flight{}, err
	}
	duration, err := integer("actual_time")
	if err != nil {
		return booking.Flight{}, err
	}
	capacity, err := integer("capacity")
	if err != nil {
		return booking.Flight{}, err
	}
	price, err := decimal.NewFromString(field("price"))
	if err != nil {
		return booking.Flight{}, fmt.Errorf("price: %w", err)
	}

	return booking.Flight{
		ID:       fid,
		Day:      day,
		Carrier:  field("carrier_id"),
		Number:   field("flight_num"),
		Origin:   field("origin_city"),
		Dest:     field("dest_city"),
		Duration: duration,
		Capacity: capacity,
		Price:    price,
	}, nil
}

// Load reads a flights CSV into store and returns how many flights it saved.
func Load(ctx context.Context, store Catalog, r io.Reader) (int, error) {
	res, err := ReadFlights(r)
	if err != nil {
		return 0, err
	}
	if err := store.SaveFlights(ctx, res.Flights); err != nil {
		return 0, fmt.Errorf("failed to save flights: %w", err)
	}
	for _, fid := range res.Canceled {
		if err := store.CancelFlight(ctx, fid); err != nil {
			return 0, fmt.Errorf("failed to cancel flight %d: %w", fid, err)
		}
	}
	return len(res.Flights), nil
}
