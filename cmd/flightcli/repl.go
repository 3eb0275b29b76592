package main

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

// repl turns command lines into session calls and renders their results.
type repl struct {
	sess *booking.Session
}

// tokenize splits a command line on spaces. Double quotes group words, so
// cities can be written as "Seattle WA".
func tokenize(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.Comma = ' '
	r.FieldsPerRecord = -1

	record, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tokens := record[:0]
	for _, t := range record {
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens, nil
}

// execute runs one command. quit is reported through the second result.
func (r *repl) execute(ctx context.Context, line string) (string, bool) {
	tokens, err := tokenize(line)
	if err != nil {
		return fmt.Sprintf("Error: %v\n", err), false
	}
	if len(tokens) == 0 {
		return "", false
	}

	args := tokens[1:]
	switch tokens[0] {
	case "create":
		return r.create(ctx, args), false
	case "login":
		return r.login(ctx, args), false
	case "search":
		return r.search(ctx, args), false
	case "book":
		return r.book(ctx, args), false
	case "pay":
		return r.pay(ctx, args), false
	case "reservations":
		return r.reservations(ctx), false
	case "cancel":
		return r.cancel(ctx, args), false
	case "quit":
		return "Goodbye\n", true
	}
	return fmt.Sprintf("Error: unrecognized command '%s'\n", tokens[0]), false
}

func (r *repl) create(ctx context.Context, args []string) string {
	if len(args) != 3 {
		return "Error: Please provide a username, password, and initial amount in the account\n"
	}
	amount, err := decimal.NewFromString(args[2])
	if err != nil {
		return "Failed to create user\n"
	}
	if err := r.sess.CreateAccount(ctx, args[0], args[1], amount); err != nil {
		return "Failed to create user\n"
	}
	return "Created user " + args[0] + "\n"
}

func (r *repl) login(ctx context.Context, args []string) string {
	if len(args) != 2 {
		return "Error: Please provide a username and password\n"
	}
	err := r.sess.Login(ctx, args[0], args[1])
	switch {
	case err == nil:
		return "Logged in as " + args[0] + "\n"
	case errors.Is(err, booking.ErrAlreadyAuthenticated):
		return "User already logged in\n"
	}
	return "Login failed\n"
}

func (r *repl) search(ctx context.Context, args []string) string {
	if len(args) != 5 {
		return "Error: Please provide all search parameters <origin_city> <destination_city> <direct> <date> <nb itineraries>\n"
	}
	direct, err1 := strconv.Atoi(args[2])
	day, err2 := strconv.Atoi(args[3])
	count, err3 := strconv.Atoi(args[4])
	if err := errors.Join(err1, err2, err3); err != nil {
		return "Failed to parse integer\n"
	}

	its, err := r.sess.Search(ctx, booking.SearchQuery{
		Origin:     args[0],
		Dest:       args[1],
		DirectOnly: direct == 1,
		Day:        day,
		MaxResults: count,
	})
	if err != nil {
		return "Failed to search\n"
	}
	if len(its) == 0 {
		return "No flights match your selection\n"
	}

	var b strings.Builder
	for _, it := range its {
		b.WriteString(it.String())
	}
	return b.String()
}

func (r *repl) book(ctx context.Context, args []string) string {
	id, ok := intArg(args)
	if !ok {
		return "Error: Please provide an itinerary_id\n"
	}

	rid, err := r.sess.Book(ctx, id)
	switch {
	case err == nil:
		return fmt.Sprintf("Booked flight(s), reservation ID: %d\n", rid)
	case errors.Is(err, booking.ErrNotAuthenticated):
		return "Cannot book reservations, not logged in\n"
	case errors.Is(err, booking.ErrNoSuchItinerary):
		return fmt.Sprintf("No such itinerary %d\n", id)
	case errors.Is(err, booking.ErrSameDayConflict):
		return "You cannot book two flights in the same day\n"
	}
	return "Booking failed\n"
}

func (r *repl) pay(ctx context.Context, args []string) string {
	id, ok := intArg(args)
	if !ok {
		return "Error: Please provide a reservation_id\n"
	}
	rid := int64(id)

	balance, err := r.sess.Pay(ctx, rid)
	var (
		notFound     *booking.ReservationNotFoundError
		insufficient *booking.InsufficientBalanceError
	)
	switch {
	case err == nil:
		return fmt.Sprintf("Paid reservation: %d remaining balance: %s\n", rid, balance.String())
	case errors.Is(err, booking.ErrNotAuthenticated):
		return "Cannot pay, not logged in\n"
	case errors.As(err, &notFound):
		return fmt.Sprintf("Cannot find unpaid reservation %d under user: %s\n", notFound.ID, notFound.Username)
	case errors.As(err, &insufficient):
		return fmt.Sprintf("User has only %s in account but itinerary costs %s\n",
			insufficient.Balance.String(), insufficient.Cost.String())
	}
	return fmt.Sprintf("Failed to pay for reservation %d\n", rid)
}

func (r *repl) reservations(ctx context.Context) string {
	details, err := r.sess.Reservations(ctx)
	switch {
	case errors.Is(err, booking.ErrNotAuthenticated):
		return "Cannot view reservations, not logged in\n"
	case err != nil:
		return "Failed to retrieve reservations\n"
	case len(details) == 0:
		return "No reservations found\n"
	}

	var b strings.Builder
	for _, d := range details {
		b.WriteString(d.String())
	}
	return b.String()
}

func (r *repl) cancel(ctx context.Context, args []string) string {
	id, ok := intArg(args)
	if !ok {
		return "Error: Please provide a reservation_id\n"
	}
	rid := int64(id)

	err := r.sess.Cancel(ctx, rid)
	switch {
	case err == nil:
		return fmt.Sprintf("Canceled reservation %d\n", rid)
	case errors.Is(err, booking.ErrNotAuthenticated):
		return "Cannot cancel reservations, not logged in\n"
	}
	return fmt.Sprintf("Failed to cancel reservation %d\n", rid)
}

func intArg(args []string) (int, bool) {
	if len(args) != 1 {
		return 0, false
	}
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, false
	}
	return v, true
}
