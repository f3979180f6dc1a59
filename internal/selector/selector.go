// Package selector resolves the operator's choice of device or
// characteristic from a discovered list.
package selector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chaz8081/bleprobe/internal/ble"
)

var (
	ErrNoDevicesFound         = errors.New("no devices found")
	ErrNoCharacteristicsFound = errors.New("no matching characteristics found")
	// ErrInvalidSelection is returned for out-of-range or unrecognised input.
	ErrInvalidSelection = errors.New("invalid selection")
)

// DefaultMaxAttempts bounds how often the operator is reprompted.
const DefaultMaxAttempts = 3

// Asker asks the operator a question.
type Asker interface {
	Ask(ctx context.Context, question string) (string, error)
}

// View lists the candidates and reports rejected answers.
type View interface {
	Devices(records []ble.DeviceRecord, detail bool)
	Characteristics(chars []ble.CharacteristicInfo)
	Error(err error)
}

// Options controls how a selection is made.
type Options struct {
	// Auto picks the first candidate without asking.
	Auto        bool
	MaxAttempts int
}

func (o Options) attempts() int {
	if o.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return o.MaxAttempts
}

// Device returns the address of the chosen record. The operator may answer
// with a 1-based index or with one of the listed addresses.
func Device(ctx context.Context, ask Asker, view View, records []ble.DeviceRecord, opts Options) (string, error) {
	if len(records) == 0 {
		return "", ErrNoDevicesFound
	}
	if opts.Auto {
		return records[0].Address, nil
	}

	view.Devices(records, false)
	question := fmt.Sprintf("Select device (1-%d or address): ", len(records))
	idx, err := pick(ctx, ask, view, records, question, opts.attempts(), func(answer string, r ble.DeviceRecord) bool {
		return strings.EqualFold(answer, r.Address)
	})
	if err != nil {
		return "", err
	}
	return records[idx].Address, nil
}

// Characteristic returns the chosen characteristic. A single candidate is
// chosen without asking.
func Characteristic(ctx context.Context, ask Asker, view View, chars []ble.CharacteristicInfo, opts Options) (ble.CharacteristicInfo, error) {
	if len(chars) == 0 {
		return ble.CharacteristicInfo{}, ErrNoCharacteristicsFound
	}
	if opts.Auto || len(chars) == 1 {
		return chars[0], nil
	}

	view.Characteristics(chars)
	question := fmt.Sprintf("Select characteristic (1-%d or UUID): ", len(chars))
	idx, err := pick(ctx, ask, view, chars, question, opts.attempts(), func(answer string, c ble.CharacteristicInfo) bool {
		norm, err := ble.NormalizeUUID(answer)
		return err == nil && norm == c.UUID
	})
	if err != nil {
		return ble.CharacteristicInfo{}, err
	}
	return chars[idx], nil
}

// pick asks until an answer resolves to an item or attempts run out.
func pick[T any](ctx context.Context, ask Asker, view View, items []T, question string, attempts int, match func(string, T) bool) (int, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		answer, err := ask.Ask(ctx, question)
		if err != nil {
			return -1, err
		}
		idx, err := resolve(answer, items, match)
		if err == nil {
			return idx, nil
		}
		lastErr = err
		view.Error(err)
	}
	return -1, fmt.Errorf("selector: giving up after %d attempts: %w", attempts, lastErr)
}

func resolve[T any](answer string, items []T, match func(string, T) bool) (int, error) {
	if answer == "" {
		return -1, fmt.Errorf("selector: %w: empty answer", ErrInvalidSelection)
	}
	if n, err := strconv.Atoi(answer); err == nil {
		if n < 1 || n > len(items) {
			return -1, fmt.Errorf("selector: %w: %d is out of range 1-%d", ErrInvalidSelection, n, len(items))
		}
		return n - 1, nil
	}
	for i, item := range items {
		if match(answer, item) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("selector: %w: %q does not match any listed entry", ErrInvalidSelection, answer)
}
