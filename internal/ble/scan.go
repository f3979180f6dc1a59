package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// scanStopGrace bounds how long Scan waits for the adapter to acknowledge
// the end of a scan before returning what it has.
const scanStopGrace = 2 * time.Second

// DefaultScanDuration is used when no duration is configured.
const DefaultScanDuration = 10 * time.Second

// ScanOptions configures a discovery run.
type ScanOptions struct {
	Duration   time.Duration
	NameFilter string // case-insensitive substring match on the advertised name
	MinRSSI    int16  // 0 disables the RSSI filter
	// OnFound is called once per address, on its first matching sighting.
	OnFound func(DeviceRecord)
}

func (o ScanOptions) matches(r DeviceRecord) bool {
	if o.NameFilter != "" && !strings.Contains(strings.ToLower(r.Name), strings.ToLower(o.NameFilter)) {
		return false
	}
	if o.MinRSSI != 0 && r.RSSI != 0 && r.RSSI < o.MinRSSI {
		return false
	}
	return true
}

// Scan enables the adapter, listens for advertisements for opts.Duration and
// returns one record per address in order of first sighting. Each record
// reflects the most recent advertisement seen for that address.
func Scan(ctx context.Context, adapter Adapter, opts ScanOptions) ([]DeviceRecord, error) {
	if opts.Duration <= 0 {
		return nil, fmt.Errorf("ble: scan duration must be positive, got %s", opts.Duration)
	}
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w: %w", ErrAdapterUnavailable, err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	set := newRecordSet(opts)
	errCh := make(chan error, 1)
	go func() {
		errCh <- adapter.Scan(scanCtx, set.observe)
	}()

	slog.Debug("[SCAN] started", "duration", opts.Duration)
	select {
	case err := <-errCh:
		if err != nil && scanCtx.Err() == nil {
			return nil, fmt.Errorf("ble: scan: %w", err)
		}
	case <-scanCtx.Done():
		select {
		case <-errCh:
		case <-time.After(scanStopGrace):
			slog.Warn("[SCAN] adapter did not stop in time, returning partial results")
		}
	}

	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	records := set.snapshot()
	slog.Debug("[SCAN] finished", "devices", len(records))
	return records, nil
}

// SortByName orders records by display name, then address.
func SortByName(records []DeviceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].DisplayName(), records[j].DisplayName()
		if a != b {
			return a < b
		}
		return records[i].Address < records[j].Address
	})
}

// recordSet deduplicates advertisements by address. The adapter may call
// observe from its own goroutine.
type recordSet struct {
	opts ScanOptions

	mu        sync.Mutex
	order     []string
	records   map[string]*DeviceRecord
	announced map[string]bool
}

func newRecordSet(opts ScanOptions) *recordSet {
	return &recordSet{
		opts:      opts,
		records:   make(map[string]*DeviceRecord),
		announced: make(map[string]bool),
	}
}

func (s *recordSet) observe(adv Advertisement) {
	if adv.Address == "" {
		return
	}
	key := strings.ToUpper(adv.Address)

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		rec = &DeviceRecord{Address: adv.Address}
		s.records[key] = rec
		s.order = append(s.order, key)
	}
	merge(rec, adv)

	var found *DeviceRecord
	if !s.announced[key] && s.opts.matches(*rec) {
		s.announced[key] = true
		cp := cloneRecord(*rec)
		found = &cp
	}
	s.mu.Unlock()

	if found != nil && s.opts.OnFound != nil {
		s.opts.OnFound(*found)
	}
}

func (s *recordSet) snapshot() []DeviceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceRecord, 0, len(s.order))
	for _, key := range s.order {
		rec := s.records[key]
		if !s.opts.matches(*rec) {
			continue
		}
		out = append(out, cloneRecord(*rec))
	}
	return out
}

// merge folds the latest advertisement into rec. Fields absent from the
// latest report (scan responses often omit the name) keep earlier values.
func merge(rec *DeviceRecord, adv Advertisement) {
	if adv.Name != "" {
		rec.Name = adv.Name
	}
	if adv.RSSI != 0 {
		rec.RSSI = adv.RSSI
	}
	if len(adv.ServiceData) > 0 {
		rec.ServiceData = make(map[string][]byte, len(adv.ServiceData))
		for k, v := range adv.ServiceData {
			rec.ServiceData[k] = append([]byte(nil), v...)
		}
	}
	if len(adv.ManufacturerData) > 0 {
		rec.ManufacturerData = make(map[uint16][]byte, len(adv.ManufacturerData))
		for k, v := range adv.ManufacturerData {
			rec.ManufacturerData[k] = append([]byte(nil), v...)
		}
	}
	rec.LastSeen = time.Now()
}

func cloneRecord(r DeviceRecord) DeviceRecord {
	cp := r
	if r.ServiceData != nil {
		cp.ServiceData = make(map[string][]byte, len(r.ServiceData))
		for k, v := range r.ServiceData {
			cp.ServiceData[k] = append([]byte(nil), v...)
		}
	}
	if r.ManufacturerData != nil {
		cp.ManufacturerData = make(map[uint16][]byte, len(r.ManufacturerData))
		for k, v := range r.ManufacturerData {
			cp.ManufacturerData[k] = append([]byte(nil), v...)
		}
	}
	return cp
}
