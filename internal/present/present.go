// Package present renders discovery results, GATT trees and operation
// outcomes as human readable text.
package present

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/bleprobe/internal/ble"
	"github.com/chaz8081/bleprobe/internal/message"
)

const ruleWidth = 60

// companyNames covers the manufacturer IDs seen most often in the wild.
var companyNames = map[uint16]string{
	0x0006: "Microsoft",
	0x004C: "Apple",
	0x0059: "Nordic Semiconductor",
	0x0075: "Samsung",
	0x00E0: "Google",
	0x02E5: "Espressif",
}

type styles struct {
	title   lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	err     lipgloss.Style
	label   lipgloss.Style
	muted   lipgloss.Style
	uuid    lipgloss.Style
	heading lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}),
		ok:      r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}),
		warn:    r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}),
		err:     r.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}),
		label:   r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}),
		muted:   r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}),
		uuid:    r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#00695c", Dark: "#4db6ac"}),
		heading: r.NewStyle().Bold(true),
	}
}

// Presenter writes formatted output. It is safe for concurrent use since
// notifications are printed from subscription goroutines.
type Presenter struct {
	mu sync.Mutex
	w  io.Writer
	s  styles
}

// New creates a Presenter writing to w. Colors are only emitted when w is
// a terminal.
func New(w io.Writer) *Presenter {
	return &Presenter{
		w: w,
		s: newStyles(lipgloss.NewRenderer(w)),
	}
}

// write emits text. Output errors are logged, never returned.
func (p *Presenter) write(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.w, text); err != nil {
		slog.Debug("[PRESENT] output write failed", "error", err)
	}
}

func (p *Presenter) line(format string, args ...any) {
	p.write(fmt.Sprintf(format, args...) + "\n")
}

func (p *Presenter) rule(ch string) {
	p.line("%s", p.s.muted.Render(strings.Repeat(ch, ruleWidth)))
}

// Banner prints the program title and start time.
func (p *Presenter) Banner(title string, start time.Time) {
	p.line("%s", p.s.title.Render(title))
	p.line("Start time: %s", start.Format("2006-01-02 15:04:05"))
	p.rule("=")
}

// Prompt prints a prompt without a trailing newline.
func (p *Presenter) Prompt(text string) {
	p.write(text)
}

// Menu prints numbered options.
func (p *Presenter) Menu(title string, items []string) {
	p.line("")
	p.line("%s", p.s.heading.Render(title))
	for i, item := range items {
		p.line("  %d. %s", i+1, item)
	}
}

// Info prints a plain informational line.
func (p *Presenter) Info(format string, args ...any) {
	p.line(format, args...)
}

// Success prints a confirmation line.
func (p *Presenter) Success(format string, args ...any) {
	p.line("%s", p.s.ok.Render("✓ "+fmt.Sprintf(format, args...)))
}

// Warn prints a warning line.
func (p *Presenter) Warn(format string, args ...any) {
	p.line("%s", p.s.warn.Render("! "+fmt.Sprintf(format, args...)))
}

// Error prints an error for the operator.
func (p *Presenter) Error(err error) {
	p.line("%s", p.s.err.Render("✗ "+err.Error()))
}

// Scanning announces a scan.
func (p *Presenter) Scanning(d time.Duration) {
	p.line("Scanning for Bluetooth devices for %s...", d)
	p.rule("=")
}

// DeviceFound prints a progress line for a newly seen device.
func (p *Presenter) DeviceFound(r ble.DeviceRecord) {
	p.line("  found %s  %s  %s", p.s.label.Render(r.Address), r.DisplayName(), formatRSSI(r.RSSI))
}

// Devices prints an enumerated device list. With detail set, the
// advertisement payloads are included.
func (p *Presenter) Devices(records []ble.DeviceRecord, detail bool) {
	if len(records) == 0 {
		p.Warn("No devices found.")
		return
	}
	p.Success("Found %d device(s):", len(records))
	p.rule("=")
	var b strings.Builder
	for i, r := range records {
		fmt.Fprintf(&b, "%d. %s\n", i+1, p.s.heading.Render(r.DisplayName()))
		fmt.Fprintf(&b, "   Address: %s\n", r.Address)
		fmt.Fprintf(&b, "   RSSI: %s\n", formatRSSI(r.RSSI))
		if detail {
			writeAdvertisement(&b, r)
		}
		b.WriteString(p.s.muted.Render(strings.Repeat("-", 40)))
		b.WriteString("\n")
	}
	p.write(b.String())
}

func writeAdvertisement(b *strings.Builder, r ble.DeviceRecord) {
	if len(r.ManufacturerData) > 0 {
		b.WriteString("   Manufacturer Data:\n")
		ids := make([]int, 0, len(r.ManufacturerData))
		for id := range r.ManufacturerData {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)
		for _, id := range ids {
			fmt.Fprintf(b, "     %s: %s\n", companyLabel(uint16(id)), message.EncodeHex(r.ManufacturerData[uint16(id)]))
		}
	}
	if len(r.ServiceData) > 0 {
		b.WriteString("   Service Data:\n")
		uuids := make([]string, 0, len(r.ServiceData))
		for u := range r.ServiceData {
			uuids = append(uuids, u)
		}
		sort.Strings(uuids)
		for _, u := range uuids {
			fmt.Fprintf(b, "     %s: %s\n", u, message.EncodeHex(r.ServiceData[u]))
		}
	}
	if !r.LastSeen.IsZero() {
		fmt.Fprintf(b, "   Last seen: %s\n", r.LastSeen.Format("15:04:05"))
	}
}

func companyLabel(id uint16) string {
	if name, ok := companyNames[id]; ok {
		return fmt.Sprintf("0x%04X (%s)", id, name)
	}
	return fmt.Sprintf("0x%04X", id)
}

func formatRSSI(rssi int16) string {
	if rssi == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%d dBm", rssi)
}

// Services prints the service and characteristic tree of a connected device.
func (p *Presenter) Services(services []ble.Service) {
	if len(services) == 0 {
		p.Warn("No services found.")
		return
	}
	var b strings.Builder
	for _, svc := range services {
		fmt.Fprintf(&b, "Service: %s\n", p.s.uuid.Render(svc.UUID))
		for _, c := range svc.Characteristics {
			fmt.Fprintf(&b, "   Characteristic: %s\n", p.s.uuid.Render(c.UUID))
			fmt.Fprintf(&b, "      Properties: %s\n", c.Properties)
		}
		b.WriteString(p.s.muted.Render(strings.Repeat("-", 40)))
		b.WriteString("\n")
	}
	p.write(b.String())
}

// Characteristics prints an enumerated characteristic list for selection.
func (p *Presenter) Characteristics(chars []ble.CharacteristicInfo) {
	for i, c := range chars {
		p.line("%d. %s  [%s]", i+1, p.s.uuid.Render(c.UUID), c.Properties)
	}
}

// Connecting announces a connection attempt.
func (p *Presenter) Connecting(address string) {
	p.line("Connecting to %s...", address)
}

// Connected confirms a connection.
func (p *Presenter) Connected(address string) {
	p.Success("Connected to %s", address)
}

// Disconnected confirms a disconnect.
func (p *Presenter) Disconnected(address string) {
	p.Success("Disconnected from %s", address)
}

// LinkLost reports a link that dropped without being asked to.
func (p *Presenter) LinkLost(address string) {
	p.Warn("Connection to %s was lost", address)
}

// Written reports a completed write.
func (p *Presenter) Written(uuid string, msg message.Message, n int) {
	p.line("Sending to characteristic %s", p.s.uuid.Render(uuid))
	p.line("   Message: %s", msg)
	p.line("   Data: %s", message.EncodeHex(msg.Encode()))
	p.Success("Sent %d byte(s)", n)
}

// ReadValue prints a value read from a characteristic.
func (p *Presenter) ReadValue(uuid string, data []byte) {
	p.Success("Read %d byte(s) from %s", len(data), uuid)
	p.writeValue(data)
}

// Subscribed confirms a subscription.
func (p *Presenter) Subscribed(uuid string) {
	p.Success("Subscribed to notifications from %s", uuid)
}

// Unsubscribed confirms a subscription was stopped.
func (p *Presenter) Unsubscribed(uuid string) {
	p.Success("Unsubscribed from %s", uuid)
}

// Notification prints one notification.
func (p *Presenter) Notification(n ble.Notification) {
	p.line("%s %s %s", p.s.muted.Render(n.At.Format("15:04:05.000")), p.s.label.Render("notification"), p.s.uuid.Render(n.UUID))
	p.writeValue(n.Data)
}

func (p *Presenter) writeValue(data []byte) {
	p.line("   Raw: %v", data)
	p.line("   As string: %s", strings.ToValidUTF8(string(data), ""))
	p.line("   As hex: %s", message.EncodeHex(data))
}

// ProbeResult reports whether a device accepted a test connection.
func (p *Presenter) ProbeResult(r ble.DeviceRecord, err error) {
	if err != nil {
		p.line("   %s %s (%s): %v", p.s.err.Render("✗"), r.DisplayName(), r.Address, err)
		return
	}
	p.line("   %s %s (%s)", p.s.ok.Render("✓"), r.DisplayName(), r.Address)
}

// Summary prints a delivery summary.
func (p *Presenter) Summary(ok, total int) {
	p.line("")
	p.line("Summary: %d/%d sent successfully", ok, total)
}
