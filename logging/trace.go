package logging

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Components that write to the tracer.
const (
	TraceMQTT   = "mqtt"
	TraceKafka  = "kafka"
	TraceValkey = "valkey"
	TraceAPI    = "api"
	traceSelf   = "trace"
)

// Tracer records raw traffic with hex dumps for troubleshooting broker and
// sink connections. It writes to a dedicated file, is safe for concurrent
// use, and all methods are no-ops on a nil receiver.
type Tracer struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // Component filters (empty = log all)
	now     func() time.Time
}

// NewTraceLogger creates a tracer writing to path. The file is truncated
// for each session.
func NewTraceLogger(path string) (*Tracer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	t := &Tracer{
		file:    file,
		filters: make(map[string]bool),
		now:     time.Now,
	}
	t.Log(traceSelf, "trace started - %s", t.now().Format(time.RFC3339))
	return t, nil
}

// SetFilter restricts tracing to a comma-separated list of components.
// An empty filter traces everything. Matching is case-insensitive.
func (t *Tracer) SetFilter(filter string) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.filters = make(map[string]bool)
	for _, c := range strings.Split(filter, ",") {
		c = strings.TrimSpace(strings.ToLower(c))
		if c != "" {
			t.filters[c] = true
		}
	}

	if len(t.filters) > 0 {
		names := make([]string, 0, len(t.filters))
		for c := range t.filters {
			names = append(names, c)
		}
		sort.Strings(names)
		t.writeLine(traceSelf, "filtering enabled for: %s", strings.Join(names, ", "))
	}
}

// shouldLog must be called with t.mu held.
func (t *Tracer) shouldLog(component string) bool {
	if len(t.filters) == 0 {
		return true
	}
	c := strings.ToLower(component)
	return t.filters[c] || c == traceSelf
}

// writeLine must be called with t.mu held.
func (t *Tracer) writeLine(component, format string, args ...any) {
	timestamp := t.now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(t.file, "%s [%s] %s\n", timestamp, component, fmt.Sprintf(format, args...))
}

// Log writes a formatted line tagged with component.
func (t *Tracer) Log(component, format string, args ...any) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || !t.shouldLog(component) {
		return
	}
	t.writeLine(component, format, args...)
}

// RX records received bytes.
func (t *Tracer) RX(component, label string, data []byte) {
	if t == nil {
		return
	}
	t.logPacket(component, "RX", label, data)
}

// TX records sent bytes.
func (t *Tracer) TX(component, label string, data []byte) {
	if t == nil {
		return
	}
	t.logPacket(component, "TX", label, data)
}

func (t *Tracer) logPacket(component, direction, label string, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || !t.shouldLog(component) {
		return
	}
	t.writeLine(component, "%s %s (%d bytes):", direction, label, len(data))
	fmt.Fprintf(t.file, "%s\n", hexDump(data))
}

// Close writes a footer and closes the file.
func (t *Tracer) Close() error {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.writeLine(traceSelf, "trace ended")
	return t.file.Close()
}

// hexDump returns a hex dump of the data in a readable format.
// Format: offset: hex bytes   ASCII
// Example:
//
//	0000: 7B 22 74 65 6D 70 22 3A  33 35 7D                 {"temp":35}
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		fmt.Fprintf(&sb, "    %04X: ", offset)

		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteString(" ")
			}
			if offset+i < len(data) {
				fmt.Fprintf(&sb, "%02X ", data[offset+i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" ")

		for i := 0; i < 16 && offset+i < len(data); i++ {
			b := data[offset+i]
			if b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("\n")
	}

	return strings.TrimSuffix(sb.String(), "\n")
}
