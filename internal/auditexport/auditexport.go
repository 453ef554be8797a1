// Package auditexport streams audit log entries in the formats offered to
// external consumers: JSON lines and CBOR sequences (RFC 8742).
package auditexport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"medtrace/pkg/domain"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Format names an export encoding.
type Format string

// Supported formats.
const (
	FormatJSONL Format = "jsonl"
	FormatCBOR  Format = "cbor"
)

// ParseFormat accepts a format name case-insensitively. Empty means jsonl.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case "", FormatJSONL, "ndjson":
		return FormatJSONL, nil
	case FormatCBOR:
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("unknown audit export format %q", name)
	}
}

// ContentType returns the media type of the format.
func (f Format) ContentType() string {
	if f == FormatCBOR {
		return "application/cbor-seq"
	}
	return "application/x-ndjson"
}

// Extension returns the conventional file extension, without a dot.
func (f Format) Extension() string {
	if f == FormatCBOR {
		return "cbor"
	}
	return "jsonl"
}

// encMode uses Core Deterministic Encoding so the same log always exports
// to the same bytes. Timestamps are RFC 3339 text with nanoseconds, which
// keeps the strict ordering of audit timestamps intact.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("auditexport: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("auditexport: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encoder writes audit entries one at a time.
type Encoder interface {
	Encode(entry domain.AuditLogEntry) error
}

// encodeFunc adapts a function to Encoder.
type encodeFunc func(domain.AuditLogEntry) error

func (f encodeFunc) Encode(entry domain.AuditLogEntry) error { return f(entry) }

// wireEntry fixes the exported field names independently of the domain
// struct and normalises timestamps to UTC.
type wireEntry struct {
	ID        string    `json:"id" cbor:"id"`
	Action    string    `json:"action" cbor:"action"`
	User      string    `json:"user" cbor:"user"`
	Task      string    `json:"task" cbor:"task"`
	Entity    string    `json:"entity" cbor:"entity"`
	TargetID  string    `json:"target_id" cbor:"target_id"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

func toWire(e domain.AuditLogEntry) wireEntry {
	return wireEntry{
		ID:        e.ID,
		Action:    string(e.Action),
		User:      e.User,
		Task:      e.Task,
		Entity:    string(e.Entity),
		TargetID:  e.TargetID,
		Timestamp: e.Timestamp.UTC(),
	}
}

func (w wireEntry) entry() domain.AuditLogEntry {
	return domain.AuditLogEntry{
		ID:        w.ID,
		Action:    domain.AuditAction(w.Action),
		User:      w.User,
		Task:      w.Task,
		Entity:    domain.EntityType(w.Entity),
		TargetID:  w.TargetID,
		Timestamp: w.Timestamp.UTC(),
	}
}

// NewEncoder returns an encoder writing format to w.
func NewEncoder(format Format, w io.Writer) (Encoder, error) {
	switch format {
	case FormatJSONL:
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		return encodeFunc(func(e domain.AuditLogEntry) error { return enc.Encode(toWire(e)) }), nil
	case FormatCBOR:
		enc := encMode.NewEncoder(w)
		return encodeFunc(func(e domain.AuditLogEntry) error { return enc.Encode(toWire(e)) }), nil
	default:
		return nil, fmt.Errorf("unknown audit export format %q", format)
	}
}

// Write encodes entries to w in order and returns how many were written.
func Write(w io.Writer, format Format, entries []domain.AuditLogEntry) (int, error) {
	bw := bufio.NewWriter(w)
	enc, err := NewEncoder(format, bw)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if err := enc.Encode(e); err != nil {
			return i, fmt.Errorf("encode audit entry %s: %w", e.ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return len(entries), fmt.Errorf("flush audit export: %w", err)
	}
	return len(entries), nil
}

// Read decodes a complete export produced by Write.
func Read(r io.Reader, format Format) ([]domain.AuditLogEntry, error) {
	var next func(*wireEntry) error
	switch format {
	case FormatJSONL:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		next = func(w *wireEntry) error { return dec.Decode(w) }
	case FormatCBOR:
		dec := decMode.NewDecoder(r)
		next = func(w *wireEntry) error { return dec.Decode(w) }
	default:
		return nil, fmt.Errorf("unknown audit export format %q", format)
	}
	var out []domain.AuditLogEntry
	for {
		var w wireEntry
		err := next(&w)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("decode audit entry %d: %w", len(out), err)
		}
		out = append(out, w.entry())
	}
}
