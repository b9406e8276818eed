// Package recorder captures admission requests so they can be replayed
// against any algorithm later.
package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// TrafficRecord is one decide request as it arrived.
type TrafficRecord struct {
	Timestamp time.Time `json:"timestamp"`
	ClientID  string    `json:"client_id"`
	Algorithm string    `json:"algorithm,omitempty"`
	Cost      int       `json:"cost"`
}

// Recorder collects traffic records. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	records []TrafficRecord
	enc     *json.Encoder // nil unless streaming
}

// New creates a Recorder. When w is non-nil every record is also written to
// it as one line of JSON as soon as it arrives.
func New(w io.Writer) *Recorder {
	r := &Recorder{}
	if w != nil {
		r.enc = json.NewEncoder(w)
	}
	return r
}

// Record stores rec. A cost below 1 is stored as 1. The record is kept even
// when streaming it fails.
func (r *Recorder) Record(rec TrafficRecord) error {
	if rec.Cost < 1 {
		rec.Cost = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, rec)
	if r.enc != nil {
		if err := r.enc.Encode(rec); err != nil {
			return fmt.Errorf("streaming traffic record: %w", err)
		}
	}
	return nil
}

// Records returns a copy of everything recorded so far.
func (r *Recorder) Records() []TrafficRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TrafficRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Len returns the number of records.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// ExportJSON writes all records to w as an indented JSON array.
func (r *Recorder) ExportJSON(w io.Writer) error {
	records := r.Records()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// ExportFile writes all records to path as a JSON array.
func (r *Recorder) ExportFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := r.ExportJSON(f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// LoadJSON reads records written either by ExportJSON (a JSON array) or by a
// streaming Recorder (one object per line).
func LoadJSON(rd io.Reader) ([]TrafficRecord, error) {
	br := bufio.NewReader(rd)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(br)
	if first == '[' {
		var records []TrafficRecord
		if err := dec.Decode(&records); err != nil {
			return nil, fmt.Errorf("decoding traffic records: %w", err)
		}
		return records, nil
	}

	var records []TrafficRecord
	for {
		var rec TrafficRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decoding traffic record %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
}

// LoadFile reads records from path. See LoadJSON for the accepted formats.
func LoadFile(path string) ([]TrafficRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening traffic file: %w", err)
	}
	defer f.Close()
	return LoadJSON(f)
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
