// Package slotcodec converts game states to and from their persisted form.
//
// A record is a one-line JSON header carrying the schema version and the slot
// [Metadata], followed by the JSON state body. Records from older schema
// versions are upgraded through a [Registry] of single-step migrations before
// they are validated; records from newer versions are rejected with a
// [*VersionError]. Decoding never returns a partially valid state.
package slotcodec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/casekeep/pkg/gamestate"
)

// Record is the encoded form of one slot. Header is empty for records written
// before slot headers existed.
type Record struct {
	Header []byte
	Body   []byte
}

// Bytes frames r as the header line, a newline and the body.
func (r Record) Bytes() []byte {
	if len(r.Header) == 0 {
		return bytes.Clone(r.Body)
	}
	out := make([]byte, 0, len(r.Header)+1+len(r.Body))
	out = append(out, r.Header...)
	out = append(out, '\n')
	return append(out, r.Body...)
}

// SplitRecord reverses [Record.Bytes]. Data whose first line is not a slot
// header is returned whole as a headerless legacy record.
func SplitRecord(data []byte) Record {
	line, body, ok := bytes.Cut(data, []byte{'\n'})
	if !ok {
		return Record{Body: data}
	}
	if _, err := parseHeader(line); err != nil {
		return Record{Body: data}
	}
	return Record{Header: line, Body: body}
}

type header struct {
	Version  int       `json:"version"`
	Metadata *Metadata `json:"metadata"`
}

func parseHeader(b []byte) (header, error) {
	var h header
	if err := json.Unmarshal(b, &h); err != nil {
		return header{}, err
	}
	if h.Version < 1 || h.Metadata == nil {
		return header{}, ErrNoHeader
	}
	h.Metadata.Version = h.Version
	return h, nil
}

// Option configures a [Codec].
type Option func(*Codec)

// WithRegistry replaces the migration chain and the version written by
// Encode.
func WithRegistry(r *Registry, current int) Option {
	return func(c *Codec) {
		c.registry = r
		c.current = current
	}
}

// Codec encodes and decodes slot records. It is stateless and safe for
// concurrent use.
type Codec struct {
	registry *Registry
	current  int
}

// New returns a Codec writing [CurrentVersion] with the [DefaultRegistry].
func New(opts ...Option) *Codec {
	c := &Codec{registry: DefaultRegistry(), current: CurrentVersion}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Version returns the schema version this codec writes.
func (c *Codec) Version() int { return c.current }

// Encode serialises s with meta as its header. meta.Version is overwritten
// with the codec version.
func (c *Codec) Encode(s *gamestate.State, meta Metadata) (Record, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return Record{}, fmt.Errorf("slotcodec: encode state: %w", err)
	}
	meta.Version = c.current
	head, err := json.Marshal(header{Version: c.current, Metadata: &meta})
	if err != nil {
		return Record{}, fmt.Errorf("slotcodec: encode header: %w", err)
	}
	return Record{Header: head, Body: body}, nil
}

// DecodeHeader parses a header line without touching the body.
func (c *Codec) DecodeHeader(line []byte) (Metadata, error) {
	if len(bytes.TrimSpace(line)) == 0 {
		return Metadata{}, ErrNoHeader
	}
	h, err := parseHeader(line)
	if err != nil {
		return Metadata{}, &CorruptStateError{Cause: err}
	}
	return *h.Metadata, nil
}

// Decode turns rec back into a validated state. Older versions are migrated
// first. For headerless records the returned metadata is derived from the
// decoded state and carries no slot id.
func (c *Codec) Decode(rec Record) (*gamestate.State, Metadata, error) {
	var (
		meta    Metadata
		version int
	)
	if len(rec.Header) > 0 {
		h, err := parseHeader(rec.Header)
		if err != nil {
			return nil, Metadata{}, &CorruptStateError{Cause: fmt.Errorf("header: %w", err)}
		}
		meta, version = *h.Metadata, h.Version
	} else {
		v, err := bodyVersion(rec.Body)
		if err != nil {
			return nil, Metadata{}, &CorruptStateError{Cause: err}
		}
		version = v
	}

	if version > c.current {
		return nil, meta, &VersionError{Found: version, Supported: c.current}
	}
	if version < 1 {
		return nil, meta, &CorruptStateError{Version: version, Cause: fmt.Errorf("invalid version %d", version)}
	}

	var s gamestate.State
	if version == c.current {
		if err := json.Unmarshal(rec.Body, &s); err != nil {
			return nil, meta, &CorruptStateError{Version: version, Cause: err}
		}
	} else if err := c.migrate(rec.Body, version, &s); err != nil {
		return nil, meta, &CorruptStateError{Version: version, Cause: err}
	}
	s.Normalize()

	if len(rec.Header) == 0 {
		meta = NewMetadata("", &s, 0, "")
		meta.Version = version
	}
	if vs := s.Validate(); len(vs) > 0 {
		return nil, meta, &CorruptStateError{Version: version, Violations: vs, Candidate: &s}
	}
	return &s, meta, nil
}

func (c *Codec) migrate(body []byte, from int, dst *gamestate.State) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("body is null")
	}
	if err := c.registry.Apply(doc, from, c.current); err != nil {
		return err
	}
	migrated, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(migrated, dst)
}

// bodyVersion reads the optional top-level "version" of a headerless body.
// Absent means 1.
func bodyVersion(body []byte) (int, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return 0, err
	}
	if probe.Version == nil {
		return 1, nil
	}
	return *probe.Version, nil
}
