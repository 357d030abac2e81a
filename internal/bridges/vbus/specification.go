package vbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default packet header values for controller broadcasts.
const (
	defaultProtocol = 0x10
	defaultCommand  = 0x0100
)

// PacketField is one named, unit-scaled value decoded from a header payload.
type PacketField struct {
	// ID identifies the field: "<headerKey>_<offset>_<size>" unless the
	// specification names it explicitly.
	ID string `json:"id"`

	// Name is the human-readable field name.
	Name string `json:"name"`

	// Unit is the physical unit, e.g. "°C".
	Unit string `json:"unit,omitempty"`

	// Value is the physical value.
	Value float64 `json:"value"`

	// Precision is the number of decimal places to publish.
	Precision int `json:"precision"`

	// Header is the key of the header the field was decoded from.
	Header HeaderKey `json:"-"`
}

// FieldDecoder turns raw headers into named fields.
type FieldDecoder interface {
	Decode(headers []Header) []PacketField
}

// FieldSpec describes one field inside a packet payload.
type FieldSpec struct {
	ID        string  `yaml:"id"`
	Name      string  `yaml:"name"`
	Offset    int     `yaml:"offset"`
	Size      int     `yaml:"size"`
	Signed    bool    `yaml:"signed"`
	Factor    float64 `yaml:"factor"`
	Precision int     `yaml:"precision"`
	Unit      string  `yaml:"unit"`
}

// PacketSpec describes the fields carried by one packet type.
type PacketSpec struct {
	Name        string      `yaml:"name"`
	Channel     uint8       `yaml:"channel"`
	Destination uint16      `yaml:"destination"`
	Source      uint16      `yaml:"source"`
	Protocol    uint8       `yaml:"protocol"`
	Command     uint16      `yaml:"command"`
	Fields      []FieldSpec `yaml:"fields"`
}

// Key returns the header key this packet specification applies to.
func (p PacketSpec) Key() HeaderKey {
	return HeaderKey{
		Channel:     p.Channel,
		Destination: p.Destination,
		Source:      p.Source,
		Protocol:    p.Protocol,
		Command:     p.Command,
	}
}

// Specification is a table of packet layouts loaded from YAML.
//
// Thread Safety: Read-only after load; safe for concurrent use.
type Specification struct {
	packets map[HeaderKey]PacketSpec
}

type specificationFile struct {
	Packets []PacketSpec `yaml:"packets"`
}

// LoadSpecification reads a packet specification file.
func LoadSpecification(path string) (*Specification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading specification: %w", err)
	}
	return ParseSpecification(data)
}

// ParseSpecification parses a YAML packet specification.
func ParseSpecification(data []byte) (*Specification, error) {
	var file specificationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing specification: %w", err)
	}
	return NewSpecification(file.Packets)
}

// NewSpecification builds a specification from packet layouts, applying
// protocol and command defaults and validating field bounds.
func NewSpecification(packets []PacketSpec) (*Specification, error) {
	s := &Specification{packets: make(map[HeaderKey]PacketSpec, len(packets))}
	var errs []string

	for i, p := range packets {
		if p.Protocol == 0 {
			p.Protocol = defaultProtocol
		}
		if p.Command == 0 {
			p.Command = defaultCommand
		}
		key := p.Key()
		if _, dup := s.packets[key]; dup {
			errs = append(errs, fmt.Sprintf("packets[%d]: duplicate packet %s", i, key))
			continue
		}

		for j := range p.Fields {
			f := &p.Fields[j]
			switch f.Size {
			case 1, 2, 3, 4:
			default:
				errs = append(errs, fmt.Sprintf("packets[%d].fields[%d]: size %d not in 1..4", i, j, f.Size))
			}
			if f.Offset < 0 {
				errs = append(errs, fmt.Sprintf("packets[%d].fields[%d]: negative offset", i, j))
			}
			if f.ID == "" {
				f.ID = fmt.Sprintf("%s_%03d_%d", key, f.Offset, f.Size)
			}
			if f.Factor == 0 {
				f.Factor = 1 / math.Pow10(f.Precision)
			}
		}
		s.packets[key] = p
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("specification errors: %s", strings.Join(errs, "; "))
	}
	return s, nil
}

// PacketCount returns the number of known packet layouts.
func (s *Specification) PacketCount() int {
	return len(s.packets)
}

// Packet returns the layout for a header key.
func (s *Specification) Packet(key HeaderKey) (PacketSpec, bool) {
	p, ok := s.packets[key]
	return p, ok
}

// Decode extracts every specified field from the given headers. Headers
// without a layout and fields beyond the payload length are skipped.
func (s *Specification) Decode(headers []Header) []PacketField {
	var out []PacketField
	for _, h := range headers {
		p, ok := s.packets[h.Key]
		if !ok {
			continue
		}
		for _, f := range p.Fields {
			raw, ok := readField(h.Payload, f)
			if !ok {
				continue
			}
			out = append(out, PacketField{
				ID:        f.ID,
				Name:      f.Name,
				Unit:      f.Unit,
				Value:     roundTo(float64(raw)*f.Factor, f.Precision),
				Precision: f.Precision,
				Header:    h.Key,
			})
		}
	}
	return out
}

// FieldNames returns "id: name" lines for the given headers, used for the
// diagnostic dump once discovery has settled.
func (s *Specification) FieldNames(headers []Header) []string {
	var out []string
	for _, h := range headers {
		p, ok := s.packets[h.Key]
		if !ok {
			out = append(out, fmt.Sprintf("%s: (unknown packet)", h.Key))
			continue
		}
		for _, f := range p.Fields {
			out = append(out, fmt.Sprintf("%s: %s", f.ID, f.Name))
		}
	}
	return out
}

// readField reads a little-endian integer of f.Size bytes at f.Offset.
func readField(payload []byte, f FieldSpec) (int64, bool) {
	end := f.Offset + f.Size
	if f.Offset < 0 || end > len(payload) {
		return 0, false
	}

	var buf [4]byte
	copy(buf[:], payload[f.Offset:end])
	u := binary.LittleEndian.Uint32(buf[:])

	if !f.Signed {
		return int64(u), true
	}
	shift := 32 - 8*f.Size
	return int64(int32(u<<shift) >> shift), true
}

func roundTo(v float64, precision int) float64 {
	p := math.Pow10(precision)
	return math.Round(v*p) / p
}
