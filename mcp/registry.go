package mcp

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// FieldKind is the wire encoding of a request field (spec §3).
type FieldKind int

const (
	FieldWordsLE FieldKind = iota
	FieldBitsPacked
	FieldNibbles
	FieldAsciiHex
)

// RequestField names one field of a command's request body.
type RequestField struct {
	Name string
	Kind FieldKind
}

// BlockTemplate describes a repeating sub-structure in a request body —
// typically the (start, device, count[, data]) quadruple that addresses
// a device range. Fields is the ordered list of field names the block's
// bytes decode into.
type BlockTemplate struct {
	Name   string
	Fields []string
}

// ResponseKind is the wire encoding of a response entry (spec §4.3).
type ResponseKind int

const (
	RespBlockWords ResponseKind = iota
	RespBlockBitsPacked
	RespBlockNibbles
	RespAsciiHex
)

// ResponseEntry names one block of the response payload and how to
// encode it from resolved parameter values.
type ResponseEntry struct {
	Name         string
	Kind         ResponseKind
	LittleEndian bool // RespBlockWords
	LsbFirst     bool // RespBlockBitsPacked
	HighFirst    bool // RespBlockNibbles
}

// Command is the stable identifier of a registered descriptor.
type Command string

const (
	CommandReadWords  Command = "read_words"
	CommandReadBits   Command = "read_bits"
	CommandWriteWords Command = "write_words"
	CommandWriteBits  Command = "write_bits"
)

// CommandSpec fully determines how to decode a request body and encode
// its response for one (code, subcommand) pair (spec §3).
type CommandSpec struct {
	ID            Command
	Code          uint16
	Sub           uint16
	IsWrite       bool
	RequestFields []RequestField
	Blocks        []BlockTemplate
	Response      []ResponseEntry
}

type registryKey struct {
	code uint16
	sub  uint16
}

// CommandRegistry is the consumed command catalog (component C3): a
// lookup table from (code, subcommand) to descriptor. The core never
// defines catalog content itself — it only depends on this shape.
type CommandRegistry struct {
	specs map[registryKey]*CommandSpec
}

// NewRegistry returns an empty registry.
func NewRegistry() *CommandRegistry {
	return &CommandRegistry{specs: make(map[registryKey]*CommandSpec)}
}

// Register installs spec, keyed by its (Code, Sub) pair.
func (r *CommandRegistry) Register(spec *CommandSpec) {
	r.specs[registryKey{spec.Code, spec.Sub}] = spec
}

// Lookup finds the descriptor for a (code, subcommand) pair.
func (r *CommandRegistry) Lookup(code, sub uint16) (*CommandSpec, bool) {
	spec, ok := r.specs[registryKey{code, sub}]
	return spec, ok
}

// blockTemplateAddr is the canonical (start, device, count) block shape
// shared by every mandatory command (spec §4.3 "block templates").
func blockTemplateAddr(withData bool) BlockTemplate {
	fields := []string{"start", "device", "count"}
	if withData {
		fields = append(fields, "data")
	}
	return BlockTemplate{Name: "block", Fields: fields}
}

// DefaultRegistry builds the minimal catalog the core's Non-goals allow:
// read-words, read-bits, write-words, write-bits, each registered under
// both of the two subcommand numbers real MC devices accept (the plain
// form and the form with bit 1 set: 0x0002 for words, 0x0003 for bits).
func DefaultRegistry() *CommandRegistry {
	r := NewRegistry()

	r.Register(&CommandSpec{
		ID: CommandReadWords, Code: 0x0401, Sub: 0x0000,
		Blocks:   []BlockTemplate{blockTemplateAddr(false)},
		Response: []ResponseEntry{{Name: "values", Kind: RespBlockWords, LittleEndian: true}},
	})
	r.Register(&CommandSpec{
		ID: CommandReadWords, Code: 0x0401, Sub: 0x0002,
		Blocks:   []BlockTemplate{blockTemplateAddr(false)},
		Response: []ResponseEntry{{Name: "values", Kind: RespBlockWords, LittleEndian: true}},
	})
	r.Register(&CommandSpec{
		ID: CommandReadBits, Code: 0x0401, Sub: 0x0001,
		Blocks:   []BlockTemplate{blockTemplateAddr(false)},
		Response: []ResponseEntry{{Name: "values", Kind: RespBlockNibbles, HighFirst: true}},
	})
	r.Register(&CommandSpec{
		ID: CommandReadBits, Code: 0x0401, Sub: 0x0003,
		Blocks:   []BlockTemplate{blockTemplateAddr(false)},
		Response: []ResponseEntry{{Name: "values", Kind: RespBlockNibbles, HighFirst: true}},
	})
	r.Register(&CommandSpec{
		ID: CommandWriteWords, Code: 0x1401, Sub: 0x0000, IsWrite: true,
		Blocks: []BlockTemplate{blockTemplateAddr(true)},
	})
	r.Register(&CommandSpec{
		ID: CommandWriteWords, Code: 0x1401, Sub: 0x0002, IsWrite: true,
		Blocks: []BlockTemplate{blockTemplateAddr(true)},
	})
	r.Register(&CommandSpec{
		ID: CommandWriteBits, Code: 0x1401, Sub: 0x0001, IsWrite: true,
		Blocks: []BlockTemplate{blockTemplateAddr(true)},
	})
	r.Register(&CommandSpec{
		ID: CommandWriteBits, Code: 0x1401, Sub: 0x0003, IsWrite: true,
		Blocks: []BlockTemplate{blockTemplateAddr(true)},
	})

	return r
}

// tomlCommandSpec is the on-disk shape a registry TOML file lists
// commands in: [[command]] id="read_words" code=0x0401 sub=0x0000 ...
type tomlCommandSpec struct {
	ID       string `toml:"id"`
	Code     int64  `toml:"code"`
	Sub      int64  `toml:"sub"`
	IsWrite  bool   `toml:"is_write"`
	Response string `toml:"response"` // "words_le" | "nibbles_high" | "nibbles_low" | "bits_packed_lsb" | "bits_packed_msb" | "ascii_hex" | ""
}

type tomlRegistryDoc struct {
	Command []tomlCommandSpec `toml:"command"`
}

// LoadRegistryTOML loads a command catalog from a TOML file, one
// [[command]] table per (code, subcommand) pair. This is the external
// loader spec §9 describes as swappable behind the CommandRegistry
// boundary; DefaultRegistry is the built-in fallback when no catalog
// file is supplied.
func LoadRegistryTOML(path string) (*CommandRegistry, error) {
	var doc tomlRegistryDoc
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("mcp: decode command registry %s: %w", path, err)
	}

	r := NewRegistry()
	for _, c := range doc.Command {
		spec := &CommandSpec{
			ID:      Command(c.ID),
			Code:    uint16(c.Code),
			Sub:     uint16(c.Sub),
			IsWrite: c.IsWrite,
			Blocks:  []BlockTemplate{blockTemplateAddr(c.IsWrite)},
		}
		if !c.IsWrite {
			switch c.Response {
			case "nibbles_high":
				spec.Response = []ResponseEntry{{Name: "values", Kind: RespBlockNibbles, HighFirst: true}}
			case "nibbles_low":
				spec.Response = []ResponseEntry{{Name: "values", Kind: RespBlockNibbles, HighFirst: false}}
			case "bits_packed_lsb":
				spec.Response = []ResponseEntry{{Name: "values", Kind: RespBlockBitsPacked, LsbFirst: true}}
			case "bits_packed_msb":
				spec.Response = []ResponseEntry{{Name: "values", Kind: RespBlockBitsPacked, LsbFirst: false}}
			case "ascii_hex":
				spec.Response = []ResponseEntry{{Name: "values", Kind: RespAsciiHex}}
			default:
				spec.Response = []ResponseEntry{{Name: "values", Kind: RespBlockWords, LittleEndian: true}}
			}
		}
		r.Register(spec)
	}
	return r, nil
}
