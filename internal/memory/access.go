package memory

// Accessor is the uniform byte/word access contract implemented by every
// Region. Multi-byte accesses are little-endian.
type Accessor interface {
	ReadU8(addr uint64) (uint8, error)
	WriteU8(addr uint64, v uint8) error
	ReadU16(addr uint64) (uint16, error)
	WriteU16(addr uint64, v uint16) error
	ReadU32(addr uint64) (uint32, error)
	WriteU32(addr uint64, v uint32) error
	ReadU64(addr uint64) (uint64, error)
	WriteU64(addr uint64, v uint64) error
	ReadBytes(addr uint64, buf []byte) error
	WriteBytes(addr uint64, data []byte) error
}

// Device is the minimal capability an IO region's backing object must
// implement: byte-level access. Devices may additionally implement
// U16Device, U32Device, U64Device, or BytesDevice to handle wider accesses
// natively; widths they don't declare are lowered to a bulk access, served
// by BytesDevice when implemented and otherwise by a sequence of ReadU8/
// WriteU8 calls, with identical observable semantics.
type Device interface {
	ReadU8(addr uint64) (uint8, error)
	WriteU8(addr uint64, v uint8) error
}

// U16Device is implemented by devices that natively handle 16-bit access.
type U16Device interface {
	ReadU16(addr uint64) (uint16, error)
	WriteU16(addr uint64, v uint16) error
}

// U32Device is implemented by devices that natively handle 32-bit access.
type U32Device interface {
	ReadU32(addr uint64) (uint32, error)
	WriteU32(addr uint64, v uint32) error
}

// U64Device is implemented by devices that natively handle 64-bit access.
type U64Device interface {
	ReadU64(addr uint64) (uint64, error)
	WriteU64(addr uint64, v uint64) error
}

// BytesDevice is implemented by devices that can batch a bulk access rather
// than receiving it as a sequence of byte accesses.
type BytesDevice interface {
	ReadBytes(addr uint64, buf []byte) error
	WriteBytes(addr uint64, data []byte) error
}
