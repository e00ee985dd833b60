package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// ---------------------------------------------------------------------------
// Module file format
// ---------------------------------------------------------------------------

// ModuleMagic identifies a Foil module file.
var ModuleMagic = [4]byte{'F', 'O', 'I', 'L'}

// ModuleVersion is the current module format version. The loader refuses
// any version it does not recognize.
const ModuleVersion uint32 = 1

// moduleHeaderSize is the fixed-size prefix: magic, version, flags, entry,
// result type, and six table counts.
const moduleHeaderSize = 4 + 4 + 4 + 4 + 4 + 6*4

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// WriteModule serializes a module to w in the binary module format.
func WriteModule(w io.Writer, m *Module) error {
	var buf bytes.Buffer

	buf.Write(ModuleMagic[:])
	writeUint32(&buf, ModuleVersion)
	writeUint32(&buf, 0) // flags, reserved
	writeUint32(&buf, m.Entry)
	writeUint32(&buf, m.ResultType)
	writeUint32(&buf, uint32(len(m.Constants)))
	writeUint32(&buf, uint32(len(m.Types)))
	writeUint32(&buf, uint32(len(m.Protocols)))
	writeUint32(&buf, uint32(len(m.Witnesses)))
	writeUint32(&buf, uint32(len(m.Functions)))
	writeUint32(&buf, uint32(len(m.Globals)))

	writeString(&buf, m.Name)

	for _, c := range m.Constants {
		buf.WriteByte(byte(c.Kind))
		switch c.Kind {
		case ConstInt:
			writeUint64(&buf, uint64(c.Int))
		case ConstFloat:
			writeUint64(&buf, math.Float64bits(c.Float))
		case ConstString:
			writeString(&buf, c.Str)
		default:
			return fmt.Errorf("write module: unknown constant kind %d", c.Kind)
		}
	}

	for _, td := range m.Types {
		writeString(&buf, td.Name)
		buf.WriteByte(byte(td.Kind))
		switch td.Kind {
		case TypeKindStruct:
			writeUint16(&buf, uint16(len(td.Fields)))
			for _, f := range td.Fields {
				writeString(&buf, f.Name)
			}
		case TypeKindEnum:
			writeUint16(&buf, uint16(len(td.Variants)))
			for _, v := range td.Variants {
				writeString(&buf, v.Name)
				buf.WriteByte(v.Tag)
				writeUint16(&buf, uint16(v.Arity))
			}
		default:
			return fmt.Errorf("write module: unknown type kind %d", td.Kind)
		}
	}

	for _, p := range m.Protocols {
		writeString(&buf, p.Name)
		writeUint16(&buf, uint16(len(p.Methods)))
		for _, md := range p.Methods {
			writeString(&buf, md.Name)
			writeUint16(&buf, uint16(md.Arity))
		}
		writeUint16(&buf, uint16(len(p.AssociatedTypes)))
		for _, at := range p.AssociatedTypes {
			writeString(&buf, at)
		}
	}

	for _, wd := range m.Witnesses {
		writeUint32(&buf, wd.Protocol)
		writeUint32(&buf, wd.TypeID)
		writeUint16(&buf, uint16(len(wd.Methods)))
		for _, fn := range wd.Methods {
			writeUint32(&buf, fn)
		}
		writeUint16(&buf, uint16(len(wd.AssocBindings)))
		for _, tid := range wd.AssocBindings {
			writeUint32(&buf, tid)
		}
	}

	for _, fn := range m.Functions {
		writeString(&buf, fn.Name)
		writeUint16(&buf, uint16(fn.Arity))
		writeUint16(&buf, uint16(fn.NumLocals))
		writeUint32(&buf, uint32(len(fn.Code)))
		buf.Write(fn.Code)
	}

	for _, g := range m.Globals {
		writeString(&buf, g.Name)
		writeUint32(&buf, g.Init)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// WriteModuleFile serializes a module to a file.
func WriteModuleFile(path string, m *Module) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write module file: %w", err)
	}
	defer f.Close()
	return WriteModule(f, m)
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

// moduleReader decodes the binary format. Structural verification happens
// afterwards in Verify; the reader only enforces that the byte stream is
// well-formed enough to decode.
type moduleReader struct {
	data   []byte
	offset int
}

// ReadModule reads and decodes a module from r. The result has not been
// verified; callers go through Load for an executable module.
func ReadModule(r io.Reader) (*Module, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	return ReadModuleFromBytes(data)
}

// ReadModuleFile reads and decodes a module from a .foil file.
func ReadModuleFile(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module file: %w", err)
	}
	return ReadModuleFromBytes(data)
}

// ReadModuleFromBytes decodes a module from a byte slice.
func ReadModuleFromBytes(data []byte) (*Module, error) {
	// Check the magic before the header length so junk input reports as
	// not-a-module rather than a truncated one.
	if len(data) >= 4 {
		var magic [4]byte
		copy(magic[:], data[:4])
		if magic != ModuleMagic {
			return nil, fmt.Errorf("%w: got %q", ErrInvalidMagic, string(magic[:]))
		}
	}
	if len(data) < moduleHeaderSize {
		return nil, ErrCorruptHeader
	}

	mr := &moduleReader{data: data, offset: 4}

	version, _ := mr.readUint32()
	if version != ModuleVersion {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, ModuleVersion, version)
	}

	if _, err := mr.readUint32(); err != nil { // flags
		return nil, err
	}

	m := &Module{}
	var err error
	if m.Entry, err = mr.readUint32(); err != nil {
		return nil, err
	}
	if m.ResultType, err = mr.readUint32(); err != nil {
		return nil, err
	}

	var nConstants, nTypes, nProtocols, nWitnesses, nFunctions, nGlobals uint32
	for _, dst := range []*uint32{&nConstants, &nTypes, &nProtocols, &nWitnesses, &nFunctions, &nGlobals} {
		if *dst, err = mr.readUint32(); err != nil {
			return nil, err
		}
	}

	if m.Name, err = mr.readString(); err != nil {
		return nil, err
	}

	for i := uint32(0); i < nConstants; i++ {
		var c Constant
		kind, err := mr.readByte()
		if err != nil {
			return nil, err
		}
		c.Kind = ConstantKind(kind)
		switch c.Kind {
		case ConstInt:
			v, err := mr.readUint64()
			if err != nil {
				return nil, err
			}
			c.Int = int64(v)
		case ConstFloat:
			v, err := mr.readUint64()
			if err != nil {
				return nil, err
			}
			c.Float = math.Float64frombits(v)
		case ConstString:
			if c.Str, err = mr.readString(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: constant kind %d", ErrCorruptData, kind)
		}
		m.Constants = append(m.Constants, c)
	}

	for i := uint32(0); i < nTypes; i++ {
		var td TypeDesc
		if td.Name, err = mr.readString(); err != nil {
			return nil, err
		}
		kind, err := mr.readByte()
		if err != nil {
			return nil, err
		}
		td.Kind = TypeKind(kind)
		switch td.Kind {
		case TypeKindStruct:
			n, err := mr.readUint16()
			if err != nil {
				return nil, err
			}
			for j := uint16(0); j < n; j++ {
				name, err := mr.readString()
				if err != nil {
					return nil, err
				}
				td.Fields = append(td.Fields, FieldDesc{Name: name})
			}
		case TypeKindEnum:
			n, err := mr.readUint16()
			if err != nil {
				return nil, err
			}
			for j := uint16(0); j < n; j++ {
				var v VariantDesc
				if v.Name, err = mr.readString(); err != nil {
					return nil, err
				}
				tag, err := mr.readByte()
				if err != nil {
					return nil, err
				}
				v.Tag = tag
				arity, err := mr.readUint16()
				if err != nil {
					return nil, err
				}
				v.Arity = int(arity)
				td.Variants = append(td.Variants, v)
			}
		default:
			return nil, fmt.Errorf("%w: type kind %d", ErrCorruptData, kind)
		}
		m.Types = append(m.Types, td)
	}

	for i := uint32(0); i < nProtocols; i++ {
		var p ProtocolDesc
		if p.Name, err = mr.readString(); err != nil {
			return nil, err
		}
		n, err := mr.readUint16()
		if err != nil {
			return nil, err
		}
		for j := uint16(0); j < n; j++ {
			var md MethodDesc
			if md.Name, err = mr.readString(); err != nil {
				return nil, err
			}
			arity, err := mr.readUint16()
			if err != nil {
				return nil, err
			}
			md.Arity = int(arity)
			p.Methods = append(p.Methods, md)
		}
		na, err := mr.readUint16()
		if err != nil {
			return nil, err
		}
		for j := uint16(0); j < na; j++ {
			at, err := mr.readString()
			if err != nil {
				return nil, err
			}
			p.AssociatedTypes = append(p.AssociatedTypes, at)
		}
		m.Protocols = append(m.Protocols, p)
	}

	for i := uint32(0); i < nWitnesses; i++ {
		var wd WitnessDecl
		if wd.Protocol, err = mr.readUint32(); err != nil {
			return nil, err
		}
		if wd.TypeID, err = mr.readUint32(); err != nil {
			return nil, err
		}
		n, err := mr.readUint16()
		if err != nil {
			return nil, err
		}
		for j := uint16(0); j < n; j++ {
			fn, err := mr.readUint32()
			if err != nil {
				return nil, err
			}
			wd.Methods = append(wd.Methods, fn)
		}
		na, err := mr.readUint16()
		if err != nil {
			return nil, err
		}
		for j := uint16(0); j < na; j++ {
			tid, err := mr.readUint32()
			if err != nil {
				return nil, err
			}
			wd.AssocBindings = append(wd.AssocBindings, tid)
		}
		m.Witnesses = append(m.Witnesses, wd)
	}

	for i := uint32(0); i < nFunctions; i++ {
		var fn Function
		if fn.Name, err = mr.readString(); err != nil {
			return nil, err
		}
		arity, err := mr.readUint16()
		if err != nil {
			return nil, err
		}
		fn.Arity = int(arity)
		locals, err := mr.readUint16()
		if err != nil {
			return nil, err
		}
		fn.NumLocals = int(locals)
		codeLen, err := mr.readUint32()
		if err != nil {
			return nil, err
		}
		code, err := mr.readBytes(int(codeLen))
		if err != nil {
			return nil, err
		}
		fn.Code = code
		m.Functions = append(m.Functions, fn)
	}

	for i := uint32(0); i < nGlobals; i++ {
		var g GlobalDesc
		if g.Name, err = mr.readString(); err != nil {
			return nil, err
		}
		if g.Init, err = mr.readUint32(); err != nil {
			return nil, err
		}
		m.Globals = append(m.Globals, g)
	}

	if mr.offset != len(mr.data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptData, len(mr.data)-mr.offset)
	}

	return m, nil
}

func (mr *moduleReader) readByte() (byte, error) {
	if mr.offset+1 > len(mr.data) {
		return 0, ErrUnexpectedEOF
	}
	b := mr.data[mr.offset]
	mr.offset++
	return b, nil
}

func (mr *moduleReader) readUint16() (uint16, error) {
	if mr.offset+2 > len(mr.data) {
		return 0, ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint16(mr.data[mr.offset:])
	mr.offset += 2
	return v, nil
}

func (mr *moduleReader) readUint32() (uint32, error) {
	if mr.offset+4 > len(mr.data) {
		return 0, ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(mr.data[mr.offset:])
	mr.offset += 4
	return v, nil
}

func (mr *moduleReader) readUint64() (uint64, error) {
	if mr.offset+8 > len(mr.data) {
		return 0, ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(mr.data[mr.offset:])
	mr.offset += 8
	return v, nil
}

func (mr *moduleReader) readBytes(n int) ([]byte, error) {
	if n < 0 || mr.offset+n > len(mr.data) {
		return nil, ErrUnexpectedEOF
	}
	b := make([]byte, n)
	copy(b, mr.data[mr.offset:mr.offset+n])
	mr.offset += n
	return b, nil
}

func (mr *moduleReader) readString() (string, error) {
	n, err := mr.readUint32()
	if err != nil {
		return "", err
	}
	if mr.offset+int(n) > len(mr.data) {
		return "", ErrUnexpectedEOF
	}
	s := string(mr.data[mr.offset : mr.offset+int(n)])
	mr.offset += int(n)
	return s, nil
}
