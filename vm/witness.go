package vm

import "github.com/tliron/commonlog"

// ---------------------------------------------------------------------------
// Witness tables and the protocol dispatch resolver
// ---------------------------------------------------------------------------

// WitnessTable is the resolved dispatch table for exactly one
// (protocol, type) pair: one function index per protocol method, plus the
// associated-type bindings resolved at construction. Tables are shared and
// immutable once constructed; re-resolution returns a cached reference to
// the same table.
type WitnessTable struct {
	Protocol uint32   // protocol table index
	TypeID   uint32   // implementing type (global id)
	Methods  []uint32 // function indices, protocol declaration order
	Assoc    []uint32 // associated type ids, protocol declaration order

	// Index is the table's position in the resolver, which is also its
	// encoding as a witness Value.
	Index uint32
}

type witnessKey struct {
	protocol uint32
	typeID   uint32
}

// Resolver maps (protocol, type) pairs to witness tables. All tables are
// constructed eagerly at module load, so resolution after load is a pure
// lookup and never allocates.
type Resolver struct {
	module *Module
	log    commonlog.Logger

	tables []*WitnessTable
	byPair map[witnessKey]*WitnessTable
}

// NewResolver constructs every witness table declared by a verified module.
func NewResolver(m *Module) *Resolver {
	r := &Resolver{
		module: m,
		log:    commonlog.GetLogger("foil.resolver"),
		tables: make([]*WitnessTable, 0, len(m.Witnesses)),
		byPair: make(map[witnessKey]*WitnessTable, len(m.Witnesses)),
	}

	for i, w := range m.Witnesses {
		wt := &WitnessTable{
			Protocol: w.Protocol,
			TypeID:   w.TypeID,
			Methods:  w.Methods,
			Assoc:    w.AssocBindings,
			Index:    uint32(i),
		}
		r.tables = append(r.tables, wt)
		r.byPair[witnessKey{w.Protocol, w.TypeID}] = wt
	}

	r.log.Debugf("constructed %d witness tables for module %q", len(r.tables), m.Name)
	return r
}

// Resolve returns the witness table for a (protocol, type) pair. A miss is
// a contract violation between the front end and the runtime — a module
// that passed static type-checking upstream always has the witness — so it
// traps rather than returning an error the program could observe.
func (r *Resolver) Resolve(protocol, typeID uint32) (*WitnessTable, *Trap) {
	if wt, ok := r.byPair[witnessKey{protocol, typeID}]; ok {
		return wt, nil
	}
	protoName := "?"
	if int(protocol) < len(r.module.Protocols) {
		protoName = r.module.Protocols[protocol].Name
	}
	return nil, newTrap(TrapProtocolResolution,
		"no witness for protocol %q and type %q", protoName, r.module.TypeNameByID(typeID))
}

// TableAt returns the witness table by index. Indices come from verified
// LOAD_WITNESS operands or from witness Values, so they are always valid.
func (r *Resolver) TableAt(index uint32) *WitnessTable {
	return r.tables[index]
}

// NumTables returns the number of constructed witness tables.
func (r *Resolver) NumTables() int {
	return len(r.tables)
}

// MethodFor resolves one method of a protocol for a concrete type directly
// to its function index. The block compiler resolves speculative dispatch
// sites through here once and then calls the function directly.
func (r *Resolver) MethodFor(protocol, typeID uint32, method int) (uint32, *Trap) {
	wt, trap := r.Resolve(protocol, typeID)
	if trap != nil {
		return 0, trap
	}
	return wt.Methods[method], nil
}

// AssociatedType returns the type id bound to a protocol's associated type
// by the witness for typeID. Bindings were resolved at table construction;
// no runtime lookup beyond the pair resolution happens here.
func (r *Resolver) AssociatedType(protocol, typeID uint32, assoc int) (uint32, *Trap) {
	wt, trap := r.Resolve(protocol, typeID)
	if trap != nil {
		return 0, trap
	}
	return wt.Assoc[assoc], nil
}
