// Package rpc implements the binary RPC channel layer: a method registry,
// per-channel subscriptions, and synchronous calls driven by a focused
// poll of the owning eventcore.Loop.
package rpc

import "fmt"

// Value is the self-describing wire value: nil, bool, int64, float64,
// string, []Value, or map[string]Value. Method arguments, results, and
// notification payloads are all Values.
type Value struct {
	kind  valueKind
	b     bool
	i     int64
	f     float64
	s     string
	arr   []Value
	m     map[string]Value
}

type valueKind uint8

const (
	kindNil valueKind = iota
	kindBool
	kindInt
	kindFloat
	kindString
	kindArray
	kindMap
)

func Nil() Value                    { return Value{kind: kindNil} }
func Bool(v bool) Value             { return Value{kind: kindBool, b: v} }
func Int(v int64) Value             { return Value{kind: kindInt, i: v} }
func Float(v float64) Value         { return Value{kind: kindFloat, f: v} }
func String(v string) Value         { return Value{kind: kindString, s: v} }
func Array(v []Value) Value         { return Value{kind: kindArray, arr: v} }
func Map(v map[string]Value) Value  { return Value{kind: kindMap, m: v} }

// IsNil reports whether v holds the nil variant.
func (v Value) IsNil() bool { return v.kind == kindNil }

// Bool returns v's bool payload and whether v actually holds one.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == kindBool }

// Int returns v's int64 payload and whether v actually holds one.
func (v Value) Int() (int64, bool) { return v.i, v.kind == kindInt }

// Float returns v's float64 payload and whether v actually holds one.
func (v Value) Float() (float64, bool) { return v.f, v.kind == kindFloat }

// String returns v's string payload and whether v actually holds one.
func (v Value) String() (string, bool) { return v.s, v.kind == kindString }

// Array returns v's array payload and whether v actually holds one.
func (v Value) Array() ([]Value, bool) { return v.arr, v.kind == kindArray }

// Map returns v's map payload and whether v actually holds one.
func (v Value) Map() (map[string]Value, bool) { return v.m, v.kind == kindMap }

// GoString renders v for diagnostics (error messages, logging), never for
// the wire.
func (v Value) GoString() string {
	switch v.kind {
	case kindNil:
		return "nil"
	case kindBool:
		return fmt.Sprintf("%v", v.b)
	case kindInt:
		return fmt.Sprintf("%d", v.i)
	case kindFloat:
		return fmt.Sprintf("%g", v.f)
	case kindString:
		return fmt.Sprintf("%q", v.s)
	case kindArray:
		return fmt.Sprintf("%v", v.arr)
	case kindMap:
		return fmt.Sprintf("%v", v.m)
	default:
		return "<invalid>"
	}
}
