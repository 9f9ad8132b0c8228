// Package spa encodes and decodes SPA POD values, the parameter
// serialization used by the PipeWire transport. Only the subset needed
// for stream format negotiation is implemented: basic values, choices,
// and Format objects.
package spa

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Word is the native 32-bit unit PODs are built from.
type Word = uint32

// Basic POD types.
const (
	TypeNone Word = iota + 1
	TypeBool
	TypeID
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeString
	TypeBytes
	TypeRectangle
	TypeFraction
	TypeBitmap
	TypeArray
	TypeStruct
	TypeObject
	TypeSequence
	TypePointer
	TypeFd
	TypeChoice
	TypePod
)

// Choice kinds.
const (
	ChoiceNone Word = iota
	ChoiceRange
	ChoiceStep
	ChoiceEnum
	ChoiceFlags
)

// Object types.
const (
	TypeObjectFormat Word = 0x40003
)

// Param ids.
const (
	ParamInvalid Word = iota
	ParamPropInfo
	ParamProps
	ParamEnumFormat
	ParamFormat
	ParamBuffers
	ParamMeta
	ParamIO
)

// Format object property keys.
const (
	FormatMediaType    Word = 1
	FormatMediaSubtype Word = 2

	FormatAudioFormat   Word = 0x10001
	FormatAudioRate     Word = 0x10002
	FormatAudioChannels Word = 0x10003

	FormatVideoFormat    Word = 0x20001
	FormatVideoModifier  Word = 0x20002
	FormatVideoSize      Word = 0x20003
	FormatVideoFramerate Word = 0x20004
)

// Media types and subtypes.
const (
	MediaTypeAudio Word = 1
	MediaTypeVideo Word = 2

	MediaSubtypeRaw Word = 1
)

// Video pixel formats (spa_video_format).
const (
	VideoFormatRGBx Word = 7
	VideoFormatBGRx Word = 8
	VideoFormatRGBA Word = 11
	VideoFormatBGRA Word = 12
	VideoFormatRGB  Word = 15
	VideoFormatBGR  Word = 16
)

// Audio sample formats (spa_audio_format, interleaved).
const (
	AudioFormatS16LE Word = 0x103
)

const (
	headerSize = 8
	padding    = 8
)

// Rectangle is a width/height pair.
type Rectangle struct {
	Width  uint32
	Height uint32
}

// Fraction is a numerator/denominator pair.
type Fraction struct {
	Num   uint32
	Denom uint32
}

var (
	ErrTruncated  = errors.New("spa: truncated pod")
	ErrUnexpected = errors.New("spa: unexpected pod shape")
)

func padUp(n int) int {
	return (n + padding - 1) &^ (padding - 1)
}

// Builder assembles a POD byte stream. The zero value is ready to use.
type Builder struct {
	buf []byte
}

// Bytes returns the encoded stream.
func (b *Builder) Bytes() []byte { return b.buf }

func (b *Builder) word(w Word) {
	b.buf = binary.NativeEndian.AppendUint32(b.buf, w)
}

func (b *Builder) pad() {
	for len(b.buf)%padding != 0 {
		b.buf = append(b.buf, 0)
	}
}

func (b *Builder) primitive(typ Word, body ...Word) {
	b.word(Word(len(body) * 4))
	b.word(typ)
	for _, w := range body {
		b.word(w)
	}
	b.pad()
}

// ID appends an enumeration value.
func (b *Builder) ID(v Word) { b.primitive(TypeID, v) }

// Int appends a 32-bit integer.
func (b *Builder) Int(v int32) { b.primitive(TypeInt, Word(v)) }

// Rectangle appends a width/height pair.
func (b *Builder) Rectangle(r Rectangle) { b.primitive(TypeRectangle, r.Width, r.Height) }

// Fraction appends a numerator/denominator pair.
func (b *Builder) Fraction(f Fraction) { b.primitive(TypeFraction, f.Num, f.Denom) }

// choice appends a choice pod whose children share one primitive type.
// Child bodies are packed back to back without per-child headers.
func (b *Builder) choice(kind, childType Word, childWords int, values []Word) {
	childSize := childWords * 4
	bodySize := 8 + headerSize + len(values)*4
	b.word(Word(bodySize))
	b.word(TypeChoice)
	b.word(kind)
	b.word(0) // flags
	b.word(Word(childSize))
	b.word(childType)
	for _, w := range values {
		b.word(w)
	}
	b.pad()
}

// ChoiceEnumID appends an enum choice of ids: default first, then the
// alternatives.
func (b *Builder) ChoiceEnumID(def Word, alternatives ...Word) {
	values := append([]Word{def, def}, alternatives...)
	b.choice(ChoiceEnum, TypeID, 1, values)
}

// ChoiceRangeInt appends a default/min/max integer range.
func (b *Builder) ChoiceRangeInt(def, min, max int32) {
	b.choice(ChoiceRange, TypeInt, 1, []Word{Word(def), Word(min), Word(max)})
}

// ChoiceRangeRectangle appends a default/min/max rectangle range.
func (b *Builder) ChoiceRangeRectangle(def, min, max Rectangle) {
	b.choice(ChoiceRange, TypeRectangle, 2, []Word{
		def.Width, def.Height,
		min.Width, min.Height,
		max.Width, max.Height,
	})
}

// ChoiceRangeFraction appends a default/min/max fraction range.
func (b *Builder) ChoiceRangeFraction(def, min, max Fraction) {
	b.choice(ChoiceRange, TypeFraction, 2, []Word{
		def.Num, def.Denom,
		min.Num, min.Denom,
		max.Num, max.Denom,
	})
}

// Object appends an object pod. body builds the property list; each
// property is a Prop call followed by exactly one value append.
func (b *Builder) Object(objectType, objectID Word, body func(*Builder)) {
	sizeAt := len(b.buf)
	b.word(0) // patched below
	b.word(TypeObject)
	b.word(objectType)
	b.word(objectID)
	body(b)
	size := Word(len(b.buf) - sizeAt - headerSize)
	binary.NativeEndian.PutUint32(b.buf[sizeAt:], size)
}

// Prop appends a property key ahead of its value pod.
func (b *Builder) Prop(key Word) {
	b.word(key)
	b.word(0) // flags
}

// Pod is a decoded view over one POD within a byte stream.
type Pod struct {
	Type Word
	body []byte
}

// Parse decodes the first POD in data.
func Parse(data []byte) (Pod, error) {
	p, _, err := parseAt(data, 0)
	return p, err
}

func parseAt(data []byte, off int) (Pod, int, error) {
	if off+headerSize > len(data) {
		return Pod{}, 0, ErrTruncated
	}
	size := int(binary.NativeEndian.Uint32(data[off:]))
	typ := binary.NativeEndian.Uint32(data[off+4:])
	bodyStart := off + headerSize
	if bodyStart+size > len(data) {
		return Pod{}, 0, ErrTruncated
	}
	next := bodyStart + padUp(size)
	if next > len(data) {
		next = len(data)
	}
	return Pod{Type: typ, body: data[bodyStart : bodyStart+size]}, next, nil
}

func (p Pod) bodyWord(i int) (Word, error) {
	if (i+1)*4 > len(p.body) {
		return 0, ErrTruncated
	}
	return binary.NativeEndian.Uint32(p.body[i*4:]), nil
}

// value reduces a pod to a primitive, unwrapping a ChoiceNone wrapper
// first. Fixed formats carry plain values; anything still a choice at
// this point is a negotiation that never settled.
func (p Pod) value() (Pod, error) {
	if p.Type != TypeChoice {
		return p, nil
	}
	if len(p.body) < 16 {
		return Pod{}, ErrTruncated
	}
	kind := binary.NativeEndian.Uint32(p.body)
	if kind != ChoiceNone {
		return Pod{}, fmt.Errorf("%w: unresolved choice kind %d", ErrUnexpected, kind)
	}
	childSize := int(binary.NativeEndian.Uint32(p.body[8:]))
	childType := binary.NativeEndian.Uint32(p.body[12:])
	if 16+childSize > len(p.body) {
		return Pod{}, ErrTruncated
	}
	return Pod{Type: childType, body: p.body[16 : 16+childSize]}, nil
}

// ID returns the pod as an enumeration value.
func (p Pod) ID() (Word, error) {
	v, err := p.value()
	if err != nil {
		return 0, err
	}
	if v.Type != TypeID {
		return 0, fmt.Errorf("%w: want Id, got type %d", ErrUnexpected, v.Type)
	}
	return v.bodyWord(0)
}

// Int returns the pod as a 32-bit integer.
func (p Pod) Int() (int32, error) {
	v, err := p.value()
	if err != nil {
		return 0, err
	}
	if v.Type != TypeInt {
		return 0, fmt.Errorf("%w: want Int, got type %d", ErrUnexpected, v.Type)
	}
	w, err := v.bodyWord(0)
	return int32(w), err
}

// Rectangle returns the pod as a width/height pair.
func (p Pod) Rectangle() (Rectangle, error) {
	v, err := p.value()
	if err != nil {
		return Rectangle{}, err
	}
	if v.Type != TypeRectangle {
		return Rectangle{}, fmt.Errorf("%w: want Rectangle, got type %d", ErrUnexpected, v.Type)
	}
	w, err := v.bodyWord(0)
	if err != nil {
		return Rectangle{}, err
	}
	h, err := v.bodyWord(1)
	return Rectangle{Width: w, Height: h}, err
}

// Fraction returns the pod as a numerator/denominator pair.
func (p Pod) Fraction() (Fraction, error) {
	v, err := p.value()
	if err != nil {
		return Fraction{}, err
	}
	if v.Type != TypeFraction {
		return Fraction{}, fmt.Errorf("%w: want Fraction, got type %d", ErrUnexpected, v.Type)
	}
	n, err := v.bodyWord(0)
	if err != nil {
		return Fraction{}, err
	}
	d, err := v.bodyWord(1)
	return Fraction{Num: n, Denom: d}, err
}

// Object interprets the pod as an object and returns its type, id, and
// property map.
func (p Pod) Object() (objectType, objectID Word, props map[Word]Pod, err error) {
	if p.Type != TypeObject {
		return 0, 0, nil, fmt.Errorf("%w: want Object, got type %d", ErrUnexpected, p.Type)
	}
	if len(p.body) < 8 {
		return 0, 0, nil, ErrTruncated
	}
	objectType = binary.NativeEndian.Uint32(p.body)
	objectID = binary.NativeEndian.Uint32(p.body[4:])

	props = make(map[Word]Pod)
	off := 8
	for off < len(p.body) {
		if off+8 > len(p.body) {
			return 0, 0, nil, ErrTruncated
		}
		key := binary.NativeEndian.Uint32(p.body[off:])
		// +4 skips the property flags word.
		val, next, perr := parseAt(p.body, off+8)
		if perr != nil {
			return 0, 0, nil, perr
		}
		props[key] = val
		off = next
	}
	return objectType, objectID, props, nil
}
