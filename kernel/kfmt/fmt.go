// Package kfmt implements the kernel's formatted output: an allocation-free
// printf core that buffers its output in a ring until a sink (typically the
// active terminal) is registered.
package kfmt

import (
	"io"
	"unsafe"

	"github.com/corvid-systems/corvid/kernel"
)

// scratchSize bounds the digit scratch buffer: a 64-bit value needs at most
// 22 octal digits plus a sign; the rest is available for padding.
const scratchSize = 32

var (
	badVerb    = []byte("%!(NOVERB)")
	badArgType = []byte("%!(WRONGTYPE)")
	missingArg = []byte("(MISSING)")
	extraArg   = []byte("%!(EXTRA)")
	nilValue   = []byte("<nil>")
	trueValue  = []byte("true")
	falseValue = []byte("false")
	errnoOpen  = []byte(" (errno ")

	// scratch holds the digits of the value currently being formatted.
	scratch [scratchSize]byte

	// singleByte hands one character at a time to doWrite; emitting
	// sub-slices of the format string would allocate.
	singleByte = []byte{0}

	// earlyPrintBuffer accumulates output emitted before a sink is
	// registered.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer Printf forwards to. While it is nil,
	// output lands in earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and drains
// any output accumulated in the early ring buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf formats its arguments and writes the result to the registered
// output sink. It can be safely used before the Go runtime allocator is
// available: no call path in this package allocates.
//
// The supported subset of formatting verbs is:
//
//	%s  string or byte slice
//	%d  base 10 integer
//	%o  base 8 integer
//	%x  base 16 integer, lower-case
//	%t  "true" or "false"
//	%c  a single character (byte or rune; non-ASCII runes print as '?')
//	%v  value in its natural form; kernel errors print as
//	    "[module] message" with the errno appended when the error
//	    carries an error kind
//
// An optional decimal width may precede the verb. Strings and base-10
// integers shorter than the width are left-padded with spaces; base-8 and
// base-16 integers are left-padded with zeroes.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes the formatted output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var argIndex int

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			emitByte(w, format[i])
			continue
		}

		// Parse the optional width between '%' and the verb.
		width := 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			doWrite(w, badVerb)
			break
		}

		if format[i] == '%' {
			emitByte(w, '%')
			continue
		}

		if argIndex == len(args) {
			doWrite(w, missingArg)
			continue
		}
		arg := args[argIndex]
		argIndex++

		switch format[i] {
		case 's':
			emitStringArg(w, arg, width)
		case 'd':
			emitInt(w, arg, 10, width)
		case 'o':
			emitInt(w, arg, 8, width)
		case 'x':
			emitInt(w, arg, 16, width)
		case 't':
			emitBool(w, arg)
		case 'c':
			emitChar(w, arg)
		case 'v':
			emitValue(w, arg)
		default:
			doWrite(w, badVerb)
		}
	}

	// Flag any arguments the format string did not consume.
	for ; argIndex < len(args); argIndex++ {
		doWrite(w, extraArg)
	}
}

// emitByte writes a single byte through the shared one-byte buffer.
func emitByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

// emitPad writes count pad characters.
func emitPad(w io.Writer, pad byte, count int) {
	for i := 0; i < count; i++ {
		emitByte(w, pad)
	}
}

// emitStringArg writes a string or byte slice argument, left-padding it
// with spaces up to width.
func emitStringArg(w io.Writer, v interface{}, width int) {
	switch val := v.(type) {
	case string:
		emitString(w, val, width)
	case []byte:
		emitPad(w, ' ', width-len(val))
		doWrite(w, val)
	default:
		doWrite(w, badArgType)
	}
}

// emitString writes a string, left-padding it with spaces up to width. It
// takes the string directly so no interface boxing (and hence no
// allocation) happens on the way in.
func emitString(w io.Writer, s string, width int) {
	emitPad(w, ' ', width-len(s))
	// Slicing the string into doWrite would allocate; emit it one byte
	// at a time instead.
	for i := 0; i < len(s); i++ {
		emitByte(w, s[i])
	}
}

// emitBool writes "true" or "false".
func emitBool(w io.Writer, v interface{}) {
	val, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, badArgType)
	case val:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// emitChar writes a single character. Runes outside the ASCII range render
// as '?' as the text console cannot address them.
func emitChar(w io.Writer, v interface{}) {
	switch val := v.(type) {
	case byte:
		emitByte(w, val)
	case rune:
		if val >= 0x80 {
			emitByte(w, '?')
			return
		}
		emitByte(w, byte(val))
	default:
		doWrite(w, badArgType)
	}
}

// emitValue writes a value in its natural form. Kernel errors render as
// "[module] message"; errors that carry an error kind additionally report
// the errno a syscall would return for them.
func emitValue(w io.Writer, v interface{}) {
	switch val := v.(type) {
	case nil:
		doWrite(w, nilValue)
	case *kernel.Error:
		if val == nil {
			doWrite(w, nilValue)
			return
		}

		emitByte(w, '[')
		emitString(w, val.Module, 0)
		emitByte(w, ']')
		emitByte(w, ' ')
		emitString(w, val.Message, 0)

		if val.Kind != kernel.ErrorKindNone {
			doWrite(w, errnoOpen)
			emitInt(w, val.Errno(), 10, 0)
			emitByte(w, ')')
		}
	case error:
		emitString(w, val.Error(), 0)
	case string:
		emitString(w, val, 0)
	case bool:
		emitBool(w, val)
	default:
		emitInt(w, v, 10, 0)
	}
}

// intValue converts any built-in integer type to its magnitude and sign.
func intValue(v interface{}) (uval uint64, negative, ok bool) {
	var sval int64

	switch val := v.(type) {
	case uint8:
		return uint64(val), false, true
	case uint16:
		return uint64(val), false, true
	case uint32:
		return uint64(val), false, true
	case uint64:
		return val, false, true
	case uintptr:
		return uint64(val), false, true
	case int8:
		sval = int64(val)
	case int16:
		sval = int64(val)
	case int32:
		sval = int64(val)
	case int64:
		sval = val
	case int:
		sval = int64(val)
	default:
		return 0, false, false
	}

	if sval < 0 {
		return uint64(-sval), true, true
	}
	return uint64(sval), false, true
}

// emitInt writes an integer value in the requested base. Base-10 values are
// left-padded with spaces up to width, base-8 and base-16 values with
// zeroes; a zero-padded sign precedes the padding.
func emitInt(w io.Writer, v interface{}, base, width int) {
	uval, negative, ok := intValue(v)
	if !ok {
		doWrite(w, badArgType)
		return
	}

	if width >= scratchSize {
		width = scratchSize - 1
	}

	padCh := byte(' ')
	if base != 10 {
		padCh = '0'
	}

	// Build the digits backwards from the end of the scratch buffer,
	// then prepend sign and padding.
	pos := scratchSize
	for {
		digit := byte(uval % uint64(base))
		pos--
		if digit < 10 {
			scratch[pos] = '0' + digit
		} else {
			scratch[pos] = 'a' + digit - 10
		}

		if uval /= uint64(base); uval == 0 {
			break
		}
	}

	if negative && padCh == '0' {
		for scratchSize-pos < width-1 {
			pos--
			scratch[pos] = padCh
		}
		pos--
		scratch[pos] = '-'
	} else {
		if negative {
			pos--
			scratch[pos] = '-'
		}
		for scratchSize-pos < width {
			pos--
			scratch[pos] = padCh
		}
	}

	doWrite(w, scratch[pos:])
}

// doWrite is a proxy that uses the runtime noescape trick to hide p from
// escape analysis. The eventual sink is an unknown io.Writer so the
// compiler would otherwise flag every buffer as escaping, and the resulting
// allocations would crash any Printf call made before the Go allocator is
// bootstrapped.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis (see runtime/stubs.go).
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
