package kfmt

import (
	"io"
	"mpkernel/kernel/sync"
	"unsafe"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// numBuf and singleByte are shared scratch buffers; printLock
	// serializes their use across processors.
	numBuf     [maxBufSize]byte
	singleByte = []byte(" ")
	printLock  sync.Spinlock

	// earlyPrintBuffer captures Printf output until an output sink is
	// attached.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. When nil,
	// output is redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	printLock.Acquire()
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
	printLock.Release()
}

// GetOutputSink returns the current target for calls to Printf. Before a
// sink is attached this is the early print buffer.
func GetOutputSink() io.Writer {
	if outputSink == nil {
		return &earlyPrintBuffer
	}
	return outputSink
}

// Printf provides a minimal Printf implementation that can be used before the
// Go allocator is available; it never allocates.
//
// Supported verbs:
//
//	%s the uninterpreted bytes of a string or byte slice
//	%d base 10 integer
//	%o base 8 integer
//	%x base 16 integer, lower-case a-f
//	%t "true" or "false"
//	%% a literal percent sign
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces, base-8 and base-16 integers with
// zeroes. Arguments are never checked for io.Stringer support.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the early print buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	printLock.Acquire()
	fprintf(w, format, args)
	printLock.Release()
}

func fprintf(w io.Writer, format string, args []interface{}) {
	var argIndex int

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		width := 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 'd', 'o', 'x', 's', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		arg := args[argIndex]
		argIndex++

		switch verb {
		case 'd':
			fmtInt(w, arg, 10, width)
		case 'o':
			fmtInt(w, arg, 8, width)
		case 'x':
			fmtInt(w, arg, 16, width)
		case 's':
			fmtString(w, arg, width)
		case 't':
			fmtBool(w, arg)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		fmtRepeat(w, ' ', width-len(s))
		// Slicing the string into a []byte would allocate.
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		fmtRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// fmtInt renders v right-aligned inside numBuf and writes the used tail.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		val      uint64
		negative bool
	)

	switch n := v.(type) {
	case uint8:
		val = uint64(n)
	case uint16:
		val = uint64(n)
	case uint32:
		val = uint64(n)
	case uint64:
		val = n
	case uint:
		val = uint64(n)
	case uintptr:
		val = uint64(n)
	case int8:
		val, negative = abs(int64(n))
	case int16:
		val, negative = abs(int64(n))
	case int32:
		val, negative = abs(int64(n))
	case int64:
		val, negative = abs(n)
	case int:
		val, negative = abs(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if width >= maxBufSize {
		width = maxBufSize - 1
	}

	pos := maxBufSize
	for {
		pos--
		digit := byte(val % base)
		if digit < 10 {
			numBuf[pos] = '0' + digit
		} else {
			numBuf[pos] = 'a' + digit - 10
		}

		if val /= base; val == 0 {
			break
		}
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	signWidth := 0
	if negative {
		signWidth = 1
	}

	// Zero padding goes between the sign and the digits while space padding
	// goes in front of the sign.
	if padCh == '0' {
		for maxBufSize-pos+signWidth < width {
			pos--
			numBuf[pos] = '0'
		}
	}

	if negative {
		pos--
		numBuf[pos] = '-'
	}

	for maxBufSize-pos < width {
		pos--
		numBuf[pos] = padCh
	}

	doWrite(w, numBuf[pos:])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

// doWrite hides p from escape analysis. The writer is only known at run time
// so without this the compiler would flag p as escaping and every Printf call
// would allocate.
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

// noEscape hides a pointer from escape analysis.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
