package irq

import "github.com/corvid-systems/corvid/kernel/cpu"

// ExceptionNum defines an exception number that can be
// passed to the HandleException and HandleExceptionWithCode
// functions.
type ExceptionNum uint8

const (
	// DoubleFault occurs when an exception is unhandled
	// or when an exception occurs while the CPU is
	// trying to call an exception handler.
	DoubleFault = ExceptionNum(8)

	// GPFException is raised when a general protection fault occurs.
	GPFException = ExceptionNum(13)

	// PageFaultException is raised when a PDT or
	// PDT-entry is not present or when a privilege
	// and/or RW protection check fails.
	PageFaultException = ExceptionNum(14)
)

// IRQNum identifies one of the 16 hardware interrupt lines exposed by the
// dual 8259 PIC. Init remaps the PIC so line 0 is delivered on vector
// irqBaseVector.
type IRQNum uint8

const (
	// TimerIRQ is raised by the PIT on each timer tick.
	TimerIRQ = IRQNum(0)

	// UARTIRQ is raised by the primary serial port (COM1).
	UARTIRQ = IRQNum(4)

	// irqBaseVector is the IDT vector for IRQ line 0 after the PIC remap.
	irqBaseVector = 0x20

	picMasterCmd  = uint16(0x20)
	picMasterData = uint16(0x21)
	picSlaveCmd   = uint16(0xa0)
	picSlaveData  = uint16(0xa1)
	picEOI        = uint8(0x20)
)

// ExceptionHandler is a function that handles an exception that does not push
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode is a function that handles an exception that pushes
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandlerWithCode func(uint32, *Frame, *Regs)

// IRQHandler is a function invoked for a hardware interrupt. The dispatcher
// acknowledges the PIC after the handler returns.
type IRQHandler func(*Frame, *Regs)

var (
	exceptionHandlers         [32]ExceptionHandler
	exceptionHandlersWithCode [32]ExceptionHandlerWithCode
	irqHandlers               [16]IRQHandler

	// portWriteByteFn and portReadByteFn are mocked by tests and are
	// automatically inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// HandleException registers an exception handler (without an error code) for
// the given interrupt number.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler) {
	exceptionHandlers[exceptionNum] = handler
}

// HandleExceptionWithCode registers an exception handler (with an error code)
// for the given interrupt number.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode) {
	exceptionHandlersWithCode[exceptionNum] = handler
}

// HandleIRQ registers a handler for the given hardware interrupt line and
// unmasks the line on the PIC.
func HandleIRQ(irqNum IRQNum, handler IRQHandler) {
	irqHandlers[irqNum] = handler
	unmaskIRQ(irqNum)
}

// Init remaps the dual 8259 PIC so hardware interrupts are delivered on
// vectors [irqBaseVector, irqBaseVector+16) instead of overlapping the CPU
// exception range, and masks every line until a handler is registered.
func Init() {
	portWriteByteFn(picMasterCmd, 0x11)
	portWriteByteFn(picSlaveCmd, 0x11)
	portWriteByteFn(picMasterData, irqBaseVector)
	portWriteByteFn(picSlaveData, irqBaseVector+8)
	portWriteByteFn(picMasterData, 0x04)
	portWriteByteFn(picSlaveData, 0x02)
	portWriteByteFn(picMasterData, 0x01)
	portWriteByteFn(picSlaveData, 0x01)

	// Mask all lines except the slave cascade (line 2).
	portWriteByteFn(picMasterData, 0xfb)
	portWriteByteFn(picSlaveData, 0xff)
}

func unmaskIRQ(irqNum IRQNum) {
	if irqNum < 8 {
		mask := portReadByteFn(picMasterData)
		portWriteByteFn(picMasterData, mask&^(uint8(1)<<irqNum))
		return
	}

	mask := portReadByteFn(picSlaveData)
	portWriteByteFn(picSlaveData, mask&^(uint8(1)<<(irqNum-8)))
}

// dispatchException is invoked by the rt0 interrupt gate stubs for CPU
// exception vectors. Exceptions without a registered handler are fatal; the
// gate stub halts after dispatchException returns false.
func dispatchException(vector uint8, errorCode uint32, frame *Frame, regs *Regs) bool {
	if handler := exceptionHandlersWithCode[vector]; handler != nil {
		handler(errorCode, frame, regs)
		return true
	}

	if handler := exceptionHandlers[vector]; handler != nil {
		handler(frame, regs)
		return true
	}

	return false
}

// dispatchIRQ is invoked by the rt0 interrupt gate stubs for hardware
// interrupt vectors. It runs the registered handler (if any) and sends the
// end-of-interrupt sequence to the PIC.
func dispatchIRQ(vector uint8, frame *Frame, regs *Regs) {
	line := IRQNum(vector - irqBaseVector)
	if handler := irqHandlers[line]; handler != nil {
		handler(frame, regs)
	}

	if line >= 8 {
		portWriteByteFn(picSlaveCmd, picEOI)
	}
	portWriteByteFn(picMasterCmd, picEOI)
}
