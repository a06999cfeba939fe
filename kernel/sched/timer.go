package sched

import (
	"io"
	"sync/atomic"

	"github.com/corvid-systems/corvid/kernel/cpu"
	"github.com/corvid-systems/corvid/kernel/irq"
	"github.com/corvid-systems/corvid/kernel/kfmt"
)

// The tick service: a PIT-driven monotonic counter that drives preemption
// and the sleep list.
const (
	// HZ is the timer interrupt frequency. At 500Hz one tick is 2ms,
	// which is also the scheduler time slice.
	HZ = 500

	// DefaultTimeSliceMs is the round-robin time slice.
	DefaultTimeSliceMs = 2

	// pitInputHz is the base frequency of the 8253/8254 PIT oscillator.
	pitInputHz = 1193182

	pitCmdPort    = uint16(0x43)
	pitChannel0   = uint16(0x40)
	pitCmdRateGen = uint8(0x36)
)

var (
	// tickCount is the monotonically increasing timer tick counter.
	tickCount uint64

	// tickCountFn is mocked by tests and is automatically inlined by the
	// compiler.
	tickCountFn = Ticks

	// milestoneSink, when set, receives tick-stamped boot milestone
	// records (consumed by the host-side boot profiler).
	milestoneSink io.Writer

	// portWriteByteFn and handleIRQFn are mocked by tests.
	portWriteByteFn = cpu.PortWriteByte
	handleIRQFn     = irq.HandleIRQ
)

// Ticks returns the number of timer ticks since boot.
func Ticks() uint64 {
	return atomic.LoadUint64(&tickCount)
}

// TicksForMs converts a millisecond duration into timer ticks, rounding
// down: ticks = ms * HZ / 1000.
func TicksForMs(ms uint64) uint64 {
	return ms * HZ / 1000
}

// InitTimer programs the PIT to fire at HZ and routes its interrupt into
// the default scheduler.
func InitTimer() {
	divisor := uint16(pitInputHz / HZ)
	portWriteByteFn(pitCmdPort, pitCmdRateGen)
	portWriteByteFn(pitChannel0, uint8(divisor&0xff))
	portWriteByteFn(pitChannel0, uint8(divisor>>8))

	handleIRQFn(irq.TimerIRQ, timerIRQHandler)
}

// timerIRQHandler runs on every PIT interrupt: it advances the tick counter
// and hands the new count to the scheduler.
func timerIRQHandler(_ *irq.Frame, _ *irq.Regs) {
	now := atomic.AddUint64(&tickCount, 1)
	defaultScheduler.onTick(now)
}

// WaitMs blocks the calling thread for at least the supplied number of
// milliseconds.
func WaitMs(ms uint64) {
	defaultScheduler.sleepCurrent(TicksForMs(ms))
}

// SetMilestoneSink routes boot milestone records to the supplied writer
// (typically the UART) so boot timing can be analyzed offline.
func SetMilestoneSink(w io.Writer) {
	milestoneSink = w
}

// Milestone emits a tick-stamped boot milestone record.
func Milestone(name string) {
	if milestoneSink == nil {
		return
	}
	kfmt.Fprintf(milestoneSink, "[milestone] %d %s\n", Ticks(), name)
}
