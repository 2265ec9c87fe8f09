package lapic

import (
	"bytes"
	"mpkernel/device/acpi"
	"mpkernel/device/acpi/table"
	"mpkernel/kernel"
	"mpkernel/kernel/cpu"
	"mpkernel/kernel/mm"
	"runtime"
	"testing"
	"unsafe"
)

func withPhysMem(size uintptr) func() {
	buf := make([]byte, size+mm.PageSize)
	base := (uintptr(unsafe.Pointer(&buf[0])) + mm.PageSize - 1) &^ (mm.PageSize - 1)
	prevBase := mm.SetDirectMapBase(base)

	return func() {
		mm.SetDirectMapBase(prevBase)
		runtime.KeepAlive(buf)
	}
}

// fakeMSRs backs readMSRFn and writeMSRFn with a map.
type fakeMSRs map[uint32]uint64

func (m fakeMSRs) install() func() {
	readMSRFn = func(msr uint32) uint64 { return m[msr] }
	writeMSRFn = func(msr uint32, val uint64) { m[msr] = val }

	return func() {
		readMSRFn = cpu.ReadMSR
		writeMSRFn = cpu.WriteMSR
	}
}

func mockFeatures(features ...cpu.Feature) func() {
	hasFeatureFn = func(f cpu.Feature) bool {
		for _, supported := range features {
			if f == supported {
				return true
			}
		}
		return false
	}

	return func() { hasFeatureFn = cpu.HasFeature }
}

// fakeRegs is an in-memory register file. readHook, when set, may override
// the value returned for a register.
type fakeRegs struct {
	values   map[uint32]uint64
	writes   []uint32
	readHook func(reg uint32, val uint64) uint64
}

func newFakeRegs() *fakeRegs {
	return &fakeRegs{values: make(map[uint32]uint64)}
}

func (r *fakeRegs) read(reg uint32) uint64 {
	if r.readHook != nil {
		return r.readHook(reg, r.values[reg])
	}
	return r.values[reg]
}

func (r *fakeRegs) write(reg uint32, val uint64) {
	r.writes = append(r.writes, reg)
	r.values[reg] = val

	// Loading the initial count restarts the timer.
	if reg == regTimerInitial {
		r.values[regTimerCurrent] = val
	}
}

func TestEnable(t *testing.T) {
	defer withPhysMem(2 * mm.PageSize)()
	defer func() { pauseFn = cpu.Pause }()
	pauseFn = func() {}

	t.Run("no local APIC", func(t *testing.T) {
		defer mockFeatures()()

		if err := New(0).Enable(); err != errNoLocalAPIC {
			t.Fatalf("expected errNoLocalAPIC; got %v", err)
		}
	})

	t.Run("xAPIC", func(t *testing.T) {
		defer mockFeatures(cpu.FeatureAPIC)()
		msrs := fakeMSRs{msrAPICBase: 0xfee00000}
		defer msrs.install()()

		ctrl := New(mm.PageSize)
		if err := ctrl.Enable(); err != nil {
			t.Fatal(err)
		}

		if ctrl.Mode() != ModeXAPIC {
			t.Fatalf("expected xAPIC mode; got %s", ctrl.Mode().String())
		}

		if exp := uint64(0xfee00000) | apicBaseEnable; msrs[msrAPICBase] != exp {
			t.Fatalf("expected APIC base MSR 0x%x; got 0x%x", exp, msrs[msrAPICBase])
		}

		svr := *(*uint32)(unsafe.Pointer(mm.PhysToVirt(mm.PageSize + uintptr(regSVR))))
		if exp := uint32(svrSoftwareEnable | svrSpuriousVector); svr != exp {
			t.Fatalf("expected SVR 0x%x; got 0x%x", exp, svr)
		}
	})

	t.Run("x2APIC", func(t *testing.T) {
		defer mockFeatures(cpu.FeatureAPIC, cpu.FeatureX2APIC)()
		msrs := fakeMSRs{}
		defer msrs.install()()

		ctrl := New(0)
		if err := ctrl.Enable(); err != nil {
			t.Fatal(err)
		}

		if ctrl.Mode() != ModeX2APIC {
			t.Fatalf("expected x2APIC mode; got %s", ctrl.Mode().String())
		}

		if exp := apicBaseEnable | apicBaseX2APIC; msrs[msrAPICBase] != exp {
			t.Fatalf("expected APIC base MSR 0x%x; got 0x%x", exp, msrs[msrAPICBase])
		}

		if got := msrs[0x80f]; got != svrSoftwareEnable|svrSpuriousVector {
			t.Fatalf("expected SVR MSR 0x80f to be 0x1ff; got 0x%x", got)
		}
	})
}

func TestModeString(t *testing.T) {
	specs := []struct {
		mode Mode
		exp  string
	}{
		{ModeDisabled, "disabled"},
		{ModeXAPIC, "xAPIC"},
		{ModeX2APIC, "x2APIC"},
	}

	for _, spec := range specs {
		if got := spec.mode.String(); got != spec.exp {
			t.Errorf("expected %q; got %q", spec.exp, got)
		}
	}
}

func TestReadID(t *testing.T) {
	regs := newFakeRegs()
	regs.values[regID] = 0x05000000

	ctrl := &Controller{mode: ModeXAPIC, regs: regs}
	if got := ctrl.ReadID(); got != 5 {
		t.Fatalf("expected xAPIC ID 5; got %d", got)
	}

	regs.values[regID] = 0x12345
	ctrl.mode = ModeX2APIC
	if got := ctrl.ReadID(); got != 0x12345 {
		t.Fatalf("expected x2APIC ID 0x12345; got 0x%x", got)
	}
}

func TestSendIPI(t *testing.T) {
	defer func() { pauseFn = cpu.Pause }()
	pauseFn = func() {}

	initIPI := IPI{Dest: 0x103, Delivery: DeliveryInit}
	startupIPI := IPI{Dest: 3, Vector: 0x08, Delivery: DeliveryStartup, LogicalDest: true}

	t.Run("not enabled", func(t *testing.T) {
		if err := New(0).SendIPI(initIPI); err != errNotEnabled {
			t.Fatalf("expected errNotEnabled; got %v", err)
		}
	})

	t.Run("xAPIC", func(t *testing.T) {
		regs := newFakeRegs()
		var polls int
		regs.readHook = func(reg uint32, val uint64) uint64 {
			if reg == regICRLo {
				polls++
				if polls < 3 {
					return val | icrDeliveryStatus
				}
			}
			return val
		}

		ctrl := &Controller{mode: ModeXAPIC, regs: regs}
		if err := ctrl.SendIPI(initIPI); err != nil {
			t.Fatal(err)
		}

		if exp := uint64(0x03) << 24; regs.values[regICRHi] != exp {
			t.Fatalf("expected ICR high 0x%x; got 0x%x", exp, regs.values[regICRHi])
		}

		if exp := uint64(5<<8) | icrLevelAssert; regs.values[regICRLo] != exp {
			t.Fatalf("expected ICR low 0x%x; got 0x%x", exp, regs.values[regICRLo])
		}

		if len(regs.writes) != 2 || regs.writes[0] != regICRHi || regs.writes[1] != regICRLo {
			t.Fatalf("expected ICR high to be written before ICR low; got %v", regs.writes)
		}

		if polls != 3 {
			t.Fatalf("expected delivery status to be polled 3 times; got %d", polls)
		}

		if err := ctrl.SendIPI(startupIPI); err != nil {
			t.Fatal(err)
		}

		if exp := uint64(0x08|6<<8) | icrLogicalDest | icrLevelAssert; regs.values[regICRLo] != exp {
			t.Fatalf("expected ICR low 0x%x; got 0x%x", exp, regs.values[regICRLo])
		}
	})

	t.Run("xAPIC not accepted", func(t *testing.T) {
		regs := newFakeRegs()
		regs.readHook = func(reg uint32, val uint64) uint64 { return val | icrDeliveryStatus }

		ctrl := &Controller{mode: ModeXAPIC, regs: regs}
		if err := ctrl.SendIPI(initIPI); err != errIPINotAccepted {
			t.Fatalf("expected errIPINotAccepted; got %v", err)
		}
	})

	t.Run("x2APIC", func(t *testing.T) {
		msrs := fakeMSRs{}
		defer msrs.install()()

		ctrl := &Controller{mode: ModeX2APIC, regs: msrAccessor{}}
		if err := ctrl.SendIPI(initIPI); err != nil {
			t.Fatal(err)
		}

		if exp := uint64(0x103)<<32 | 5<<8 | icrLevelAssert; msrs[0x830] != exp {
			t.Fatalf("expected ICR MSR 0x%x; got 0x%x", exp, msrs[0x830])
		}

		if _, found := msrs[0x831]; found {
			t.Fatal("expected x2APIC IPI to use a single ICR write")
		}
	})

	t.Run("x2APIC self", func(t *testing.T) {
		msrs := fakeMSRs{}
		defer msrs.install()()

		ctrl := &Controller{mode: ModeX2APIC, regs: msrAccessor{}}
		if err := ctrl.SendIPI(IPI{Vector: 0x42, Shorthand: ShorthandSelf}); err != nil {
			t.Fatal(err)
		}

		if msrs[0x83f] != 0x42 {
			t.Fatalf("expected self IPI MSR to hold the vector; got 0x%x", msrs[0x83f])
		}

		if _, found := msrs[0x830]; found {
			t.Fatal("expected self IPI to bypass the ICR")
		}
	})

	t.Run("xAPIC self uses ICR shorthand", func(t *testing.T) {
		regs := newFakeRegs()
		ctrl := &Controller{mode: ModeXAPIC, regs: regs}
		if err := ctrl.SendIPI(IPI{Vector: 0x42, Shorthand: ShorthandSelf}); err != nil {
			t.Fatal(err)
		}

		if exp := uint64(0x42) | icrLevelAssert | 1<<18; regs.values[regICRLo] != exp {
			t.Fatalf("expected ICR low 0x%x; got 0x%x", exp, regs.values[regICRLo])
		}
	})
}

func TestEOI(t *testing.T) {
	regs := newFakeRegs()
	regs.values[regEOI] = 0xff

	ctrl := &Controller{mode: ModeXAPIC, regs: regs}
	ctrl.EOI()

	if len(regs.writes) != 1 || regs.writes[0] != regEOI || regs.values[regEOI] != 0 {
		t.Fatal("expected EOI to write zero to the EOI register")
	}
}

type fakeReference struct {
	counts []uint16
	loaded uint16
}

func (r *fakeReference) SetCount(count uint16) { r.loaded = count }
func (r *fakeReference) Frequency() uint64     { return 1193182 }
func (r *fakeReference) Count() uint16 {
	count := r.counts[0]
	r.counts = r.counts[1:]
	return count
}

func TestCalibrateTimer(t *testing.T) {
	defer func() { pauseFn = cpu.Pause }()
	pauseFn = func() {}

	newCountingRegs := func() *fakeRegs {
		regs := newFakeRegs()
		regs.values[regTimerDivide] = 0xff
		regs.values[regLVTTimer] = 0x20
		regs.readHook = func(reg uint32, val uint64) uint64 {
			if reg == regTimerCurrent && val > 0 {
				regs.values[reg] = val - 0x1000
				if val < 0x1000 {
					regs.values[reg] = 0
				}
			}
			return val
		}
		return regs
	}

	t.Run("not enabled", func(t *testing.T) {
		if _, err := New(0).CalibrateTimer(&fakeReference{}); err != errNotEnabled {
			t.Fatalf("expected errNotEnabled; got %v", err)
		}
	})

	t.Run("success", func(t *testing.T) {
		regs := newCountingRegs()
		ref := &fakeReference{counts: []uint16{0xfff0, 0xfff0 - 1000}}
		ctrl := &Controller{mode: ModeXAPIC, regs: regs}

		freq, err := ctrl.CalibrateTimer(ref)
		if err != nil {
			t.Fatal(err)
		}

		if exp := calibrationSamples * 1193182 / 1000; freq != exp || ctrl.TimerFrequency() != exp {
			t.Fatalf("expected frequency %d; got %d", exp, freq)
		}

		if ref.loaded != referenceReload {
			t.Fatalf("expected reference counter to be loaded with 0x%x", referenceReload)
		}

		if got := regs.values[regTimerDivide]; got != 0xf5 {
			t.Fatalf("expected divide configuration 0xf5; got 0x%x", got)
		}

		if regs.values[regLVTTimer]&lvtMasked == 0 {
			t.Fatal("expected timer to be masked after calibration")
		}

		if regs.values[regTimerCurrent] != 0 {
			t.Fatal("expected calibration to wait for the timer to expire")
		}
	})

	t.Run("reference counter stuck", func(t *testing.T) {
		ref := &fakeReference{counts: []uint16{0x1234, 0x1234}}
		ctrl := &Controller{mode: ModeXAPIC, regs: newCountingRegs()}

		if _, err := ctrl.CalibrateTimer(ref); err != errCalibrationFailed {
			t.Fatalf("expected errCalibrationFailed; got %v", err)
		}
	})
}

func TestArmTimer(t *testing.T) {
	specs := []struct {
		descr    string
		periodic bool
		usec     uint64
		expTicks uint64
		expMode  uint64
	}{
		{"one shot", false, 250, 250, timerModeOneShot},
		{"periodic", true, 1000, 1000, timerModePeriodic},
		{"rounds up to one tick", false, 0, 1, timerModeOneShot},
		{"clamps to register width", false, 1 << 40, 0xffffffff, timerModeOneShot},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			regs := newFakeRegs()
			regs.values[regLVTTimer] = lvtMasked | 0x3<<lvtModeShift | 0x20
			ctrl := &Controller{mode: ModeXAPIC, regs: regs, timerFreq: 1000000}

			arm := ctrl.OneShot
			if spec.periodic {
				arm = ctrl.Periodic
			}

			if err := arm(spec.usec); err != nil {
				t.Fatal(err)
			}

			if exp := spec.expMode<<lvtModeShift | uint64(TimerVector); regs.values[regLVTTimer] != exp {
				t.Fatalf("expected LVT timer 0x%x; got 0x%x", exp, regs.values[regLVTTimer])
			}

			if regs.values[regTimerInitial] != spec.expTicks {
				t.Fatalf("expected %d ticks; got %d", spec.expTicks, regs.values[regTimerInitial])
			}

			ctrl.StopTimer()
			if regs.values[regLVTTimer]&lvtMasked == 0 || regs.values[regLVTTimer]&lvtVectorMask != 0 {
				t.Fatal("expected StopTimer to mask the timer")
			}
		})
	}

	t.Run("not calibrated", func(t *testing.T) {
		ctrl := &Controller{mode: ModeXAPIC, regs: newFakeRegs()}
		if err := ctrl.OneShot(10); err != errNotCalibrated {
			t.Fatalf("expected errNotCalibrated; got %v", err)
		}
	})
}

type fakeEnumerator struct {
	madt *table.MADT
}

func (e *fakeEnumerator) LookupTable(name string) *table.SDTHeader {
	if name != madtSignature || e.madt == nil {
		return nil
	}
	return &e.madt.SDTHeader
}

func (e *fakeEnumerator) VisitMADT(table.MADTEntryType, acpi.MADTVisitor) *kernel.Error {
	return nil
}

func TestProbe(t *testing.T) {
	defer func() {
		activeEnumeratorFn = acpi.ActiveEnumerator
		bootErr = errNoBootController
	}()

	specs := []struct {
		descr      string
		features   []cpu.Feature
		enumerator acpi.Enumerator
		expBase    uintptr
		expErr     *kernel.Error
	}{
		{"no local APIC", nil, &fakeEnumerator{madt: &table.MADT{}}, 0, errNoLocalAPIC},
		{"no ACPI", []cpu.Feature{cpu.FeatureAPIC}, nil, 0, errNoBootController},
		{"no MADT", []cpu.Feature{cpu.FeatureAPIC}, &fakeEnumerator{}, 0, errMissingMADT},
		{"MADT", []cpu.Feature{cpu.FeatureAPIC}, &fakeEnumerator{madt: &table.MADT{LocalControllerAddress: 0xfee00000}}, 0xfee00000, nil},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			defer mockFeatures(spec.features...)()
			activeEnumeratorFn = func() acpi.Enumerator { return spec.enumerator }
			bootController, bootErr = nil, errNoBootController

			drv := probeForLocalAPIC()
			if spec.expBase == 0 {
				if drv != nil {
					t.Fatal("expected probe to return nil")
				}

				if ctrl, err := BootController(); ctrl != nil || err != spec.expErr {
					t.Fatalf("expected BootController to report %v; got %v, %v", spec.expErr, ctrl, err)
				}
				return
			}

			if got := drv.(*Controller).base; got != spec.expBase {
				t.Fatalf("expected base 0x%x; got 0x%x", spec.expBase, got)
			}
		})
	}
}

func TestDriverInitAndNewLocal(t *testing.T) {
	defer withPhysMem(2 * mm.PageSize)()
	defer mockFeatures(cpu.FeatureAPIC)()
	msrs := fakeMSRs{}
	defer msrs.install()()
	defer func(origRef func() ReferenceCounter) {
		referenceFn = origRef
		bootController, bootErr = nil, errNoBootController
		pauseFn = cpu.Pause
	}(referenceFn)
	pauseFn = func() {}

	bootController = nil
	if _, err := NewLocal(); err != errNoBootController {
		t.Fatalf("expected errNoBootController; got %v", err)
	}

	referenceFn = func() ReferenceCounter {
		return &fakeReference{counts: []uint16{2000, 1000}}
	}

	// The APIC ID register lives in the fake register page.
	*(*uint32)(unsafe.Pointer(mm.PhysToVirt(mm.PageSize + uintptr(regID)))) = 2 << 24

	ctrl := New(mm.PageSize)
	var buf bytes.Buffer
	if err := ctrl.DriverInit(&buf); err != nil {
		t.Fatal(err)
	}

	if got, err := BootController(); err != nil || got != ctrl {
		t.Fatalf("expected DriverInit to publish the boot controller; got %v, %v", got, err)
	}

	expFreq := calibrationSamples * 1193182 / 1000
	if ctrl.TimerFrequency() != expFreq {
		t.Fatalf("expected timer frequency %d; got %d", expFreq, ctrl.TimerFrequency())
	}

	if exp := "APIC ID 2, xAPIC mode, timer 78195182 Hz, base 0x1000\n"; buf.String() != exp {
		t.Fatalf("expected output %q; got %q", exp, buf.String())
	}

	local, err := NewLocal()
	if err != nil {
		t.Fatal(err)
	}

	if local == ctrl || local.base != ctrl.base || local.TimerFrequency() != expFreq {
		t.Fatal("expected NewLocal to return a separately calibrated controller for the same register page")
	}

	if ctrl.DriverName() != "LAPIC" {
		t.Fatal("unexpected driver name")
	}
}

func TestDriverInitFailure(t *testing.T) {
	defer mockFeatures()()
	defer func() { bootController, bootErr = nil, errNoBootController }()

	if err := New(0xfee00000).DriverInit(&bytes.Buffer{}); err != errNoLocalAPIC {
		t.Fatalf("expected errNoLocalAPIC; got %v", err)
	}

	if ctrl, err := BootController(); ctrl != nil || err != errNoLocalAPIC {
		t.Fatalf("expected BootController to report the init failure; got %v, %v", ctrl, err)
	}
}
