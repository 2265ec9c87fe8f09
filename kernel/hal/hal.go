// Package hal detects the hardware present in the system and initializes the
// drivers registered with the device package.
package hal

import (
	"bytes"
	"mpkernel/device"
	"mpkernel/kernel/kfmt"
	"sort"
)

var (
	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver

	strBuf bytes.Buffer
)

// ActiveDrivers returns the drivers that were successfully initialized in
// detection order.
func ActiveDrivers() []device.Driver {
	return activeDrivers
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers.
func DetectHardware() {
	// Get driver list and sort by detection priority
	drivers := device.DriverList()
	sort.Sort(drivers)

	probe(drivers)
}

// probe executes the probe function for each driver and records each
// successfully initialized driver. Driver output is prefixed with the driver
// name and version. A driver may replace the kfmt output sink during init so
// the sink is looked up again after each call.
func probe(driverInfoList device.DriverInfoList) {
	var w kfmt.PrefixWriter

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()
		w.Sink = kfmt.GetOutputSink()

		err := drv.DriverInit(&w)
		w.Sink = kfmt.GetOutputSink()
		if err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		activeDrivers = append(activeDrivers, drv)
	}
}
