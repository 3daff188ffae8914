// Package device discovers the local compute slots training workers bind to.
package device

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// Device is one compute slot on the local host.
type Device struct {
	Index int
}

// CPU returns the device with the given slot index.
func CPU(index int) Device {
	return Device{Index: index}
}

func (d Device) String() string {
	return fmt.Sprintf("cpu:%d", d.Index)
}

// Count returns the number of compute slots: physical cores when the CPU
// reports them, logical CPUs otherwise.
func Count() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// HalfPrecision reports whether the CPU converts or computes binary16 natively.
func HalfPrecision() bool {
	return cpuid.CPU.Supports(cpuid.F16C) || cpuid.CPU.Supports(cpuid.AVX512FP16)
}

// Describe returns a one-line summary of the host CPU for logs.
func Describe() string {
	return fmt.Sprintf("%s (%d physical, %d logical cores, fp16=%t)",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, HalfPrecision())
}

// Bind pins the calling goroutine to its OS thread for the lifetime of a
// worker on device index. The returned release func must run on the same
// goroutine.
func Bind(index int) (Device, func(), error) {
	if index < 0 {
		return Device{}, nil, fmt.Errorf("invalid device index %d", index)
	}
	runtime.LockOSThread()
	return CPU(index), runtime.UnlockOSThread, nil
}
