package model

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/book-expert/voice-clone-service/internal/core"
)

// Device preferences accepted by SelectDevice.
const (
	PreferAuto = "auto"
	PreferCPU  = "cpu"
	PreferCUDA = "cuda"
)

const (
	envVisibleDevices = "CUDA_VISIBLE_DEVICES"
	nvidiaDeviceNode  = "/dev/nvidia0"
	nvidiaSMI         = "nvidia-smi"
)

// ErrUnknownPreference indicates an unsupported device preference.
var ErrUnknownPreference = errors.New("unknown device preference")

// AcceleratorCheck reports whether a hardware accelerator is usable.
type AcceleratorCheck func() bool

// AcceleratorAvailable reports whether a CUDA device is usable by the model.
func AcceleratorAvailable() bool {
	visible, set := os.LookupEnv(envVisibleDevices)
	if set {
		visible = strings.TrimSpace(visible)
		if visible == "" || visible == "-1" {
			return false
		}
	}

	_, statErr := os.Stat(nvidiaDeviceNode)
	if statErr == nil {
		return true
	}

	_, lookErr := exec.LookPath(nvidiaSMI)

	return lookErr == nil
}

// SelectDevice resolves a configured preference into a concrete device.
// The check is only consulted for the "auto" preference.
func SelectDevice(preference string, hasAccelerator AcceleratorCheck) (core.Device, error) {
	switch preference {
	case PreferCPU:
		return core.DeviceCPU, nil
	case PreferCUDA:
		return core.DeviceCUDA, nil
	case PreferAuto, "":
		if hasAccelerator != nil && hasAccelerator() {
			return core.DeviceCUDA, nil
		}

		return core.DeviceCPU, nil
	default:
		return "", fmt.Errorf("%w: '%s'", ErrUnknownPreference, preference)
	}
}
