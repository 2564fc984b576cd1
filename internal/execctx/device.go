package execctx

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrDevice is matched by every DeviceError via errors.Is.
var ErrDevice = errors.New("device unavailable")

// DeviceError reports a device requirement that cannot be honoured.
type DeviceError struct {
	Field     string
	Requested int
	Visible   int
	Reason    string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s=%d: %s (visible devices: %d)", e.Field, e.Requested, e.Reason, e.Visible)
}

func (e *DeviceError) Unwrap() error {
	return ErrDevice
}

// DeviceRequest is the input of ResolveDevice.
type DeviceRequest struct {
	DeviceID           int
	RequireAccelerator bool
	FailOnInvalid      bool
}

// Resolution is the outcome of a successful device resolution.
type Resolution struct {
	// Requested is the ordinal that was asked for.
	Requested int `json:"requested"`
	// Device is the resolved ordinal, or CPUDevice.
	Device int `json:"device"`
	// Visible is the device count that was observed, or -1 when the host
	// was not queried.
	Visible int `json:"visible"`
	// FellBack is set when an unusable ordinal was replaced instead of
	// rejected. Callers are expected to warn about it.
	FellBack bool `json:"fell_back"`
}

// ResolveDevice decides which device a session runs on. It has no side
// effects other than calling count, which is skipped entirely when CPU
// execution is requested and no accelerator is required.
//
// An ordinal outside [0, count) is rejected with a *DeviceError when
// FailOnInvalid is set. Otherwise it falls back to CPUDevice, or to device 0
// when an accelerator is required: a session that demands an accelerator is
// never silently moved to CPU, so the CPU fallback does not apply to it.
// Requiring an accelerator on a host with no devices is always a
// *DeviceError.
func ResolveDevice(req DeviceRequest, count func() int) (Resolution, error) {
	if req.DeviceID < CPUDevice {
		return Resolution{}, &ConfigError{
			Name:   ParamDeviceID,
			Value:  strconv.Itoa(req.DeviceID),
			Reason: fmt.Sprintf("must be >= %d", CPUDevice),
		}
	}

	res := Resolution{
		Requested: req.DeviceID,
		Device:    req.DeviceID,
		Visible:   -1,
	}

	if req.DeviceID == CPUDevice && !req.RequireAccelerator {
		return res, nil
	}

	visible := max(count(), 0)
	res.Visible = visible

	if req.RequireAccelerator && visible == 0 {
		return Resolution{}, &DeviceError{
			Field:     ParamDeviceID,
			Requested: req.DeviceID,
			Visible:   visible,
			Reason:    "an accelerator is required but none is visible",
		}
	}

	if req.DeviceID == CPUDevice {
		res.Device = 0
		return res, nil
	}

	if req.DeviceID < visible {
		return res, nil
	}

	if req.FailOnInvalid {
		return Resolution{}, &DeviceError{
			Field:     ParamDeviceID,
			Requested: req.DeviceID,
			Visible:   visible,
			Reason:    "device ordinal is out of range",
		}
	}

	res.FellBack = true
	if req.RequireAccelerator {
		res.Device = 0
	} else {
		res.Device = CPUDevice
	}
	return res, nil
}

// ConfigureDevice resolves the configured device ordinal against the host's
// visible devices. On success the resolved ordinal is stored; a fallback is
// reported once through the logger. On error the Context is left unchanged.
func (c *Context) ConfigureDevice(requireAccelerator bool) (Resolution, error) {
	res, err := ResolveDevice(DeviceRequest{
		DeviceID:           c.deviceID,
		RequireAccelerator: requireAccelerator,
		FailOnInvalid:      c.failOnInvalidDevice,
	}, c.devices.DeviceCount)
	if err != nil {
		deviceResolutionsTotal.WithLabelValues(outcomeError).Inc()
		return Resolution{}, err
	}

	if res.FellBack {
		deviceResolutionsTotal.WithLabelValues(outcomeFallback).Inc()
		c.logger.Warn("requested device is not visible, falling back",
			"gpu_id", res.Requested,
			"visible_devices", res.Visible,
			"resolved_device", res.Device,
		)
	} else {
		deviceResolutionsTotal.WithLabelValues(outcomeOK).Inc()
	}

	c.deviceID = res.Device
	return res, nil
}
