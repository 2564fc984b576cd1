package device

import (
	"os"
	"path/filepath"
	"strings"
)

// Provider names.
const (
	ProviderNone  = "none"
	ProviderEnv   = "env"
	ProviderSysfs = "sysfs"
)

// DefaultVisibleDevicesVar is the environment variable read by EnvProvider
// when none is configured.
const DefaultVisibleDevicesVar = "CUDA_VISIBLE_DEVICES"

// Provider reports the number of accelerator devices visible to the process.
// DeviceCount must be cheap and free of side effects.
type Provider interface {
	Name() string
	DeviceCount() int
}

type staticProvider struct {
	name  string
	count int
}

// Static returns a provider that always reports count devices.
func Static(name string, count int) Provider {
	return &staticProvider{name: name, count: max(count, 0)}
}

func (p *staticProvider) Name() string     { return p.name }
func (p *staticProvider) DeviceCount() int { return p.count }

// EnvProvider counts the devices listed in a visible-devices environment
// variable such as CUDA_VISIBLE_DEVICES.
type EnvProvider struct {
	Var string
}

// NewEnvProvider returns an EnvProvider reading varName, or
// DefaultVisibleDevicesVar when varName is empty.
func NewEnvProvider(varName string) *EnvProvider {
	if varName == "" {
		varName = DefaultVisibleDevicesVar
	}
	return &EnvProvider{Var: varName}
}

// Name returns ProviderEnv.
func (p *EnvProvider) Name() string { return ProviderEnv }

// DeviceCount returns the number of devices listed in the variable. An unset
// variable means no devices.
func (p *EnvProvider) DeviceCount() int {
	v, ok := os.LookupEnv(p.Var)
	if !ok {
		return 0
	}
	return CountVisible(v)
}

// CountVisible counts the entries of a comma separated visible-devices list.
// Like the CUDA runtime it stops at the first negative ordinal, so "-1" hides
// every device. "none" and "NoDevFiles" also mean no devices.
func CountVisible(list string) int {
	switch strings.TrimSpace(list) {
	case "", "none", "NoDevFiles":
		return 0
	}

	n := 0
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, "-") {
			break
		}
		n++
	}
	return n
}

// SysfsProvider counts NVIDIA device nodes (/dev/nvidia0, /dev/nvidia1, ...)
// below Root.
type SysfsProvider struct {
	Root string
}

// Name returns ProviderSysfs.
func (p *SysfsProvider) Name() string { return ProviderSysfs }

// DeviceCount returns the number of numbered device nodes. Control nodes such
// as nvidiactl and nvidia-uvm are not counted.
func (p *SysfsProvider) DeviceCount() int {
	root := p.Root
	if root == "" {
		root = "/"
	}

	matches, err := filepath.Glob(filepath.Join(root, "dev", "nvidia*"))
	if err != nil {
		return 0
	}

	n := 0
	for _, m := range matches {
		suffix := strings.TrimPrefix(filepath.Base(m), "nvidia")
		if suffix != "" && strings.Trim(suffix, "0123456789") == "" {
			n++
		}
	}
	return n
}
