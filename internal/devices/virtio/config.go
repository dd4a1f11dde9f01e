package virtio

import "gopkg.in/yaml.v3"

// BlockConfig describes how to construct a Blk device from a config file:
// which disk mode to open the image in, and where the device sits in MMIO
// space.
type BlockConfig struct {
	Image string `yaml:"image"`
	Mode  string `yaml:"mode"` // "ro", "rw", or "snapshot"
	Base  uint64 `yaml:"base"`
}

// ConsoleConfig describes how to construct a Console device: its MMIO base
// and whether stdin should be switched to raw, non-blocking mode.
type ConsoleConfig struct {
	Base        uint64 `yaml:"base"`
	RawStdin    bool   `yaml:"raw_stdin"`
	NonBlocking bool   `yaml:"non_blocking"`
}

// MachineConfig is the top-level device-wiring config file: a set of block
// and console devices to attach to a guest address space.
type MachineConfig struct {
	Blocks    []BlockConfig   `yaml:"blocks"`
	Consoles  []ConsoleConfig `yaml:"consoles"`
}

// ParseMachineConfig decodes a MachineConfig from YAML, per the corpus's
// convention of driving device wiring from a yaml.v3-tagged struct rather
// than flags or code.
func ParseMachineConfig(data []byte) (*MachineConfig, error) {
	var cfg MachineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal re-encodes the config, used by harnesses that generate or edit a
// machine config programmatically before writing it out.
func (m *MachineConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}
