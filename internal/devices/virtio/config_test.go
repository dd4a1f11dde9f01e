package virtio

import "testing"

func TestParseMachineConfig(t *testing.T) {
	data := []byte(`
blocks:
  - image: disk.img
    mode: rw
    base: 0x10001000
consoles:
  - base: 0x10002000
    raw_stdin: true
`)
	cfg, err := ParseMachineConfig(data)
	if err != nil {
		t.Fatalf("ParseMachineConfig: %v", err)
	}
	if len(cfg.Blocks) != 1 || cfg.Blocks[0].Image != "disk.img" || cfg.Blocks[0].Mode != "rw" {
		t.Fatalf("unexpected blocks: %+v", cfg.Blocks)
	}
	if len(cfg.Consoles) != 1 || !cfg.Consoles[0].RawStdin {
		t.Fatalf("unexpected consoles: %+v", cfg.Consoles)
	}
}

func TestMachineConfigRoundTrip(t *testing.T) {
	cfg := &MachineConfig{
		Blocks:   []BlockConfig{{Image: "a.img", Mode: "snapshot", Base: 0x1000}},
		Consoles: []ConsoleConfig{{Base: 0x2000, NonBlocking: true}},
	}
	out, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := ParseMachineConfig(out)
	if err != nil {
		t.Fatalf("ParseMachineConfig: %v", err)
	}
	if back.Blocks[0].Image != cfg.Blocks[0].Image || back.Consoles[0].Base != cfg.Consoles[0].Base {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}
