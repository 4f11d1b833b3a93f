package udevwatch

import "testing"

func TestBusFromSysname(t *testing.T) {
	var cases = []struct {
		sysname string
		wantBus uint
		wantOk  bool
	}{
		{"i2c-2", 2, true},
		{"i2c-17", 17, true},
		{"event3", 0, false},
		{"i2c-notanumber", 0, false},
	}

	for _, c := range cases {
		var bus, ok = busFromSysname(c.sysname)
		if ok != c.wantOk {
			t.Fatalf("busFromSysname(%q): ok=%v, want %v", c.sysname, ok, c.wantOk)
		}
		if ok && bus != c.wantBus {
			t.Fatalf("busFromSysname(%q): bus=%d, want %d", c.sysname, bus, c.wantBus)
		}
	}
}
