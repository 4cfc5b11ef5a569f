package discovery

import (
	"net"
	"strings"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

func TestInfo_TXT(t *testing.T) {
	txt := Info{DeviceID: "dev-1", School: "Institut Maendeleo", Version: "1"}.TXT()
	joined := strings.Join(txt, ";")
	for _, want := range []string{"path=/api", "version=1", "device=dev-1", "school=Institut Maendeleo"} {
		if !strings.Contains(joined, want) {
			t.Errorf("TXT() = %v, missing %q", txt, want)
		}
	}

	if txt := (Info{}).TXT(); len(txt) != 2 {
		t.Errorf("expected only path and version without ids, got %v", txt)
	}
}

func TestInstanceName(t *testing.T) {
	name := InstanceName()
	if !strings.HasPrefix(name, "ecole") || strings.Contains(name, ".") {
		t.Errorf("InstanceName() = %q", name)
	}
}

func TestPeerOf(t *testing.T) {
	e := zeroconf.NewServiceEntry("ecole-salle3", Service, Domain)
	e.Port = 3030
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	e.Text = []string{"device=abc", "school=S1", "path=/api"}

	p, ok := peerOf(e)
	if !ok {
		t.Fatal("peerOf() rejected an entry with an address")
	}
	if p.Addr != "192.168.1.20:3030" || p.DeviceID != "abc" || p.School != "S1" {
		t.Errorf("unexpected peer %+v", p)
	}

	if _, ok := peerOf(zeroconf.NewServiceEntry("x", Service, Domain)); ok {
		t.Error("expected entry without addresses to be ignored")
	}
}

func TestAdvertise_InvalidPort(t *testing.T) {
	if _, err := Advertise(Info{Port: 0}, zerolog.Nop()); err == nil {
		t.Error("expected error for port 0")
	}
}
