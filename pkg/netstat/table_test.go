package netstat

import (
	"encoding/binary"
	"testing"
)

func putRow(buf []byte, off int, fields ...uint32) {
	for i, f := range fields {
		binary.LittleEndian.PutUint32(buf[off+i*4:], f)
	}
}

func TestParseTCPRows(t *testing.T) {
	buf := make([]byte, rowsStart+2*tcpRowSize)
	binary.LittleEndian.PutUint32(buf, 2)
	// 127.0.0.1:80 -> 192.168.1.1:443, ESTABLISHED, pid 4242
	putRow(buf, rowsStart, 5, 0x0100007F, 0x5000, 0x0101A8C0, 0xBB01, 4242)
	// listener on 0.0.0.0:8080, pid 7
	putRow(buf, rowsStart+tcpRowSize, 2, 0, 0x901F, 0, 0, 7)

	conns := parseTCPRows(buf)
	if len(conns) != 2 {
		t.Fatalf("rows = %d", len(conns))
	}
	c := conns[0]
	if c.Protocol != "TCP" || c.State != "ESTABLISHED" || c.PID != 4242 {
		t.Errorf("row 0 = %+v", c)
	}
	if c.LocalAddr != "127.0.0.1" || c.LocalPort != 80 {
		t.Errorf("row 0 local = %s:%d", c.LocalAddr, c.LocalPort)
	}
	if c.RemoteAddr != "192.168.1.1" || c.RemotePort != 443 {
		t.Errorf("row 0 remote = %s:%d", c.RemoteAddr, c.RemotePort)
	}
	c = conns[1]
	if c.State != "LISTENING" || c.LocalPort != 8080 || c.PID != 7 {
		t.Errorf("row 1 = %+v", c)
	}
}

func TestParseTCPRowsClipsCount(t *testing.T) {
	// Count claims three rows but the buffer only holds one.
	buf := make([]byte, rowsStart+tcpRowSize)
	binary.LittleEndian.PutUint32(buf, 3)
	putRow(buf, rowsStart, 5, 0x0100007F, 0x5000, 0, 0, 1)
	if conns := parseTCPRows(buf); len(conns) != 1 {
		t.Fatalf("rows = %d, want 1", len(conns))
	}
	if conns := parseTCPRows(nil); conns != nil {
		t.Errorf("nil buffer: %+v", conns)
	}
	if conns := parseTCPRows([]byte{1, 0}); conns != nil {
		t.Errorf("short buffer: %+v", conns)
	}
}

func TestParseUDPRows(t *testing.T) {
	buf := make([]byte, rowsStart+udpRowSize)
	binary.LittleEndian.PutUint32(buf, 1)
	putRow(buf, rowsStart, 0x0100007F, 0x3500, 99) // 127.0.0.1:53, pid 99

	conns := parseUDPRows(buf)
	if len(conns) != 1 {
		t.Fatalf("rows = %d", len(conns))
	}
	c := conns[0]
	if c.Protocol != "UDP" || c.LocalAddr != "127.0.0.1" || c.LocalPort != 53 || c.PID != 99 {
		t.Errorf("row = %+v", c)
	}
	if c.State != "" || c.RemoteAddr != "" || c.RemotePort != 0 {
		t.Errorf("udp row carries tcp fields: %+v", c)
	}
}

func TestTCPStateName(t *testing.T) {
	tests := []struct {
		state uint32
		want  string
	}{
		{1, "CLOSED"},
		{2, "LISTENING"},
		{5, "ESTABLISHED"},
		{11, "TIME_WAIT"},
		{12, "DELETE_TCB"},
		{0, "UNKNOWN"},
		{13, "UNKNOWN"},
	}
	for _, tc := range tests {
		if got := TCPStateName(tc.state); got != tc.want {
			t.Errorf("TCPStateName(%d) = %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestNtohs(t *testing.T) {
	// Port 80 is 0x0050 in network order, stored as 0x5000 in the row.
	if got := ntohs(0x5000); got != 80 {
		t.Errorf("ntohs(0x5000) = %d, want 80", got)
	}
	if got := ntohs(0x0150); got != 0x5001 {
		t.Errorf("ntohs(0x0150) = 0x%X, want 0x5001", got)
	}
	if got := ntohs(0); got != 0 {
		t.Errorf("ntohs(0) = %d", got)
	}
}

func TestIPv4FromDWORD(t *testing.T) {
	tests := []struct {
		addr uint32
		want string
	}{
		{0x0100007F, "127.0.0.1"},
		{0, "0.0.0.0"},
		{0x0101A8C0, "192.168.1.1"},
	}
	for _, tc := range tests {
		if got := ipv4FromDWORD(tc.addr); got != tc.want {
			t.Errorf("ipv4FromDWORD(0x%X) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}
