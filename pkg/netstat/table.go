// Package netstat reads the TCP and UDP owner-pid tables and joins them
// against the process list.
package netstat

import (
	"encoding/binary"
	"net"
)

// Connection is one row of the TCP or UDP table. UDP rows have no remote
// endpoint and no state. ProcessName and ExePath are empty when the
// owning pid vanished between the table read and the process snapshot.
type Connection struct {
	Protocol    string
	LocalAddr   string
	LocalPort   uint16
	RemoteAddr  string
	RemotePort  uint16
	State       string
	PID         uint32
	ProcessName string
	ExePath     string
}

const (
	// MIB_TCPROW_OWNER_PID: dwState, dwLocalAddr, dwLocalPort,
	// dwRemoteAddr, dwRemotePort, dwOwningPid. MIB_UDPROW_OWNER_PID:
	// dwLocalAddr, dwLocalPort, dwOwningPid. Tables start with dwNumEntries.
	tcpRowSize = 24
	udpRowSize = 12
	rowsStart  = 4
)

// parseTCPRows decodes a MIB_TCPTABLE_OWNER_PID buffer. Entry counts
// larger than the buffer are clipped rather than trusted.
func parseTCPRows(buf []byte) []Connection {
	if len(buf) < rowsStart {
		return nil
	}
	count := int(binary.LittleEndian.Uint32(buf))
	out := make([]Connection, 0, count)
	for i := 0; i < count; i++ {
		off := rowsStart + i*tcpRowSize
		if off+tcpRowSize > len(buf) {
			break
		}
		out = append(out, Connection{
			Protocol:   "TCP",
			State:      TCPStateName(binary.LittleEndian.Uint32(buf[off:])),
			LocalAddr:  ipv4FromDWORD(binary.LittleEndian.Uint32(buf[off+4:])),
			LocalPort:  ntohs(binary.LittleEndian.Uint32(buf[off+8:])),
			RemoteAddr: ipv4FromDWORD(binary.LittleEndian.Uint32(buf[off+12:])),
			RemotePort: ntohs(binary.LittleEndian.Uint32(buf[off+16:])),
			PID:        binary.LittleEndian.Uint32(buf[off+20:]),
		})
	}
	return out
}

// parseUDPRows decodes a MIB_UDPTABLE_OWNER_PID buffer. UDP rows carry no
// state and no remote endpoint.
func parseUDPRows(buf []byte) []Connection {
	if len(buf) < rowsStart {
		return nil
	}
	count := int(binary.LittleEndian.Uint32(buf))
	out := make([]Connection, 0, count)
	for i := 0; i < count; i++ {
		off := rowsStart + i*udpRowSize
		if off+udpRowSize > len(buf) {
			break
		}
		out = append(out, Connection{
			Protocol:  "UDP",
			LocalAddr: ipv4FromDWORD(binary.LittleEndian.Uint32(buf[off:])),
			LocalPort: ntohs(binary.LittleEndian.Uint32(buf[off+4:])),
			PID:       binary.LittleEndian.Uint32(buf[off+8:]),
		})
	}
	return out
}

// tcpStateNames indexes the MIB_TCP_STATE values 1..12.
var tcpStateNames = [...]string{
	1:  "CLOSED",
	2:  "LISTENING",
	3:  "SYN_SENT",
	4:  "SYN_RCVD",
	5:  "ESTABLISHED",
	6:  "FIN_WAIT1",
	7:  "FIN_WAIT2",
	8:  "CLOSE_WAIT",
	9:  "CLOSING",
	10: "LAST_ACK",
	11: "TIME_WAIT",
	12: "DELETE_TCB",
}

// TCPStateName renders a MIB_TCP_STATE value.
func TCPStateName(state uint32) string {
	if state >= 1 && state < uint32(len(tcpStateNames)) {
		return tcpStateNames[state]
	}
	return "UNKNOWN"
}

// ipv4FromDWORD renders an in_addr stored in a MIB row.
func ipv4FromDWORD(addr uint32) string {
	b := []byte{
		byte(addr),
		byte(addr >> 8),
		byte(addr >> 16),
		byte(addr >> 24),
	}
	return net.IP(b).String()
}

// ntohs converts the port field, which the MIB rows keep in network byte
// order inside the low 16 bits of a u32.
func ntohs(p uint32) uint16 {
	v := uint16(p)
	return v>>8 | v<<8
}
