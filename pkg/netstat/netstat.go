//go:build windows

package netstat

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/un4ckn0wl3z/dioprocess/pkg/snapshot"
)

var (
	iphlpapi           = windows.NewLazySystemDLL("iphlpapi.dll")
	procGetExtendedTcp = iphlpapi.NewProc("GetExtendedTcpTable")
	procGetExtendedUdp = iphlpapi.NewProc("GetExtendedUdpTable")
)

const (
	afInet = 2

	tcpTableOwnerPidAll = 5
	udpTableOwnerPid    = 1

	errInsufficientBuffer = 122
)

// fetchTable does the size-then-fetch dance shared by both table APIs.
func fetchTable(proc *windows.LazyProc, tableClass uintptr) ([]byte, error) {
	var size uint32
	r0, _, _ := proc.Call(0, uintptr(unsafe.Pointer(&size)), 0, afInet, tableClass, 0)
	if r0 != errInsufficientBuffer && r0 != 0 {
		return nil, fmt.Errorf("%s size query failed: %d", proc.Name, r0)
	}
	if size == 0 {
		return nil, fmt.Errorf("%s returned size 0", proc.Name)
	}
	buf := make([]byte, size)
	r0, _, e1 := proc.Call(uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&size)), 0, afInet, tableClass, 0)
	if r0 != 0 {
		return nil, fmt.Errorf("%s failed: %v (code=%d)", proc.Name, e1, r0)
	}
	return buf, nil
}

// TCPTable reads the IPv4 TCP owner-pid table.
func TCPTable() ([]Connection, error) {
	buf, err := fetchTable(procGetExtendedTcp, tcpTableOwnerPidAll)
	if err != nil {
		return nil, err
	}
	return parseTCPRows(buf), nil
}

// UDPTable reads the IPv4 UDP owner-pid table.
func UDPTable() ([]Connection, error) {
	buf, err := fetchTable(procGetExtendedUdp, udpTableOwnerPid)
	if err != nil {
		return nil, err
	}
	return parseUDPRows(buf), nil
}

// Connections reads both tables and attaches process names from a single
// snapshot. Rows whose pid is gone keep empty name fields.
func Connections() ([]Connection, error) {
	tcp, err := TCPTable()
	if err != nil {
		return nil, err
	}
	udp, err := UDPTable()
	if err != nil {
		return nil, err
	}
	conns := append(tcp, udp...)

	procs, err := snapshot.Processes()
	if err != nil {
		// The tables alone are still useful without the join.
		return conns, nil
	}
	byPID := make(map[uint32]snapshot.ProcessInfo, len(procs))
	for _, p := range procs {
		byPID[p.PID] = p
	}
	for i := range conns {
		if p, ok := byPID[conns[i].PID]; ok {
			conns[i].ProcessName = p.Name
			conns[i].ExePath = p.ExePath
		}
	}
	return conns, nil
}
