//go:build windows

package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/un4ckn0wl3z/dioprocess/pkg/config"
	"github.com/un4ckn0wl3z/dioprocess/pkg/control"
	"github.com/un4ckn0wl3z/dioprocess/pkg/handles"
	"github.com/un4ckn0wl3z/dioprocess/pkg/inject"
	"github.com/un4ckn0wl3z/dioprocess/pkg/netstat"
	"github.com/un4ckn0wl3z/dioprocess/pkg/snapshot"
	"github.com/un4ckn0wl3z/dioprocess/pkg/vmem"
	"github.com/un4ckn0wl3z/dioprocess/pkg/winpe"
)

var (
	cfg *config.Config
	log = logrus.New()
)

func parsePID(arg string) (uint32, error) {
	v, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad pid %q: %w", arg, err)
	}
	return uint32(v), nil
}

func parseAddr(arg string) (uintptr, error) {
	v, err := strconv.ParseUint(arg, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", arg, err)
	}
	return uintptr(v), nil
}

func main() {
	cfg = config.Load()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	root := &cobra.Command{
		Use:           "dioprocess",
		Short:         "Windows process inspection and DLL injection toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		psCmd(), threadsCmd(), modulesCmd(), handlesCmd(),
		regionsCmd(), readCmd(), importsCmd(), netCmd(),
		killCmd(), suspendCmd(), resumeCmd(),
		injectCmd(), unloadCmd(), statsCmd(),
	)
	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func psCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ps [pid]",
		Short: "List processes, or show one process in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				pid, err := parsePID(args[0])
				if err != nil {
					return err
				}
				p, err := snapshot.ProcessDetails(pid)
				if err != nil {
					return err
				}
				fmt.Printf("pid:         %d\n", p.PID)
				fmt.Printf("parent:      %d\n", p.ParentPID)
				fmt.Printf("name:        %s\n", p.Name)
				fmt.Printf("threads:     %d\n", p.ThreadCount)
				fmt.Printf("working set: %.1f MB\n", p.WorkingSetMB)
				fmt.Printf("path:        %s\n", p.ExePath)
				return nil
			}

			procs, err := snapshot.Processes()
			if err != nil {
				return err
			}
			usage := sampleCPU(procs)
			sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
			fmt.Printf("%-8s %-8s %-32s %-8s %-10s %-7s %s\n", "PID", "PPID", "NAME", "THREADS", "WS(MB)", "CPU%", "PATH")
			for _, p := range procs {
				p.CPUPercent = usage[p.PID]
				fmt.Printf("%-8d %-8d %-32s %-8d %-10.1f %-7.1f %s\n",
					p.PID, p.ParentPID, p.Name, p.ThreadCount, p.WorkingSetMB, p.CPUPercent, p.ExePath)
			}
			return nil
		},
	}
}

// sampleCPU primes a sampler for every listed pid and reads the usage
// deltas over a short window.
func sampleCPU(procs []snapshot.ProcessInfo) map[uint32]float64 {
	pids := make([]uint32, len(procs))
	for i, p := range procs {
		pids[i] = p.PID
	}
	sampler := snapshot.NewCPUSampler()
	sampler.Sample(pids)
	time.Sleep(250 * time.Millisecond)
	return sampler.Sample(pids)
}

func threadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "threads <pid>",
		Short: "List threads of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			threads, err := snapshot.Threads(pid)
			if err != nil {
				return err
			}
			fmt.Printf("%-8s %-8s %-6s %s\n", "TID", "PID", "BASE", "PRIORITY")
			for _, th := range threads {
				fmt.Printf("%-8d %-8d %-6d %s (%d)\n",
					th.TID, th.OwnerPID, th.BasePriority, snapshot.PriorityName(th.Priority), th.Priority)
			}
			return nil
		},
	}
}

func modulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules <pid>",
		Short: "List modules loaded in a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			mods, err := snapshot.Modules(pid)
			if err != nil {
				return err
			}
			fmt.Printf("%-18s %-10s %-32s %s\n", "BASE", "SIZE", "NAME", "PATH")
			for _, m := range mods {
				fmt.Printf("0x%-16X %-10d %-32s %s\n", m.Base, m.Size, m.Name, m.Path)
			}
			return nil
		},
	}
}

func handlesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handles <pid>",
		Short: "List handles owned by a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			hs, err := handles.QueryProcess(pid)
			if err != nil {
				return err
			}
			fmt.Printf("%-8s %-26s %-12s %s\n", "HANDLE", "TYPE", "CATEGORY", "ACCESS")
			for _, h := range hs {
				fmt.Printf("0x%-6X %-26s %-12s 0x%08X\n",
					h.Value, h.TypeName, handles.Category(h.TypeName), h.GrantedAccess)
			}
			return nil
		},
	}
}

func regionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regions <pid>",
		Short: "Walk the virtual memory regions of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			regions, err := vmem.Regions(pid)
			if err != nil {
				return err
			}
			fmt.Printf("%-18s %-12s %-8s %-8s %s\n", "BASE", "SIZE", "STATE", "TYPE", "PROTECT")
			for _, r := range regions {
				fmt.Printf("0x%-16X %-12d %-8s %-8s %s\n",
					r.Base, r.Size, vmem.StateName(r.State), vmem.TypeName(r.Type), vmem.ProtectName(r.Protect))
			}
			log.Debugf("%d regions", len(regions))
			return nil
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <pid> <addr> <size>",
		Short: "Hex dump process memory",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			addr, err := parseAddr(args[1])
			if err != nil {
				return err
			}
			size, err := strconv.ParseUint(args[2], 0, 32)
			if err != nil {
				return fmt.Errorf("bad size %q: %w", args[2], err)
			}
			if size > uint64(cfg.ReadCap) {
				size = uint64(cfg.ReadCap)
			}
			data, err := vmem.Read(pid, addr, uintptr(size))
			if err != nil {
				return err
			}
			dumpHex(addr, data)
			return nil
		},
	}
}

func dumpHex(base uintptr, data []byte) {
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Printf("%016X  ", uint64(base)+uint64(off))
		for i := off; i < end; i++ {
			fmt.Printf("%02X ", data[i])
		}
		for i := end; i < off+16; i++ {
			fmt.Print("   ")
		}
		fmt.Print(" ")
		for i := off; i < end; i++ {
			c := data[i]
			if c < 0x20 || c > 0x7E {
				c = '.'
			}
			fmt.Printf("%c", c)
		}
		fmt.Println()
	}
}

func importsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "imports <dll-path>",
		Short: "Show the import table of a PE file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			img, err := winpe.Parse(data, winpe.FileLayout)
			if err != nil {
				return err
			}
			mods, err := img.Imports()
			if err != nil {
				return err
			}
			for _, m := range mods {
				fmt.Println(m.DLL)
				for _, s := range m.Symbols {
					if s.ByOrd {
						fmt.Printf("    #%d\n", s.Ordinal)
					} else {
						fmt.Printf("    %s\n", s.Name)
					}
				}
			}
			return nil
		},
	}
}

func netCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "net",
		Short: "List TCP/UDP endpoints with owning processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			conns, err := netstat.Connections()
			if err != nil {
				return err
			}
			fmt.Printf("%-5s %-22s %-22s %-12s %-8s %s\n", "PROTO", "LOCAL", "REMOTE", "STATE", "PID", "PROCESS")
			for _, c := range conns {
				local := fmt.Sprintf("%s:%d", c.LocalAddr, c.LocalPort)
				remote := ""
				if c.Protocol == "TCP" {
					remote = fmt.Sprintf("%s:%d", c.RemoteAddr, c.RemotePort)
				}
				fmt.Printf("%-5s %-22s %-22s %-12s %-8d %s\n",
					c.Protocol, local, remote, c.State, c.PID, c.ProcessName)
			}
			return nil
		},
	}
}

func killCmd() *cobra.Command {
	var tid bool
	cmd := &cobra.Command{
		Use:   "kill <pid|tid>",
		Short: "Terminate a process (or thread with --thread)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePID(args[0])
			if err != nil {
				return err
			}
			if tid {
				return control.TerminateThread(id, 1)
			}
			return control.TerminateProcess(id, 1)
		},
	}
	cmd.Flags().BoolVar(&tid, "thread", false, "treat the argument as a thread id")
	return cmd
}

func suspendCmd() *cobra.Command {
	var tid bool
	cmd := &cobra.Command{
		Use:   "suspend <pid|tid>",
		Short: "Suspend a process (or thread with --thread)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePID(args[0])
			if err != nil {
				return err
			}
			if tid {
				prev, err := control.SuspendThread(id)
				if err != nil {
					return err
				}
				log.Infof("thread %d suspended (previous count %d)", id, prev)
				return nil
			}
			return control.SuspendProcess(id)
		},
	}
	cmd.Flags().BoolVar(&tid, "thread", false, "treat the argument as a thread id")
	return cmd
}

func resumeCmd() *cobra.Command {
	var tid bool
	cmd := &cobra.Command{
		Use:   "resume <pid|tid>",
		Short: "Resume a process (or thread with --thread)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePID(args[0])
			if err != nil {
				return err
			}
			if tid {
				prev, err := control.ResumeThread(id)
				if err != nil {
					return err
				}
				log.Infof("thread %d resumed (previous count %d)", id, prev)
				return nil
			}
			return control.ResumeProcess(id)
		},
	}
	cmd.Flags().BoolVar(&tid, "thread", false, "treat the argument as a thread id")
	return cmd
}

func injectCmd() *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "inject <pid> <dll-path>",
		Short: "Inject a DLL into a process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			var strat inject.Strategy
			switch method {
			case "loadercall":
				strat = inject.NewLoaderCall()
			case "hijack":
				strat = inject.NewThreadHijack()
			case "manualmap":
				strat = inject.NewManualMap()
			default:
				return fmt.Errorf("unknown method %q (loadercall, hijack, manualmap)", method)
			}
			req := inject.Request{PID: pid, DLLPath: args[1], Timeout: cfg.WaitTimeout}
			res, err := inject.Run(strat, req, log)
			if err != nil {
				return err
			}
			log.Infof("%s: %s", res.Strategy, res.State)
			if res.ImageBase != 0 {
				log.Infof("image mapped at 0x%X", res.ImageBase)
			}
			if res.RetainedBase != 0 {
				log.Infof("retained remote allocation: 0x%X (%d bytes)", res.RetainedBase, res.RetainedSize)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "m", "loadercall", "injection method: loadercall, hijack, manualmap")
	return cmd
}

func unloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unload <pid> <module-name>",
		Short: "Unload a loader-known module from a process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			mod, err := snapshot.FindModule(pid, args[1])
			if err != nil {
				return err
			}
			if err := inject.Unload(pid, mod.Base); err != nil {
				return err
			}
			log.Infof("asked pid %d to free %s at 0x%X", pid, mod.Name, mod.Base)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show host memory, CPU and uptime",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := snapshot.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("memory: %.0f / %.0f MB (%.1f%%)\n", st.UsedMemoryMB, st.TotalMemoryMB, st.MemoryPercent)
			fmt.Printf("cpu:    %.1f%%\n", st.CPUPercent)
			fmt.Printf("uptime: %ds\n", st.UptimeSeconds)
			return nil
		},
	}
}
