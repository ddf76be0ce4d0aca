// Package command implements the interactive operator console: a
// liner-backed read loop over the cache-introspection and
// reservation-table surface of a MemorySystem. It is not part of the
// emulated architecture; it exists for the same reason the original
// console did, so a person driving the machine by hand can see what a
// running instance is doing.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/rcornwell/axpsmp/emu/memsys"
	"github.com/rcornwell/axpsmp/emu/tlb"
)

var commandNames = []string{"stats", "dump-set", "tlb", "reservations", "help", "quit"}

func completer(line string) []string {
	var out []string
	for _, c := range commandNames {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}
	return out
}

// Run starts the console's read-eval loop against m, blocking until the
// operator quits or the input stream aborts (Ctrl-D/Ctrl-C).
func Run(m *memsys.MemorySystem) {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(completer)

	for {
		input, err := line.Prompt("axpsmp> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				return
			}
			fmt.Println("error reading line:", err)
			return
		}

		line.AppendHistory(input)
		quit, err := dispatch(strings.TrimSpace(input), m)
		if err != nil {
			fmt.Println("error:", err)
		}
		if quit {
			return
		}
	}
}

func dispatch(cmd string, m *memsys.MemorySystem) (quit bool, err error) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "quit", "exit":
		return true, nil
	case "help":
		printHelp()
		return false, nil
	case "stats":
		return false, runStats(fields[1:], m)
	case "dump-set":
		return false, runDumpSet(fields[1:], m)
	case "tlb":
		return false, runTLB(fields[1:], m)
	case "reservations":
		return false, runReservations(m)
	default:
		return false, fmt.Errorf("unrecognized command %q (try \"help\")", fields[0])
	}
}

func printHelp() {
	fmt.Println("stats <l1d|l1i|l2|l3> [cpu]   show hit/miss counters for a cache level")
	fmt.Println("dump-set <level> <index> [cpu] dump every line in one set")
	fmt.Println("tlb <cpu>                     dump a CPU's instruction and data TLB")
	fmt.Println("reservations                  list every CPU's LL/SC reservation state")
	fmt.Println("quit                          leave the console")
}

func parseCPU(fields []string, at int) (int, error) {
	if at >= len(fields) {
		return 0, nil
	}
	return strconv.Atoi(fields[at])
}

func runStats(fields []string, m *memsys.MemorySystem) error {
	if len(fields) < 1 {
		return errors.New("usage: stats <level> [cpu]")
	}
	cpu, err := parseCPU(fields, 1)
	if err != nil {
		return fmt.Errorf("bad cpu index: %w", err)
	}
	snap, err := m.Stats(fields[0], cpu)
	if err != nil {
		return err
	}
	fmt.Printf("%s cpu=%d hits=%d misses=%d evictions=%d\n", fields[0], cpu, snap.Hits, snap.Misses, snap.Evictions)
	return nil
}

func runDumpSet(fields []string, m *memsys.MemorySystem) error {
	if len(fields) < 2 {
		return errors.New("usage: dump-set <level> <index> [cpu]")
	}
	index, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("bad set index: %w", err)
	}
	cpu, err := parseCPU(fields, 2)
	if err != nil {
		return fmt.Errorf("bad cpu index: %w", err)
	}
	lines, err := m.DumpSet(fields[0], cpu, index)
	if err != nil {
		return err
	}
	for way, l := range lines {
		fmt.Printf("way=%d valid=%v dirty=%v state=%v tag=%#x addr=%#x last_access=%d\n",
			way, l.Valid, l.Dirty, l.State, l.Tag, l.Address, l.LastAccess)
	}
	return nil
}

func runTLB(fields []string, m *memsys.MemorySystem) error {
	if len(fields) < 1 {
		return errors.New("usage: tlb <cpu>")
	}
	cpu, err := strconv.Atoi(fields[0])
	if err != nil {
		return fmt.Errorf("bad cpu index: %w", err)
	}
	instr, data, err := m.TLBSnapshot(cpu)
	if err != nil {
		return err
	}
	fmt.Println("instruction TLB:")
	printTLBEntries(instr)
	fmt.Println("data TLB:")
	printTLBEntries(data)
	return nil
}

func printTLBEntries(entries []tlb.Entry) {
	for i, e := range entries {
		if !e.Valid {
			continue
		}
		fmt.Printf("  [%d] va=%#x pa=%#x asn=%d global=%v r=%v w=%v x=%v dirty=%v ref=%v\n",
			i, e.VirtualPage, e.PhysicalPage, e.ASN, e.Global, e.Readable, e.Writable, e.Executable, e.Dirty, e.Referenced)
	}
}

func runReservations(m *memsys.MemorySystem) error {
	for _, r := range m.Reservations() {
		fmt.Printf("cpu=%d pa=%#x size=%d valid=%v timestamp=%d\n", r.CPUID, r.PA, r.Size, r.Valid, r.Timestamp)
	}
	return nil
}
