// tidedb-oplogdump inspects a closed oplog directory offline: bounds,
// ordered entry listings, and full dumps of individual records.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/oplog"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	// Shift args for subcommands
	os.Args = append(os.Args[:1], os.Args[2:]...)

	switch cmd {
	case "info":
		runInfo()
	case "scan":
		runScan()
	case "entry":
		runEntry()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: tidedb-oplogdump <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  info    Print the log's bounds and storage footprint")
	fmt.Println("          Usage: info -dir <oplog_dir>")
	fmt.Println("  scan    List entries in timestamp order")
	fmt.Println("          Usage: scan -dir <oplog_dir> [-start <sec[.inc]>] [-end <sec[.inc]>] [-limit <n>]")
	fmt.Println("  entry   Dump one entry's full document")
	fmt.Println("          Usage: entry -dir <oplog_dir> -ts <sec[.inc]>")
}

// parseTS reads "sec" or "sec.inc" into a timestamp.
func parseTS(s string) (primitive.Timestamp, error) {
	sec, inc := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		sec, inc = s[:i], s[i+1:]
	}
	t, err := strconv.ParseUint(sec, 10, 32)
	if err != nil {
		return primitive.Timestamp{}, fmt.Errorf("bad seconds in %q: %w", s, err)
	}
	ts := primitive.Timestamp{T: uint32(t)}
	if inc != "" {
		i, err := strconv.ParseUint(inc, 10, 32)
		if err != nil {
			return primitive.Timestamp{}, fmt.Errorf("bad increment in %q: %w", s, err)
		}
		ts.I = uint32(i)
	}
	return ts, nil
}

func openLog(dir string) *oplog.Store {
	if dir == "" {
		fmt.Println("Error: -dir is required")
		os.Exit(1)
	}
	store, err := oplog.OpenStore(dir, oplog.StoreOptions{})
	if err != nil {
		fmt.Printf("Error opening oplog at '%s': %v\n", dir, err)
		os.Exit(1)
	}
	return store
}

func runInfo() {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	dir := fs.String("dir", "", "Path to the oplog directory")
	fs.Parse(os.Args[1:])

	store := openLog(*dir)
	defer store.Close()

	fmt.Printf("Bottom:     %v\n", store.Bottom())
	fmt.Printf("Top:        %v\n", store.Top())
	fmt.Printf("Visible:    %v\n", store.VisibleTop())
	fmt.Printf("Size bytes: %d\n", store.SizeBytes())
}

func runScan() {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	dir := fs.String("dir", "", "Path to the oplog directory")
	start := fs.String("start", "", "Start timestamp (sec[.inc])")
	end := fs.String("end", "", "End timestamp (sec[.inc]), inclusive")
	limit := fs.Int("limit", 100, "Maximum number of entries to list")
	fs.Parse(os.Args[1:])

	store := openLog(*dir)
	defer store.Close()

	from := primitive.Timestamp{}
	if *start != "" {
		ts, err := parseTS(*start)
		if err != nil {
			fmt.Println(err)
			return
		}
		from = ts
	}
	to := store.Top().TS
	if *end != "" {
		ts, err := parseTS(*end)
		if err != nil {
			fmt.Println(err)
			return
		}
		to = ts
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tTERM\tOP\tNAMESPACE\tBYTES")
	fmt.Fprintln(w, "------------\t----\t--\t--------------------\t-----")

	count := 0
	err := store.ScanRange(from, to, func(e oplog.Entry) error {
		if count >= *limit {
			return errLimit
		}
		raw, err := e.Marshal()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d.%d\t%d\t%s\t%s\t%d\n",
			e.Timestamp.T, e.Timestamp.I, e.Term, e.Operation, e.Namespace, len(raw))
		count++
		return nil
	})
	w.Flush()
	if err != nil && err != errLimit {
		fmt.Printf("Scan error: %v\n", err)
	}
	fmt.Printf("%d entries\n", count)
}

var errLimit = fmt.Errorf("limit reached")

func runEntry() {
	fs := flag.NewFlagSet("entry", flag.ExitOnError)
	dir := fs.String("dir", "", "Path to the oplog directory")
	tsArg := fs.String("ts", "", "Entry timestamp (sec[.inc])")
	fs.Parse(os.Args[1:])

	if *tsArg == "" {
		fmt.Println("Error: -ts is required")
		fs.Usage()
		return
	}
	ts, err := parseTS(*tsArg)
	if err != nil {
		fmt.Println(err)
		return
	}

	store := openLog(*dir)
	defer store.Close()

	e, ok, err := store.EntryAt(ts)
	if err != nil {
		fmt.Printf("Read error: %v\n", err)
		return
	}
	if !ok {
		fmt.Printf("No entry at %d.%d\n", ts.T, ts.I)
		return
	}

	fmt.Printf("OpTime:    %v\n", e.OpTime())
	fmt.Printf("Operation: %s\n", e.Operation)
	fmt.Printf("Namespace: %s\n", e.Namespace)
	fmt.Printf("Wall:      %s\n", e.Wall)
	if u, ok := e.CollectionUUID(); ok {
		fmt.Printf("UUID:      %s\n", u)
	}
	fmt.Printf("Object:    %s\n", e.Object.String())
	if len(e.Object2) > 0 {
		fmt.Printf("Object2:   %s\n", e.Object2.String())
	}
	if len(e.LSID) > 0 {
		fmt.Printf("LSID:      %s\n", e.LSID.String())
	}
	if e.TxnNumber != nil {
		fmt.Printf("TxnNumber: %d\n", *e.TxnNumber)
	}
	if e.PrevOpTime != nil {
		fmt.Printf("PrevOpTime: %v\n", *e.PrevOpTime)
	}
}
