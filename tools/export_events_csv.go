package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/model"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/store"
)

// Dumps the stored events in the canonical CSV layout that `dnsguard ingest`
// reads back.
func main() {
	var (
		dbPath  = flag.String("db", "data/dns-anomaly.db", "BoltDB path")
		outPath = flag.String("out", "events.csv", "CSV output")
		device  = flag.String("device", "", "only this client IP")
	)
	flag.Parse()

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	f, err := os.Create(*outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"time", "client_ip", "domain", "qtype"}); err != nil {
		fmt.Fprintf(os.Stderr, "write header: %v\n", err)
		os.Exit(1)
	}

	n := 0
	var werr error
	err = st.IterateEvents(func(ev model.Event) bool {
		if *device != "" && ev.ClientIP != *device { return true }
		if werr = w.Write([]string{ev.Time.UTC().Format(time.RFC3339Nano), ev.ClientIP, ev.Domain, ev.QType}); werr != nil {
			return false
		}
		n++
		return true
	})
	if err == nil { err = werr }
	if err != nil {
		fmt.Fprintf(os.Stderr, "export events: %v\n", err)
		os.Exit(1)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "flush csv: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("exported %d events to %s\n", n, *outPath)
}
