// Command pose.report serves the recordings API over a SQLite store.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/motion-data/pose.report/internal/api"
	"github.com/motion-data/pose.report/internal/store"
)

func main() {
	var (
		port   = flag.Int("port", 8000, "HTTP listen port")
		dbPath = flag.String("db", "recordings.db", "path to the recordings database")
	)
	flag.Parse()

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Printf("[main] %v", err)
		os.Exit(1)
	}
	defer st.Close()

	srv := api.NewServer(st)
	addr := fmt.Sprintf(":%d", *port)
	log.Printf("[main] serving recordings API on %s (db %s)", addr, *dbPath)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Printf("[main] server exited: %v", err)
		os.Exit(1)
	}
}
