package main

import (
	"log/slog"
	"net/http"
	"os"

	_ "net/http/pprof" // profiling

	"splicer/internal/cli"
	"splicer/internal/splicer/log"
)

func main() {
	defer log.RecoverPanic("main", func() {
		slog.Error("splicer terminated due to unhandled panic")
	})

	if os.Getenv("SPLICER_PROFILE") != "" {
		go func() {
			slog.Info("serving pprof at localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				slog.Error("pprof listen failed", "error", err)
			}
		}()
	}

	cli.Execute()
}
