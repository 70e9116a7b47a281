package utils

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/srand/grid/pkg/log"
)

// TerminateOnSignal exits the process when an interrupt
// or termination signal is received.
func TerminateOnSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-signals
		log.Info("Received signal:", sig)
		os.Exit(1)
	}()
}
