package utils

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// ListenForProcessInterruptOrKill blocks until it receives an interrupt (Ctrl+C)
// or termination signal (SIGTERM), then returns. This is typically used to keep
// a program running until the user requests shutdown.
func ListenForProcessInterruptOrKill(log *zap.SugaredLogger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Info("press Ctrl+C to exit")

	sig := <-sigChan
	log.Infof("received %v, shutting down", sig)
}
