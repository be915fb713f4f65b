//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// notifyOnSyncSignal calls request for every SIGUSR1 until ctx is done.
func notifyOnSyncSignal(ctx context.Context, request func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR1)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			request()
		}
	}
}
