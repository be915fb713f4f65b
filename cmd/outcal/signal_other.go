//go:build !unix

package main

import "context"

func notifyOnSyncSignal(ctx context.Context, request func()) {
	<-ctx.Done()
}
