//go:build !linux

package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-slcan-server/internal/channel"
)

// Placeholder so non-linux builds compile; socketcan not supported.
func initSocketCANBackend(ctx context.Context, cfg *appConfig, ch *channel.Channel, l *slog.Logger, wg *sync.WaitGroup) (*backend, error) {
	return nil, errors.New("socketcan backend unsupported on this platform")
}
