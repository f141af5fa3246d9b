package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/accelops/internal/backend"
	"github.com/samcharles93/accelops/internal/device"
)

// openStream opens the configured backend and one stream on it. The
// returned func closes both.
func openStream(ctx context.Context) (device.Device, device.Stream, func(), error) {
	dev, err := backend.Open(ctx, backendName, backend.Options{Workers: int(workers)})
	if err != nil {
		return nil, nil, nil, cli.Exit(fmt.Sprintf("error: open backend: %v", err), 1)
	}
	s, err := dev.NewStream()
	if err != nil {
		_ = dev.Close()
		return nil, nil, nil, cli.Exit(fmt.Sprintf("error: create stream: %v", err), 1)
	}
	return dev, s, func() {
		_ = s.Close()
		_ = dev.Close()
	}, nil
}
