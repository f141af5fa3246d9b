package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/accelops/internal/backend"
	"github.com/samcharles93/accelops/internal/ops"
)

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List compiled backends and describe the selected device",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Printf("compiled:   %s\n", backend.Available())

			dev, err := backend.Open(ctx, backendName, backend.Options{Workers: int(workers)})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open backend: %v", err), 1)
			}
			defer dev.Close()

			info := dev.Info()
			fmt.Printf("device:     %s\n", info.ID)
			fmt.Printf("name:       %s\n", info.Name)
			fmt.Printf("units:      %d\n", info.ComputeUnits)
			fmt.Printf("group max:  %d\n", info.MaxGroupSize)
			if info.MemoryBytes > 0 {
				fmt.Printf("memory:     %d MiB\n", info.MemoryBytes>>20)
			}
			if len(info.Features) > 0 {
				fmt.Printf("features:   %s\n", strings.Join(info.Features, ","))
			}
			var outs []string
			for _, dt := range ops.DefaultDispatcher().Outputs() {
				outs = append(outs, dt.String())
			}
			fmt.Printf("gemm outs:  bf16 -> %s\n", strings.Join(outs, ","))
			return nil
		},
	}
}
