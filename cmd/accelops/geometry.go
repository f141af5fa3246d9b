package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/accelops/internal/launch"
)

func geometryCmd() *cli.Command {
	var (
		n     int64
		limit int64
	)
	return &cli.Command{
		Name:  "geometry",
		Usage: "Print the elementwise launch geometry for n elements",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "n", Usage: "number of elements", Value: 1 << 20, Destination: &n},
			&cli.Int64Flag{Name: "limit", Usage: "device work-group limit", Value: launch.MaxGroupSize, Destination: &limit},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			geo := launch.ConfigureLimit(int(n), int(limit))
			if geo.Empty() {
				fmt.Println("empty: no kernel is launched")
				return nil
			}
			global, local := geo.Global(), geo.Local()
			fmt.Printf("elements:   %d\n", geo.N)
			fmt.Printf("group:      %dx%d\n", local.Rows, local.Cols)
			fmt.Printf("grid:       %dx%d\n", geo.GridRows, geo.GridCols)
			fmt.Printf("global:     %dx%d\n", global.Rows, global.Cols)
			fmt.Printf("masked:     %d\n", geo.Masked())
			return nil
		},
	}
}
