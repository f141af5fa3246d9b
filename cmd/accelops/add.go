package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/launch"
	"github.com/samcharles93/accelops/internal/logger"
	"github.com/samcharles93/accelops/internal/ops"
	"github.com/samcharles93/accelops/internal/tensor"
)

func addCmd() *cli.Command {
	var (
		n    int64
		seed int64
	)
	return &cli.Command{
		Name:  "add",
		Usage: "Add two random fp16 vectors on the device and check the result",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "n",
				Usage:       "number of elements",
				Value:       1 << 20,
				Destination: &n,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "random seed",
				Value:       1,
				Destination: &seed,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if n < 0 {
				return cli.Exit("error: --n must be >= 0", 1)
			}
			dev, s, done, err := openStream(ctx)
			if err != nil {
				return err
			}
			defer done()

			rng := rand.New(rand.NewPCG(uint64(seed), uint64(n)))
			av := randomValues(rng, int(n), 8)
			bv := randomValues(rng, int(n), 8)
			a, err := device.FromFloat32(ctx, s, tensor.Shape{int(n)}, tensor.F16, av)
			if err != nil {
				return err
			}
			defer a.Buffer().Free()
			b, err := device.FromFloat32(ctx, s, tensor.Shape{int(n)}, tensor.F16, bv)
			if err != nil {
				return err
			}
			defer b.Buffer().Free()

			start := time.Now()
			c, err := ops.Add(ctx, s, a, b)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			elapsed := time.Since(start)
			defer c.Buffer().Free()

			got, err := device.ToFloat32(ctx, s, c)
			if err != nil {
				return err
			}
			mismatches := 0
			for i := range got {
				want := tensor.F16ToF32(tensor.F16FromF32(tensor.F16ToF32(tensor.F16FromF32(av[i])) + tensor.F16ToF32(tensor.F16FromF32(bv[i]))))
				if got[i] != want {
					mismatches++
				}
			}

			geo := launch.ConfigureLimit(int(n), dev.Info().MaxGroupSize)
			log.Info("add complete", "device", dev.Info().ID.String(), "elapsed", elapsed)
			fmt.Printf("elements:   %d\n", n)
			fmt.Printf("geometry:   %s\n", geo)
			fmt.Printf("masked:     %d\n", geo.Masked())
			fmt.Printf("elapsed:    %s\n", elapsed)
			fmt.Printf("mismatches: %d\n", mismatches)
			if mismatches > 0 {
				return cli.Exit("error: result differs from host fp16 reference", 1)
			}
			return nil
		},
	}
}

func randomValues(rng *rand.Rand, n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * scale
	}
	return out
}
