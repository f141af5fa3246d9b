package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/urfave/cli/v3"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/gemm"
	"github.com/samcharles93/accelops/internal/logger"
	"github.com/samcharles93/accelops/internal/ops"
	"github.com/samcharles93/accelops/internal/tensor"
)

func gemmCmd() *cli.Command {
	var (
		m, n, k int64
		seed    int64
		iters   int64
		verify  bool
	)
	return &cli.Command{
		Name:  "gemm",
		Usage: "Benchmark the bf16 GEMM on random matrices",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "m", Usage: "rows of A and C", Value: 512, Destination: &m},
			&cli.Int64Flag{Name: "n", Usage: "columns of B and C", Value: 512, Destination: &n},
			&cli.Int64Flag{Name: "k", Usage: "inner dimension", Value: 512, Destination: &k},
			&cli.Int64Flag{Name: "seed", Usage: "random seed", Value: 1, Destination: &seed},
			&cli.Int64Flag{Name: "iters", Usage: "timed iterations after one warmup", Value: 5, Destination: &iters},
			&cli.BoolFlag{Name: "verify", Usage: "compare against a float64 host reference", Value: true, Destination: &verify},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if m <= 0 || n <= 0 || k <= 0 || iters <= 0 {
				return cli.Exit("error: --m, --n, --k and --iters must be > 0", 1)
			}
			dev, s, done, err := openStream(ctx)
			if err != nil {
				return err
			}
			defer done()

			rng := rand.New(rand.NewPCG(uint64(seed), uint64(m*n*k)))
			av := randomValues(rng, int(m*k), 1)
			bv := randomValues(rng, int(k*n), 1)
			a, err := device.FromFloat32(ctx, s, tensor.Shape{int(m), int(k)}, tensor.BF16, av)
			if err != nil {
				return err
			}
			defer a.Buffer().Free()
			b, err := device.FromFloat32(ctx, s, tensor.Shape{int(k), int(n)}, tensor.BF16, bv)
			if err != nil {
				return err
			}
			defer b.Buffer().Free()
			out, err := device.Empty(dev, tensor.Shape{int(m), int(n)}, tensor.F32)
			if err != nil {
				return err
			}
			defer out.Buffer().Free()

			if _, err := ops.Gemm(ctx, s, a, b, out); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			var total time.Duration
			for range iters {
				start := time.Now()
				if _, err := ops.Gemm(ctx, s, a, b, out); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				total += time.Since(start)
			}
			problem := gemm.ProblemShape{M: int(m), N: int(n), K: int(k), L: 1}
			avg := total / time.Duration(iters)
			tflops := problem.Flops() / avg.Seconds() / 1e12
			log.Info("gemm complete", "problem", problem.String(), "device", dev.Info().ID.String(), "avg", avg)

			fmt.Printf("problem:  %s\n", problem)
			fmt.Printf("avg:      %.3f ms\n", float64(avg.Microseconds())/1000)
			fmt.Printf("tflops:   %.4f\n", tflops)
			if !verify {
				return nil
			}

			got, err := device.ToFloat32(ctx, s, out)
			if err != nil {
				return err
			}
			ah, err := device.ToFloat32(ctx, s, a)
			if err != nil {
				return err
			}
			bh, err := device.ToFloat32(ctx, s, b)
			if err != nil {
				return err
			}
			maxErr := maxAbsError(got, hostGemm(ah, bh, int(m), int(n), int(k)))
			fmt.Printf("max err:  %.3g\n", maxErr)
			if maxErr > 1e-3*float64(k) {
				return cli.Exit("error: result differs from host reference", 1)
			}
			return nil
		},
	}
}

// hostGemm multiplies the bf16-rounded inputs in float64.
func hostGemm(a, b []float32, m, n, k int) []float64 {
	var c mat.Dense
	c.Mul(mat.NewDense(m, k, widen(a)), mat.NewDense(k, n, widen(b)))
	return c.RawMatrix().Data
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func maxAbsError(got []float32, want []float64) float64 {
	var worst float64
	for i, w := range want {
		worst = max(worst, math.Abs(float64(got[i])-w))
	}
	return worst
}
