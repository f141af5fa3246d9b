package backend

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/accelops/internal/logger"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":       Auto,
		"  EMU ": Emu,
		"cuda":   CUDA,
		"WebGPU": WebGPU,
		"auto":   Auto,
	}
	for in, want := range cases {
		got, err := Normalize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := Normalize("cpu")
	require.ErrorContains(t, err, `unknown backend "cpu"`)
}

func TestAvailable(t *testing.T) {
	t.Parallel()
	assert.True(t, Has(Emu))
	assert.False(t, Has("tpu"))
	assert.True(t, strings.HasPrefix(Available(), Emu))
	assert.Equal(t, cudaEnabled, strings.Contains(Available(), CUDA))
}

func TestOpenEmu(t *testing.T) {
	t.Parallel()
	dev, err := Open(context.Background(), "emu", Options{Ordinal: 2, Workers: 3})
	require.NoError(t, err)
	defer dev.Close()

	info := dev.Info()
	assert.Equal(t, Emu, info.ID.Kind)
	assert.Equal(t, 2, info.ID.Ordinal)
	assert.Equal(t, 3, info.ComputeUnits)
}

func TestOpenAutoLogsSelection(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := logger.WithContext(context.Background(), logger.JSON(&buf, slog.LevelInfo))

	dev, err := Open(ctx, "", Options{})
	require.NoError(t, err)
	defer dev.Close()

	assert.Contains(t, buf.String(), "backend selected")
	assert.Contains(t, buf.String(), dev.Info().ID.Kind)
}

func TestOpenUnavailable(t *testing.T) {
	t.Parallel()
	if Has(CUDA) {
		t.Skip("cuda is compiled in")
	}
	_, err := Open(context.Background(), CUDA, Options{})
	require.ErrorContains(t, err, "not available in this build")
}
