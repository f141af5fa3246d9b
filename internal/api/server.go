// Package api serves the operation registry over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/accelops/internal/backend"
	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/launch"
	"github.com/samcharles93/accelops/internal/logger"
	"github.com/samcharles93/accelops/internal/ops"
	"github.com/samcharles93/accelops/internal/tensor"
	"github.com/samcharles93/accelops/internal/version"
)

// maxElements bounds each tensor in a request.
const maxElements = 1 << 24

// Server runs registry operations on one device. Calls share a single
// stream and are serialized.
type Server struct {
	dev      device.Device
	registry *ops.Registry
	store    *ResultStore
	clock    func() time.Time

	mu     sync.Mutex
	stream device.Stream
}

func NewServer(dev device.Device, registry *ops.Registry, store *ResultStore) (*Server, error) {
	if registry == nil {
		registry = ops.NewDefaultRegistry(dev.Info().ID.Kind)
	}
	if store == nil {
		store = NewResultStore(0)
	}
	stream, err := dev.NewStream()
	if err != nil {
		return nil, err
	}
	return &Server{
		dev:      dev,
		registry: registry,
		store:    store,
		clock:    time.Now,
		stream:   stream,
	}, nil
}

// Close releases the server's stream. The device stays open.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.Close()
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/devices", s.handleDevices)
	e.GET("/v1/ops", s.handleListOps)
	e.GET("/v1/ops/:name", s.handleGetOp)
	e.POST("/v1/ops/:name", s.handleCallOp)
	e.GET("/v1/results/:id", s.handleGetResult)
	e.DELETE("/v1/results/:id", s.handleDeleteResult)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDevices(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, DevicesResponse{
		Object:    "list",
		Available: strings.Split(backend.Available(), ","),
		Active:    s.dev.Info(),
		Build:     version.Resolve(),
	})
}

func (s *Server) handleListOps(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, OpsResponse{Object: "list", Data: s.registry.Ops()})
}

func (s *Server) handleGetOp(c *echo.Context) error {
	name, ok := s.registry.Resolve(c.Param("name"))
	if !ok {
		return writeNotFound(c, "operation not found")
	}
	for _, info := range s.registry.Ops() {
		if info.Name == ops.Namespace+"::"+name {
			return writeJSON(c, http.StatusOK, info)
		}
	}
	return writeNotFound(c, "operation not found")
}

func (s *Server) handleCallOp(c *echo.Context) error {
	name, ok := s.registry.Resolve(c.Param("name"))
	if !ok {
		return writeNotFound(c, "operation not found")
	}
	req, err := decodeJSON[OpRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, "", err.Error())
	}
	if err := checkArity(name, req); err != nil {
		return writeOpError(c, err)
	}

	ctx := c.Request().Context()
	log := logger.FromContext(ctx)
	start := s.clock()
	output, geo, err := s.run(ctx, name, req)
	if err != nil {
		log.Debug("operation failed", "op", name, "error", err)
		return writeOpError(c, err)
	}

	resp := OpResponse{
		ID:        newResultID(),
		Object:    "op.result",
		CreatedAt: start.Unix(),
		Op:        ops.Namespace + "::" + name,
		Device:    s.dev.Info().ID.String(),
		ElapsedMS: float64(s.clock().Sub(start).Microseconds()) / 1000,
		Geometry:  geo,
		Output:    output,
	}
	if req.Store == nil || *req.Store {
		s.store.Put(resp)
	}
	log.Info("operation completed", "id", resp.ID, "op", resp.Op, "elapsed_ms", resp.ElapsedMS)
	return writeJSON(c, http.StatusOK, resp)
}

// run uploads the request tensors, calls the operation and reads the
// result back. Every device buffer it creates is freed before it returns.
func (s *Server) run(ctx context.Context, name string, req OpRequest) (TensorData, *GeometryInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owned []tensor.Buffer
	defer func() {
		for _, buf := range owned {
			_ = buf.Free()
		}
	}()
	upload := func(param string, td TensorData) (*tensor.Tensor, error) {
		if err := validateTensor(param, td); err != nil {
			return nil, err
		}
		t, err := device.FromFloat32(ctx, s.stream, tensor.Shape(td.Shape), td.DType, td.Data)
		if err != nil {
			return nil, err
		}
		owned = append(owned, t.Buffer())
		return t, nil
	}

	args := make([]*tensor.Tensor, 0, len(req.Inputs)+1)
	for i, in := range req.Inputs {
		t, err := upload("inputs["+strconv.Itoa(i)+"]", in)
		if err != nil {
			return TensorData{}, nil, err
		}
		args = append(args, t)
	}
	if req.Out != nil {
		t, err := upload("out", *req.Out)
		if err != nil {
			return TensorData{}, nil, err
		}
		args = append(args, t)
	}

	if req.Out == nil {
		if err := checkOutputSize(name, args); err != nil {
			return TensorData{}, nil, err
		}
	}

	out, err := s.registry.Call(ctx, name, s.stream, args...)
	if err != nil {
		return TensorData{}, nil, err
	}
	if req.Out == nil {
		owned = append(owned, out.Buffer())
	}

	values, err := device.ToFloat32(ctx, s.stream, out)
	if err != nil {
		return TensorData{}, nil, err
	}
	result := TensorData{Shape: out.Shape(), DType: out.DType(), Data: values}

	var geo *GeometryInfo
	if name == ops.OpAdd && out.NumElements() > 0 {
		geo = geometryInfo(launch.ConfigureLimit(out.NumElements(), s.dev.Info().MaxGroupSize))
	}
	return result, geo, nil
}

func checkArity(name string, req OpRequest) error {
	switch name {
	case ops.OpAdd:
		if len(req.Inputs) != 2 || req.Out != nil {
			return newInvalidRequest("inputs", "%s takes exactly two inputs and no out tensor", name)
		}
	case ops.OpGemm:
		if len(req.Inputs) != 2 {
			return newInvalidRequest("inputs", "%s takes inputs A and B plus an optional out tensor", name)
		}
	default:
		if len(req.Inputs) == 0 {
			return newInvalidRequest("inputs", "inputs must not be empty")
		}
	}
	return nil
}

// checkOutputSize bounds the output a gemm allocates for the caller, which
// can be far larger than either input when K is small.
func checkOutputSize(name string, args []*tensor.Tensor) error {
	if name != ops.OpGemm || len(args) < 2 || args[0].Rank() != 2 || args[1].Rank() != 2 {
		return nil
	}
	shape := tensor.Shape{args[0].Dim(0), args[1].Dim(1)}
	if shape.Validate() != nil || shape.NumElements() > maxElements {
		return newInvalidRequest("inputs", "output shape %s exceeds the %d element limit", shape, maxElements)
	}
	return nil
}

func validateTensor(param string, td TensorData) error {
	if td.DType.Size() == 0 {
		return newInvalidRequest(param+".dtype", "dtype is required")
	}
	shape := tensor.Shape(td.Shape)
	if err := shape.Validate(); err != nil {
		return newInvalidRequest(param+".shape", "shape %v: %v", td.Shape, err)
	}
	n := shape.NumElements()
	if n > maxElements {
		return newInvalidRequest(param+".shape", "shape %v has %d elements, limit is %d", td.Shape, n, maxElements)
	}
	if len(td.Data) != n {
		return newInvalidRequest(param+".data", "shape %v needs %d values, got %d", td.Shape, n, len(td.Data))
	}
	return nil
}

func (s *Server) handleGetResult(c *echo.Context) error {
	resp, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "result not found")
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleDeleteResult(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "result not found")
	}
	return writeJSON(c, http.StatusOK, DeleteResultResponse{ID: id, Object: "op.result.deleted", Deleted: true})
}
