package api

import (
	"github.com/samcharles93/accelops/internal/device"
	"github.com/samcharles93/accelops/internal/launch"
	"github.com/samcharles93/accelops/internal/ops"
	"github.com/samcharles93/accelops/internal/tensor"
	"github.com/samcharles93/accelops/internal/version"
)

// TensorData is a dense row-major tensor on the wire. Values are carried
// as float32 and encoded to DType on upload.
type TensorData struct {
	Shape []int        `json:"shape"`
	DType tensor.DType `json:"dtype"`
	Data  []float32    `json:"data"`
}

type OpRequest struct {
	Inputs []TensorData `json:"inputs"`
	// Out is an optional preallocated output whose data seeds the buffer.
	Out *TensorData `json:"out,omitempty"`
	// Store keeps the result retrievable under its id. Defaults to true.
	Store *bool `json:"store,omitempty"`
}

type OpResponse struct {
	ID        string        `json:"id"`
	Object    string        `json:"object"`
	CreatedAt int64         `json:"created_at"`
	Op        string        `json:"op"`
	Device    string        `json:"device"`
	ElapsedMS float64       `json:"elapsed_ms"`
	Geometry  *GeometryInfo `json:"geometry,omitempty"`
	Output    TensorData    `json:"output"`
}

type GeometryInfo struct {
	GroupRows int `json:"group_rows"`
	GroupCols int `json:"group_cols"`
	GridRows  int `json:"grid_rows"`
	GridCols  int `json:"grid_cols"`
	Items     int `json:"items"`
}

func geometryInfo(g launch.Geometry) *GeometryInfo {
	return &GeometryInfo{
		GroupRows: g.GroupRows,
		GroupCols: g.GroupCols,
		GridRows:  g.GridRows,
		GridCols:  g.GridCols,
		Items:     g.Items,
	}
}

type DevicesResponse struct {
	Object    string       `json:"object"`
	Available []string     `json:"available"`
	Active    device.Info  `json:"active"`
	Build     version.Info `json:"build"`
}

type OpsResponse struct {
	Object string       `json:"object"`
	Data   []ops.OpInfo `json:"data"`
}

type DeleteResultResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
