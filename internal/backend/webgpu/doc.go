// Package webgpu runs the operators as WGSL compute shaders through
// go-webgpu. It is built on Windows only, where the wgpu-native library
// is loaded without cgo.
package webgpu
