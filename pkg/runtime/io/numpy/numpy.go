// Package numpy reads and writes ndarrays in the .npy and .npz formats used by
// numpy.load and numpy.save.
//
// Reading and writing are not implemented yet; every entry point returns
// codes.Unimplemented.
package numpy

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/examples/AI/vmvx/pkg/vm"
	"k8s.io/examples/AI/vmvx/pkg/vmvx"
)

type LoadOptions uint32

const (
	LoadOptionDefault LoadOptions = 0
	// LoadOptionMapFile maps the file into memory instead of copying it, like
	// numpy.load's mmap_mode. Only uncompressed files can be mapped.
	LoadOptionMapFile LoadOptions = 1 << 0
)

type SaveOptions uint32

const (
	SaveOptionDefault SaveOptions = 0
	// SaveOptionCompress writes compressed .npz contents, matching
	// numpy.savez_compressed instead of numpy.savez.
	SaveOptionCompress SaveOptions = 1 << 0
)

func errUnimplemented() error {
	return status.Errorf(codes.Unimplemented, "numpy IO not implemented")
}

// LoadNdarrayFromFile loads a single .npy file into a buffer allocated through
// allocator.
func LoadNdarrayFromFile(options LoadOptions, path string, allocator vm.Allocator) (*vmvx.Buffer, error) {
	return nil, errUnimplemented()
}

// SaveNdarrayToFile saves buffer to a .npy file at path.
func SaveNdarrayToFile(options SaveOptions, buffer *vmvx.Buffer, path string) error {
	return errUnimplemented()
}

// LoadNdarraysFromFile loads every array in the .npz file at path into a new
// list of buffers.
func LoadNdarraysFromFile(options LoadOptions, path string, allocator vm.Allocator) (*vm.List, error) {
	return nil, errUnimplemented()
}

// SaveNdarraysToFile saves the buffers in list to a .npz file at path.
func SaveNdarraysToFile(options SaveOptions, list *vm.List, path string) error {
	if options&SaveOptionCompress != 0 {
		return status.Errorf(codes.Unimplemented, "npz compression not yet implemented")
	}
	return errUnimplemented()
}
