package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/examples/AI/vmvx/pkg/blobs"
	vmvxruntime "k8s.io/examples/AI/vmvx/pkg/runtime"
	"k8s.io/klog/v2"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		vmvxruntime.FprintStatus(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	module := os.Getenv("VMVX_MODULE")
	flag.StringVar(&module, "module", module, "path to a bytecode (.json) or wasm (.wasm) module, or the hash of a module blob")

	blobserver := os.Getenv("BLOBSERVER")
	if blobserver == "" {
		blobserver = "http://blobserver"
	}
	flag.StringVar(&blobserver, "blobserver", blobserver, "base url to blobserver")

	opts := dispatchOptions{
		Function:      "simple_mul",
		CountFunction: "workgroup_count",
		Workers:       4,
		ScratchSize:   4096,
	}
	flag.StringVar(&opts.Function, "function", opts.Function, "function invoked once per workgroup")
	flag.StringVar(&opts.CountFunction, "count-function", opts.CountFunction, "function returning the workgroup count; empty uses one workgroup per element")
	flag.IntVar(&opts.Workers, "workers", opts.Workers, "number of workgroups run concurrently")
	flag.IntVar(&opts.ScratchSize, "scratch-size", opts.ScratchSize, "bytes of scratch memory shared by the dispatch")

	lhsFlag := "1,2,3,4,5,6,7,8"
	rhsFlag := "2,2,2,2,0.5,0.5,0.5,0.5"
	flag.StringVar(&lhsFlag, "lhs", lhsFlag, "comma-separated f32 values of binding 0")
	flag.StringVar(&rhsFlag, "rhs", rhsFlag, "comma-separated f32 values of binding 1")

	klog.InitFlags(nil)

	flag.Parse()

	if module == "" {
		return status.Errorf(codes.InvalidArgument, "must specify -module or VMVX_MODULE")
	}

	var err error
	if opts.LHS, err = parseFloats(lhsFlag); err != nil {
		return fmt.Errorf("parsing -lhs: %w", err)
	}
	if opts.RHS, err = parseFloats(rhsFlag); err != nil {
		return fmt.Errorf("parsing -rhs: %w", err)
	}
	if len(opts.LHS) != len(opts.RHS) {
		return status.Errorf(codes.InvalidArgument, "-lhs has %d values but -rhs has %d", len(opts.LHS), len(opts.RHS))
	}

	modulePath, err := resolveModule(ctx, module, blobserver)
	if err != nil {
		return err
	}
	log.Info("running module", "path", modulePath, "function", opts.Function, "elements", len(opts.LHS))

	out, err := dispatchFile(ctx, modulePath, opts)
	if err != nil {
		return err
	}
	for i, v := range out {
		fmt.Printf("out[%d] = %v\n", i, v)
	}
	return nil
}

// resolveModule returns a local path for module, downloading it from the
// blobserver when it is a blob hash rather than an existing file.
func resolveModule(ctx context.Context, module string, blobserver string) (string, error) {
	if _, err := os.Stat(module); err == nil {
		return module, nil
	}
	if !blobs.ValidHash(module) {
		return "", status.Errorf(codes.NotFound, "module %q is neither a file nor a blob hash", module)
	}

	blobserverURL, err := url.Parse(blobserver)
	if err != nil {
		return "", fmt.Errorf("parsing blobserver url %q: %w", blobserver, err)
	}
	loader := &ModuleLoader{
		reader: &blobs.ModuleServer{
			BlobserverURL: blobserverURL,
		},
		maxDownloadAttempts: 5,
		retryInterval:       5 * time.Second,
	}

	// Blobs carry no type; bytecode is the only format served by hash.
	localPath := filepath.Join(os.TempDir(), module+".json")
	if err := loader.downloadToFile(ctx, blobs.BlobInfo{Hash: module}, localPath); err != nil {
		return "", fmt.Errorf("downloading module: %w", err)
	}
	klog.Infof("module downloaded to %q", localPath)
	return localPath, nil
}

func parseFloats(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	var values []float32
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid f32 %q", field)
		}
		values = append(values, float32(v))
	}
	return values, nil
}
