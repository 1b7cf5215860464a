// Package deploy transfers build output to the target device and verifies
// the transfer before a debug session attaches.
package deploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/mcudap/internal/protocol"
)

// DefaultChunkSize is the transfer chunk size when none is configured.
const DefaultChunkSize = 32 * 1024

// Target receives file transfers. The monowire client implements it; tests
// substitute recording stubs. Transfers for different names may interleave.
type Target interface {
	// BeginTransfer opens a named transfer of a known size.
	BeginTransfer(ctx context.Context, name string, size int64) error

	// WriteChunk appends data to an open transfer.
	WriteChunk(ctx context.Context, name string, chunk []byte) error

	// CommitTransfer closes a transfer; the device rejects it when the
	// received bytes do not match the digest.
	CommitTransfer(ctx context.Context, name string, digest string) error
}

// Config describes one deployment.
type Config struct {
	// BuildOutput is the binary to deploy. Required.
	BuildOutput string

	// Assets are additional files deployed alongside the binary.
	Assets []string

	// ChunkSize overrides DefaultChunkSize when positive.
	ChunkSize int
}

// Deployer streams files to a Target and verifies each with an xxhash64
// digest. A Deployer is stateless and safe to reuse.
type Deployer struct {
	target Target
}

// New creates a Deployer for the given target.
func New(target Target) *Deployer {
	return &Deployer{target: target}
}

// Deploy transfers the build output and all assets. It is cancellable: when
// ctx is done the in-flight transfers abort with a TransferFailed error.
// Asset transfers run concurrently; all must verify.
func (d *Deployer) Deploy(ctx context.Context, cfg Config) error {
	if cfg.BuildOutput == "" {
		return protocol.Errorf(protocol.CodeBuildOutputMissing, "no build output configured")
	}

	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}

	files := append([]string{cfg.BuildOutput}, cfg.Assets...)

	// Stat everything up front so a missing file fails before any bytes
	// move.
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return protocol.Errorf(protocol.CodeBuildOutputMissing, "%s: %v", path, err)
		}
		if info.IsDir() {
			return protocol.Errorf(protocol.CodeBuildOutputMissing, "%s: is a directory", path)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, path := range files {
		path := path
		g.Go(func() error {
			return d.transfer(gctx, path, chunk)
		})
	}
	return g.Wait()
}

// transfer streams one file and commits it with its digest.
func (d *Deployer) transfer(ctx context.Context, path string, chunkSize int) error {
	name := filepath.Base(path)

	f, err := os.Open(path)
	if err != nil {
		return protocol.Errorf(protocol.CodeBuildOutputMissing, "%s: %v", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return protocol.Errorf(protocol.CodeBuildOutputMissing, "%s: %v", path, err)
	}

	if err := d.target.BeginTransfer(ctx, name, info.Size()); err != nil {
		return transferErr(name, err)
	}

	digest := xxhash.New()
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return protocol.Errorf(protocol.CodeTransferFailed, "%s: aborted: %v", name, err)
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			digest.Write(buf[:n])
			if err := d.target.WriteChunk(ctx, name, buf[:n]); err != nil {
				return transferErr(name, err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return transferErr(name, readErr)
		}
	}

	sum := fmt.Sprintf("%016x", digest.Sum64())
	if err := d.target.CommitTransfer(ctx, name, sum); err != nil {
		return protocol.Errorf(protocol.CodeVerificationFailed, "%s: %v", name, err)
	}
	return nil
}

// transferErr preserves an existing command error code, otherwise classifies
// the failure as TransferFailed.
func transferErr(name string, err error) error {
	wrapped := protocol.WrapError(err, protocol.CodeTransferFailed)
	if wrapped.Message == "" {
		wrapped.Message = name
	}
	return protocol.Errorf(wrapped.Code, "%s: %s", name, wrapped.Message)
}
