package copyprotocol

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/kvreplica/engine/internal/kverrors"
	"github.com/kvreplica/engine/internal/localstore"
	"github.com/kvreplica/engine/internal/wire"
)

// BuilderManager bounds the number of concurrent file-stream full-copy
// builders for one store: a backup already in progress for a compatible
// target LSN is shared by every waiter instead of retaken.
type BuilderManager struct {
	mu       sync.Mutex
	active   map[uint64]*sharedBuild
	maxConcurrent int
	inFlight int
}

type sharedBuild struct {
	archivePath string
	ready       chan struct{}
	err         error
}

func NewBuilderManager(maxConcurrent int) *BuilderManager {
	return &BuilderManager{active: make(map[uint64]*sharedBuild), maxConcurrent: maxConcurrent}
}

// Acquire returns an archive path for targetLsn, building one if no
// compatible backup is already running, or joining the in-flight build
// otherwise. If the concurrent builder ceiling is already saturated and no
// compatible build is running, it returns kverrors.ErrMaxFileStreamWaiters
// so the caller falls back to a logical full copy.
func (m *BuilderManager) Acquire(ctx context.Context, store *localstore.Store, targetLsn uint64, workDir string) (string, error) {
	m.mu.Lock()
	if b, ok := m.active[targetLsn]; ok {
		m.mu.Unlock()
		<-b.ready
		return b.archivePath, b.err
	}
	if m.inFlight >= m.maxConcurrent {
		m.mu.Unlock()
		return "", kverrors.ErrMaxFileStreamWaiters
	}
	b := &sharedBuild{ready: make(chan struct{})}
	m.active[targetLsn] = b
	m.inFlight++
	m.mu.Unlock()

	path, err := buildArchive(store, targetLsn, workDir)
	b.archivePath, b.err = path, err
	close(b.ready)

	m.mu.Lock()
	delete(m.active, targetLsn)
	m.inFlight--
	m.mu.Unlock()
	return path, err
}

// buildArchive checkpoints the store to a temp directory and tars it into
// one archive file, ready for chunked, compressed transfer.
func buildArchive(store *localstore.Store, targetLsn uint64, workDir string) (string, error) {
	ckptDir := filepath.Join(workDir, fmt.Sprintf("ckpt-%d", targetLsn))
	if err := os.RemoveAll(ckptDir); err != nil {
		return "", err
	}
	if err := store.Checkpoint(ckptDir); err != nil {
		return "", fmt.Errorf("checkpoint store for file-stream copy: %w", err)
	}
	defer os.RemoveAll(ckptDir)

	archivePath := filepath.Join(workDir, fmt.Sprintf("fullcopy-%d.tar", targetLsn))
	f, err := os.Create(archivePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	err = filepath.Walk(ckptDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, rerr := filepath.Rel(ckptDir, path)
		if rerr != nil {
			return rerr
		}
		hdr, herr := tar.FileInfoHeader(info, "")
		if herr != nil {
			return herr
		}
		hdr.Name = rel
		if werr := tw.WriteHeader(hdr); werr != nil {
			return werr
		}
		src, operr := os.Open(path)
		if operr != nil {
			return operr
		}
		defer src.Close()
		_, cerr := io.Copy(tw, src)
		return cerr
	})
	if err != nil {
		return "", fmt.Errorf("archive checkpoint for file-stream copy: %w", err)
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	return archivePath, nil
}

// ChunkFile streams archivePath as zstd-compressed FileStreamCopyOperationData
// chunks of chunkSize (pre-compression) bytes, invoking emit for each.
func ChunkFile(archivePath string, chunkSize int64, copyType wire.CopyType, targetLsn uint64, emit func(wire.CopyOperation) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()

	raw := make([]byte, chunkSize)
	first := true
	for {
		n, rerr := io.ReadFull(f, raw)
		if n > 0 {
			compressed := enc.EncodeAll(raw[:n], nil)
			isLast := rerr == io.EOF || rerr == io.ErrUnexpectedEOF
			op := wire.CopyOperation{
				CopyType: copyType,
				FileStreamData: &wire.FileStreamCopyOperationData{
					IsFirstChunk: first,
					IsLastChunk:  isLast,
					Bytes:        compressed,
					Lsn:          int64(targetLsn),
				},
			}
			if err := emit(op); err != nil {
				return err
			}
			first = false
			if isLast {
				return nil
			}
		}
		if rerr == io.EOF {
			// Empty archive, or one that ended exactly on a chunk boundary:
			// still emit one empty last chunk so the secondary sees a
			// well-formed stream.
			return emit(wire.CopyOperation{CopyType: copyType, FileStreamData: &wire.FileStreamCopyOperationData{
				IsFirstChunk: first, IsLastChunk: true, Lsn: int64(targetLsn),
			}})
		}
		if rerr == io.ErrUnexpectedEOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// ChunkAssembler reconstructs an archive on the secondary from a sequence
// of FileStreamCopyOperationData chunks, then rebuilds the local store from
// it once the last chunk arrives.
type ChunkAssembler struct {
	decoder   *zstd.Decoder
	f         *os.File
	path      string
	stagingDir string
}

func NewChunkAssembler(workDir string) (*ChunkAssembler, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(workDir, "incoming-fullcopy.tar")
	f, err := os.Create(path)
	if err != nil {
		dec.Close()
		return nil, err
	}
	return &ChunkAssembler{decoder: dec, f: f, path: path, stagingDir: filepath.Join(workDir, "staging")}, nil
}

// Append writes one decompressed chunk. When data.IsLastChunk, it extracts
// the assembled archive into the staging directory and rebuilds store from
// it.
func (a *ChunkAssembler) Append(data wire.FileStreamCopyOperationData, store *localstore.Store) error {
	if len(data.Bytes) > 0 {
		raw, err := a.decoder.DecodeAll(data.Bytes, nil)
		if err != nil {
			return fmt.Errorf("decompress file-stream chunk: %w", err)
		}
		if _, err := a.f.Write(raw); err != nil {
			return err
		}
	}
	if !data.IsLastChunk {
		return nil
	}
	if err := a.f.Close(); err != nil {
		return err
	}
	a.decoder.Close()
	if err := os.RemoveAll(a.stagingDir); err != nil {
		return err
	}
	if err := extractTar(a.path, a.stagingDir); err != nil {
		return fmt.Errorf("extract file-stream archive: %w", err)
	}
	if err := store.RebuildFrom(a.stagingDir); err != nil {
		return fmt.Errorf("rebuild store from file-stream archive: %w", err)
	}
	return os.Remove(a.path)
}

func extractTar(archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, hdr.Name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		out.Close()
	}
}
