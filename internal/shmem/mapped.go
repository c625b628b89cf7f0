//go:build !windows

package shmem

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// MappedProvider backs kernel memory with a memory-mapped file, so that
// runner goroutines pinned to distinct OS threads (runtime.LockOSThread)
// observe the same physical pages the way Web Workers observe the same
// SharedArrayBuffer. Growing always unmaps, truncates the backing file,
// and remaps; there is no in-place remap.
type MappedProvider struct {
	mu   sync.RWMutex
	path string
	file *os.File
	data []byte
}

// MappedOptions configures creation/opening of a mapped region.
type MappedOptions struct {
	Path   string
	Size   uint32
	Create bool
}

// DefaultMappedPath returns a reasonable default backing-file location.
func DefaultMappedPath() string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return "/dev/shm/wasmkernel-hostmem"
	}
	return filepath.Join(os.TempDir(), "wasmkernel-hostmem")
}

// OpenMapped opens or creates a memory-mapped shared region.
func OpenMapped(opts MappedOptions) (*MappedProvider, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("shmem: mapped path required")
	}

	path := filepath.Clean(opts.Path)
	flags := os.O_RDWR
	if opts.Create {
		flags |= os.O_CREATE
	}

	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmem: open backing file: %w", err)
	}

	if opts.Create {
		if opts.Size == 0 {
			_ = file.Close()
			return nil, fmt.Errorf("shmem: size required when creating")
		}
		if err := file.Truncate(int64(opts.Size)); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("shmem: truncate backing file: %w", err)
		}
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("shmem: stat backing file: %w", err)
	}
	if info.Size() == 0 {
		_ = file.Close()
		return nil, fmt.Errorf("shmem: backing file has zero size")
	}

	data, err := syscall.Mmap(int(file.Fd()), 0, int(info.Size()), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("shmem: mmap backing file: %w", err)
	}

	return &MappedProvider{path: path, file: file, data: data}, nil
}

func (p *MappedProvider) Size() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return uint32(len(p.data))
}

func (p *MappedProvider) ReadAt(offset uint32, dest []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if offset+uint32(len(dest)) > uint32(len(p.data)) {
		return ErrOutOfBounds
	}
	copy(dest, p.data[offset:offset+uint32(len(dest))])
	return nil
}

func (p *MappedProvider) WriteAt(offset uint32, src []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if offset+uint32(len(src)) > uint32(len(p.data)) {
		return ErrOutOfBounds
	}
	copy(p.data[offset:offset+uint32(len(src))], src)
	return nil
}

func (p *MappedProvider) AtomicLoad32(offset uint32) (uint32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ptr, err := p.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(ptr)), nil
}

func (p *MappedProvider) AtomicStore32(offset uint32, val uint32) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ptr, err := p.ptrAt(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(ptr), val)
	return nil
}

func (p *MappedProvider) AtomicAdd32(offset uint32, delta uint32) (uint32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ptr, err := p.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32((*uint32)(ptr), delta), nil
}

// Grow unmaps, truncates the backing file to newSize, and remaps. Callers
// must re-fetch any cached slice view after Grow returns, per spec.md §3.
func (p *MappedProvider) Grow(newSize uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if newSize < uint32(len(p.data)) {
		return ErrCannotShrink
	}
	if newSize == uint32(len(p.data)) {
		return nil
	}

	if err := syscall.Munmap(p.data); err != nil {
		return fmt.Errorf("shmem: unmap for grow: %w", err)
	}
	if err := p.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("shmem: truncate for grow: %w", err)
	}
	data, err := syscall.Mmap(int(p.file.Fd()), 0, int(newSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("shmem: remap for grow: %w", err)
	}
	p.data = data
	return nil
}

func (p *MappedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.data != nil {
		if unmapErr := syscall.Munmap(p.data); unmapErr != nil {
			err = unmapErr
		}
		p.data = nil
	}
	if p.file != nil {
		if closeErr := p.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		p.file = nil
	}
	return err
}

func (p *MappedProvider) ptrAt(offset uint32) (unsafe.Pointer, error) {
	if offset+4 > uint32(len(p.data)) {
		return nil, ErrOutOfBounds
	}
	if offset%4 != 0 {
		return nil, ErrMisaligned
	}
	return unsafe.Pointer(&p.data[offset]), nil
}
