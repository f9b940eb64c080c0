package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"peerscope/types"
)

// segments roll over at this many bytes of compressed payload
const segmentLimit = 256 << 20

// BlobRef locates one body inside the blob sidecar.
type BlobRef struct {
	Segment uint32
	Offset  int64
	Len     int64
}

// blobStore appends zstd-compressed message bodies to numbered segment
// files. Only the writer goroutine calls put; get runs from any reader.
type blobStore struct {
	dir string

	mu      sync.Mutex
	segment uint32
	file    *os.File
	offset  int64

	enc *zstd.Encoder
	dec *zstd.Decoder
}

func openBlobStore(dir string) (*blobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: blobs: %v", types.ErrStoreIO, err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	b := &blobStore{dir: dir, enc: enc, dec: dec}
	if err := b.resume(); err != nil {
		return nil, err
	}
	return b, nil
}

// resume continues the highest existing segment.
func (b *blobStore) resume() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("%w: blobs: %v", types.ErrStoreIO, err)
	}
	var nums []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "segment-") || !strings.HasSuffix(name, ".blob") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "segment-"), ".blob"))
		if err == nil {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	if len(nums) > 0 {
		b.segment = uint32(nums[len(nums)-1])
	}
	return b.openSegment()
}

func (b *blobStore) segmentPath(n uint32) string {
	return filepath.Join(b.dir, fmt.Sprintf("segment-%06d.blob", n))
}

func (b *blobStore) openSegment() error {
	f, err := os.OpenFile(b.segmentPath(b.segment), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: blobs: %v", types.ErrStoreIO, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: blobs: %v", types.ErrStoreIO, err)
	}
	if b.file != nil {
		b.file.Close()
	}
	b.file = f
	b.offset = info.Size()
	return nil
}

func (b *blobStore) put(body []byte) (BlobRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	compressed := b.enc.EncodeAll(body, nil)
	if b.offset > segmentLimit {
		b.segment++
		if err := b.openSegment(); err != nil {
			return BlobRef{}, err
		}
	}
	ref := BlobRef{Segment: b.segment, Offset: b.offset, Len: int64(len(compressed))}
	if _, err := b.file.Write(compressed); err != nil {
		return BlobRef{}, fmt.Errorf("%w: blob write: %v", types.ErrStoreIO, err)
	}
	b.offset += int64(len(compressed))
	return ref, nil
}

func (b *blobStore) get(ref BlobRef) ([]byte, error) {
	f, err := os.Open(b.segmentPath(ref.Segment))
	if err != nil {
		return nil, fmt.Errorf("%w: blob read: %v", types.ErrStoreIO, err)
	}
	defer f.Close()
	buf := make([]byte, ref.Len)
	if _, err := f.ReadAt(buf, ref.Offset); err != nil {
		return nil, fmt.Errorf("%w: blob read: %v", types.ErrStoreIO, err)
	}
	body, err := b.dec.DecodeAll(buf, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: blob decode: %v", types.ErrStoreIO, err)
	}
	return body, nil
}

func (b *blobStore) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file != nil {
		b.file.Close()
		b.file = nil
	}
	b.enc.Close()
	b.dec.Close()
}

// streamDumps mirrors raw decrypted stream bytes into one file per stream
// for post-mortem analysis with external tools.
type streamDumps struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

func newStreamDumps(dir string) *streamDumps {
	return &streamDumps{dir: dir, files: make(map[string]*os.File)}
}

func (d *streamDumps) append(cn types.ConnectionID, stream types.StreamID, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := fmt.Sprintf("%s_%s", cn, stream)
	f, ok := d.files[key]
	if !ok {
		if err := os.MkdirAll(filepath.Join(d.dir, cn.String()), 0o755); err != nil {
			return
		}
		var err error
		f, err = os.OpenFile(
			filepath.Join(d.dir, cn.String(), stream.String()),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		d.files[key] = f
	}
	f.Write(data)
}

func (d *streamDumps) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.files {
		f.Close()
	}
	d.files = nil
}
