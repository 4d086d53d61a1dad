// Package archive keeps a compressed copy of every transmission and
// response that passes through the server, in any gocloud.dev bucket.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
	"gocloud.dev/gcerrors"

	"github.com/marcus/medsync/internal/syncerr"
)

// Kind separates outgoing transmissions from responses in the key space.
type Kind string

const (
	KindTransmission Kind = "transmission"
	KindResponse     Kind = "response"
)

const ext = ".xml.zst"

// Entry describes one archived payload.
type Entry struct {
	Key     string    `json:"key"`
	PeerID  string    `json:"peer_id"`
	Kind    Kind      `json:"kind"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Archive writes zstd-compressed payloads under prefix/<peer>/<kind>/.
// A nil *Archive accepts writes and discards them.
type Archive struct {
	bucket *blob.Bucket
	prefix string
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

// Open opens the bucket at url. An empty url disables archiving and
// returns a nil Archive.
func Open(ctx context.Context, url, prefix string) (*Archive, error) {
	if url == "" {
		return nil, nil
	}
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open archive bucket %s: %w", url, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		bucket.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		bucket.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Archive{bucket: bucket, prefix: strings.Trim(prefix, "/"), enc: enc, dec: dec}, nil
}

// Put stores payload and returns its key.
func (a *Archive) Put(ctx context.Context, kind Kind, peerID, name string, payload []byte) (string, error) {
	if a == nil {
		return "", nil
	}
	key := a.key(peerID, kind, strings.TrimSuffix(name, ".xml")+ext)

	w, err := a.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: "application/zstd"})
	if err != nil {
		return "", fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(a.enc.EncodeAll(payload, nil)); err != nil {
		w.Close()
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", key, err)
	}
	return key, nil
}

// Get returns the decompressed payload stored under key.
func (a *Archive) Get(ctx context.Context, key string) ([]byte, error) {
	if a == nil {
		return nil, syncerr.New(syncerr.NotFound, "archiving is disabled")
	}
	data, err := a.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, syncerr.New(syncerr.NotFound, "archived payload %s not found", key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	raw, err := a.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %s: %w", key, err)
	}
	return raw, nil
}

// List returns the archived payloads exchanged with peerID, or with every
// peer when peerID is empty, in key order.
func (a *Archive) List(ctx context.Context, peerID string) ([]Entry, error) {
	if a == nil {
		return nil, nil
	}
	prefix := a.prefix
	if peerID != "" {
		prefix = path.Join(prefix, peerID)
	}
	if prefix != "" {
		prefix += "/"
	}

	var entries []Entry
	it := a.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list archive: %w", err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, ext) {
			continue
		}
		e := Entry{Key: obj.Key, Size: obj.Size, ModTime: obj.ModTime}
		parts := strings.Split(strings.TrimPrefix(obj.Key, a.prefix+"/"), "/")
		if a.prefix == "" {
			parts = strings.Split(obj.Key, "/")
		}
		if len(parts) == 3 {
			e.PeerID, e.Kind, e.Name = parts[0], Kind(parts[1]), strings.TrimSuffix(parts[2], ".zst")
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close releases the bucket and codecs.
func (a *Archive) Close() error {
	if a == nil {
		return nil
	}
	a.dec.Close()
	a.enc.Close()
	return a.bucket.Close()
}

func (a *Archive) key(peerID string, kind Kind, name string) string {
	return path.Join(a.prefix, peerID, string(kind), name)
}
