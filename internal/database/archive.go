package database

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/x448/float16"
	"go.etcd.io/bbolt"

	"github.com/kozaktomas/turtle-id/internal/features"
)

var (
	bucketDescriptors = []byte("descriptors")
	bucketPaths       = []byte("paths")
	bucketMeta        = []byte("meta")
	keySignature      = []byte("signature")
)

const archiveRecordVersion = 1

// Archive caches descriptor sets keyed by image content hash. Descriptors are
// stored as half-precision floats. All entries share one extractor signature;
// opening the archive with a different signature discards them.
type Archive struct {
	db        *bbolt.DB
	signature string
}

// OpenArchive opens or creates the archive at path.
func OpenArchive(path, signature string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open descriptor archive: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketDescriptors, bucketPaths, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		stored := string(meta.Get(keySignature))
		if stored != "" && stored != signature {
			logger.Warn("extractor parameters changed, discarding archived descriptors",
				"archived", stored, "current", signature)
			for _, b := range [][]byte{bucketDescriptors, bucketPaths} {
				if err := tx.DeleteBucket(b); err != nil {
					return err
				}
				if _, err := tx.CreateBucket(b); err != nil {
					return err
				}
			}
		}
		return meta.Put(keySignature, []byte(signature))
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Archive{db: db, signature: signature}, nil
}

// Close releases the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Signature returns the extractor signature of the archived descriptors.
func (a *Archive) Signature() string {
	return a.signature
}

// Put stores the descriptor set of the image identified by key.
func (a *Archive) Put(key, path string, set *features.DescriptorSet) error {
	data, err := encodeDescriptorSet(set)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketDescriptors).Put([]byte(key), data); err != nil {
			return err
		}
		return tx.Bucket(bucketPaths).Put([]byte(key), []byte(path))
	})
}

// Get loads the descriptor set stored under key.
func (a *Archive) Get(key string) (*features.DescriptorSet, error) {
	var set *features.DescriptorSet
	err := a.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDescriptors).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotArchived, key)
		}
		var err error
		set, err = decodeDescriptorSet(data)
		return err
	})
	return set, err
}

// Has reports whether descriptors are stored under key.
func (a *Archive) Has(key string) (bool, error) {
	found := false
	err := a.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketDescriptors).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// Path returns the image path recorded when key was stored.
func (a *Archive) Path(key string) (string, error) {
	var path string
	err := a.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketPaths).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotArchived, key)
		}
		path = string(v)
		return nil
	})
	return path, err
}

// Keys lists every archived image key.
func (a *Archive) Keys() ([]string, error) {
	var keys []string
	err := a.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDescriptors).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Len returns the number of archived images.
func (a *Archive) Len() (int, error) {
	n := 0
	err := a.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketDescriptors).Stats().KeyN
		return nil
	})
	return n, err
}

// ImageKey returns the archive key for image content.
func ImageKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileKey hashes the file at path.
func FileKey(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the ingestion workflow
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Record layout (little endian):
//
//	u8 version | u32 width | u32 height | u32 count | u32 dim
//	count x (f32 x, y, size, angle, response | i32 octave)
//	count x dim x f16 descriptor values
const keypointSize = 6 * 4

func encodeDescriptorSet(set *features.DescriptorSet) ([]byte, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	n, dim := set.Len(), set.Dim()
	buf := make([]byte, 0, 17+n*keypointSize+n*dim*2)
	buf = append(buf, archiveRecordVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(set.Width))  //nolint:gosec // image sizes fit
	buf = binary.LittleEndian.AppendUint32(buf, uint32(set.Height)) //nolint:gosec // image sizes fit
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n))          //nolint:gosec // bounded by memory
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dim))        //nolint:gosec // bounded by memory
	for _, kp := range set.Keypoints {
		for _, v := range [5]float32{kp.X, kp.Y, kp.Size, kp.Angle, kp.Response} {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(kp.Octave))) //nolint:gosec // octave is small
	}
	for _, d := range set.Descriptors {
		for _, v := range d {
			buf = binary.LittleEndian.AppendUint16(buf, float16.Fromfloat32(v).Bits())
		}
	}
	return buf, nil
}

func decodeDescriptorSet(data []byte) (*features.DescriptorSet, error) {
	if len(data) < 17 || data[0] != archiveRecordVersion {
		return nil, errors.New("corrupt archive record header")
	}
	width := int(binary.LittleEndian.Uint32(data[1:]))
	height := int(binary.LittleEndian.Uint32(data[5:]))
	n := int(binary.LittleEndian.Uint32(data[9:]))
	dim := int(binary.LittleEndian.Uint32(data[13:]))
	if len(data) != 17+n*keypointSize+n*dim*2 {
		return nil, fmt.Errorf("corrupt archive record: %d bytes for %d x %d", len(data), n, dim)
	}

	set := &features.DescriptorSet{
		Keypoints:   make([]features.Keypoint, n),
		Descriptors: make([][]float32, n),
		Width:       width,
		Height:      height,
	}
	off := 17
	f32 := func() float32 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		return v
	}
	for i := range n {
		kp := &set.Keypoints[i]
		kp.X, kp.Y, kp.Size, kp.Angle, kp.Response = f32(), f32(), f32(), f32(), f32()
		kp.Octave = int(int32(binary.LittleEndian.Uint32(data[off:]))) //nolint:gosec // round trip of int32
		off += 4
	}
	values := make([]float32, n*dim)
	for i := range values {
		values[i] = float16.Frombits(binary.LittleEndian.Uint16(data[off:])).Float32()
		off += 2
	}
	for i := range n {
		set.Descriptors[i] = values[i*dim : (i+1)*dim : (i+1)*dim]
	}
	return set, nil
}
