package vectorindex

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	fileMagic   uint32 = 0x4C424958 // "LBIX"
	fileVersion uint32 = 1

	metaSuffix  = ".meta.json"
	indexSuffix = ".index"
	lockSuffix  = ".lock"
)

type fileHeader struct {
	Magic     uint32
	Version   uint32
	Dimension uint32
	Count     uint32
}

// metaFile is the JSON sidecar. Its rename is the commit point of a persist.
type metaFile struct {
	NextID     int64           `json:"next_id"`
	Generation uint64          `json:"generation"`
	Dimension  int             `json:"dimension"`
	Items      map[string]Item `json:"items"`
}

// fileStem maps a username to a file name prefix that contains no dots or separators.
func fileStem(username string) (string, error) {
	if username == "" || username == "." || username == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	return strings.ReplaceAll(url.PathEscape(username), ".", "%2E"), nil
}

func metaPath(dir, stem string) string {
	return filepath.Join(dir, stem+metaSuffix)
}

func indexPath(dir, stem string, generation uint64) string {
	return filepath.Join(dir, stem+"."+strconv.FormatUint(generation, 10)+indexSuffix)
}

func lockPath(dir, stem string) string {
	return filepath.Join(dir, stem+lockSuffix)
}

// generationOf parses the generation out of a vector file name of stem.
func generationOf(stem, path string) (uint64, bool) {
	middle := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), stem+"."), indexSuffix)
	gen, err := strconv.ParseUint(middle, 10, 64)
	return gen, err == nil
}

// Save writes the store as a new generation. The vector file is written and synced first,
// then the metadata file is atomically replaced. Older generation files are removed after
// the metadata names the new one.
func Save(dir string, s *Store) error {
	stem, err := fileStem(s.username)
	if err != nil {
		return err
	}

	s.mu.RLock()
	gen := s.generation + 1
	meta := metaFile{
		NextID:     s.nextID,
		Generation: gen,
		Dimension:  s.dimension,
		Items:      make(map[string]Item, len(s.items)),
	}
	for id, item := range s.items {
		meta.Items[strconv.FormatInt(id, 10)] = item
	}
	ids := slices.Clone(s.ids)
	vectors := slices.Clone(s.vectors)
	s.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create index dir: %w", err)
	}

	err = writeFileAtomic(indexPath(dir, stem, gen), func(w io.Writer) error {
		return encodeVectors(w, s.dimension, ids, vectors)
	})
	if err != nil {
		return fmt.Errorf("failed to write vector file: %w", err)
	}

	err = writeFileAtomic(metaPath(dir, stem), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		return enc.Encode(&meta)
	})
	if err != nil {
		return fmt.Errorf("failed to write index metadata: %w", err)
	}

	info, err := os.Stat(metaPath(dir, stem))
	if err != nil {
		info = nil
	}
	s.mu.Lock()
	s.generation = gen
	s.meta = info
	s.mu.Unlock()

	removeStaleGenerations(dir, stem, gen)
	return nil
}

// Open reads the persisted store of username. A user with no metadata file gets an empty store.
func Open(dir, username string, dimension int) (*Store, error) {
	stem, err := fileStem(username)
	if err != nil {
		return nil, err
	}

	// Stat before reading: a commit racing with the read leaves an older stamp, which
	// only causes one extra reload.
	info, err := os.Stat(metaPath(dir, stem))
	if errors.Is(err, fs.ErrNotExist) {
		return NewStore(username, dimension), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat index metadata: %w", err)
	}
	raw, err := os.ReadFile(metaPath(dir, stem))
	if errors.Is(err, fs.ErrNotExist) {
		return NewStore(username, dimension), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index metadata: %w", err)
	}

	var meta metaFile
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata for %q: %v", ErrCorruptIndex, username, err)
	}
	if meta.Dimension != dimension {
		return nil, &ErrDimensionMismatch{Expected: dimension, Actual: meta.Dimension}
	}

	f, err := os.Open(indexPath(dir, stem, meta.Generation))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: vector file for generation %d of %q is missing", ErrCorruptIndex, meta.Generation, username)
		}
		return nil, fmt.Errorf("failed to open vector file: %w", err)
	}
	defer f.Close()

	ids, vectors, err := decodeVectors(bufio.NewReader(f), dimension)
	if err != nil {
		return nil, fmt.Errorf("%w: vector file of %q: %v", ErrCorruptIndex, username, err)
	}

	s := NewStore(username, dimension)
	s.nextID = meta.NextID
	s.generation = meta.Generation
	s.meta = info

	if len(ids) != len(meta.Items) {
		return nil, fmt.Errorf("%w: %q has %d vectors but %d metadata items", ErrCorruptIndex, username, len(ids), len(meta.Items))
	}
	var prev int64
	for i, id := range ids {
		if id <= prev || id >= meta.NextID {
			return nil, fmt.Errorf("%w: %q has out of order id %d", ErrCorruptIndex, username, id)
		}
		prev = id
		item, ok := meta.Items[strconv.FormatInt(id, 10)]
		if !ok {
			return nil, fmt.Errorf("%w: %q has no metadata for id %d", ErrCorruptIndex, username, id)
		}
		s.appendLocked(id, vectors[i*dimension:(i+1)*dimension], item)
	}
	return s, nil
}

func encodeVectors(w io.Writer, dimension int, ids []int64, vectors []float32) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	header := fileHeader{
		Magic:     fileMagic,
		Version:   fileVersion,
		Dimension: uint32(dimension),
		Count:     uint32(len(ids)),
	}
	if err := binary.Write(zw, binary.LittleEndian, &header); err != nil {
		zw.Close()
		return err
	}
	for i, id := range ids {
		if err := binary.Write(zw, binary.LittleEndian, id); err != nil {
			zw.Close()
			return err
		}
		if err := binary.Write(zw, binary.LittleEndian, vectors[i*dimension:(i+1)*dimension]); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

func decodeVectors(r io.Reader, dimension int) ([]int64, []float32, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	defer zr.Close()

	var header fileHeader
	if err := binary.Read(zr, binary.LittleEndian, &header); err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	if header.Magic != fileMagic {
		return nil, nil, fmt.Errorf("bad magic 0x%08x", header.Magic)
	}
	if header.Version != fileVersion {
		return nil, nil, fmt.Errorf("unsupported version %d", header.Version)
	}
	if int(header.Dimension) != dimension {
		return nil, nil, fmt.Errorf("header dimension %d, metadata dimension %d", header.Dimension, dimension)
	}

	ids := make([]int64, header.Count)
	vectors := make([]float32, int(header.Count)*dimension)
	for i := range ids {
		if err := binary.Read(zr, binary.LittleEndian, &ids[i]); err != nil {
			return nil, nil, fmt.Errorf("read id %d: %w", i, err)
		}
		if err := binary.Read(zr, binary.LittleEndian, vectors[i*dimension:(i+1)*dimension]); err != nil {
			return nil, nil, fmt.Errorf("read vector %d: %w", i, err)
		}
	}
	return ids, vectors, nil
}

// writeFileAtomic writes to a temp file in the target directory, syncs it and renames it over
// filename, then syncs the directory.
func writeFileAtomic(filename string, write func(io.Writer) error) error {
	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, filepath.Base(filename)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	_ = tmp.Chmod(0o644)

	buf := bufio.NewWriterSize(tmp, 256*1024)
	if err := write(buf); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filename); err != nil {
		return err
	}
	tmpName = ""

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// removeStaleGenerations deletes vector files of stem other than keep. Failures are ignored;
// the next successful save retries.
func removeStaleGenerations(dir, stem string, keep uint64) {
	matches, err := filepath.Glob(filepath.Join(dir, stem+".*"+indexSuffix))
	if err != nil {
		return
	}
	for _, path := range matches {
		gen, ok := generationOf(stem, path)
		if !ok || gen == keep {
			continue
		}
		_ = os.Remove(path)
	}
}

// readCounters recovers next_id and generation from a metadata file whose vector file is unusable.
func readCounters(dir, username string) (int64, uint64, bool) {
	stem, err := fileStem(username)
	if err != nil {
		return 0, 0, false
	}
	raw, err := os.ReadFile(metaPath(dir, stem))
	if err != nil {
		return 0, 0, false
	}
	var meta struct {
		NextID     int64  `json:"next_id"`
		Generation uint64 `json:"generation"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil || meta.NextID < 1 {
		return 0, 0, false
	}
	return meta.NextID, meta.Generation, true
}

// recoverCounters finds a next_id and generation for a user whose index cannot be opened.
// The counters of a readable metadata file are raised to cover every id still present in a
// vector file. Without readable metadata the vector files alone decide; when none of them
// can be read either, the counter is lost and an error is returned.
func recoverCounters(dir, username string) (int64, uint64, error) {
	stem, err := fileStem(username)
	if err != nil {
		return 0, 0, err
	}
	nextID, gen, metaOK := readCounters(dir, username)

	matches, err := filepath.Glob(filepath.Join(dir, stem+".*"+indexSuffix))
	if err != nil {
		return 0, 0, err
	}
	found := false
	for _, path := range matches {
		g, ok := generationOf(stem, path)
		if !ok {
			continue
		}
		ids, err := readVectorIDs(path)
		if err != nil && len(ids) == 0 {
			continue
		}
		found = true
		gen = max(gen, g)
		for _, id := range ids {
			if id >= nextID {
				nextID = id + 1
			}
		}
	}

	if !metaOK && !found {
		return 0, 0, fmt.Errorf("%w: id counter of %q cannot be recovered", ErrCorruptIndex, username)
	}
	return max(nextID, 1), gen, nil
}

// readVectorIDs returns the ids of a vector file whatever its dimension. A truncated file
// yields the ids read before the error.
func readVectorIDs(path string) ([]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var header fileHeader
	if err := binary.Read(zr, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if header.Magic != fileMagic {
		return nil, fmt.Errorf("bad magic 0x%08x", header.Magic)
	}

	skip := int64(header.Dimension) * 4
	var ids []int64
	for i := uint32(0); i < header.Count; i++ {
		var id int64
		if err := binary.Read(zr, binary.LittleEndian, &id); err != nil {
			return ids, fmt.Errorf("read id %d: %w", i, err)
		}
		ids = append(ids, id)
		if _, err := io.CopyN(io.Discard, zr, skip); err != nil {
			return ids, fmt.Errorf("skip vector %d: %w", i, err)
		}
	}
	return ids, nil
}

// stale reports whether the metadata file of s was replaced since s was opened or saved.
func stale(dir string, s *Store) bool {
	stem, err := fileStem(s.username)
	if err != nil {
		return true
	}
	s.mu.RLock()
	known := s.meta
	s.mu.RUnlock()

	info, err := os.Stat(metaPath(dir, stem))
	if err != nil || known == nil {
		return true
	}
	return !os.SameFile(known, info) || !known.ModTime().Equal(info.ModTime()) || known.Size() != info.Size()
}
