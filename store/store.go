// Package store keeps content-addressed chunks and library manifests on a
// backend.
package store

import (
	"github.com/sloonz/ushelf/container"
	"github.com/sloonz/ushelf/lib"

	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sort"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var storeLog = logrus.WithFields(logrus.Fields{"component": "store"})

type Options struct {
	// Encrypt objects for these recipients. Objects are stored in plaintext if empty.
	Recipients []age.Recipient

	// Decrypt objects with these identities. Required to read encrypted objects.
	Identities []age.Identity

	CompressionLevel int
	Retry            ushelf.RetryPolicy
}

type Store struct {
	backend ushelf.Backend
	opts    Options
}

func New(backend ushelf.Backend, opts Options) *Store {
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = container.DefaultCompressionLevel
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = ushelf.DefaultRetryPolicy
	}
	return &Store{backend: backend, opts: opts}
}

func (s *Store) Backend() ushelf.Backend {
	return s.backend
}

func (s *Store) HasChunk(ctx context.Context, fp ushelf.Fingerprint) (bool, error) {
	if fp == ushelf.EmptyFingerprint {
		return true, nil
	}

	var exists bool
	err := s.opts.Retry.Do(ctx, "exists "+fp.Short(), func(ctx context.Context) error {
		var err error
		exists, err = s.backend.Exists(ctx, ushelf.KindChunks, fp.String())
		return err
	})
	return exists, err
}

// Store a chunk from memory
func (s *Store) PutChunk(ctx context.Context, data []byte) (ushelf.Fingerprint, error) {
	fp := ushelf.FingerprintOf(data)
	if len(data) == 0 {
		return ushelf.EmptyFingerprint, nil
	}
	_, err := s.PutChunkFrom(ctx, fp, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	return fp, err
}

// Store a chunk whose content is expected to hash to fp. open is called once
// per attempt. If the streamed content does not hash to fp, the upload is
// aborted with ErrChangedDuringBackup and nothing is stored under fp.
// Returns whether the chunk was actually uploaded (false if already present).
func (s *Store) PutChunkFrom(ctx context.Context, fp ushelf.Fingerprint, open func() (io.ReadCloser, error)) (bool, error) {
	if fp == ushelf.EmptyFingerprint {
		return false, nil
	}

	exists, err := s.HasChunk(ctx, fp)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	err = s.opts.Retry.Do(ctx, "upload "+fp.Short(), func(ctx context.Context) error {
		return s.uploadChunk(ctx, fp, open)
	})
	if err != nil {
		return false, err
	}

	storeLog.WithFields(logrus.Fields{"chunk": fp.Short()}).Debug("chunk uploaded")
	return true, nil
}

func (s *Store) uploadChunk(ctx context.Context, fp ushelf.Fingerprint, open func() (io.ReadCloser, error)) error {
	src, err := open()
	if err != nil {
		return err
	}
	defer src.Close()

	h := sha256.New()
	rc := container.Pipe(io.TeeReader(src, h), s.opts.Recipients, container.TypeChunk, s.opts.CompressionLevel, func() error {
		if actual := sum(h); actual != fp {
			return fmt.Errorf("expected %s, read %s: %w", fp.Short(), actual.Short(), ushelf.ErrChangedDuringBackup)
		}
		return nil
	})
	defer rc.Close()

	return s.backend.Upload(ctx, ushelf.KindChunks, fp.String(), rc)
}

// Open a chunk for reading. The returned reader fails with a
// *CorruptionError at the end of the stream if the content does not match
// its fingerprint, so that callers must not trust data before reaching EOF.
//
// The download is attempted once: a failure may also happen while reading,
// so callers retry the whole read.
func (s *Store) OpenChunk(ctx context.Context, fp ushelf.Fingerprint) (io.ReadCloser, error) {
	if fp == ushelf.EmptyFingerprint {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	raw, err := s.backend.Download(ctx, ushelf.KindChunks, fp.String())
	if err != nil {
		return nil, err
	}

	cr, err := s.openContainer(raw, container.TypeChunk)
	if err != nil {
		raw.Close()
		return nil, s.classify(fp, err)
	}

	return &chunkReader{fp: fp, raw: raw, cr: cr, h: sha256.New()}, nil
}

// Download and verify a whole chunk
func (s *Store) GetChunk(ctx context.Context, fp ushelf.Fingerprint) ([]byte, error) {
	var data []byte
	err := s.opts.Retry.Do(ctx, "get "+fp.Short(), func(ctx context.Context) error {
		rc, err := s.OpenChunk(ctx, fp)
		if err != nil {
			return err
		}
		defer rc.Close()

		data, err = io.ReadAll(rc)
		return err
	})
	return data, err
}

// Set of chunks present on the backend
func (s *Store) ListChunks(ctx context.Context) (map[ushelf.Fingerprint]struct{}, error) {
	var names []string
	err := s.opts.Retry.Do(ctx, "list chunks", func(ctx context.Context) error {
		var err error
		names, err = s.backend.List(ctx, ushelf.KindChunks)
		return err
	})
	if err != nil {
		return nil, err
	}

	chunks := make(map[ushelf.Fingerprint]struct{}, len(names))
	for _, name := range names {
		fp, err := ushelf.ParseFingerprint(name)
		if err != nil {
			storeLog.WithFields(logrus.Fields{"name": name}).Debug("ignoring unknown object in chunks")
			continue
		}
		chunks[fp] = struct{}{}
	}
	return chunks, nil
}

// Build and upload a new manifest for library. Every non-empty fingerprint of
// entries must already be present on the backend, otherwise nothing is
// published and a *IntegrityError lists the missing chunks.
func (s *Store) PublishManifest(ctx context.Context, library string, entries []ushelf.FileEntry, parent *ushelf.ManifestID) (*ushelf.Manifest, error) {
	sorted := make([]ushelf.FileEntry, len(entries))
	copy(sorted, entries)
	ushelf.SortEntries(sorted)

	present, err := s.ListChunks(ctx)
	if err != nil {
		return nil, err
	}

	var missing []ushelf.Fingerprint
	for fp := range (&ushelf.LibraryTree{Entries: sorted}).Fingerprints() {
		if _, ok := present[fp]; !ok {
			missing = append(missing, fp)
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(a, b int) bool { return missing[a] < missing[b] })
		return nil, &ushelf.IntegrityError{Missing: missing}
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	m := &ushelf.Manifest{
		ID:      ushelf.NewManifestID(now),
		Library: library,
		Created: now,
		Parent:  parent,
		Entries: sorted,
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	err = s.opts.Retry.Do(ctx, "publish "+string(m.ID), func(ctx context.Context) error {
		rc := container.Pipe(bytes.NewReader(data), s.opts.Recipients, container.TypeManifest, s.opts.CompressionLevel, nil)
		defer rc.Close()
		return s.backend.Upload(ctx, ushelf.KindManifests, m.ID.Name(), rc)
	})
	if err != nil {
		return nil, err
	}

	storeLog.WithFields(logrus.Fields{"library": library, "manifest": m.ID, "entries": len(m.Entries)}).Info("manifest published")
	return m, nil
}

func (s *Store) LoadManifest(ctx context.Context, id ushelf.ManifestID) (*ushelf.Manifest, error) {
	m := &ushelf.Manifest{}
	err := s.opts.Retry.Do(ctx, "load "+string(id), func(ctx context.Context) error {
		raw, err := s.backend.Download(ctx, ushelf.KindManifests, id.Name())
		if err != nil {
			return err
		}
		defer raw.Close()

		cr, err := s.openContainer(raw, container.TypeManifest)
		if err != nil {
			return s.classify("", err)
		}
		defer cr.Close()

		data, err := io.ReadAll(cr)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, m)
	})
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", id, err)
	}

	if m.ID != id {
		return nil, ushelf.Fatal("load manifest", fmt.Errorf("object %s holds manifest %s", id, m.ID))
	}
	return m, nil
}

// Sorted from most recent to least recent
func (s *Store) ListManifests(ctx context.Context) ([]ushelf.ManifestID, error) {
	var ids []ushelf.ManifestID
	err := s.opts.Retry.Do(ctx, "list manifests", func(ctx context.Context) error {
		var err error
		ids, err = ushelf.SortedListManifests(ctx, s.backend)
		return err
	})
	return ids, err
}

// Most recent manifest published for library. Returns an error wrapping
// ErrNotFound if there is none.
func (s *Store) LatestManifest(ctx context.Context, library string) (*ushelf.Manifest, error) {
	ids, err := s.ListManifests(ctx)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		m, err := s.LoadManifest(ctx, id)
		if err != nil {
			return nil, err
		}
		if m.Library == library {
			return m, nil
		}
	}

	return nil, fmt.Errorf("no manifest for library %s: %w", library, ushelf.ErrNotFound)
}

type PruneReport struct {
	Manifests []ushelf.ManifestID
	Chunks    []ushelf.Fingerprint
}

// Delete manifests not retained by policies, then every chunk not referenced
// by a remaining manifest. If library is empty, policies are applied to each
// library separately. Policies are never applied across libraries, and the
// latest manifest of a library is always kept.
func (s *Store) Prune(ctx context.Context, library string, policies []ushelf.RetentionPolicy, dryRun bool) (*PruneReport, error) {
	ids, err := s.ListManifests(ctx)
	if err != nil {
		return nil, err
	}

	manifests := make(map[ushelf.ManifestID]*ushelf.Manifest, len(ids))
	byLibrary := make(map[string][]ushelf.ManifestID)
	for _, id := range ids {
		m, err := s.LoadManifest(ctx, id)
		if err != nil {
			return nil, err
		}
		manifests[id] = m
		byLibrary[m.Library] = append(byLibrary[m.Library], id)
	}

	report := &PruneReport{}
	pruned := make(map[ushelf.ManifestID]struct{})
	for lib, libIDs := range byLibrary {
		if library != "" && lib != library {
			continue
		}
		ids, err := ushelf.GetPrunedManifests(libIDs, map[string]ushelf.ManifestID{lib: libIDs[0]}, policies)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			pruned[id] = struct{}{}
			report.Manifests = append(report.Manifests, id)
		}
	}
	ushelf.SortManifestIDs(report.Manifests)

	referenced := make(map[ushelf.Fingerprint]struct{})
	for id, m := range manifests {
		if _, ok := pruned[id]; ok {
			continue
		}
		for fp := range m.Tree().Fingerprints() {
			referenced[fp] = struct{}{}
		}
	}

	chunks, err := s.ListChunks(ctx)
	if err != nil {
		return nil, err
	}
	for fp := range chunks {
		if _, ok := referenced[fp]; !ok {
			report.Chunks = append(report.Chunks, fp)
		}
	}
	sort.Slice(report.Chunks, func(a, b int) bool { return report.Chunks[a] < report.Chunks[b] })

	if dryRun {
		return report, nil
	}

	// Manifests first: an interruption leaves orphan chunks, never dangling references
	for _, id := range report.Manifests {
		storeLog.WithFields(logrus.Fields{"manifest": id}).Info("pruning manifest")
		if err := s.delete(ctx, ushelf.KindManifests, id.Name()); err != nil {
			return report, err
		}
	}
	for _, fp := range report.Chunks {
		storeLog.WithFields(logrus.Fields{"chunk": fp.Short()}).Debug("pruning chunk")
		if err := s.delete(ctx, ushelf.KindChunks, fp.String()); err != nil {
			return report, err
		}
	}

	return report, nil
}

func (s *Store) delete(ctx context.Context, kind ushelf.ObjectKind, name string) error {
	return s.opts.Retry.Do(ctx, "delete "+name, func(ctx context.Context) error {
		err := s.backend.Delete(ctx, kind, name)
		if errors.Is(err, ushelf.ErrNotFound) {
			return nil
		}
		return err
	})
}

type VerifyReport struct {
	Checked   int
	Missing   []ushelf.Fingerprint
	Corrupted []*ushelf.CorruptionError
}

func (r *VerifyReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Corrupted) == 0
}

// Download every chunk referenced by a manifest and check its content
func (s *Store) Verify(ctx context.Context, m *ushelf.Manifest, workers int) (*VerifyReport, error) {
	fps := make([]ushelf.Fingerprint, 0)
	for fp := range m.Tree().Fingerprints() {
		fps = append(fps, fp)
	}
	sort.Slice(fps, func(a, b int) bool { return fps[a] < fps[b] })

	report := &VerifyReport{}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, fp := range fps {
		g.Go(func() error {
			err := s.opts.Retry.Do(ctx, "verify "+fp.Short(), func(ctx context.Context) error {
				rc, err := s.OpenChunk(ctx, fp)
				if err != nil {
					return err
				}
				defer rc.Close()
				_, err = io.Copy(io.Discard, rc)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			report.Checked++

			var corruption *ushelf.CorruptionError
			switch {
			case err == nil:
				return nil
			case errors.Is(err, ushelf.ErrNotFound):
				report.Missing = append(report.Missing, fp)
				return nil
			case errors.As(err, &corruption):
				report.Corrupted = append(report.Corrupted, corruption)
				return nil
			case ctx.Err() != nil:
				return err
			default:
				var fatal *ushelf.FatalError
				if errors.As(err, &fatal) {
					return err
				}
				// Read failures that persisted through retries
				report.Corrupted = append(report.Corrupted, &ushelf.CorruptionError{Fingerprint: fp, Err: err})
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(report.Missing, func(a, b int) bool { return report.Missing[a] < report.Missing[b] })
	sort.Slice(report.Corrupted, func(a, b int) bool { return report.Corrupted[a].Fingerprint < report.Corrupted[b].Fingerprint })
	return report, nil
}

func (s *Store) openContainer(r io.Reader, typ string) (*container.Reader, error) {
	cr, err := container.NewReader(r)
	if err != nil {
		return nil, err
	}
	if cr.Type() != typ {
		return nil, fmt.Errorf("%w: expected a %s object, got %s", container.ErrInvalidMagicHeader, typ, cr.Type())
	}
	if err := cr.Unseal(s.opts.Identities); err != nil {
		return nil, err
	}
	return cr, nil
}

// Map envelope errors to the error taxonomy
func (s *Store) classify(fp ushelf.Fingerprint, err error) error {
	var noMatch *age.NoIdentityMatchError
	switch {
	case errors.Is(err, container.ErrInvalidMagicHeader), errors.Is(err, container.ErrInvalidHeaderHash):
		if fp == "" {
			return ushelf.Fatal("open", err)
		}
		return &ushelf.CorruptionError{Fingerprint: fp, Err: err}
	case errors.Is(err, container.ErrUnexpectedSealed), errors.Is(err, container.ErrUnexpectedPlain), errors.As(err, &noMatch):
		return ushelf.Fatal("unseal", err)
	default:
		return err
	}
}

// Hashes decoded content on the fly
type chunkReader struct {
	fp  ushelf.Fingerprint
	raw io.ReadCloser
	cr  *container.Reader
	h   hash.Hash
	err error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	n, err := r.cr.Read(p)
	r.h.Write(p[:n])
	if err == io.EOF {
		if actual := sum(r.h); actual != r.fp {
			r.err = &ushelf.CorruptionError{Fingerprint: r.fp, Actual: actual}
			return n, r.err
		}
	}
	return n, err
}

func (r *chunkReader) Close() error {
	r.cr.Close()
	return r.raw.Close()
}

func sum(h hash.Hash) ushelf.Fingerprint {
	return ushelf.Fingerprint(hex.EncodeToString(h.Sum(nil)))
}
