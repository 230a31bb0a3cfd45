package dbkv

import (
	"log/slog"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/webfinger/fpdetect/internal/definer"
	"github.com/webfinger/fpdetect/internal/ferrors"
	"github.com/webfinger/fpdetect/internal/graph"
)

var (
	checksumsBucket   = []byte("checksums")
	appVersionsBucket = []byte("app_versions")
)

// Store wraps a bbolt database holding the two record families defined in
// spec.md §4.D: checksum records keyed by digest, app-version records keyed
// by their dense id.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// Open opens an existing fingerprint database read-write. Callers that
// only intend to detect should still call Open; bbolt's single-writer
// model makes a separate read-only mode unnecessary at this scale.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0644, nil)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.IOFailure, "opening fingerprint database %q: %v", path, err)
	}
	logger.Info("fingerprint database opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return ferrors.Wrap(ferrors.IOFailure, "closing fingerprint database: %v", err)
	}
	return nil
}

// GetChecksumRecord looks up and decodes the checksum record for cs. A nil,
// nil return means cs is not present in the database (not an error).
func (s *Store) GetChecksumRecord(cs graph.Digest) (*ChecksumRecord, error) {
	var rec *ChecksumRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(checksumsBucket)
		if b == nil {
			return nil
		}
		value := b.Get(cs[:])
		if value == nil {
			return nil
		}
		decoded, err := DecodeChecksumRecord(value)
		if err != nil {
			return err
		}
		rec = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetAppVersionRecord looks up and decodes the app-version record for id. A
// nil, nil return means id is not present in the database.
func (s *Store) GetAppVersionRecord(id graph.AVID) (*AppVersionRecord, error) {
	var rec *AppVersionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(appVersionsBucket)
		if b == nil {
			return nil
		}
		value := b.Get(EncodeAVID(id))
		if value == nil {
			return nil
		}
		decoded, err := DecodeAppVersionRecord(value)
		if err != nil {
			return err
		}
		rec = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// BuildInput is everything Build needs from the offline pipeline: the
// pruned graph (for the surviving checksum memberships), the definer's
// per-AV depends-on edges, the coalesced groups, the per-AV depth
// side-table, and any cross-AV implications discovered out of band (e.g. a
// config-driven alias list; spec.md leaves how implications are sourced
// unspecified beyond their effect on detection).
type BuildInput struct {
	Graph     *graph.Graph
	Defined   map[graph.AVKey][]definer.DependsOn
	Groups    []definer.Group
	Depths    map[graph.AVKey]map[graph.Digest]uint8
	Implies   map[graph.AVKey][]graph.AVKey
}

// Build writes a fresh database at path from a pruned and coalesced graph.
// Every member of a group shares the same dense AVID; checksum records
// reference it and only it.
func Build(path string, in BuildInput, logger *slog.Logger) error {
	db, err := bbolt.Open(path, 0644, nil)
	if err != nil {
		return ferrors.Wrap(ferrors.IOFailure, "creating fingerprint database %q: %v", path, err)
	}
	defer db.Close()

	avID := make(map[graph.AVKey]graph.AVID, len(in.Defined))
	sortedGroups := make([]definer.Group, len(in.Groups))
	copy(sortedGroups, in.Groups)
	sort.Slice(sortedGroups, func(i, j int) bool {
		return avKeySliceLess(sortedGroups[i].Members, sortedGroups[j].Members)
	})

	for i, g := range sortedGroups {
		id := graph.AVID(i)
		for _, member := range g.Members {
			avID[member] = id
		}
	}

	return db.Update(func(tx *bbolt.Tx) error {
		csBucket, err := tx.CreateBucketIfNotExists(checksumsBucket)
		if err != nil {
			return ferrors.Wrap(ferrors.IOFailure, "creating checksums bucket: %v", err)
		}
		avBucket, err := tx.CreateBucketIfNotExists(appVersionsBucket)
		if err != nil {
			return ferrors.Wrap(ferrors.IOFailure, "creating app_versions bucket: %v", err)
		}

		for i, g := range sortedGroups {
			id := graph.AVID(i)

			csSeen := make(map[graph.Digest]struct{})
			var dependsOnSeen []graph.AVID
			dependsOnDedup := make(map[graph.AVID]struct{})

			for _, member := range g.Members {
				for cs := range in.Graph.AppVersionChecksums(member) {
					csSeen[cs] = struct{}{}
				}
				for _, edge := range in.Defined[member] {
					pinnedID, ok := avID[edge.PinnedBy]
					if !ok {
						continue
					}
					if _, dup := dependsOnDedup[pinnedID]; dup {
						continue
					}
					dependsOnDedup[pinnedID] = struct{}{}
					dependsOnSeen = append(dependsOnSeen, pinnedID)
				}
			}
			sort.Slice(dependsOnSeen, func(i, j int) bool { return dependsOnSeen[i] < dependsOnSeen[j] })

			var implies []graph.AVID
			for _, member := range g.Members {
				for _, target := range in.Implies[member] {
					if targetID, ok := avID[target]; ok {
						implies = append(implies, targetID)
					}
				}
			}
			sort.Slice(implies, func(i, j int) bool { return implies[i] < implies[j] })

			total := len(csSeen)
			if total > 255 {
				return ferrors.Wrap(ferrors.ConsistencyViolation, "app-version %v has %d checksums, exceeds the u8 total field", g.Members, total)
			}

			rec := AppVersionRecord{Members: g.Members, Total: uint8(total), Implies: implies}
			if err := avBucket.Put(EncodeAVID(id), EncodeAppVersionRecord(rec)); err != nil {
				return ferrors.Wrap(ferrors.IOFailure, "writing app-version record %d: %v", id, err)
			}

			for cs := range csSeen {
				var depths []uint8
				for _, member := range g.Members {
					if d, ok := in.Depths[member][cs]; ok {
						depths = append(depths, d)
					}
				}
				sort.Slice(depths, func(i, j int) bool { return depths[i] < depths[j] })

				csRec := ChecksumRecord{Owner: id, DependsOn: dependsOnSeen, Depths: depths}
				if err := csBucket.Put(cs[:], EncodeChecksumRecord(csRec)); err != nil {
					return ferrors.Wrap(ferrors.IOFailure, "writing checksum record %x: %v", cs, err)
				}
			}
		}

		return nil
	})
}

func avKeySliceLess(a, b []graph.AVKey) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].App != b[i].App {
			return a[i].App < b[i].App
		}
		if a[i].Version != b[i].Version {
			return a[i].Version < b[i].Version
		}
	}
	return len(a) < len(b)
}

// Dump returns every checksum and app-version record in the database,
// decoded. Used by the similarity CLI command and by tests; not on the
// detection hot path.
func (s *Store) Dump() (map[graph.Digest]ChecksumRecord, map[graph.AVID]AppVersionRecord, error) {
	checksums := make(map[graph.Digest]ChecksumRecord)
	appVersions := make(map[graph.AVID]AppVersionRecord)

	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(checksumsBucket); b != nil {
			if err := b.ForEach(func(k, v []byte) error {
				var digest graph.Digest
				if len(k) != len(digest) {
					return ferrors.Wrap(ferrors.InvalidDatabase, "checksum key length %d, want %d", len(k), len(digest))
				}
				copy(digest[:], k)
				rec, err := DecodeChecksumRecord(v)
				if err != nil {
					return err
				}
				checksums[digest] = rec
				return nil
			}); err != nil {
				return err
			}
		}

		if b := tx.Bucket(appVersionsBucket); b != nil {
			if err := b.ForEach(func(k, v []byte) error {
				id, err := DecodeAVID(k)
				if err != nil {
					return err
				}
				rec, err := DecodeAppVersionRecord(v)
				if err != nil {
					return err
				}
				appVersions[id] = rec
				return nil
			}); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return checksums, appVersions, nil
}

// Path reports the underlying file's path, for diagnostics.
func (s *Store) Path() string {
	return s.db.Path()
}
