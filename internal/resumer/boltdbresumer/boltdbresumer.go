// Package boltdbresumer persists torrent session state to a boltdb
// bucket: one sub-bucket per torrent id, written synchronously on every
// call. Losing the last few seconds of state on crash is acceptable;
// silently corrupting it from a debounced, batched write is not.
package boltdbresumer

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cenkalti/goridge/internal/resumer"
)

var (
	keyInfoHash  = []byte("info-hash")
	keyBitfield  = []byte("bitfield")
	keyInfo      = []byte("info")
	keyName      = []byte("name")
	keyPort      = []byte("port")
	keyTrackers  = []byte("trackers")
	keyDest      = []byte("dest")
	keyCreatedAt = []byte("created-at")
	keyStarted   = []byte("started")
	keyStats     = []byte("stats")
)

// Spec is the full on-disk representation of one torrent's resume state —
// this is the concrete type session.go builds and writes directly,
// independent of the generic resumer.Resumer interface the torrent loop
// uses for its own periodic writes.
type Spec struct {
	InfoHash        []byte
	Bitfield        []byte
	Info            []byte
	Name            string
	Port            int
	Trackers        []string
	Dest            string
	CreatedAt       time.Time
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	SeededFor       time.Duration
}

// Resumer reads and writes one torrent's state under bucket/id.
type Resumer struct {
	db     *bolt.DB
	bucket []byte
	id     []byte
}

// New returns a Resumer scoped to db's bucket/id sub-bucket, creating it
// if absent.
func New(db *bolt.DB, bucket, id []byte) (*Resumer, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		_, err := b.CreateBucketIfNotExists(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{db: db, bucket: bucket, id: id}, nil
}

func (r *Resumer) sub(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket(r.bucket).Bucket(r.id)
}

// Write persists the spec's identity, name, port, trackers, dest and
// creation time, overwriting previous values. A nil Bitfield or Info leaves
// the stored value untouched, and the lifetime counters are not written
// here (see WriteStats).
func (r *Resumer) Write(spec *Spec) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := r.sub(tx)
		if err := b.Put(keyInfoHash, spec.InfoHash); err != nil {
			return err
		}
		if spec.Bitfield != nil {
			if err := b.Put(keyBitfield, spec.Bitfield); err != nil {
				return err
			}
		}
		if spec.Info != nil {
			if err := b.Put(keyInfo, spec.Info); err != nil {
				return err
			}
		}
		if err := b.Put(keyName, []byte(spec.Name)); err != nil {
			return err
		}
		portBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(portBuf, uint64(spec.Port))
		if err := b.Put(keyPort, portBuf); err != nil {
			return err
		}
		trackers, err := json.Marshal(spec.Trackers)
		if err != nil {
			return err
		}
		if err := b.Put(keyTrackers, trackers); err != nil {
			return err
		}
		if err := b.Put(keyDest, []byte(spec.Dest)); err != nil {
			return err
		}
		ts, err := spec.CreatedAt.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(keyCreatedAt, ts)
	})
}

// Read reconstructs a Spec from whatever has been written so far.
func (r *Resumer) Read() (*Spec, error) {
	spec := &Spec{}
	err := r.db.View(func(tx *bolt.Tx) error {
		b := r.sub(tx)
		spec.InfoHash = append([]byte(nil), b.Get(keyInfoHash)...)
		spec.Bitfield = append([]byte(nil), b.Get(keyBitfield)...)
		spec.Info = append([]byte(nil), b.Get(keyInfo)...)
		spec.Name = string(b.Get(keyName))
		if p := b.Get(keyPort); len(p) == 8 {
			spec.Port = int(binary.BigEndian.Uint64(p))
		}
		if tr := b.Get(keyTrackers); tr != nil {
			if err := json.Unmarshal(tr, &spec.Trackers); err != nil {
				return err
			}
		}
		spec.Dest = string(b.Get(keyDest))
		if ts := b.Get(keyCreatedAt); ts != nil {
			_ = spec.CreatedAt.UnmarshalBinary(ts)
		}
		if st := b.Get(keyStats); st != nil {
			var s resumer.Stats
			if err := json.Unmarshal(st, &jsonStats{&s}); err != nil {
				return err
			}
			spec.BytesDownloaded = s.BytesDownloaded
			spec.BytesUploaded = s.BytesUploaded
			spec.BytesWasted = s.BytesWasted
			spec.SeededFor = s.SeededFor
		}
		return nil
	})
	return spec, err
}

// WriteBitfield overwrites the persisted completion bitmap. Called on
// every piece completion and periodically, synchronously — boltdb fsyncs
// on every Update by default.
func (r *Resumer) WriteBitfield(b []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return r.sub(tx).Put(keyBitfield, b)
	})
}

// WriteInfo persists the raw info dict fetched over BEP 9.
func (r *Resumer) WriteInfo(b []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return r.sub(tx).Put(keyInfo, b)
	})
}

// WriteStats persists the lifetime counters.
func (r *Resumer) WriteStats(s resumer.Stats) error {
	data, err := json.Marshal(&jsonStats{&s})
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return r.sub(tx).Put(keyStats, data)
	})
}

// WriteStarted records whether the torrent should auto-start on the next
// session load (session.go's hasStarted reads this key).
func (r *Resumer) WriteStarted(started bool) error {
	v := []byte("0")
	if started {
		v = []byte("1")
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return r.sub(tx).Put(keyStarted, v)
	})
}

// jsonStats adapts resumer.Stats (whose SeededFor is a time.Duration, not
// natively JSON-friendly as nanoseconds across versions) to a stable wire
// shape.
type jsonStats struct{ *resumer.Stats }

func (j *jsonStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		BytesDownloaded int64 `json:"bytes_downloaded"`
		BytesUploaded   int64 `json:"bytes_uploaded"`
		BytesWasted     int64 `json:"bytes_wasted"`
		SeededForNS     int64 `json:"seeded_for_ns"`
	}{j.BytesDownloaded, j.BytesUploaded, j.BytesWasted, int64(j.SeededFor)})
}

func (j *jsonStats) UnmarshalJSON(data []byte) error {
	var v struct {
		BytesDownloaded int64 `json:"bytes_downloaded"`
		BytesUploaded   int64 `json:"bytes_uploaded"`
		BytesWasted     int64 `json:"bytes_wasted"`
		SeededForNS     int64 `json:"seeded_for_ns"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	j.BytesDownloaded = v.BytesDownloaded
	j.BytesUploaded = v.BytesUploaded
	j.BytesWasted = v.BytesWasted
	j.SeededFor = time.Duration(v.SeededForNS)
	return nil
}
