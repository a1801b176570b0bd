package session

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/boltdb/bolt"
)

// startBlocklistReloader loads the cached blocklist from the session db
// (whatever its age), then keeps it updated from BlocklistURL on a
// timer; the first fetch comes once the cached copy is
// BlocklistUpdateInterval old, or at once when there is no usable copy.
// No-op when no URL is configured.
func (s *Session) startBlocklistReloader() error {
	if s.config.BlocklistURL == "" {
		return nil
	}
	blocklistTimestamp, err := s.getBlocklistTimestamp()
	if err != nil {
		return err
	}
	deadline := blocklistTimestamp.Add(s.config.BlocklistUpdateInterval)
	now := time.Now()
	delta := deadline.Sub(now)
	if blocklistTimestamp.IsZero() {
		delta = 0
	} else {
		if err := s.loadBlocklistFromDB(); err != nil {
			s.log.Errorln("cannot load blocklist from database:", err)
			delta = 0
		}
	}
	go s.blocklistReloader(delta)
	return nil
}

func (s *Session) getBlocklistTimestamp() (time.Time, error) {
	var ts time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		val := b.Get(blocklistTimestampKey)
		if len(val) != 8 {
			return nil
		}
		ts = time.Unix(int64(binary.BigEndian.Uint64(val)), 0)
		return nil
	})
	return ts, err
}

func (s *Session) loadBlocklistFromDB() error {
	return s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(sessionBucket).Get(blocklistKey)
		if len(val) == 0 {
			return nil
		}
		n, err := s.blocklist.Load(bytes.NewReader(val))
		if err != nil {
			return err
		}
		s.log.Infof("loaded %d blocklist rules from database", n)
		return nil
	})
}

func (s *Session) blocklistReloader(delay time.Duration) {
	for {
		select {
		case <-time.After(delay):
		case <-s.closeC:
			return
		}
		if err := s.reloadBlocklist(); err != nil {
			s.log.Errorln("cannot update blocklist:", err)
			delay = time.Hour
			continue
		}
		delay = s.config.BlocklistUpdateInterval
	}
}

func (s *Session) reloadBlocklist() error {
	resp, err := http.Get(s.config.BlocklistURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("blocklist server returned status %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	n, err := s.blocklist.Load(io.TeeReader(resp.Body, &buf))
	if err != nil {
		return err
	}
	s.log.Infof("loaded %d blocklist rules", n)
	now := time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		if err := b.Put(blocklistKey, buf.Bytes()); err != nil {
			return err
		}
		ts := make([]byte, 8)
		binary.BigEndian.PutUint64(ts, uint64(now.Unix()))
		return b.Put(blocklistTimestampKey, ts)
	})
}
