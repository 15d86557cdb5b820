package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes, one byte each, with 0x00 separating composite key parts.
// Term names never contain 0x00 (the term pattern admits printable
// characters only), so the separator is unambiguous.
const (
	prefixScore    = byte(0x01) // 0x01 term                      -> int64 score
	prefixLink     = byte(0x02) // 0x02 source 0x00 target        -> empty
	prefixLinkedBy = byte(0x03) // 0x03 target 0x00 source        -> empty
	prefixModifier = byte(0x04) // 0x04 term 0x00 user            -> empty
	prefixAction   = byte(0x05) // 0x05 term 0x00 ts 0x00 seq     -> JSON action
	prefixCooldown = byte(0x06) // 0x06 user 0x00 term            -> empty, TTL
)

// Badger is the alternate Store backend on BadgerDB. The forward and reverse
// link indexes are separate key ranges written inside one transaction, and
// cooldowns use badger's native entry TTL.
//
// Ranking scans the score prefix and sorts in memory; the tracked-term
// universe is chat-scale, so the scan is cheap.
type Badger struct {
	db  *badger.DB
	seq uint32 // disambiguates actions sharing a timestamp
}

var _ Store = (*Badger)(nil)

// badgerAction is the stored action record.
type badgerAction struct {
	User  string `json:"user,omitempty"`
	Delta int64  `json:"delta"`
	At    int64  `json:"at"` // unix millis, also encoded in the key
}

// OpenBadger opens (or creates) a Badger store in the given directory.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

// OpenBadgerMemory opens an in-memory Badger store for testing.
func OpenBadgerMemory() (*Badger, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger memory: %w", err)
	}
	return &Badger{db: db}, nil
}

func bkey(prefix byte, parts ...string) []byte {
	n := 1
	for _, p := range parts {
		n += len(p) + 1
	}
	key := make([]byte, 0, n)
	key = append(key, prefix)
	for i, p := range parts {
		if i > 0 {
			key = append(key, 0x00)
		}
		key = append(key, p...)
	}
	return key
}

// bprefix is bkey with a trailing separator, for iterating a composite range.
func bprefix(prefix byte, parts ...string) []byte {
	return append(bkey(prefix, parts...), 0x00)
}

func encodeScore(score int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(score))
	return buf[:]
}

func decodeScore(val []byte) int64 {
	return int64(binary.BigEndian.Uint64(val))
}

// actionKey orders a term's actions oldest-first: big-endian millis plus a
// process-local sequence number for same-instant actions.
func (b *Badger) actionKey(term string, at time.Time) []byte {
	key := bprefix(prefixAction, term)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UnixMilli()))
	key = append(key, ts[:]...)
	key = append(key, 0x00)
	var seq [4]byte
	binary.BigEndian.PutUint32(seq[:], atomic.AddUint32(&b.seq, 1))
	return append(key, seq[:]...)
}

// actionKeyTime recovers the timestamp encoded in an action key.
func actionKeyTime(key []byte, term string) time.Time {
	off := 1 + len(term) + 1
	return time.UnixMilli(int64(binary.BigEndian.Uint64(key[off : off+8])))
}

func (b *Badger) readScore(txn *badger.Txn, term string) (int64, bool, error) {
	item, err := txn.Get(bkey(prefixScore, term))
	if err == badger.ErrKeyNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var score int64
	err = item.Value(func(val []byte) error {
		score = decodeScore(val)
		return nil
	})
	return score, true, err
}

// Modify applies the delta, appends the action, and records the modifier in
// one transaction.
func (b *Badger) Modify(term, userID string, delta int64, now time.Time) (int64, error) {
	var score int64
	err := b.db.Update(func(txn *badger.Txn) error {
		current, _, err := b.readScore(txn, term)
		if err != nil {
			return fmt.Errorf("read score: %w", err)
		}
		score = current + delta
		if err := txn.Set(bkey(prefixScore, term), encodeScore(score)); err != nil {
			return fmt.Errorf("write score: %w", err)
		}

		rec, err := json.Marshal(badgerAction{User: userID, Delta: delta, At: now.UnixMilli()})
		if err != nil {
			return fmt.Errorf("encode action: %w", err)
		}
		if err := txn.Set(b.actionKey(term, now), rec); err != nil {
			return fmt.Errorf("append action: %w", err)
		}

		if userID != "" {
			if err := txn.Set(bkey(prefixModifier, term, userID), nil); err != nil {
				return fmt.Errorf("add modifier: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("modify %s: %w", term, err)
	}
	return score, nil
}

// Score returns the term's own score, 0 if the term is unknown.
func (b *Badger) Score(term string) (int64, error) {
	var score int64
	err := b.db.View(func(txn *badger.Txn) error {
		s, _, err := b.readScore(txn, term)
		score = s
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("score %s: %w", term, err)
	}
	return score, nil
}

// Best returns up to n terms by descending own score.
func (b *Badger) Best(n int) ([]TermScore, error) {
	return b.ranked(n, true)
}

// Worst returns up to n terms by ascending own score.
func (b *Badger) Worst(n int) ([]TermScore, error) {
	return b.ranked(n, false)
}

func (b *Badger) ranked(n int, desc bool) ([]TermScore, error) {
	var all []TermScore
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixScore}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			term := string(item.Key()[1:])
			err := item.Value(func(val []byte) error {
				all = append(all, TermScore{Term: term, Score: decodeScore(val)})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ranked terms: %w", err)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			if desc {
				return all[i].Score > all[j].Score
			}
			return all[i].Score < all[j].Score
		}
		return all[i].Term < all[j].Term
	})
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// TermCount returns the number of tracked terms.
func (b *Badger) TermCount() (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixScore}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("term count: %w", err)
	}
	return count, nil
}

// AddLink writes the forward and reverse index entries in one transaction.
func (b *Badger) AddLink(source, target string) (bool, error) {
	added := false
	err := b.db.Update(func(txn *badger.Txn) error {
		fwd := bkey(prefixLink, source, target)
		if _, err := txn.Get(fwd); err == nil {
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Set(fwd, nil); err != nil {
			return err
		}
		if err := txn.Set(bkey(prefixLinkedBy, target, source), nil); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("add link %s->%s: %w", source, target, err)
	}
	return added, nil
}

// RemoveLink deletes both index entries in one transaction.
func (b *Badger) RemoveLink(source, target string) (bool, error) {
	removed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		fwd := bkey(prefixLink, source, target)
		if _, err := txn.Get(fwd); err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		if err := txn.Delete(fwd); err != nil {
			return err
		}
		if err := txn.Delete(bkey(prefixLinkedBy, target, source)); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove link %s->%s: %w", source, target, err)
	}
	return removed, nil
}

// Links returns the outgoing link targets of a term.
func (b *Badger) Links(term string) ([]string, error) {
	return b.suffixScan(bprefix(prefixLink, term))
}

// LinkedFrom returns the terms whose links point at term.
func (b *Badger) LinkedFrom(term string) ([]string, error) {
	return b.suffixScan(bprefix(prefixLinkedBy, term))
}

// Modifiers returns the users in the term's modifier set.
func (b *Badger) Modifiers(term string) ([]string, error) {
	return b.suffixScan(bprefix(prefixModifier, term))
}

// suffixScan collects the key bytes after the given prefix, sorted by key
// order.
func (b *Badger) suffixScan(prefix []byte) ([]string, error) {
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return out, nil
}

// SetCooldown writes the lease with badger's native TTL. The TTL is anchored
// to the wall clock; the now parameter only matters for backends with lazy
// expiry.
func (b *Badger) SetCooldown(userID, term string, ttl time.Duration, now time.Time) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(bkey(prefixCooldown, userID, term), []byte{1}).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

// CooldownRemaining reads the lease expiry, 0 if absent or expired. Badger
// expiries have whole-second granularity.
func (b *Badger) CooldownRemaining(userID, term string, now time.Time) (time.Duration, error) {
	var remaining time.Duration
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(bkey(prefixCooldown, userID, term))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if exp := item.ExpiresAt(); exp > 0 {
			if d := time.Unix(int64(exp), 0).Sub(now); d > 0 {
				remaining = d
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cooldown remaining: %w", err)
	}
	return remaining, nil
}

// ActionCount returns the number of recorded actions for a term.
func (b *Badger) ActionCount(term string) (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = bprefix(prefixAction, term)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("action count: %w", err)
	}
	return count, nil
}

// DecayableTerms scans the action log for terms whose oldest action predates
// cutoff. Keys are time-ordered within a term, so only the first key of each
// term group needs checking; the iterator then seeks past the group.
func (b *Badger) DecayableTerms(cutoff time.Time) ([]string, error) {
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixAction}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); {
			key := it.Item().Key()
			term := string(key[1:bytes.IndexByte(key, 0x00)])
			if actionKeyTime(key, term).Before(cutoff) {
				out = append(out, term)
			}
			// Seek past this term's remaining actions. 0x01 sorts after the
			// 0x00 separator, skipping every key in the group.
			next := append(bkey(prefixAction, term), 0x01)
			it.Seek(next)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decayable terms: %w", err)
	}
	return out, nil
}

// DecayTerm sums and removes the term's expired actions, rewrites the score,
// and prunes aged-out modifiers, all in one transaction.
func (b *Badger) DecayTerm(term string, cutoff time.Time) (DecayResult, error) {
	var res DecayResult
	err := b.db.Update(func(txn *badger.Txn) error {
		var expired [][]byte
		remaining := make(map[string]bool)

		opts := badger.DefaultIteratorOptions
		opts.Prefix = bprefix(prefixAction, term)
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var act badgerAction
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &act)
			})
			if err != nil {
				it.Close()
				return fmt.Errorf("decode action: %w", err)
			}
			if actionKeyTime(item.Key(), term).Before(cutoff) {
				expired = append(expired, item.KeyCopy(nil))
				res.Delta += act.Delta
			} else if act.User != "" {
				remaining[act.User] = true
			}
		}
		it.Close()

		if len(expired) == 0 {
			return nil
		}
		res.Removed = len(expired)

		score, _, err := b.readScore(txn, term)
		if err != nil {
			return fmt.Errorf("read score: %w", err)
		}
		if err := txn.Set(bkey(prefixScore, term), encodeScore(score-res.Delta)); err != nil {
			return fmt.Errorf("write score: %w", err)
		}

		for _, key := range expired {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete action: %w", err)
			}
		}

		modPrefix := bprefix(prefixModifier, term)
		var aged [][]byte
		mit := txn.NewIterator(badger.IteratorOptions{Prefix: modPrefix})
		for mit.Rewind(); mit.Valid(); mit.Next() {
			key := mit.Item().KeyCopy(nil)
			if !remaining[string(key[len(modPrefix):])] {
				aged = append(aged, key)
			}
		}
		mit.Close()
		for _, key := range aged {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("prune modifier: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return DecayResult{}, fmt.Errorf("decay %s: %w", term, err)
	}
	if res.Removed == 0 {
		return DecayResult{}, nil
	}
	return res, nil
}

// DeleteTerm removes the term's score, actions, modifiers, and both sides of
// every link touching it, in one transaction.
func (b *Badger) DeleteTerm(term string) (bool, error) {
	existed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		scoreKey := bkey(prefixScore, term)
		if _, err := txn.Get(scoreKey); err == nil {
			existed = true
			if err := txn.Delete(scoreKey); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		var doomed [][]byte
		collect := func(prefix []byte) error {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				doomed = append(doomed, it.Item().KeyCopy(nil))
			}
			return nil
		}

		if err := collect(bprefix(prefixAction, term)); err != nil {
			return err
		}
		if err := collect(bprefix(prefixModifier, term)); err != nil {
			return err
		}

		// Outgoing links plus their reverse entries.
		fwdPrefix := bprefix(prefixLink, term)
		for _, target := range b.scanSuffixes(txn, fwdPrefix) {
			doomed = append(doomed, bkey(prefixLink, term, target))
			doomed = append(doomed, bkey(prefixLinkedBy, target, term))
		}

		// Incoming links plus their forward entries.
		revPrefix := bprefix(prefixLinkedBy, term)
		for _, source := range b.scanSuffixes(txn, revPrefix) {
			doomed = append(doomed, bkey(prefixLinkedBy, term, source))
			doomed = append(doomed, bkey(prefixLink, source, term))
		}

		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", term, err)
	}
	return existed, nil
}

func (b *Badger) scanSuffixes(txn *badger.Txn, prefix []byte) []string {
	var out []string
	opts := badger.IteratorOptions{Prefix: prefix}
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		out = append(out, string(it.Item().Key()[len(prefix):]))
	}
	return out
}

// Ping verifies the backend is open.
func (b *Badger) Ping() error {
	if b.db.IsClosed() {
		return fmt.Errorf("badger store is closed")
	}
	return nil
}

// Close closes the underlying database.
func (b *Badger) Close() error {
	return b.db.Close()
}
