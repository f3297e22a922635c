package timeddb

import (
	"encoding/binary"
	"math"
	"regexp"
)

const (
	int64Min = int64(-1) << 63
	int64Max = int64(1<<63 - 1)
)

// Set unconditionally stores (key, value) with expiration xt (relative
// seconds from now if positive, absolute epoch magnitude if negative).
func (db *TimedDB) Set(key, value []byte, xt int64) error {
	done, err := db.enter()
	if err != nil {
		return db.setLastErr(err.(*DBError))
	}
	defer done()
	unlock := db.lockKey(key)
	defer unlock()

	db.snapshotUndo(key)
	abs := modifyExpTime(xt, db.now())
	db.rawSet(key, value, abs)
	db.fireLocal(Update{Op: OpSet, Key: key, Value: packed(db.opts.Persistent, abs, value)})
	db.addScore(scoreUnit)
	return nil
}

// packed returns the stored form the Trigger should see for a SET —
// mirrors what rawSet wrote, so a replication reader can replay it
// verbatim.
func packed(persistent bool, xt uint64, value []byte) []byte {
	if persistent {
		return append([]byte(nil), value...)
	}
	return packValue(xt, value)
}

// Add stores (key, value, xt) only if no live record exists for key.
func (db *TimedDB) Add(key, value []byte, xt int64) error {
	done, err := db.enter()
	if err != nil {
		return db.setLastErr(err.(*DBError))
	}
	defer done()
	unlock := db.lockKey(key)
	defer unlock()

	if _, _, ok := db.rawGet(key); ok {
		db.addScore(scoreUnit / readFreq)
		return db.setLastErr(newErr(DupRec, "record exists"))
	}
	db.snapshotUndo(key)
	abs := modifyExpTime(xt, db.now())
	db.rawSet(key, value, abs)
	db.fireLocal(Update{Op: OpSet, Key: key, Value: packed(db.opts.Persistent, abs, value)})
	db.addScore(scoreUnit)
	return nil
}

// Replace stores (key, value, xt) only if a live record already exists.
func (db *TimedDB) Replace(key, value []byte, xt int64) error {
	done, err := db.enter()
	if err != nil {
		return db.setLastErr(err.(*DBError))
	}
	defer done()
	unlock := db.lockKey(key)
	defer unlock()

	if _, _, ok := db.rawGet(key); !ok {
		db.addScore(scoreUnit / readFreq)
		return db.setLastErr(newErr(NoRec, "record missing"))
	}
	db.snapshotUndo(key)
	abs := modifyExpTime(xt, db.now())
	db.rawSet(key, value, abs)
	db.fireLocal(Update{Op: OpSet, Key: key, Value: packed(db.opts.Persistent, abs, value)})
	db.addScore(scoreUnit)
	return nil
}

// Append concatenates value onto any existing payload for key (creating
// it if absent), resetting expiration to xt.
func (db *TimedDB) Append(key, value []byte, xt int64) error {
	done, err := db.enter()
	if err != nil {
		return db.setLastErr(err.(*DBError))
	}
	defer done()
	unlock := db.lockKey(key)
	defer unlock()

	db.snapshotUndo(key)
	existing, _, _ := db.rawGet(key)
	merged := append(append([]byte(nil), existing...), value...)
	abs := modifyExpTime(xt, db.now())
	db.rawSet(key, merged, abs)
	db.fireLocal(Update{Op: OpSet, Key: key, Value: packed(db.opts.Persistent, abs, merged)})
	db.addScore(scoreUnit)
	return nil
}

// Increment applies n to an 8-byte big-endian signed integer record.
// origin == math.MinInt64 demands an existing record; math.MaxInt64
// sets the value to n unconditionally; any other origin seeds a
// missing record with origin+n.
func (db *TimedDB) Increment(key []byte, n int64, origin int64, xt int64) (int64, error) {
	done, err := db.enter()
	if err != nil {
		return 0, db.setLastErr(err.(*DBError))
	}
	defer done()
	unlock := db.lockKey(key)
	defer unlock()

	existing, _, ok := db.rawGet(key)
	var result int64
	switch {
	case origin == int64Max:
		result = n
	case ok:
		if len(existing) != 8 {
			db.addScore(scoreUnit / readFreq)
			return 0, db.setLastErr(newErr(Logic, "value is not an 8-byte integer"))
		}
		cur := int64(binary.BigEndian.Uint64(existing))
		result = cur + n
	case origin == int64Min:
		db.addScore(scoreUnit / readFreq)
		return 0, db.setLastErr(newErr(Logic, "record missing and origin is INT64_MIN"))
	default:
		result = origin + n
	}

	db.snapshotUndo(key)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(result))
	abs := modifyExpTime(xt, db.now())
	db.rawSet(key, buf, abs)
	db.fireLocal(Update{Op: OpSet, Key: key, Value: packed(db.opts.Persistent, abs, buf)})
	db.addScore(scoreUnit)
	return result, nil
}

// fracScale is 10^15, the scale factor for increment_double's
// fractional half.
const fracScale = 1e15

func splitDouble(v float64) (intPart, fracPart int64) {
	ip := math.Trunc(v)
	fp := (v - ip) * fracScale
	return int64(ip), int64(math.Round(fp))
}

func joinDouble(intPart, fracPart int64) float64 {
	return float64(intPart) + float64(fracPart)/fracScale
}

// IncrementDouble is Increment's floating-point sibling: a 16-byte value
// split into a big-endian integer half and a fractional half scaled by
// 10^15.
func (db *TimedDB) IncrementDouble(key []byte, n float64, origin float64, xt int64) (float64, error) {
	done, err := db.enter()
	if err != nil {
		return 0, db.setLastErr(err.(*DBError))
	}
	defer done()
	unlock := db.lockKey(key)
	defer unlock()

	existing, _, ok := db.rawGet(key)
	var result float64
	switch {
	case math.IsInf(origin, 1):
		result = n
	case ok:
		if len(existing) != 16 {
			db.addScore(scoreUnit / readFreq)
			return 0, db.setLastErr(newErr(Logic, "value is not a 16-byte double"))
		}
		ip := int64(binary.BigEndian.Uint64(existing[0:8]))
		fp := int64(binary.BigEndian.Uint64(existing[8:16]))
		result = joinDouble(ip, fp) + n
	case math.IsInf(origin, -1):
		db.addScore(scoreUnit / readFreq)
		return 0, db.setLastErr(newErr(Logic, "record missing and origin is -Inf"))
	default:
		result = origin + n
	}

	db.snapshotUndo(key)
	ip, fp := splitDouble(result)
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(ip))
	binary.BigEndian.PutUint64(buf[8:16], uint64(fp))
	abs := modifyExpTime(xt, db.now())
	db.rawSet(key, buf, abs)
	db.fireLocal(Update{Op: OpSet, Key: key, Value: packed(db.opts.Persistent, abs, buf)})
	db.addScore(scoreUnit)
	return result, nil
}

// CAS performs a compare-and-swap: oldValue == nil means "must be
// absent", newValue == nil means "delete". Mismatch is a Logic error.
func (db *TimedDB) CAS(key, oldValue, newValue []byte, xt int64) error {
	done, err := db.enter()
	if err != nil {
		return db.setLastErr(err.(*DBError))
	}
	defer done()
	unlock := db.lockKey(key)
	defer unlock()

	existing, _, ok := db.rawGet(key)
	switch {
	case oldValue == nil && ok:
		db.addScore(scoreUnit / readFreq)
		return db.setLastErr(newErr(Logic, "cas: record exists but oldValue is nil"))
	case oldValue != nil && !ok:
		db.addScore(scoreUnit / readFreq)
		return db.setLastErr(newErr(Logic, "cas: record missing"))
	case oldValue != nil && ok && !bytesEqual(existing, oldValue):
		db.addScore(scoreUnit / readFreq)
		return db.setLastErr(newErr(Logic, "cas: value mismatch"))
	}

	db.snapshotUndo(key)
	if newValue == nil {
		db.store.Remove(key)
		db.fireLocal(Update{Op: OpRemove, Key: key})
	} else {
		abs := modifyExpTime(xt, db.now())
		db.rawSet(key, newValue, abs)
		db.fireLocal(Update{Op: OpSet, Key: key, Value: packed(db.opts.Persistent, abs, newValue)})
	}
	db.addScore(scoreUnit)
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Remove deletes key, failing NoRec if it was already absent/expired.
func (db *TimedDB) Remove(key []byte) error {
	done, err := db.enter()
	if err != nil {
		return db.setLastErr(err.(*DBError))
	}
	defer done()
	unlock := db.lockKey(key)
	defer unlock()

	if _, _, ok := db.rawGet(key); !ok {
		db.addScore(scoreUnit / readFreq)
		return db.setLastErr(newErr(NoRec, "record missing"))
	}
	db.snapshotUndo(key)
	db.store.Remove(key)
	db.fireLocal(Update{Op: OpRemove, Key: key})
	db.addScore(scoreUnit)
	return nil
}

// Get returns the live value and absolute expiration for key.
func (db *TimedDB) Get(key []byte) (value []byte, xt uint64, err error) {
	done, e := db.enter()
	if e != nil {
		return nil, 0, db.setLastErr(e.(*DBError))
	}
	defer done()

	v, x, ok := db.rawGet(key)
	db.addScore(scoreUnit / readFreq)
	if !ok {
		return nil, 0, db.setLastErr(newErr(NoRec, "record missing"))
	}
	return append([]byte(nil), v...), x, nil
}

// Check reports whether a live record exists for key and its size,
// without returning the value.
func (db *TimedDB) Check(key []byte) (size int, xt uint64, err error) {
	done, e := db.enter()
	if e != nil {
		return 0, 0, db.setLastErr(e.(*DBError))
	}
	defer done()

	v, x, ok := db.rawGet(key)
	db.addScore(scoreUnit / readFreq)
	if !ok {
		return 0, 0, db.setLastErr(newErr(NoRec, "record missing"))
	}
	return len(v), x, nil
}

// Seize atomically gets and removes key.
func (db *TimedDB) Seize(key []byte) (value []byte, xt uint64, err error) {
	done, e := db.enter()
	if e != nil {
		return nil, 0, db.setLastErr(e.(*DBError))
	}
	defer done()
	unlock := db.lockKey(key)
	defer unlock()

	v, x, ok := db.rawGet(key)
	if !ok {
		db.addScore(scoreUnit / readFreq)
		return nil, 0, db.setLastErr(newErr(NoRec, "record missing"))
	}
	db.snapshotUndo(key)
	db.store.Remove(key)
	db.fireLocal(Update{Op: OpRemove, Key: key})
	db.addScore(scoreUnit)
	return append([]byte(nil), v...), x, nil
}

// MatchPrefix returns up to max live keys sharing prefix (max <= 0 means
// unbounded), in ascending key order.
func (db *TimedDB) MatchPrefix(prefix []byte, max int) ([][]byte, error) {
	done, err := db.enter()
	if err != nil {
		return nil, db.setLastErr(err.(*DBError))
	}
	defer done()

	var out [][]byte
	scanned := 0
	k, ok := db.store.First()
	for ok {
		scanned++
		if len(k) >= len(prefix) && bytesEqual(k[:len(prefix)], prefix) {
			if _, _, live := db.rawGet(k); live {
				out = append(out, append([]byte(nil), k...))
				if max > 0 && len(out) >= max {
					break
				}
			}
		} else if len(prefix) > 0 && !hasPrefixOrBefore(k, prefix) {
			break
		}
		k, ok = db.store.Next(k)
	}
	db.addScore(int64(scanned) * scoreUnit / iterFreq)
	return out, nil
}

// hasPrefixOrBefore reports whether k could still be followed by keys
// sharing prefix, given ascending order (k sorts below prefix at the
// first differing byte, or k is itself a prefix of prefix). A key that
// starts with prefix and is longer than it yields false.
func hasPrefixOrBefore(k, prefix []byte) bool {
	n := len(k)
	if n > len(prefix) {
		n = len(prefix)
	}
	for i := 0; i < n; i++ {
		if k[i] < prefix[i] {
			return true
		}
		if k[i] > prefix[i] {
			return false
		}
	}
	return len(k) <= len(prefix)
}

// MatchRegex returns up to max live keys whose string form matches
// pattern.
func (db *TimedDB) MatchRegex(pattern string, max int) ([][]byte, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, db.setLastErr(wrapErr(Invalid, err, "bad regex"))
	}

	done, e := db.enter()
	if e != nil {
		return nil, db.setLastErr(e.(*DBError))
	}
	defer done()

	var out [][]byte
	scanned := 0
	k, ok := db.store.First()
	for ok {
		scanned++
		if re.Match(k) {
			if _, _, live := db.rawGet(k); live {
				out = append(out, append([]byte(nil), k...))
				if max > 0 && len(out) >= max {
					break
				}
			}
		}
		k, ok = db.store.Next(k)
	}
	db.addScore(int64(scanned) * scoreUnit / iterFreq)
	return out, nil
}

// MatchSimilar returns up to max live keys within Levenshtein distance
// rng of origin. When utf is true, keys are decoded as UTF-8 runes
// before comparison.
func (db *TimedDB) MatchSimilar(origin []byte, rng int, utf bool, max int) ([][]byte, error) {
	done, err := db.enter()
	if err != nil {
		return nil, db.setLastErr(err.(*DBError))
	}
	defer done()

	var originRunes []rune
	if utf {
		originRunes = []rune(string(origin))
	}

	var out [][]byte
	scanned := 0
	k, ok := db.store.First()
	for ok {
		scanned++
		if _, _, live := db.rawGet(k); live {
			var dist int
			if utf {
				dist = levenshteinRunes(originRunes, []rune(string(k)))
			} else {
				dist = levenshteinBytes(origin, k)
			}
			if dist <= rng {
				out = append(out, append([]byte(nil), k...))
				if max > 0 && len(out) >= max {
					break
				}
			}
		}
		k, ok = db.store.Next(k)
	}
	db.addScore(int64(scanned) * scoreUnit / iterFreq)
	return out, nil
}

func levenshteinBytes(a, b []byte) int {
	return levenshteinGeneric(len(a), len(b), func(i, j int) bool { return a[i] == b[j] })
}

func levenshteinRunes(a, b []rune) int {
	return levenshteinGeneric(len(a), len(b), func(i, j int) bool { return a[i] == b[j] })
}

func levenshteinGeneric(la, lb int, eq func(i, j int) bool) int {
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if eq(i-1, j-1) {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	return prev[lb]
}

// Copy copies every live record into dest (used to implement the
// `copy` verb as an in-process DB-to-DB transfer rather than a raw
// file clone, since the backing engine here is in-memory).
func (db *TimedDB) Copy(dest *TimedDB) error {
	done, err := db.enter()
	if err != nil {
		return db.setLastErr(err.(*DBError))
	}
	defer done()

	k, ok := db.store.First()
	for ok {
		if v, xt, live := db.rawGet(k); live {
			if err := dest.Set(append([]byte(nil), k...), v, negAbs(xt)); err != nil {
				return err
			}
		}
		k, ok = db.store.Next(k)
	}
	return nil
}

// negAbs converts an absolute epoch xt into the negative-magnitude form
// Set/modifyExpTime expects for "absolute, not relative".
func negAbs(xt uint64) int64 {
	if xt >= XTMax {
		return -int64(XTMax)
	}
	return -int64(xt)
}
