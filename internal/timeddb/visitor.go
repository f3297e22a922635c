package timeddb

// VisitResult tags what a Visitor callback wants to do with a record:
// keep it, remove it, or replace its payload and expiration.
type VisitResult struct {
	action visitAction
	value  []byte
	newXt  int64 // relative-from-now if positive, absolute epoch if negative
}

type visitAction int

const (
	actionKeep visitAction = iota
	actionRemove
	actionReplace
)

// Keep leaves the record unchanged.
func Keep() VisitResult { return VisitResult{action: actionKeep} }

// Remove deletes the record.
func Remove() VisitResult { return VisitResult{action: actionRemove} }

// Replace replaces the record's payload with value and its expiration
// per newXt (positive = relative seconds from now, negative = absolute
// epoch magnitude, clamped to XTMax by modifyExpTime).
func Replace(value []byte, newXt int64) VisitResult {
	return VisitResult{action: actionReplace, value: value, newXt: newXt}
}

// Visitor is the capability pair invoked under the DB's per-key lock to
// atomically read-modify-write a record. The VisitBefore/VisitAfter
// batch hooks belong to BatchVisitor; a plain Visitor gets no-op hooks.
type Visitor interface {
	VisitFull(key, value []byte, xt uint64) VisitResult
	VisitEmpty(key []byte) VisitResult
}

// VisitorFuncs adapts two functions into a Visitor without requiring a
// named type.
type VisitorFuncs struct {
	Full  func(key, value []byte, xt uint64) VisitResult
	Empty func(key []byte) VisitResult
}

func (v VisitorFuncs) VisitFull(key, value []byte, xt uint64) VisitResult {
	if v.Full == nil {
		return Keep()
	}
	return v.Full(key, value, xt)
}

func (v VisitorFuncs) VisitEmpty(key []byte) VisitResult {
	if v.Empty == nil {
		return Keep()
	}
	return v.Empty(key)
}

// BatchVisitor additionally brackets a multi-record pass with
// VisitBefore/VisitAfter hooks, used by Iterate/ScanParallel.
type BatchVisitor interface {
	Visitor
	VisitBefore()
	VisitAfter()
}

// batchVisitorAdapter lifts a plain Visitor to a BatchVisitor with no-op
// bracketing hooks.
type batchVisitorAdapter struct{ Visitor }

func (batchVisitorAdapter) VisitBefore() {}
func (batchVisitorAdapter) VisitAfter()  {}

func asBatchVisitor(v Visitor) BatchVisitor {
	if bv, ok := v.(BatchVisitor); ok {
		return bv
	}
	return batchVisitorAdapter{v}
}
