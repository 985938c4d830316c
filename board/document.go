package board

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"whiteboard/boardlog"
)

// Document is the in-memory drawing document for one room view: three
// id-keyed element collections (strokes, shapes, texts) plus a redo stack.
//
// Invariant: an element id appears in at most one of the four containers at
// any time. The canonical element order is the ascending stable sort of the
// union of the three collections by timestamp; ties keep arrival order.
//
// Document never returns errors for stale references. A remote undo/redo
// can legitimately name an element this instance has not received yet, so
// an unresolvable id is a soft no-op surfaced only through the boolean
// return and a diagnostic log entry.
type Document struct {
	// mutex protects all containers below.
	mutex sync.RWMutex

	// strokes, shapes and texts are the live collections, keyed by id.
	strokes map[string]*Element
	shapes  map[string]*Element
	texts   map[string]*Element

	// redoStack holds undone elements, most recently undone last.
	redoStack []*Element

	// arrival records local insertion order per id, the tiebreak that keeps
	// the timestamp sort stable when millisecond timestamps collide.
	arrival     map[string]uint64
	nextArrival uint64
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{
		strokes: make(map[string]*Element),
		shapes:  make(map[string]*Element),
		texts:   make(map[string]*Element),
		arrival: make(map[string]uint64),
	}
}

// collectionFor returns the live collection matching the element kind, or
// nil for an unknown kind.
func (d *Document) collectionFor(kind Kind) map[string]*Element {
	switch kind {
	case KindStroke:
		return d.strokes
	case KindShape:
		return d.shapes
	case KindText:
		return d.texts
	default:
		return nil
	}
}

// insert places the element into its collection and records arrival order.
// Callers must hold the write lock.
func (d *Document) insert(e *Element) bool {
	coll := d.collectionFor(e.Kind)
	if coll == nil {
		boardlog.Warn("dropping element with unknown kind",
			zap.String("id", e.ID), zap.String("kind", string(e.Kind)))
		return false
	}
	coll[e.ID] = e
	if _, ok := d.arrival[e.ID]; !ok {
		d.nextArrival++
		d.arrival[e.ID] = d.nextArrival
	}
	return true
}

// AddElement inserts the element into the collection matching its kind and
// clears the redo stack. The caller guarantees the id is not already live;
// remote echoes of locally created elements must be filtered upstream.
func (d *Document) AddElement(e *Element) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.insert(e) {
		d.redoStack = nil
	}
}

// AllElements returns the union of the three collections sorted ascending
// by timestamp. The order is deterministic for a fixed document state:
// elements with equal timestamps keep their local arrival order.
func (d *Document) AllElements() []*Element {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return d.allElementsLocked()
}

func (d *Document) allElementsLocked() []*Element {
	all := make([]*Element, 0, len(d.strokes)+len(d.shapes)+len(d.texts))
	for _, coll := range []map[string]*Element{d.strokes, d.shapes, d.texts} {
		for _, e := range coll {
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Timestamp != all[j].Timestamp {
			return all[i].Timestamp < all[j].Timestamp
		}
		return d.arrival[all[i].ID] < d.arrival[all[j].ID]
	})
	return all
}

// ElementByID returns the live element with the given id, if present.
func (d *Document) ElementByID(id string) (*Element, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	for _, coll := range []map[string]*Element{d.strokes, d.shapes, d.texts} {
		if e, ok := coll[id]; ok {
			return e, true
		}
	}
	return nil, false
}

// removeLocked removes the id from whichever live collection holds it and
// returns the removed element. Callers must hold the write lock.
func (d *Document) removeLocked(id string) (*Element, bool) {
	for _, coll := range []map[string]*Element{d.strokes, d.shapes, d.texts} {
		if e, ok := coll[id]; ok {
			delete(coll, id)
			return e, true
		}
	}
	return nil, false
}

// RemoveElementByID removes the element with the given id from its live
// collection and pushes it onto the redo stack. A missing id is a soft
// no-op: remote undo commands may reference elements this client never
// received.
func (d *Document) RemoveElementByID(id string) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	e, ok := d.removeLocked(id)
	if !ok {
		boardlog.Debug("element not found for undo", zap.String("id", id))
		return false
	}
	d.redoStack = append(d.redoStack, e)
	return true
}

// DeleteElementByID removes the element with the given id without touching
// the redo stack. This is the remote-delete path: a peer's deletion is not
// redoable on this client.
func (d *Document) DeleteElementByID(id string) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	e, ok := d.removeLocked(id)
	if !ok {
		boardlog.Debug("element not found for delete", zap.String("id", id))
		return false
	}
	delete(d.arrival, e.ID)
	return true
}

// RestoreElementByID removes the element with the given id from the redo
// stack and re-inserts it into the collection matching its kind. A missing
// id is a soft no-op: a remote redo can arrive before this client saw the
// matching undo.
func (d *Document) RestoreElementByID(id string) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for i := len(d.redoStack) - 1; i >= 0; i-- {
		if d.redoStack[i].ID == id {
			e := d.redoStack[i]
			d.redoStack = append(d.redoStack[:i], d.redoStack[i+1:]...)
			d.insert(e)
			return true
		}
	}
	boardlog.Debug("element not found in redo stack", zap.String("id", id))
	return false
}

// Undo removes the latest element by the canonical timestamp order and
// pushes it onto the redo stack, returning the removed element's id. Note
// this is "undo the globally latest element", not "undo my latest action":
// another user's element drawn a millisecond later is the one removed.
func (d *Document) Undo() (string, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	all := d.allElementsLocked()
	if len(all) == 0 {
		return "", false
	}
	last := all[len(all)-1]
	if _, ok := d.removeLocked(last.ID); !ok {
		return "", false
	}
	d.redoStack = append(d.redoStack, last)
	return last.ID, true
}

// Redo pops the top of the redo stack and re-inserts it into its
// collection, returning the restored element's id. The stack is pure LIFO;
// timestamps are not consulted.
func (d *Document) Redo() (string, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(d.redoStack) == 0 {
		return "", false
	}
	e := d.redoStack[len(d.redoStack)-1]
	d.redoStack = d.redoStack[:len(d.redoStack)-1]
	d.insert(e)
	return e.ID, true
}

// Clear empties all three collections and the redo stack.
func (d *Document) Clear() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.strokes = make(map[string]*Element)
	d.shapes = make(map[string]*Element)
	d.texts = make(map[string]*Element)
	d.redoStack = nil
	d.arrival = make(map[string]uint64)
	d.nextArrival = 0
}

// LoadElements replaces the live collections with the given elements,
// partitioned by kind, and clears the redo stack. Arrival order follows the
// input order, so server-assigned history ordering is preserved for
// timestamp ties. Calling it twice with the same input yields the same
// state.
func (d *Document) LoadElements(elements []*Element) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.strokes = make(map[string]*Element)
	d.shapes = make(map[string]*Element)
	d.texts = make(map[string]*Element)
	d.redoStack = nil
	d.arrival = make(map[string]uint64)
	d.nextArrival = 0
	for _, e := range elements {
		d.insert(e)
	}
}

// Len returns the number of live elements.
func (d *Document) Len() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return len(d.strokes) + len(d.shapes) + len(d.texts)
}

// RedoLen returns the depth of the redo stack.
func (d *Document) RedoLen() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return len(d.redoStack)
}
