package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store. Documents are deep-copied on the way in
// and out, so callers never share maps with the store.
type Memory struct {
	mu       sync.Mutex
	data     map[string]map[string]Document // collection -> id -> doc
	watchers map[*memWatch]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string]map[string]Document),
		watchers: make(map[*memWatch]struct{}),
	}
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.data[collection][id]
	if !ok {
		return nil, notFound(collection, id)
	}
	return copyDoc(doc), nil
}

func (m *Memory) Put(ctx context.Context, collection, id string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(collection, id, doc)
	m.notify(collection)
	return nil
}

func (m *Memory) Create(ctx context.Context, collection, id string, doc Document) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[collection][id]; ok {
		return false, nil
	}
	m.put(collection, id, doc)
	m.notify(collection)
	return true, nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, u Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateUpdate(u); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.data[collection][id]
	if !ok {
		return notFound(collection, id)
	}
	for path, v := range u {
		if v == Remove {
			unsetPath(doc, path)
			continue
		}
		setPath(doc, path, copyValue(v))
	}
	m.notify(collection)
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[collection][id]; !ok {
		return nil
	}
	delete(m.data[collection], id)
	m.notify(collection)
	return nil
}

func (m *Memory) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.query(q), nil
}

func (m *Memory) DeleteWhere(ctx context.Context, q Query) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, doc := range m.data[q.Collection] {
		if matches(doc, q) {
			delete(m.data[q.Collection], id)
			n++
		}
	}
	if n > 0 {
		m.notify(q.Collection)
	}
	return n, nil
}

func (m *Memory) WatchDoc(ctx context.Context, collection, id string) (Subscription, error) {
	return m.watch(ctx, &memWatch{collection: collection, docID: id})
}

func (m *Memory) WatchQuery(ctx context.Context, q Query) (Subscription, error) {
	return m.watch(ctx, &memWatch{collection: q.Collection, query: &q})
}

func (m *Memory) watch(ctx context.Context, w *memWatch) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.latestSub = newLatestSub(func() { m.remove(w) })
	m.mu.Lock()
	m.watchers[w] = struct{}{}
	w.push(m.snapshot(w))
	m.mu.Unlock()
	w.closeOnDone(ctx)
	return w, nil
}

// Watchers returns the number of open subscriptions.
func (m *Memory) Watchers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// Fail delivers err to every open subscription on collection, as a broken
// backend feed would.
func (m *Memory) Fail(collection string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for w := range m.watchers {
		if w.collection == collection {
			w.push(Snapshot{Err: err})
		}
	}
}

func (m *Memory) put(collection, id string, doc Document) {
	if m.data[collection] == nil {
		m.data[collection] = make(map[string]Document)
	}
	c := copyDoc(doc)
	c[IDField] = id
	m.data[collection][id] = c
}

// notify must be called with m.mu held.
func (m *Memory) notify(collection string) {
	for w := range m.watchers {
		if w.collection == collection {
			w.push(m.snapshot(w))
		}
	}
}

func (m *Memory) snapshot(w *memWatch) Snapshot {
	if w.query != nil {
		return Snapshot{Docs: m.query(*w.query)}
	}
	doc, ok := m.data[w.collection][w.docID]
	if !ok {
		return Snapshot{Docs: []Document{}}
	}
	return Snapshot{Docs: []Document{copyDoc(doc)}}
}

func (m *Memory) query(q Query) []Document {
	out := []Document{}
	for _, doc := range m.data[q.Collection] {
		if matches(doc, q) {
			out = append(out, copyDoc(doc))
		}
	}
	sortDocs(out, q)
	return out
}

func (m *Memory) remove(w *memWatch) {
	m.mu.Lock()
	delete(m.watchers, w)
	m.mu.Unlock()
}

type memWatch struct {
	*latestSub
	collection string
	docID      string
	query      *Query
}

func matches(doc Document, q Query) bool {
	if q.Field == "" {
		return true
	}
	v, ok := getPath(doc, q.Field)
	return ok && equalValues(v, q.Value)
}

func sortDocs(docs []Document, q Query) {
	if q.OrderBy == "" {
		sort.Slice(docs, func(i, j int) bool { return docs[i].ID() < docs[j].ID() })
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, _ := getPath(docs[i], q.OrderBy)
		b, _ := getPath(docs[j], q.OrderBy)
		if q.Desc {
			return lessValues(b, a)
		}
		return lessValues(a, b)
	})
}

func getPath(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			if d, isDoc := cur.(Document); isDoc {
				m = d
			} else {
				return nil, false
			}
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(doc map[string]any, path string, v any) {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
}

func unsetPath(doc map[string]any, path string) {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
}

func copyDoc(d map[string]any) Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case Document:
		return map[string]any(copyDoc(t))
	case map[string]any:
		return map[string]any(copyDoc(t))
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case map[string]bool:
		out := make(map[string]any, len(t))
		for k, b := range t {
			out[k] = b
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return v
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func lessValues(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa < fb
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}
