package gmdb

import (
	"slices"
)

// frame is one level of a root-to-leaf path.
type frame struct {
	pg  pgno
	p   page
	idx int
}

// treeCursor walks one B+tree: a database tree or the nested tree of a
// duplicate set. Mutations copy the path on write and may leave the stack
// stale; callers seek again afterwards.
type treeCursor struct {
	txn   *Txn
	tree  *tree
	cmp   Comparer
	stack []frame
}

func newTreeCursor(txn *Txn, t *tree, cmp Comparer) *treeCursor {
	return &treeCursor{txn: txn, tree: t, cmp: cmp, stack: make([]frame, 0, 8)}
}

func (c *treeCursor) reset() { c.stack = c.stack[:0] }

func (c *treeCursor) leaf() *frame { return &c.stack[len(c.stack)-1] }

// valid reports whether the cursor points at a node.
func (c *treeCursor) valid() bool {
	if len(c.stack) == 0 {
		return false
	}
	f := c.leaf()
	return f.idx >= 0 && f.idx < f.p.numKeys()
}

func (c *treeCursor) node() node {
	f := c.leaf()
	return f.p.node(f.idx)
}

func (c *treeCursor) key() []byte { return c.node().key() }

func (c *treeCursor) push(pg pgno) (page, error) {
	if len(c.stack) >= CursorStackSize {
		return nil, NewError(ErrCursorFull)
	}
	p, err := c.txn.getPage(pg)
	if err != nil {
		return nil, err
	}
	if err := checkPage(p, pg, pageBranch|pageLeaf); err != nil {
		return nil, err
	}
	c.stack = append(c.stack, frame{pg: pg, p: p})
	return p, nil
}

// searchLeaf returns the first index whose key is >= key.
func searchLeaf(p page, key []byte, cmp Comparer) (int, bool) {
	lo, hi := 0, p.numKeys()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if cmp.Compare(p.key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < p.numKeys() && cmp.Compare(p.key(lo), key) == 0
}

// searchBranch returns the child whose range covers key. The key of entry
// 0 is never consulted.
func searchBranch(p page, key []byte, cmp Comparer) int {
	lo, hi := 1, p.numKeys()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if cmp.Compare(p.key(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// seek positions at the first key >= key. The leaf index may equal the
// number of keys when every key of that leaf is smaller.
func (c *treeCursor) seek(key []byte) (bool, error) {
	c.reset()
	if c.tree.isEmpty() {
		return false, nil
	}
	pg := c.tree.root
	for {
		p, err := c.push(pg)
		if err != nil {
			return false, err
		}
		f := c.leaf()
		if p.isLeaf() {
			i, exact := searchLeaf(p, key, c.cmp)
			f.idx = i
			return exact, nil
		}
		f.idx = searchBranch(p, key, c.cmp)
		pg = p.child(f.idx)
	}
}

// seekGE is seek followed by a step onto the next leaf when the key falls
// past the end of the one found.
func (c *treeCursor) seekGE(key []byte) (bool, bool, error) {
	exact, err := c.seek(key)
	if err != nil || exact {
		return exact, exact, err
	}
	if len(c.stack) == 0 {
		return false, false, nil
	}
	if f := c.leaf(); f.idx >= f.p.numKeys() {
		ok, err := c.next()
		return false, ok, err
	}
	return false, true, nil
}

// descend pushes children from the top frame down to a leaf.
func (c *treeCursor) descend(left bool) error {
	for {
		f := c.leaf()
		if f.p.isLeaf() {
			return nil
		}
		p, err := c.push(f.p.child(f.idx))
		if err != nil {
			return err
		}
		if nf := c.leaf(); !left {
			nf.idx = p.numKeys() - 1
		}
	}
}

func (c *treeCursor) first() (bool, error) {
	c.reset()
	if c.tree.isEmpty() {
		return false, nil
	}
	if _, err := c.push(c.tree.root); err != nil {
		return false, err
	}
	if err := c.descend(true); err != nil {
		return false, err
	}
	return c.valid(), nil
}

func (c *treeCursor) last() (bool, error) {
	c.reset()
	if c.tree.isEmpty() {
		return false, nil
	}
	p, err := c.push(c.tree.root)
	if err != nil {
		return false, err
	}
	c.leaf().idx = p.numKeys() - 1
	if err := c.descend(false); err != nil {
		return false, err
	}
	return c.valid(), nil
}

// next moves to the following node. At the end the leaf index is left one
// past the last node so that prev returns the last node.
func (c *treeCursor) next() (bool, error) {
	if len(c.stack) == 0 {
		return false, nil
	}
	f := c.leaf()
	if f.idx+1 < f.p.numKeys() {
		f.idx++
		return true, nil
	}
	for lvl := len(c.stack) - 2; lvl >= 0; lvl-- {
		b := &c.stack[lvl]
		if b.idx+1 < b.p.numKeys() {
			b.idx++
			c.stack = c.stack[:lvl+1]
			if err := c.descend(true); err != nil {
				return false, err
			}
			return c.valid(), nil
		}
	}
	f.idx = f.p.numKeys()
	return false, nil
}

func (c *treeCursor) prev() (bool, error) {
	if len(c.stack) == 0 {
		return false, nil
	}
	f := c.leaf()
	if f.idx > 0 {
		if f.idx > f.p.numKeys() {
			f.idx = f.p.numKeys()
		}
		f.idx--
		return true, nil
	}
	for lvl := len(c.stack) - 2; lvl >= 0; lvl-- {
		b := &c.stack[lvl]
		if b.idx > 0 {
			b.idx--
			c.stack = c.stack[:lvl+1]
			if err := c.descend(false); err != nil {
				return false, err
			}
			return c.valid(), nil
		}
	}
	return false, nil
}

// touch copies the whole path on write, relinking parents to new copies.
func (c *treeCursor) touch() error {
	for i := range c.stack {
		f := &c.stack[i]
		p, npg, err := c.txn.touch(f.pg)
		if err != nil {
			return err
		}
		if npg != f.pg {
			if i == 0 {
				c.tree.root = npg
			} else {
				par := &c.stack[i-1]
				par.p.setChild(par.idx, npg)
			}
			f.pg = npg
		}
		f.p = p
	}
	c.tree.modTxnid = c.txn.id
	return nil
}

// initRoot creates the root leaf of an empty tree and positions on it.
func (c *treeCursor) initRoot() error {
	p, pg, err := c.txn.allocPage(pageLeaf)
	if err != nil {
		return err
	}
	c.tree.root = pg
	c.tree.height = 1
	c.tree.leafPages = 1
	c.tree.modTxnid = c.txn.id
	c.stack = append(c.stack[:0], frame{pg: pg, p: p})
	return nil
}

// insertAt inserts raw at position idx of level lvl, splitting as needed.
// The path must be touched.
func (c *treeCursor) insertAt(lvl, idx int, raw []byte, appendMode bool) error {
	f := &c.stack[lvl]
	if f.p.fits(len(raw)) {
		f.p.insertNode(idx, raw)
		return nil
	}
	return c.split(lvl, idx, raw, appendMode)
}

// replace swaps the current leaf node for raw.
func (c *treeCursor) replace(raw []byte) error {
	f := c.leaf()
	old := f.p.rawNode(f.idx)
	if align2(len(old)) == align2(len(raw)) {
		copy(old[:len(raw)], raw)
		return nil
	}
	f.p.removeNode(f.idx)
	return c.insertAt(len(c.stack)-1, f.idx, raw, false)
}

// splitPoint picks the most balanced cut that leaves both halves fitting.
// In append mode the last node moves alone to the new page.
func splitPoint(nodes [][]byte, space int, appendEnd bool) int {
	n := len(nodes)
	if appendEnd {
		return n - 1
	}
	total := 0
	for _, raw := range nodes {
		total += align2(len(raw)) + 2
	}
	best, bestDiff := -1, 0
	left := 0
	for k := 1; k < n; k++ {
		left += align2(len(nodes[k-1])) + 2
		right := total - left
		if left > space || right > space {
			continue
		}
		d := left - right
		if d < 0 {
			d = -d
		}
		if best < 0 || d < bestDiff {
			best, bestDiff = k, d
		}
	}
	return best
}

func (c *treeCursor) split(lvl, idx int, raw []byte, appendMode bool) error {
	f := c.stack[lvl]
	branch := f.p.isBranch()
	nodes := slices.Insert(f.p.rawNodes(), idx, raw)
	k := splitPoint(nodes, f.p.bodySize(), appendMode && idx == len(nodes)-1)
	if k <= 0 {
		return WrapError(ErrPageFull, corruptf("page %d: no split point for %d nodes", f.pg, len(nodes)))
	}
	rp, rpg, err := c.txn.allocPage(f.p.flags() & (pageBranch | pageLeaf))
	if err != nil {
		return err
	}
	sep := slices.Clone(node(nodes[k]).key())
	right := nodes[k:]
	if branch {
		right[0] = branchNode(nil, node(right[0]).child())
		c.tree.branchPages++
	} else {
		c.tree.leafPages++
	}
	f.p.rebuild(nodes[:k])
	rp.rebuild(right)

	if lvl == 0 {
		root, rootPg, err := c.txn.allocPage(pageBranch)
		if err != nil {
			return err
		}
		root.insertNode(0, branchNode(nil, f.pg))
		root.insertNode(1, branchNode(sep, rpg))
		c.tree.root = rootPg
		c.tree.height++
		c.tree.branchPages++
		return nil
	}
	par := &c.stack[lvl-1]
	pidx := par.idx + 1
	return c.insertAt(lvl-1, pidx, branchNode(sep, rpg), appendMode && pidx == par.p.numKeys())
}

// freeTreePage releases a branch or leaf page of this tree.
func (c *treeCursor) freeTreePage(f *frame) {
	if f.p.isBranch() {
		c.tree.branchPages--
	} else {
		c.tree.leafPages--
	}
	c.txn.freePage(f.pg)
}

// removeEntry deletes a branch entry, keeping entry 0 keyless.
func removeEntry(p page, i int) {
	p.removeNode(i)
	if i == 0 && p.numKeys() > 0 && p.node(0).ksize() > 0 {
		child := p.child(0)
		p.removeNode(0)
		p.insertNode(0, branchNode(nil, child))
	}
}

// deleteCurrent removes the current leaf node and rebalances. The path must
// be touched.
func (c *treeCursor) deleteCurrent() error {
	f := c.leaf()
	f.p.removeNode(f.idx)
	return c.rebalance(len(c.stack) - 1)
}

// rebalance fixes level lvl after a removal. Pages are merged lazily: only
// below a quarter full and only when the result fits one page.
func (c *treeCursor) rebalance(lvl int) error {
	f := &c.stack[lvl]
	n := f.p.numKeys()
	if lvl == 0 {
		return c.rebalanceRoot()
	}
	if n > 0 && f.p.usedSpace() >= f.p.bodySize()/4 {
		return nil
	}
	par := &c.stack[lvl-1]
	if n == 0 {
		c.freeTreePage(f)
		removeEntry(par.p, par.idx)
		return c.rebalance(lvl - 1)
	}
	return c.merge(lvl)
}

func (c *treeCursor) rebalanceRoot() error {
	f := &c.stack[0]
	if f.p.numKeys() == 0 {
		c.freeTreePage(f)
		c.tree.root = invalidPgno
		c.tree.height = 0
		c.reset()
		return nil
	}
	for f.p.isBranch() && f.p.numKeys() == 1 {
		child := f.p.child(0)
		c.freeTreePage(f)
		c.tree.root = child
		c.tree.height--
		p, err := c.txn.getPage(child)
		if err != nil {
			return err
		}
		c.stack = append(c.stack[:0], frame{pg: child, p: p})
		f = &c.stack[0]
	}
	return nil
}

// merge folds the page at lvl together with a sibling, right into left.
func (c *treeCursor) merge(lvl int) error {
	f := &c.stack[lvl]
	par := &c.stack[lvl-1]
	if par.p.numKeys() < 2 {
		return nil
	}
	li, ri := par.idx-1, par.idx
	if par.idx == 0 {
		li, ri = 0, 1
	}
	sibIdx := li
	if sibIdx == par.idx {
		sibIdx = ri
	}
	sibPg := par.p.child(sibIdx)
	sib, err := c.txn.getPage(sibPg)
	if err != nil {
		return err
	}
	if err := checkPage(sib, sibPg, f.p.flags()&(pageBranch|pageLeaf)); err != nil {
		return err
	}

	left, right := f.p, sib
	rightPg := sibPg
	if sibIdx == li {
		left, right = sib, f.p
		rightPg = f.pg
	}
	sep := slices.Clone(par.p.key(ri))
	branch := f.p.isBranch()
	need := left.usedSpace() + right.usedSpace()
	if branch {
		need += align2(NodeHeaderSize+len(sep)) - align2(NodeHeaderSize+right.node(0).ksize())
	}
	if need > left.bodySize() {
		return nil
	}
	if sibIdx == li {
		lp, npg, err := c.txn.touch(sibPg)
		if err != nil {
			return err
		}
		if npg != sibPg {
			par.p.setChild(li, npg)
		}
		left = lp
	}
	nodes := right.rawNodes()
	if branch {
		nodes[0] = branchNode(sep, node(nodes[0]).child())
	}
	base := left.numKeys()
	for i, raw := range nodes {
		left.insertNode(base+i, raw)
	}
	c.freeTreePage(&frame{pg: rightPg, p: right})
	removeEntry(par.p, ri)
	return c.rebalance(lvl - 1)
}

// walk visits every page of the tree, children before parents.
func (c *treeCursor) walk(fn func(pg pgno, p page, depth int) error) error {
	if c.tree.isEmpty() {
		return nil
	}
	return c.walkPage(c.tree.root, 0, fn)
}

func (c *treeCursor) walkPage(pg pgno, depth int, fn func(pgno, page, int) error) error {
	if depth >= CursorStackSize {
		return NewError(ErrCursorFull)
	}
	p, err := c.txn.getPage(pg)
	if err != nil {
		return err
	}
	if err := checkPage(p, pg, pageBranch|pageLeaf); err != nil {
		return err
	}
	if p.isBranch() {
		for i := 0; i < p.numKeys(); i++ {
			if err := c.walkPage(p.child(i), depth+1, fn); err != nil {
				return err
			}
		}
	}
	return fn(pg, p, depth)
}

// freeAll releases every page of the tree, including large values and
// nested duplicate trees, and empties it.
func (c *treeCursor) freeAll() error {
	err := c.walk(func(pg pgno, p page, _ int) error {
		if p.isLeaf() {
			for i := 0; i < p.numKeys(); i++ {
				n := p.node(i)
				switch {
				case n.isBig():
					c.txn.freeRun(n.bigPgno(), largePageCount(n.dsize(), c.txn.env.pageSize))
				case n.isDup() && n.isTree():
					nt, err := decodeTree(n.data())
					if err != nil {
						return err
					}
					if err := newTreeCursor(c.txn, &nt, c.cmp).freeAll(); err != nil {
						return err
					}
				}
			}
		}
		c.txn.freePage(pg)
		return nil
	})
	if err != nil {
		return err
	}
	c.tree.reset()
	c.tree.modTxnid = c.txn.id
	c.reset()
	return nil
}
