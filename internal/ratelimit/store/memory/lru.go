package memory

// lruKeys orders record keys from most to least recently used so the store can
// bound how many counter records it keeps. Not safe for concurrent use; the
// store's mutex covers it.
type lruKeys struct {
	max   int
	nodes map[string]*lruNode
	head  *lruNode
	tail  *lruNode
}

type lruNode struct {
	key  string
	prev *lruNode
	next *lruNode
}

func newLRUKeys(max int) *lruKeys {
	if max < 0 {
		max = 0
	}
	return &lruKeys{max: max, nodes: make(map[string]*lruNode)}
}

// touch marks key as most recently used, inserting it when absent.
func (lru *lruKeys) touch(key string) {
	if lru == nil {
		return
	}
	if node, ok := lru.nodes[key]; ok {
		lru.unlink(node)
		lru.pushFront(node)
		return
	}
	node := &lruNode{key: key}
	lru.nodes[key] = node
	lru.pushFront(node)
}

// remove drops a key, ignoring keys the tracker does not hold.
func (lru *lruKeys) remove(key string) {
	if lru == nil {
		return
	}
	node, ok := lru.nodes[key]
	if !ok {
		return
	}
	lru.unlink(node)
	delete(lru.nodes, key)
}

// evictIfNeeded drops least recently used keys until the tracker holds at most
// max entries, returning the dropped keys.
func (lru *lruKeys) evictIfNeeded() []string {
	if lru == nil || len(lru.nodes) <= lru.max {
		return nil
	}
	var evicted []string
	for len(lru.nodes) > lru.max && lru.tail != nil {
		victim := lru.tail
		lru.unlink(victim)
		delete(lru.nodes, victim.key)
		evicted = append(evicted, victim.key)
	}
	return evicted
}

func (lru *lruKeys) pushFront(node *lruNode) {
	node.prev = nil
	node.next = lru.head
	if lru.head != nil {
		lru.head.prev = node
	}
	lru.head = node
	if lru.tail == nil {
		lru.tail = node
	}
}

func (lru *lruKeys) unlink(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else if lru.head == node {
		lru.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else if lru.tail == node {
		lru.tail = node.prev
	}
	node.prev, node.next = nil, nil
}
