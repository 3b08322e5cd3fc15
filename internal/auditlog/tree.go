package auditlog

import (
	"fmt"
	"sort"

	xerrors "OpenOps-Agent/internal/errors"
)

// BuildTree 将扁平条目组装成以根节点为起点的树，子节点按序号排列。
func BuildTree(entries []Entry) (*TaskLog, error) {
	if len(entries) == 0 {
		return nil, ErrTaskNotFound
	}
	ordered := append([]Entry(nil), entries...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	root := ordered[0]
	if !root.IsRoot() {
		return nil, xerrors.New(CodeChainBroken, fmt.Sprintf("first entry %s is not a root", root.ID))
	}

	nodes := make(map[string]*Node, len(ordered))
	log := &TaskLog{Root: root, Entries: ordered, Steps: []*Node{}}
	for _, e := range ordered[1:] {
		node := &Node{Entry: e}
		nodes[e.ID] = node
		if e.ParentID == root.ID {
			log.Steps = append(log.Steps, node)
			continue
		}
		parent, ok := nodes[e.ParentID]
		if !ok {
			return nil, xerrors.New(CodeParentNotFound, fmt.Sprintf("entry %s references unknown parent %s", e.ID, e.ParentID))
		}
		parent.Children = append(parent.Children, node)
	}
	return log, nil
}

// Flatten 以深度优先顺序返回树中全部子节点。
func (t *TaskLog) Flatten() []Entry {
	var out []Entry
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, n := range nodes {
			out = append(out, n.Entry)
			walk(n.Children)
		}
	}
	walk(t.Steps)
	return out
}

// Find 返回第一个匹配动作名的条目。
func (t *TaskLog) Find(action string) (Entry, bool) {
	for _, e := range t.Entries {
		if e.Action == action {
			return e, true
		}
	}
	return Entry{}, false
}
