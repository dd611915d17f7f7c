// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"fmt"
	"strings"
)

// NodeSpec holds the Oracle-provided fields of a new question node.
type NodeSpec struct {
	Instruction  string
	QuestionText string
	Options      Options
	Capability   Capability
	Complexity   int
}

type actionKey struct {
	nodeID int
	text   string
}

// Store is the MCTS statistics table for one (image, final question) pair.
//
// It owns every question node and answer action created by every chain of
// the pair. Ids are dense and assigned in creation order; nothing is ever
// deleted.
//
// Thread Safety: NOT safe for concurrent use. A tree build is
// single-threaded and owns its Store exclusively.
type Store struct {
	nodes    []*QuestionNode
	actions  []*AnswerAction
	children map[int][]int
	byKey    map[actionKey]int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		children: make(map[int][]int),
		byKey:    make(map[actionKey]int),
	}
}

// NodeCount returns the number of question nodes.
func (s *Store) NodeCount() int {
	return len(s.nodes)
}

// ActionCount returns the number of answer actions.
func (s *Store) ActionCount() int {
	return len(s.actions)
}

// HasRoot reports whether the root node has been created.
func (s *Store) HasRoot() bool {
	return len(s.nodes) > 0
}

// Root returns the root node.
func (s *Store) Root() (*QuestionNode, error) {
	if len(s.nodes) == 0 {
		return nil, ErrNoRoot
	}
	return s.nodes[RootID], nil
}

// AddRoot creates the root node (id 0, parent −1, visit count 1).
//
// Outputs:
//   - *QuestionNode: The root. The pointer is owned by the store.
//   - error: ErrRootExists if the store already has nodes.
func (s *Store) AddRoot(spec NodeSpec) (*QuestionNode, error) {
	if len(s.nodes) > 0 {
		return nil, ErrRootExists
	}
	return s.append(RootParentID, spec), nil
}

// AddNode creates a child of parentID with id = current node count,
// visit count 1 and victory count 0.
func (s *Store) AddNode(parentID int, spec NodeSpec) (*QuestionNode, error) {
	if _, err := s.Node(parentID); err != nil {
		return nil, err
	}
	return s.append(parentID, spec), nil
}

func (s *Store) append(parentID int, spec NodeSpec) *QuestionNode {
	n := &QuestionNode{
		ID:           len(s.nodes),
		ParentID:     parentID,
		Instruction:  spec.Instruction,
		QuestionText: spec.QuestionText,
		Options:      spec.Options.Clone(),
		Capability:   spec.Capability,
		Complexity:   spec.Complexity,
		VisitCount:   1,
	}
	s.nodes = append(s.nodes, n)
	if parentID != RootParentID {
		s.children[parentID] = append(s.children[parentID], n.ID)
	}
	return n
}

// Node returns the node with the given id. The pointer is owned by the store.
func (s *Store) Node(id int) (*QuestionNode, error) {
	if id < 0 || id >= len(s.nodes) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return s.nodes[id], nil
}

// ChildrenOf returns the children of id in creation order.
func (s *Store) ChildrenOf(id int) []*QuestionNode {
	ids := s.children[id]
	out := make([]*QuestionNode, len(ids))
	for i, cid := range ids {
		out[i] = s.nodes[cid]
	}
	return out
}

// IsLeaf reports whether id has no children.
func (s *Store) IsLeaf(id int) bool {
	return len(s.children[id]) == 0
}

// Visit increments the visit count of a node.
func (s *Store) Visit(id int) error {
	n, err := s.Node(id)
	if err != nil {
		return err
	}
	n.VisitCount++
	return nil
}

// ResolveAction returns the action answering nodeID with text, creating it
// if this is the first observation. A repeat observation increments the
// existing action's visit count.
//
// Outputs:
//   - *AnswerAction: The resolved action, owned by the store.
//   - bool: True if the action was created by this call.
//   - error: ErrUnknownNode if nodeID does not exist.
func (s *Store) ResolveAction(nodeID int, text string) (*AnswerAction, bool, error) {
	if _, err := s.Node(nodeID); err != nil {
		return nil, false, err
	}
	a, created := s.resolve(nodeID, text, nil)
	return a, created, nil
}

// ResolveFinalAction resolves the sentinel action answering the final
// question. endNodeID is recorded only when the action is created.
func (s *Store) ResolveFinalAction(text string, endNodeID int) (*AnswerAction, bool, error) {
	if _, err := s.Node(endNodeID); err != nil {
		return nil, false, err
	}
	end := endNodeID
	a, created := s.resolve(FinalQuestionNodeID, text, &end)
	return a, created, nil
}

func (s *Store) resolve(nodeID int, text string, end *int) (*AnswerAction, bool) {
	key := actionKey{nodeID: nodeID, text: text}
	if id, found := s.byKey[key]; found {
		a := s.actions[id]
		a.VisitCount++
		return a, false
	}
	a := &AnswerAction{
		ID:             len(s.actions),
		QuestionNodeID: nodeID,
		AnswerText:     text,
		VisitCount:     1,
		ChainEndNodeID: end,
	}
	s.actions = append(s.actions, a)
	s.byKey[key] = a.ID
	return a, true
}

// Action returns the action with the given id. The pointer is owned by the store.
func (s *Store) Action(id int) (*AnswerAction, error) {
	if id < 0 || id >= len(s.actions) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAction, id)
	}
	return s.actions[id], nil
}

// Backpropagate adds one victory to every node and action referenced by a
// Question, Answer or FinalAnswer entry of chain. FinalQuestion entries are
// skipped. References are checked before anything is modified.
//
// Outputs:
//   - int: Number of increments applied.
//   - error: ErrUnknownNode/ErrUnknownAction on a dangling reference.
func (s *Store) Backpropagate(chain Chain) (int, error) {
	if err := s.checkRefs(chain); err != nil {
		return 0, err
	}
	applied := 0
	for _, e := range chain {
		switch e.Kind {
		case EntryQuestion:
			s.nodes[e.Ref].VictoryCount++
			applied++
		case EntryAnswer, EntryFinalAnswer:
			s.actions[e.Ref].VictoryCount++
			applied++
		}
	}
	return applied, nil
}

func (s *Store) checkRefs(chain Chain) error {
	for _, e := range chain {
		switch e.Kind {
		case EntryQuestion:
			if _, err := s.Node(e.Ref); err != nil {
				return err
			}
		case EntryAnswer, EntryFinalAnswer:
			if _, err := s.Action(e.Ref); err != nil {
				return err
			}
		}
	}
	return nil
}

// MarkProvisional flags nodes and actions created by a chain that was
// abandoned. Unknown ids are ignored.
func (s *Store) MarkProvisional(nodeIDs, actionIDs []int) {
	for _, id := range nodeIDs {
		if n, err := s.Node(id); err == nil {
			n.Provisional = true
		}
	}
	for _, id := range actionIDs {
		if a, err := s.Action(id); err == nil {
			a.Provisional = true
		}
	}
}

// ClearProvisional clears the provisional flag on everything chain references.
//
// Outputs:
//   - int: Number of flags cleared.
func (s *Store) ClearProvisional(chain Chain) int {
	cleared := 0
	for _, e := range chain {
		switch e.Kind {
		case EntryQuestion:
			if n, err := s.Node(e.Ref); err == nil && n.Provisional {
				n.Provisional = false
				cleared++
			}
		case EntryAnswer, EntryFinalAnswer:
			if a, err := s.Action(e.Ref); err == nil && a.Provisional {
				a.Provisional = false
				cleared++
			}
		}
	}
	return cleared
}

// Nodes returns deep copies of all nodes in id order.
func (s *Store) Nodes() []QuestionNode {
	out := make([]QuestionNode, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = copyNode(n)
	}
	return out
}

// Actions returns deep copies of all actions in id order.
func (s *Store) Actions() []AnswerAction {
	out := make([]AnswerAction, len(s.actions))
	for i, a := range s.actions {
		out[i] = copyAction(a)
	}
	return out
}

// Snapshot returns deep copies of the nodes and actions chain references,
// each once, in order of first reference.
func (s *Store) Snapshot(chain Chain) ([]QuestionNode, []AnswerAction, error) {
	if err := s.checkRefs(chain); err != nil {
		return nil, nil, err
	}
	var (
		nodes    []QuestionNode
		actions  []AnswerAction
		seenNode = make(map[int]bool)
		seenAct  = make(map[int]bool)
	)
	for _, e := range chain {
		switch e.Kind {
		case EntryQuestion:
			if !seenNode[e.Ref] {
				seenNode[e.Ref] = true
				nodes = append(nodes, copyNode(s.nodes[e.Ref]))
			}
		case EntryAnswer, EntryFinalAnswer:
			if !seenAct[e.Ref] {
				seenAct[e.Ref] = true
				actions = append(actions, copyAction(s.actions[e.Ref]))
			}
		}
	}
	return nodes, actions, nil
}

func copyNode(n *QuestionNode) QuestionNode {
	c := *n
	c.Options = n.Options.Clone()
	return c
}

func copyAction(a *AnswerAction) AnswerAction {
	c := *a
	if a.ChainEndNodeID != nil {
		end := *a.ChainEndNodeID
		c.ChainEndNodeID = &end
	}
	return c
}

// Restore builds a store from persisted nodes and actions and validates it.
//
// Inputs:
//   - nodes: Nodes in id order.
//   - actions: Actions in id order.
//
// Outputs:
//   - *Store: The restored store, owning copies of the inputs.
//   - error: Wraps ErrInvariant if the snapshot is inconsistent.
func Restore(nodes []QuestionNode, actions []AnswerAction) (*Store, error) {
	s := NewStore()
	for i := range nodes {
		n := copyNode(&nodes[i])
		s.nodes = append(s.nodes, &n)
		if n.ParentID != RootParentID {
			s.children[n.ParentID] = append(s.children[n.ParentID], n.ID)
		}
	}
	for i := range actions {
		a := copyAction(&actions[i])
		s.actions = append(s.actions, &a)
		key := actionKey{nodeID: a.QuestionNodeID, text: a.AnswerText}
		if _, dup := s.byKey[key]; dup {
			return nil, fmt.Errorf("%w: duplicate action (%d, %q)", ErrInvariant, a.QuestionNodeID, a.AnswerText)
		}
		s.byKey[key] = a.ID
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the structural invariants of the store.
//
// Checked: ids are dense and creation-ordered, exactly one root with id 0,
// every parent exists and was created before its child, and every action
// references an existing node or the final-question sentinel.
func (s *Store) Validate() error {
	var problems []string
	roots := 0
	for i, n := range s.nodes {
		if n.ID != i {
			problems = append(problems, fmt.Sprintf("node at index %d has id %d", i, n.ID))
		}
		if n.ParentID == RootParentID {
			roots++
			if n.ID != RootID {
				problems = append(problems, fmt.Sprintf("root has id %d", n.ID))
			}
			continue
		}
		if n.ParentID < 0 || n.ParentID >= n.ID {
			problems = append(problems, fmt.Sprintf("node %d has invalid parent %d", n.ID, n.ParentID))
		}
	}
	if len(s.nodes) > 0 && roots != 1 {
		problems = append(problems, fmt.Sprintf("%d roots", roots))
	}
	for i, a := range s.actions {
		if a.ID != i {
			problems = append(problems, fmt.Sprintf("action at index %d has id %d", i, a.ID))
		}
		if a.QuestionNodeID == FinalQuestionNodeID {
			continue
		}
		if a.QuestionNodeID < 0 || a.QuestionNodeID >= len(s.nodes) {
			problems = append(problems, fmt.Sprintf("action %d references node %d", a.ID, a.QuestionNodeID))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvariant, strings.Join(problems, "; "))
	}
	return nil
}

// Depth returns the number of edges between id and the root.
func (s *Store) Depth(id int) (int, error) {
	n, err := s.Node(id)
	if err != nil {
		return 0, err
	}
	depth := 0
	for n.ParentID != RootParentID {
		n = s.nodes[n.ParentID]
		depth++
	}
	return depth, nil
}

// Summary is a read-only digest of a store, used for reporting.
type Summary struct {
	Nodes        int                `json:"nodes"`
	Actions      int                `json:"actions"`
	FinalActions int                `json:"final_actions"`
	Provisional  int                `json:"provisional"`
	MaxDepth     int                `json:"max_depth"`
	RootVisits   int                `json:"root_visits"`
	ByCapability map[Capability]int `json:"by_capability"`
}

// Summarize computes a Summary of the store.
func (s *Store) Summarize() Summary {
	sum := Summary{
		Nodes:        len(s.nodes),
		Actions:      len(s.actions),
		ByCapability: make(map[Capability]int),
	}
	depth := make([]int, len(s.nodes))
	for _, n := range s.nodes {
		if n.ParentID == RootParentID {
			sum.RootVisits = n.VisitCount
		} else {
			depth[n.ID] = depth[n.ParentID] + 1
		}
		if depth[n.ID] > sum.MaxDepth {
			sum.MaxDepth = depth[n.ID]
		}
		if n.Provisional {
			sum.Provisional++
		}
		sum.ByCapability[n.Capability]++
	}
	for _, a := range s.actions {
		if a.IsFinal() {
			sum.FinalActions++
		}
		if a.Provisional {
			sum.Provisional++
		}
	}
	return sum
}
