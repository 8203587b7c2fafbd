package lineage

import (
	"sort"
	"strconv"

	"github.com/teranos/taxscore/taxon"
)

// treeRanks are the ranks encoded above genus, least specific first
var treeRanks = []taxon.Rank{
	taxon.Superkingdom, taxon.Kingdom, taxon.Phylum, taxon.Class, taxon.Order, taxon.Family,
}

// TreeNode is one node of the structured lineage. Parent is empty at the root.
type TreeNode struct {
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
	Rank   string `json:"rank"`
}

// Tree maps colon-joined ancestor paths ("2:1224:1236") to their nodes
type Tree map[string]TreeNode

// BuildTree encodes the superkingdom..family ancestry of records into a Tree.
// Records are visited in ascending taxid order and the first writer of a path wins.
func BuildTree(records map[int64]Record) Tree {
	ids := make([]int64, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	tree := Tree{}
	for _, id := range ids {
		rec := records[id]
		parent := ""
		for _, rank := range treeRanks {
			entry := rec.Ancestor(rank)
			key := strconv.FormatInt(entry.TaxID, 10)
			if parent != "" {
				key = parent + ":" + key
			}
			if _, exists := tree[key]; !exists {
				tree[key] = TreeNode{Name: entry.Name, Parent: parent, Rank: rank.String()}
			}
			parent = key
		}
	}
	return tree
}

// Keys returns the tree's paths sorted
func (t Tree) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
